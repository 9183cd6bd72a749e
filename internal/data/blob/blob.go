// Package blob encodes job results as gzip-compressed JSON for storage.
package blob

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrEmpty is returned when decoding a nil or empty blob.
var ErrEmpty = errors.New("blob is empty")

// Codec compresses and decompresses opaque result blobs.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) ([]byte, error)
}

// GzipCodec implements Codec with gzip over JSON.
type GzipCodec struct {
	level int
}

// NewGzipCodec builds a codec at the given gzip level. Zero and out-of-range
// levels fall back to the default.
func NewGzipCodec(level int) *GzipCodec {
	if level == gzip.NoCompression || level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipCodec{level: level}
}

// Encode marshals v to JSON and gzip-compresses it.
func (c *GzipCodec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal blob: %w", err)
	}
	return c.Compress(raw)
}

// Compress gzip-compresses raw bytes.
func (c *GzipCodec) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err = zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err = zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses a blob produced by Encode and returns the raw JSON.
func (c *GzipCodec) Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// DecodeInto decompresses b and unmarshals the JSON into dst.
func DecodeInto(c Codec, b []byte, dst any) error {
	raw, err := c.Decode(b)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal blob: %w", err)
	}
	return nil
}
