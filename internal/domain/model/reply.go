package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrMalformedReply is returned when a worker reply cannot be decoded or validated.
var ErrMalformedReply = errors.New("malformed worker reply")

// Pollutant names a tracked species, e.g. CO, O3, NO2, SO2.
type Pollutant string

// Series is a per-box numeric series. A nil element is a value the worker
// could not compute (sent as NaN or null).
type Series []*float64

// PollutantSet maps each pollutant to its per-box concentrations.
type PollutantSet map[Pollutant]Series

// Box is one grid cell in geographic coordinates.
type Box struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Grid is the simulation grid layout.
type Grid struct {
	Boxes []Box `json:"boxes"`
}

// Environment holds the per-box meteorological inputs used by the worker.
type Environment struct {
	Temperature   Series `json:"temperature,omitempty"`
	Pressure      Series `json:"pressure,omitempty"`
	WindSpeed     Series `json:"windSpeed,omitempty"`
	WindDirection Series `json:"windDirection,omitempty"`
}

// StepSnapshot is the pollutant state at one intermediate simulation step.
type StepSnapshot struct {
	Index      int
	Pollutants PollutantSet
}

// StepSeries is the ordered list of intermediate snapshots.
//
// The worker sends steps as an object keyed by step index; an array is
// accepted too and indexed by position.
type StepSeries []StepSnapshot

// UnmarshalJSON accepts either {"0": {...}, "1": {...}} or [{...}, {...}].
func (s *StepSeries) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []PollutantSet
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		out := make(StepSeries, 0, len(list))
		for i, p := range list {
			out = append(out, StepSnapshot{Index: i, Pollutants: p})
		}
		*s = out
		return nil
	}

	var byKey map[string]PollutantSet
	if err := json.Unmarshal(trimmed, &byKey); err != nil {
		return err
	}
	out := make(StepSeries, 0, len(byKey))
	for k, p := range byKey {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("step key %q is not an integer", k)
		}
		out = append(out, StepSnapshot{Index: idx, Pollutants: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	*s = out
	return nil
}

// MarshalJSON writes the steps back in the worker's keyed-object shape.
func (s StepSeries) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	byKey := make(map[string]PollutantSet, len(s))
	for _, step := range s {
		byKey[strconv.Itoa(step.Index)] = step.Pollutants
	}
	return json.Marshal(byKey)
}

// Pollutants carries the final concentrations and, optionally, every step.
type Pollutants struct {
	FinalStep PollutantSet `json:"final_step"`
	Steps     StepSeries   `json:"steps,omitempty"`
}

// SimulationResult is the worker's successful output.
type SimulationResult struct {
	Grid        Grid        `json:"grid"`
	Pollutants  Pollutants  `json:"pollutants"`
	Environment Environment `json:"environment"`
}

// HasSnapshots reports whether the result carries per-step data
// (the final-step-plus-steps variant).
func (r *SimulationResult) HasSnapshots() bool {
	return r != nil && len(r.Pollutants.Steps) > 0
}

// Summary returns the result without per-step data, the part stored as the
// job's primary result blob.
func (r *SimulationResult) Summary() *SimulationResult {
	if r == nil {
		return nil
	}
	return &SimulationResult{
		Grid:        r.Grid,
		Pollutants:  Pollutants{FinalStep: r.Pollutants.FinalStep},
		Environment: r.Environment,
	}
}

func (r *SimulationResult) validate() error {
	if r.Grid.Boxes == nil {
		return errors.New("result.grid.boxes is required")
	}
	if r.Pollutants.FinalStep == nil {
		return errors.New("result.pollutants.final_step is required")
	}
	return nil
}

// WorkerReply is the decoded reply published by the compute worker.
// Result is set only when Status is completed.
type WorkerReply struct {
	Status JobStatus
	Result *SimulationResult
}

type wireReply struct {
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result"`
}

// ParseWorkerReply sanitizes NaN tokens and decodes a worker reply body.
// All decoding and shape errors wrap ErrMalformedReply.
func ParseWorkerReply(body []byte) (*WorkerReply, error) {
	clean := SanitizeNaN(body)

	var wire wireReply
	if err := json.Unmarshal(clean, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	if !wire.Status.Terminal() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedReply, wire.Status)
	}

	reply := &WorkerReply{Status: wire.Status}
	if wire.Status != JobStatusCompleted {
		return reply, nil
	}

	if len(wire.Result) == 0 || bytes.Equal(bytes.TrimSpace(wire.Result), []byte("null")) {
		return nil, fmt.Errorf("%w: completed reply without result", ErrMalformedReply)
	}
	var result SimulationResult
	if err := json.Unmarshal(wire.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode result: %w", ErrMalformedReply, err)
	}
	if err := result.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	reply.Result = &result
	return reply, nil
}

var (
	nanToken  = []byte("NaN")
	nullToken = []byte("null")
)

// SanitizeNaN rewrites every bare NaN token outside string literals to null.
// It must run before decoding since encoding/json rejects NaN outright.
func SanitizeNaN(body []byte) []byte {
	if !bytes.Contains(body, nanToken) {
		return body
	}

	out := make([]byte, 0, len(body)+8)
	inString := false
	escaped := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == 'N' && bytes.HasPrefix(body[i:], nanToken) &&
			!isIdentByte(prevByte(body, i)) && !isIdentByte(byteAt(body, i+len(nanToken))) {
			out = append(out, nullToken...)
			i += len(nanToken) - 1
			continue
		}
		out = append(out, c)
	}
	return out
}

func prevByte(b []byte, i int) byte {
	if i == 0 {
		return 0
	}
	return b[i-1]
}

func byteAt(b []byte, i int) byte {
	if i >= len(b) {
		return 0
	}
	return b[i]
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
