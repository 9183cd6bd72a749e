package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/singleflight"
)

const (
	transportNATS = "nats"
	// CorrelationHeader carries the correlation token on NATS messages.
	CorrelationHeader = "Correlation-Id"
	contentTypeHeader = "Content-Type"
	natsClientName    = "simtracker"
)

type natsConnectFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

// NATSOptions configures a NATSClient.
type NATSOptions struct {
	URL               string        // Required: nats:// server URL
	Prefetch          int           // Optional: buffered deliveries per subscription, default 4
	ReconnectInterval time.Duration // Optional: delay between connection attempts, default 5s
	Logger            *slog.Logger  // Optional: structured logger
	Metrics           Recorder      // Optional: connection attempt recorder

	connect natsConnectFunc
}

// NATSClient is a Client over core NATS. Reply destinations are inbox
// subjects and the correlation token travels in a message header.
//
// Delivery is at most once. Core NATS has no acknowledgements, so Ack and
// Nack on its deliveries are no-ops, a message published while no worker is
// subscribed is lost, and a subscription whose buffer is full drops messages
// as a slow consumer. Jobs whose task or reply is dropped stay pending unless
// the reaper's pending sweep (REAPER_PENDING_MAX_AGE) is enabled. Use AMQP
// where replies must survive those cases.
type NATSClient struct {
	url      string
	prefetch int
	interval time.Duration
	logger   *slog.Logger
	metrics  Recorder
	dial     natsConnectFunc

	flight singleflight.Group

	mu     sync.RWMutex
	conn   *nats.Conn
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATSClient constructs a client. No connection is made until Connect or
// the first Publish.
func NewNATSClient(opts NATSOptions) (*NATSClient, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnect
	}
	if opts.connect == nil {
		opts.connect = nats.Connect
	}
	return &NATSClient{
		url:      opts.URL,
		prefetch: opts.Prefetch,
		interval: opts.ReconnectInterval,
		logger:   componentLogger(opts.Logger, transportNATS),
		metrics:  opts.Metrics,
		dial:     opts.connect,
	}, nil
}

// Connect retries the initial connection in the background. Once connected,
// the NATS client reconnects on its own with the same interval.
func (c *NATSClient) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		op := func() error {
			_, err := c.ensureConn()
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			c.logger.WarnContext(runCtx, "broker connect failed, retrying", "error", err, "retry_in", next)
		}
		bo := backoff.WithContext(backoff.NewConstantBackOff(c.interval), runCtx)
		_ = backoff.RetryNotify(op, bo, notify)
	}()
}

func (c *NATSClient) ensureConn() (*nats.Conn, error) {
	if nc, err := c.currentConn(); err == nil || errors.Is(err, ErrClosed) {
		return nc, err
	}
	v, err, _ := c.flight.Do(connectFlightKey, func() (any, error) {
		if nc, err := c.currentConn(); err == nil || errors.Is(err, ErrClosed) {
			return nc, err
		}
		return c.connect()
	})
	if err != nil {
		return nil, err
	}
	nc, ok := v.(*nats.Conn)
	if !ok || nc == nil {
		return nil, ErrNotConnected
	}
	return nc, nil
}

func (c *NATSClient) currentConn() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// connect makes one attempt. A failure is returned unlogged; the retry loop
// and inline callers report it.
func (c *NATSClient) connect() (*nats.Conn, error) {
	nc, err := c.dial(c.url,
		nats.Name(natsClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.interval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Error("broker connection lost", "error", err)
			}
		}),
		nats.ErrorHandler(c.asyncError),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("broker reconnected", "url", conn.ConnectedUrlRedacted())
			if c.metrics != nil {
				c.metrics.RecordConnect(transportNATS, nil)
			}
		}),
	)
	if c.metrics != nil {
		c.metrics.RecordConnect(transportNATS, err)
	}
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return nil, ErrClosed
	}
	c.conn = nc
	c.mu.Unlock()

	c.logger.Info("broker connected")
	return nc, nil
}

// Publish sends msg to the subject named by queue.
func (c *NATSClient) Publish(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nc, err := c.ensureConn()
	if err != nil {
		return wrapNotConnected(err)
	}
	if err = nc.PublishMsg(buildNATSMsg(queue, msg)); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func buildNATSMsg(subject string, msg Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Body
	m.Reply = msg.ReplyTo
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.CorrelationID != "" {
		m.Header.Set(CorrelationHeader, msg.CorrelationID)
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = jsonContentType
	}
	m.Header.Set(contentTypeHeader, contentType)
	return m
}

// DeclareReplyQueue returns a fresh inbox subject. Inboxes are unique per
// call and vanish with their subscription.
func (c *NATSClient) DeclareReplyQueue(_ context.Context) (string, error) {
	if _, err := c.ensureConn(); err != nil {
		return "", wrapNotConnected(err)
	}
	return nats.NewInbox(), nil
}

// Consume subscribes to queue until ctx is cancelled.
func (c *NATSClient) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	nc, err := c.ensureConn()
	if err != nil {
		return nil, wrapNotConnected(err)
	}

	src := make(chan *nats.Msg, c.prefetch)
	sub, err := nc.ChanSubscribe(queue, src)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.logger.Debug("unsubscribe failed", "subject", queue, "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-src:
				select {
				case out <- natsDelivery(m):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// asyncError reports errors raised outside any call, slow consumer drops
// among them.
func (c *NATSClient) asyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	var subject string
	if sub != nil {
		subject = sub.Subject
	}
	if errors.Is(err, nats.ErrSlowConsumer) {
		c.logger.Warn("slow consumer, messages dropped", "subject", subject)
		return
	}
	c.logger.Error("broker async error", "subject", subject, "error", err)
}

func natsDelivery(m *nats.Msg) Delivery {
	var corrID string
	if m.Header != nil {
		corrID = m.Header.Get(CorrelationHeader)
	}
	return NewDelivery(corrID, m.Data, nil, nil)
}

// IsConnected reports whether the NATS connection is up.
func (c *NATSClient) IsConnected() bool {
	nc, err := c.currentConn()
	return err == nil && nc.IsConnected()
}

// Close stops the connection loop and drains the connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain connection: %w", err)
	}
	return nil
}
