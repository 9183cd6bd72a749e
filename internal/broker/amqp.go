package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

const (
	transportAMQP     = "amqp"
	defaultPrefetch   = 4
	defaultReconnect  = 5 * time.Second
	jsonContentType   = "application/json"
	connectFlightKey  = "connect"
	consumerTagPrefix = "simtracker-"
)

// amqpConnection is the subset of *amqp.Connection used by the client.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// amqpChannel is the subset of *amqp.Channel used by the client.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpDialFunc func(url string) (amqpConnection, error)

type connAdapter struct {
	*amqp.Connection
}

func (a connAdapter) Channel() (amqpChannel, error) {
	ch, err := a.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

// AMQPOptions configures an AMQPClient.
type AMQPOptions struct {
	URL               string        // Required: amqp:// connection URL
	Prefetch          int           // Optional: unacked deliveries per consumer, default 4
	ReconnectInterval time.Duration // Optional: delay between connection attempts, default 5s
	PublishTimeout    time.Duration // Optional: upper bound for a single publish
	WorkQueues        []string      // Optional: non-durable queues asserted on every (re)connect
	Logger            *slog.Logger  // Optional: structured logger
	Metrics           Recorder      // Optional: connection attempt recorder

	dial amqpDialFunc
}

// amqpSession is one live connection plus its shared channel.
type amqpSession struct {
	conn       amqpConnection
	ch         amqpChannel
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
	done       chan struct{}
}

// AMQPClient is a RabbitMQ Client that keeps one connection and one channel
// alive for the whole process.
type AMQPClient struct {
	url            string
	prefetch       int
	interval       time.Duration
	publishTimeout time.Duration
	workQueues     []string
	logger         *slog.Logger
	metrics        Recorder
	dial           amqpDialFunc

	flight singleflight.Group

	mu      sync.RWMutex
	session *amqpSession
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAMQPClient constructs a client. No connection is made until Connect or
// the first Publish.
func NewAMQPClient(opts AMQPOptions) (*AMQPClient, error) {
	if opts.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnect
	}
	if opts.dial == nil {
		opts.dial = dialAMQP
	}
	return &AMQPClient{
		url:            opts.URL,
		prefetch:       opts.Prefetch,
		interval:       opts.ReconnectInterval,
		publishTimeout: opts.PublishTimeout,
		workQueues:     opts.WorkQueues,
		logger:         componentLogger(opts.Logger, transportAMQP),
		metrics:        opts.Metrics,
		dial:           opts.dial,
	}, nil
}

// Connect starts the background connection manager and returns immediately.
// Connection failures are logged and retried on the reconnect interval until
// ctx is cancelled or Close is called; they are never returned.
func (c *AMQPClient) Connect(ctx context.Context) {
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
		c.run(runCtx)
	}()
}

func (c *AMQPClient) run(ctx context.Context) {
	for {
		var s *amqpSession
		op := func() error {
			var err error
			s, err = c.ensureSession()
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "broker connect failed, retrying", "error", err, "retry_in", next)
		}
		bo := backoff.WithContext(backoff.NewConstantBackOff(c.interval), ctx)
		if err := backoff.RetryNotify(op, bo, notify); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			c.logger.WarnContext(ctx, "broker connection lost, reconnecting")
		}
	}
}

// ensureSession returns the live session or makes one connection attempt.
// Concurrent callers share the same attempt.
func (c *AMQPClient) ensureSession() (*amqpSession, error) {
	if s, err := c.current(); err == nil || errors.Is(err, ErrClosed) {
		return s, err
	}
	v, err, _ := c.flight.Do(connectFlightKey, func() (any, error) {
		if s, err := c.current(); err == nil || errors.Is(err, ErrClosed) {
			return s, err
		}
		return c.connect()
	})
	if err != nil {
		return nil, err
	}
	s, ok := v.(*amqpSession)
	if !ok || s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

func (c *AMQPClient) current() (*amqpSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// connect makes one attempt. A failure is returned unlogged; the retry loop
// and inline callers report it.
func (c *AMQPClient) connect() (*amqpSession, error) {
	s, err := c.open()
	if c.metrics != nil {
		c.metrics.RecordConnect(transportAMQP, err)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = s.ch.Close()
		_ = s.conn.Close()
		return nil, ErrClosed
	}
	c.session = s
	c.mu.Unlock()

	go c.watch(s)
	c.logger.Info("broker connected", "prefetch", c.prefetch)
	return s, nil
}

func (c *AMQPClient) open() (*amqpSession, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err = ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	for _, q := range c.workQueues {
		if _, err = ch.QueueDeclare(q, false, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return &amqpSession{
		conn:       conn,
		ch:         ch,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		done:       make(chan struct{}),
	}, nil
}

// watch drops the session once either the connection or the channel closes.
func (c *AMQPClient) watch(s *amqpSession) {
	var cause *amqp.Error
	select {
	case cause = <-s.connClosed:
	case cause = <-s.chClosed:
		_ = s.conn.Close()
	}

	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()

	if cause != nil {
		c.logger.Error("broker connection closed", "error", cause)
	}
	close(s.done)
}

// Publish sends a non-persistent message to queue on the default exchange.
func (c *AMQPClient) Publish(ctx context.Context, queue string, msg Message) error {
	s, err := c.ensureSession()
	if err != nil {
		return wrapNotConnected(err)
	}

	if c.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.publishTimeout)
		defer cancel()
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = jsonContentType
	}
	pub := amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Transient,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}
	if len(msg.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
	}

	if err = s.ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// DeclareReplyQueue declares an exclusive, auto-deleted, server-named queue.
func (c *AMQPClient) DeclareReplyQueue(_ context.Context) (string, error) {
	s, err := c.ensureSession()
	if err != nil {
		return "", wrapNotConnected(err)
	}
	q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare reply queue: %w", err)
	}
	return q.Name, nil
}

// Consume starts an exclusive manual-ack consumer on queue.
func (c *AMQPClient) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	s, err := c.ensureSession()
	if err != nil {
		return nil, wrapNotConnected(err)
	}

	tag := consumerTagPrefix + uuid.NewString()
	src, err := s.ch.Consume(queue, tag, false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.cancelConsumer(s, tag)
				return
			case d, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- toDelivery(d):
				case <-ctx.Done():
					c.cancelConsumer(s, tag)
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *AMQPClient) cancelConsumer(s *amqpSession, tag string) {
	select {
	case <-s.done:
		return
	default:
	}
	if err := s.ch.Cancel(tag, false); err != nil {
		c.logger.Debug("cancel consumer failed", "consumer", tag, "error", err)
	}
}

func toDelivery(d amqp.Delivery) Delivery {
	return NewDelivery(d.CorrelationId, d.Body,
		func() error { return d.Ack(false) },
		func(requeue bool) error { return d.Nack(false, requeue) },
	)
}

// IsConnected reports whether a session is currently open.
func (c *AMQPClient) IsConnected() bool {
	_, err := c.current()
	return err == nil
}

// Close stops the connection manager and closes the shared channel and connection.
func (c *AMQPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if s == nil {
		return nil
	}
	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

func wrapNotConnected(err error) error {
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotConnected, err)
}
