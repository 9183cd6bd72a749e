package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/observability/metrics"
)

var (
	// ErrReplyTimeout is returned when no reply arrived within the wait window.
	ErrReplyTimeout = errors.New("no reply from simulation worker within the given time")
	// ErrReplyAbandoned settles a registration that was dropped before a reply arrived.
	ErrReplyAbandoned = errors.New("reply registration abandoned")
	// ErrReplyLost settles a registration whose reply consumer closed before a reply arrived,
	// typically because the broker connection dropped and took the exclusive queue with it.
	ErrReplyLost = errors.New("reply consumer closed before a reply arrived")
	// ErrRouterClosed is returned by Register after Close.
	ErrRouterClosed = errors.New("reply router is closed")
)

const defaultHandlerTimeout = 30 * time.Second

// ReplyHandler processes the body of a matched reply. A non-nil error nacks
// the delivery without requeue.
type ReplyHandler func(ctx context.Context, body []byte) error

// Route describes one outstanding request: replies on ReplyTo carrying Token
// resolve JobID through Handler.
type Route struct {
	Token   string
	ReplyTo string
	JobID   int64
	Handler ReplyHandler
}

// Registration tracks one Route until it is settled by a reply, by Abandon,
// or by its consumer closing.
type Registration struct {
	route  Route
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Token returns the correlation token of the registration.
func (reg *Registration) Token() string { return reg.route.Token }

// JobID returns the job resolved by the registration.
func (reg *Registration) JobID() int64 { return reg.route.JobID }

// Done is closed once the registration is settled.
func (reg *Registration) Done() <-chan struct{} { return reg.done }

// Err reports how the registration settled: nil after a successful handler
// run, the handler's error, or one of ErrReplyAbandoned, ErrReplyLost and
// ErrRouterClosed. It is only meaningful after Done is closed.
func (reg *Registration) Err() error {
	select {
	case <-reg.done:
		return reg.err
	default:
		return nil
	}
}

func (reg *Registration) settle(err error) {
	reg.once.Do(func() {
		reg.err = err
		close(reg.done)
	})
}

// ReplyRouterOptions groups dependencies for ReplyRouter.
type ReplyRouterOptions struct {
	Broker         broker.Client // Required: transport used to consume reply destinations
	HandlerTimeout time.Duration // Optional: upper bound for one handler run, default 30s
	Logger         *slog.Logger  // Optional: structured logger
	Metrics        Metrics       // Optional: reply outcome metrics
}

// ReplyRouter keeps the in-memory registry of outstanding requests and runs
// one consumer per reply destination. Each registration is consumed at most
// once.
type ReplyRouter struct {
	broker         broker.Client
	handlerTimeout time.Duration
	logger         *slog.Logger
	metrics        Metrics

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	routes map[string]*Registration
	closed bool
}

// NewReplyRouter constructs a ReplyRouter.
func NewReplyRouter(opts ReplyRouterOptions) (*ReplyRouter, error) {
	if opts.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &ReplyRouter{
		broker:         opts.Broker,
		handlerTimeout: opts.HandlerTimeout,
		logger:         componentLogger(opts.Logger, "reply_router"),
		metrics:        metricsOrNop(opts.Metrics),
		baseCtx:        baseCtx,
		stop:           stop,
		routes:         make(map[string]*Registration),
	}, nil
}

// Register starts consuming rt.ReplyTo and records the route. It must return
// before the request is published so that no reply can arrive unregistered.
// The consumer outlives ctx; it ends when the route settles or the router closes.
func (r *ReplyRouter) Register(ctx context.Context, rt Route) (*Registration, error) {
	if rt.Token == "" || rt.ReplyTo == "" || rt.Handler == nil {
		return nil, errors.New("route requires token, reply destination and handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	if _, dup := r.routes[rt.Token]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("correlation token %s already registered", rt.Token)
	}
	r.mu.Unlock()

	consumeCtx, cancel := context.WithCancel(r.baseCtx)
	deliveries, err := r.broker.Consume(consumeCtx, rt.ReplyTo)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consume reply destination: %w", err)
	}

	reg := &Registration{route: rt, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrRouterClosed
	}
	r.routes[rt.Token] = reg
	pending := len(r.routes)
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.SetPendingReplies(pending)
	r.logger.DebugContext(ctx, "reply route registered",
		"job_id", rt.JobID, "correlation_id", rt.Token, "reply_to", rt.ReplyTo)

	go r.consume(reg, deliveries)
	return reg, nil
}

func (r *ReplyRouter) consume(reg *Registration, deliveries <-chan broker.Delivery) {
	defer r.wg.Done()
	defer reg.cancel()

	rt := reg.route
	for d := range deliveries {
		if d.CorrelationID != rt.Token {
			r.metrics.RecordReply(metrics.ReplyIgnored)
			r.logger.Debug("ignoring reply with foreign correlation id",
				"job_id", rt.JobID, "correlation_id", d.CorrelationID, "expected", rt.Token)
			continue
		}
		if !r.claim(rt.Token) {
			return
		}
		r.handle(reg, d)
		return
	}

	if r.claim(rt.Token) {
		r.metrics.RecordReply(metrics.ReplyAbandoned)
		r.logger.Warn("reply consumer closed before a reply arrived",
			"job_id", rt.JobID, "correlation_id", rt.Token, "reply_to", rt.ReplyTo)
		reg.settle(ErrReplyLost)
	}
}

func (r *ReplyRouter) handle(reg *Registration, d broker.Delivery) {
	rt := reg.route
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), r.handlerTimeout)
	defer cancel()

	err := rt.Handler(ctx, d.Body)
	if err != nil {
		r.metrics.RecordReply(metrics.ReplyFailed)
		r.logger.ErrorContext(ctx, "reply handler failed, rejecting delivery",
			"job_id", rt.JobID, "correlation_id", rt.Token, "error", err)
		if nackErr := d.Nack(false); nackErr != nil {
			r.logger.WarnContext(ctx, "nack failed", "job_id", rt.JobID, "error", nackErr)
		}
	} else {
		r.metrics.RecordReply(metrics.ReplyMatched)
		if ackErr := d.Ack(); ackErr != nil {
			r.logger.WarnContext(ctx, "ack failed", "job_id", rt.JobID, "error", ackErr)
		}
	}
	reg.settle(err)
}

// claim removes the route so that nothing else can settle it.
func (r *ReplyRouter) claim(token string) bool {
	r.mu.Lock()
	_, ok := r.routes[token]
	delete(r.routes, token)
	pending := len(r.routes)
	r.mu.Unlock()
	if ok {
		r.metrics.SetPendingReplies(pending)
	}
	return ok
}

// Abandon drops a registration that has not been claimed by a reply yet and
// cancels its consumer. It reports whether the registration was dropped; false
// means a reply already claimed it (or it was never registered).
func (r *ReplyRouter) Abandon(token string) bool {
	r.mu.Lock()
	reg, ok := r.routes[token]
	r.mu.Unlock()
	if !ok || !r.claim(token) {
		return false
	}
	reg.cancel()
	reg.settle(ErrReplyAbandoned)
	r.metrics.RecordReply(metrics.ReplyAbandoned)
	return true
}

// Await blocks until reg settles, timeout elapses or ctx ends. On timeout the
// registration is abandoned and ErrReplyTimeout returned; if a reply claimed
// it in the meantime, Await waits for that handler instead.
//
// When ctx ends first Await returns ctx.Err() and leaves the registration in
// place, so a late reply is still handled as it would be for Dispatch.
func (r *ReplyRouter) Await(ctx context.Context, reg *Registration, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-reg.Done():
		return reg.Err()
	case <-timer.C:
		if r.Abandon(reg.Token()) {
			r.metrics.RecordReply(metrics.ReplyTimeout)
			return ErrReplyTimeout
		}
	case <-ctx.Done():
		r.logger.DebugContext(ctx, "caller stopped waiting, reply left to its handler",
			"job_id", reg.JobID(), "correlation_id", reg.Token())
		return ctx.Err()
	}
	<-reg.Done()
	return reg.Err()
}

// Pending returns the number of registrations still waiting for a reply.
func (r *ReplyRouter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// Close abandons every outstanding registration, stops all consumers and
// waits for running handlers to finish. Exclusive reply destinations are
// removed by the broker once their consumers are gone.
func (r *ReplyRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	routes := r.routes
	r.routes = make(map[string]*Registration)
	r.mu.Unlock()

	if n := len(routes); n > 0 {
		r.logger.Warn("closing reply router with outstanding registrations", "count", n)
	}
	for _, reg := range routes {
		reg.cancel()
		reg.settle(ErrRouterClosed)
	}
	r.stop()
	r.wg.Wait()
	r.metrics.SetPendingReplies(0)
	return nil
}
