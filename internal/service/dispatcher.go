package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

const defaultPublishTimeout = 10 * time.Second

// DispatcherOptions groups dependencies for Dispatcher.
type DispatcherOptions struct {
	Broker         broker.Client // Required: task transport
	Router         *ReplyRouter  // Required: reply registry
	Reconciler     *Reconciler   // Required: applies replies and dispatch failures
	Queue          string        // Required: work queue of the compute worker
	PublishTimeout time.Duration // Optional: bound for one publish, default 10s
	NewToken       func() string // Optional: correlation token source, default UUIDv4
	Logger         *slog.Logger  // Optional: structured logger
	Metrics        Metrics       // Optional: dispatch metrics
}

// Dispatcher publishes simulation tasks to the worker queue. Every task gets
// its own reply destination and correlation token, registered with the
// router before the task leaves the process.
type Dispatcher struct {
	broker         broker.Client
	router         *ReplyRouter
	reconciler     *Reconciler
	queue          string
	publishTimeout time.Duration
	newToken       func() string
	logger         *slog.Logger
	metrics        Metrics
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	switch {
	case opts.Broker == nil:
		return nil, errors.New("broker client is required")
	case opts.Router == nil:
		return nil, errors.New("reply router is required")
	case opts.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	case opts.Queue == "":
		return nil, errors.New("request queue is required")
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	return &Dispatcher{
		broker:         opts.Broker,
		router:         opts.Router,
		reconciler:     opts.Reconciler,
		queue:          opts.Queue,
		publishTimeout: opts.PublishTimeout,
		newToken:       opts.NewToken,
		logger:         componentLogger(opts.Logger, "dispatcher"),
		metrics:        metricsOrNop(opts.Metrics),
	}, nil
}

// Dispatch sends the task for jobID and returns once it is published. The
// reply is handled in the background. If the task cannot be sent, the job is
// marked failed before Dispatch returns the error.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64, params json.RawMessage) error {
	_, err := d.Send(ctx, jobID, params)
	return err
}

// Send is Dispatch for callers that wait on the reply themselves.
func (d *Dispatcher) Send(ctx context.Context, jobID int64, params json.RawMessage) (*Registration, error) {
	reg, err := d.send(ctx, jobID, params)
	d.metrics.RecordDispatch(err)
	if err != nil {
		d.logger.ErrorContext(ctx, "dispatch failed", "job_id", jobID, "error", err)
		if failErr := d.reconciler.Fail(context.WithoutCancel(ctx), jobID, err); failErr != nil {
			return nil, errors.Join(err, failErr)
		}
		return nil, err
	}
	d.logger.InfoContext(ctx, "simulation task published",
		"job_id", jobID, "correlation_id", reg.Token(), "queue", d.queue)
	return reg, nil
}

func (d *Dispatcher) send(ctx context.Context, jobID int64, params json.RawMessage) (*Registration, error) {
	body, err := model.BuildTaskPayload(params, jobID)
	if err != nil {
		return nil, fmt.Errorf("build task payload: %w", err)
	}

	replyTo, err := d.broker.DeclareReplyQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	reg, err := d.router.Register(ctx, Route{
		Token:   d.newToken(),
		ReplyTo: replyTo,
		JobID:   jobID,
		Handler: d.reconciler.Handler(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("register reply route: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	err = d.broker.Publish(pubCtx, d.queue, broker.Message{
		Body:          body,
		CorrelationID: reg.Token(),
		ReplyTo:       replyTo,
		ContentType:   "application/json",
	})
	if err != nil {
		d.router.Abandon(reg.Token())
		return nil, fmt.Errorf("publish task: %w", err)
	}
	return reg, nil
}
