package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
	"github.com/kacperpap/air-pollution-tracker/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testQueue = "simulation_requests"

type dispatcherFixture struct {
	repo       *memJobRepo
	router     *ReplyRouter
	dispatcher *Dispatcher
	metrics    *recordingMetrics
}

func newDispatcherFixture(t *testing.T, client broker.Client) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{repo: newMemJobRepo(), metrics: &recordingMetrics{}}

	var err error
	f.router, err = NewReplyRouter(ReplyRouterOptions{Broker: client, Metrics: f.metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.router.Close() })

	reconciler, err := NewReconciler(ReconcilerOptions{Repo: f.repo, Metrics: f.metrics})
	require.NoError(t, err)

	f.dispatcher, err = NewDispatcher(DispatcherOptions{
		Broker:     client,
		Router:     f.router,
		Reconciler: reconciler,
		Queue:      testQueue,
		NewToken:   func() string { return "tok-1" },
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	return f
}

func TestNewDispatcher(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	router, err := NewReplyRouter(ReplyRouterOptions{Broker: client})
	require.NoError(t, err)
	reconciler, err := NewReconciler(ReconcilerOptions{Repo: newMemJobRepo()})
	require.NoError(t, err)

	tests := []struct {
		name string
		opts DispatcherOptions
	}{
		{"missing broker", DispatcherOptions{Router: router, Reconciler: reconciler, Queue: testQueue}},
		{"missing router", DispatcherOptions{Broker: client, Reconciler: reconciler, Queue: testQueue}},
		{"missing reconciler", DispatcherOptions{Broker: client, Router: router, Queue: testQueue}},
		{"missing queue", DispatcherOptions{Broker: client, Router: router, Reconciler: reconciler}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(tt.opts)
			require.Error(t, err)
		})
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	params := json.RawMessage(`{"stepsCount":10,"droneFlight":{"id":3}}`)

	t.Run("registers before publishing a transient task", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockClient(ctrl)
		f := newDispatcherFixture(t, client)
		job := pendingJob(t, f.repo)

		deliveries := make(chan broker.Delivery)
		t.Cleanup(func() { close(deliveries) })

		var published broker.Message
		gomock.InOrder(
			client.EXPECT().DeclareReplyQueue(gomock.Any()).Return("amq.gen-A", nil),
			client.EXPECT().Consume(gomock.Any(), "amq.gen-A").Return((<-chan broker.Delivery)(deliveries), nil),
			client.EXPECT().Publish(gomock.Any(), testQueue, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ string, msg broker.Message) error {
					assert.Equal(t, 1, f.router.Pending(), "route must exist before publish")
					published = msg
					return nil
				}),
		)

		require.NoError(t, f.dispatcher.Dispatch(context.Background(), job.ID, params))

		assert.Equal(t, "tok-1", published.CorrelationID)
		assert.Equal(t, "amq.gen-A", published.ReplyTo)
		assert.Equal(t, "application/json", published.ContentType)

		var body map[string]any
		require.NoError(t, json.Unmarshal(published.Body, &body))
		assert.EqualValues(t, job.ID, body[model.TaskJobIDKey])
		assert.EqualValues(t, 10, body["stepsCount"])
		assert.Contains(t, body, model.EmbeddedInputKey, "full input goes to the worker")

		assert.Equal(t, model.JobStatusPending, f.repo.status(t, job.ID))
		require.Len(t, f.metrics.dispatches, 1)
		assert.NoError(t, f.metrics.dispatches[0])
	})

	t.Run("publish failure fails the job and drops the route", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockClient(ctrl)
		f := newDispatcherFixture(t, client)
		job := pendingJob(t, f.repo)

		var consumeCtx context.Context
		client.EXPECT().DeclareReplyQueue(gomock.Any()).Return("amq.gen-B", nil)
		client.EXPECT().Consume(gomock.Any(), "amq.gen-B").
			DoAndReturn(func(ctx context.Context, _ string) (<-chan broker.Delivery, error) {
				consumeCtx = ctx
				ch := make(chan broker.Delivery)
				go func() {
					<-ctx.Done()
					close(ch)
				}()
				return ch, nil
			})
		client.EXPECT().Publish(gomock.Any(), testQueue, gomock.Any()).Return(broker.ErrNotConnected)

		err := f.dispatcher.Dispatch(context.Background(), job.ID, params)
		require.ErrorIs(t, err, broker.ErrNotConnected)

		assert.Equal(t, model.JobStatusFailed, f.repo.status(t, job.ID))
		assert.Equal(t, 0, f.router.Pending())
		require.NotNil(t, consumeCtx)
		select {
		case <-consumeCtx.Done():
		case <-time.After(time.Second):
			t.Fatal("reply consumer was not cancelled")
		}
		require.Len(t, f.metrics.dispatches, 1)
		assert.ErrorIs(t, f.metrics.dispatches[0], broker.ErrNotConnected)
	})

	t.Run("declare failure fails the job without publishing", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockClient(ctrl)
		f := newDispatcherFixture(t, client)
		job := pendingJob(t, f.repo)

		client.EXPECT().DeclareReplyQueue(gomock.Any()).Return("", errors.New("channel closed"))

		require.Error(t, f.dispatcher.Dispatch(context.Background(), job.ID, params))
		assert.Equal(t, model.JobStatusFailed, f.repo.status(t, job.ID))
	})

	t.Run("invalid parameters fail the job without touching the broker", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockClient(ctrl)
		f := newDispatcherFixture(t, client)
		job := pendingJob(t, f.repo)

		err := f.dispatcher.Dispatch(context.Background(), job.ID, json.RawMessage(`[1,2]`))
		require.ErrorIs(t, err, model.ErrInvalidParameters)
		assert.Equal(t, model.JobStatusFailed, f.repo.status(t, job.ID))
	})

	t.Run("cancelled request still records the failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockClient(ctrl)
		f := newDispatcherFixture(t, client)
		job := pendingJob(t, f.repo)

		ctx, cancel := context.WithCancel(context.Background())
		client.EXPECT().DeclareReplyQueue(gomock.Any()).
			DoAndReturn(func(context.Context) (string, error) {
				cancel()
				return "", context.Canceled
			})

		require.ErrorIs(t, f.dispatcher.Dispatch(ctx, job.ID, params), context.Canceled)
		assert.Equal(t, model.JobStatusFailed, f.repo.status(t, job.ID))
	})
}
