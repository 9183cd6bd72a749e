package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// memJobRepo is an in-memory job store with the same pending-only finalize
// guard as the PostgreSQL repository.
type memJobRepo struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*model.Job

	// finalizeErr, when set, is consulted before every Finalize.
	finalizeErr func(req *model.FinalizeJobRequest) error
	finalizes   []model.FinalizeJobRequest
}

var _ core.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[int64]*model.Job)}
}

func (m *memJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	job := &model.Job{
		ID:              m.nextID,
		OwnerID:         req.OwnerID,
		RelatedEntityID: req.RelatedEntityID,
		Status:          model.JobStatusPending,
		Parameters:      append([]byte(nil), req.Parameters...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) GetByID(_ context.Context, id int64) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) GetSummary(ctx context.Context, id int64) (*model.JobSummary, error) {
	job, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.Summary(), nil
}

func (m *memJobRepo) ListByOwner(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Job{}
	for _, job := range m.jobs {
		if job.OwnerID != opts.OwnerID || (opts.Status != nil && job.Status != *opts.Status) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memJobRepo) ListSummariesByOwner(ctx context.Context, opts model.JobListOptions) ([]*model.JobSummary, error) {
	jobs, err := m.ListByOwner(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Summary())
	}
	return out, nil
}

func (m *memJobRepo) Finalize(_ context.Context, req *model.FinalizeJobRequest) (*core.FinalizeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizes = append(m.finalizes, *req)
	if m.finalizeErr != nil {
		if err := m.finalizeErr(req); err != nil {
			return nil, err
		}
	}
	job, ok := m.jobs[req.JobID]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	if job.Status == model.JobStatusPending {
		job.Status = req.Status
		job.Result = req.Result
		job.Snapshots = req.Snapshots
		job.UpdatedAt = time.Now().UTC()
		return &core.FinalizeResult{Applied: true, Status: req.Status}, nil
	}
	res := &core.FinalizeResult{Status: job.Status}
	if model.FinalizeConflict(job.Status, req.Status) {
		return res, fmt.Errorf("%w: job %d is %s", data.ErrJobAlreadyFinalized, req.JobID, job.Status)
	}
	return res, nil
}

func (m *memJobRepo) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return data.ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memJobRepo) DeleteByOwner(_ context.Context, ownerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.OwnerID == ownerID {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memJobRepo) status(t *testing.T, id int64) model.JobStatus {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %d not found", id)
	}
	return job.Status
}

func (m *memJobRepo) finalizeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finalizes)
}

// ackRecord captures what the consumer did with one delivery.
type ackRecord struct {
	mu       sync.Mutex
	acked    bool
	nacked   bool
	requeued bool
}

func (a *ackRecord) state() (acked, nacked, requeued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked, a.requeued
}

type fakeQueue struct {
	ch     chan broker.Delivery
	closed bool
}

// fakeBroker is an in-memory broker.Client. When worker is set, every
// published task is answered on its reply destination.
type fakeBroker struct {
	mu         sync.Mutex
	seq        int
	queues     map[string]*fakeQueue
	published  []publishedTask
	publishErr error
	declareErr error
	worker     func(task publishedTask) ([]byte, bool)
}

type publishedTask struct {
	Queue string
	Msg   broker.Message
}

var _ broker.Client = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string]*fakeQueue)}
}

func (b *fakeBroker) Publish(_ context.Context, queue string, msg broker.Message) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	task := publishedTask{Queue: queue, Msg: msg}
	b.published = append(b.published, task)
	worker := b.worker
	b.mu.Unlock()

	if worker != nil {
		go func() {
			if body, ok := worker(task); ok {
				b.deliver(msg.ReplyTo, msg.CorrelationID, body)
			}
		}()
	}
	return nil
}

func (b *fakeBroker) DeclareReplyQueue(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return "", b.declareErr
	}
	b.seq++
	return fmt.Sprintf("amq.gen-%d", b.seq), nil
}

func (b *fakeBroker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; ok {
		return nil, errors.New("queue already consumed")
	}
	q := &fakeQueue{ch: make(chan broker.Delivery, 16)}
	b.queues[queue] = q
	go func() {
		<-ctx.Done()
		b.closeQueue(queue)
	}()
	return q.ch, nil
}

func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) Close() error { return nil }

// deliver pushes a reply onto queue. It returns nil when nobody consumes it.
func (b *fakeBroker) deliver(queue, correlationID string, body []byte) *ackRecord {
	rec := &ackRecord{}
	d := broker.NewDelivery(correlationID, body,
		func() error {
			rec.mu.Lock()
			rec.acked = true
			rec.mu.Unlock()
			return nil
		},
		func(requeue bool) error {
			rec.mu.Lock()
			rec.nacked = true
			rec.requeued = requeue
			rec.mu.Unlock()
			return nil
		})

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok || q.closed {
		return nil
	}
	q.ch <- d
	return rec
}

func (b *fakeBroker) closeQueue(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok && !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (b *fakeBroker) tasks() []publishedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedTask(nil), b.published...)
}

func (b *fakeBroker) consumerClosed(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	return ok && q.closed
}

// recordingMetrics counts service metric events.
type recordingMetrics struct {
	mu         sync.Mutex
	dispatches []error
	replies    map[string]int
	pending    int
	reconciles []model.JobStatus
	reapedN    map[string]int64
}

var _ Metrics = (*recordingMetrics)(nil)

func (r *recordingMetrics) RecordDispatch(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = append(r.dispatches, err)
}

func (r *recordingMetrics) RecordReply(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replies == nil {
		r.replies = make(map[string]int)
	}
	r.replies[outcome]++
}

func (r *recordingMetrics) SetPendingReplies(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = n
}

func (r *recordingMetrics) RecordReconcile(status model.JobStatus, _ bool, _ error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciles = append(r.reconciles, status)
}

func (r *recordingMetrics) RecordReaped(operation string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reapedN == nil {
		r.reapedN = make(map[string]int64)
	}
	r.reapedN[operation] += n
}

func (r *recordingMetrics) reply(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replies[outcome]
}

func (r *recordingMetrics) reaped(op string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reapedN[op]
}

func (r *recordingMetrics) pendingReplies() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}
