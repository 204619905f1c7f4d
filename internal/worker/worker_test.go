package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgringer/callserver/internal/delivery"
	"github.com/tgringer/callserver/pkg/queue"
)

type fakeNotifier struct {
	mu   sync.Mutex
	errs []error
	got  []delivery.Request
}

func (f *fakeNotifier) Notify(_ context.Context, req delivery.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeNotifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

// memQueue mirrors the Redis queue's retry accounting in memory.
type memQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
	dlq  []*queue.Job
}

func (q *memQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *memQueue) Retry(ctx context.Context, job *queue.Job, cause error) error {
	job.Attempt++
	if job.Attempt >= queue.MaxRetries {
		return q.DeadLetter(ctx, job, cause)
	}
	job.LastError = cause.Error()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) DeadLetter(_ context.Context, job *queue.Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cause != nil {
		job.LastError = cause.Error()
	}
	q.dlq = append(q.dlq, job)
	return nil
}

func (q *memQueue) dead() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*queue.Job(nil), q.dlq...)
}

func newJob(t *testing.T, fileURL string) *queue.Job {
	t.Helper()
	job, err := queue.NewDeliveryJob(queue.DeliveryPayload{RoomID: "r1", OwnerUID: "42", ChatID: "42", FileURL: fileURL})
	require.NoError(t, err)
	return job
}

func runUntil(t *testing.T, p *DeliveryProcessor, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestProcessDeliversPayload(t *testing.T) {
	n := &fakeNotifier{}
	p := NewDeliveryProcessor(n, &memQueue{}, nil)

	require.NoError(t, p.Process(context.Background(), newJob(t, "https://x/a.mp4")))
	require.Len(t, n.got, 1)
	assert.Equal(t, delivery.Request{RoomID: "r1", OwnerUID: "42", ChatID: "42", FileURL: "https://x/a.mp4"}, n.got[0])
}

func TestProcessRejectsBadJobs(t *testing.T) {
	p := NewDeliveryProcessor(&fakeNotifier{}, &memQueue{}, nil)
	ctx := context.Background()

	assert.Error(t, p.Process(ctx, &queue.Job{ID: "x", Type: "other"}))
	assert.Error(t, p.Process(ctx, &queue.Job{ID: "x", Type: queue.JobTypeDelivery, Payload: []byte("{")}))
	assert.Error(t, p.Process(ctx, newJob(t, "")))
}

func TestRunRetriesUnreachedThenDeadLetters(t *testing.T) {
	unreached := fmt.Errorf("%w: dial tcp: refused", delivery.ErrUnreached)
	n := &fakeNotifier{errs: []error{unreached, unreached, unreached}}
	q := &memQueue{jobs: []*queue.Job{newJob(t, "https://x/a.mp4")}}
	p := NewDeliveryProcessor(n, q, nil)
	p.backoff = time.Millisecond

	runUntil(t, p, func() bool { return len(q.dead()) == 1 })
	assert.Equal(t, queue.MaxRetries, n.calls())
	assert.Contains(t, q.dead()[0].LastError, "unreachable")
}

func TestRunRetrySucceeds(t *testing.T) {
	unreached := fmt.Errorf("%w: dial tcp: refused", delivery.ErrUnreached)
	n := &fakeNotifier{errs: []error{unreached}}
	q := &memQueue{jobs: []*queue.Job{newJob(t, "https://x/a.mp4")}}
	p := NewDeliveryProcessor(n, q, nil)
	p.backoff = time.Millisecond

	runUntil(t, p, func() bool { return n.calls() == 2 })
	assert.Empty(t, q.dead())
}

func TestRunNeverResendsAnsweredDelivery(t *testing.T) {
	n := &fakeNotifier{errs: []error{errors.New("delivery rejected status=500")}}
	q := &memQueue{jobs: []*queue.Job{newJob(t, "https://x/a.mp4")}}
	p := NewDeliveryProcessor(n, q, nil)
	p.backoff = time.Millisecond

	runUntil(t, p, func() bool { return len(q.dead()) == 1 })
	assert.Equal(t, 1, n.calls())
	assert.Zero(t, q.dead()[0].Attempt)
}

func TestRunDeadLettersWhenEndpointNotConfigured(t *testing.T) {
	n := &fakeNotifier{errs: []error{delivery.ErrNotConfigured}}
	q := &memQueue{jobs: []*queue.Job{newJob(t, "https://x/a.mp4")}}
	p := NewDeliveryProcessor(n, q, nil)
	p.backoff = time.Millisecond

	runUntil(t, p, func() bool { return len(q.dead()) == 1 })
	assert.Equal(t, 1, n.calls())
	assert.Contains(t, q.dead()[0].LastError, "not configured")
}
