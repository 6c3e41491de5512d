package fulfillment

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/replay"

	"github.com/google/uuid"
)

// JobStatus tracks an asynchronous replay.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// Job is a handle on an asynchronous replay operation.
type Job struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Target     string         `json:"target"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Status     JobStatus      `json:"status"`
	Summary    replay.Summary `json:"summary"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type jobRunner struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
	wg    sync.WaitGroup
	logf  func(format string, args ...any)
	now   func() time.Time
	newID func() string
}

func newJobRunner(limit int, logf func(format string, args ...any)) *jobRunner {
	return &jobRunner{
		jobs:  make(map[string]*Job),
		limit: limit,
		logf:  logf,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// submit records a job and runs fn in the background with ctx's values but
// not its cancellation.
func (r *jobRunner) submit(ctx context.Context, kind, target, tenantID string, fn func(context.Context) (replay.Summary, error)) Job {
	job := &Job{
		ID:        r.newID(),
		Kind:      kind,
		Target:    target,
		TenantID:  tenantID,
		Status:    JobRunning,
		StartedAt: r.now(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.evictLocked()
	snapshot := *job
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		summary, err := fn(detached)
		finished := r.now()

		r.mu.Lock()
		defer r.mu.Unlock()
		job.Summary = summary
		job.FinishedAt = &finished
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
			r.logf("replay job %s (%s %s): %v", job.ID, kind, target, err)
			return
		}
		job.Status = JobSucceeded
	}()
	return snapshot
}

// evictLocked drops the oldest finished jobs beyond the retention limit.
func (r *jobRunner) evictLocked() {
	if r.limit <= 0 || len(r.order) <= r.limit {
		return
	}
	kept := r.order[:0]
	excess := len(r.order) - r.limit
	for _, id := range r.order {
		if excess > 0 && r.jobs[id].Status != JobRunning {
			delete(r.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func (r *jobRunner) get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (r *jobRunner) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
