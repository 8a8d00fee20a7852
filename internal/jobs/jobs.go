// Package jobs runs asynchronous work against the backlog: a fixed pool of
// workers drains a buffered queue, and every state change of a job is
// persisted so callers can poll across process restarts.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"backline/internal/domain"
)

// Job lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store persists job rows. Implemented by repo.Repo.
type Store interface {
	InsertJob(ctx context.Context, j domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, status *string) ([]domain.Job, error)
	MarkJobRunning(ctx context.Context, id, startedAt string) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, percent int, message string) error
	CompleteJob(ctx context.Context, id, resultJSON, completedAt string) (bool, error)
	FailJob(ctx context.Context, id, errMsg, completedAt string) (bool, error)
	CancelJob(ctx context.Context, id, completedAt string) (bool, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff string) (int64, error)
}

// ProgressFunc reports best-effort progress from inside a handler.
type ProgressFunc func(percent int, message string)

// Handler executes one job type. The returned value is marshalled to JSON
// and stored verbatim as the job result.
type Handler func(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error)

// NotReadyError is returned by Result while the job is still pending or
// running.
type NotReadyError struct {
	JobID  string
	Status string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job %s is %s; result not ready", e.JobID, e.Status)
}

// Orchestrator owns the queue and the worker pool.
type Orchestrator struct {
	store    Store
	handlers map[string]Handler
	queue    chan string
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New builds an orchestrator and starts its worker pool.
func New(store Store, handlers map[string]Handler, workers, queueSize int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    store,
		handlers: handlers,
		queue:    make(chan string, queueSize),
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		running:  map[string]context.CancelFunc{},
	}
	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go o.worker()
	}
	return o
}

// Stop cancels running jobs and waits for the workers to exit.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Submit persists a pending job and enqueues it. The payload is marshalled
// to JSON and handed to the handler unchanged.
func (o *Orchestrator) Submit(ctx context.Context, jobType string, payload any) (domain.Job, error) {
	if _, ok := o.handlers[jobType]; !ok {
		return domain.Job{}, fmt.Errorf("unknown job type %q", jobType)
	}
	payloadJSON := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal job payload: %w", err)
		}
		payloadJSON = string(b)
	}
	job := domain.Job{
		ID:          uuid.New().String(),
		JobType:     jobType,
		Status:      StatusPending,
		PayloadJSON: payloadJSON,
		CreatedAt:   o.timestamp(),
	}
	if err := o.store.InsertJob(ctx, job); err != nil {
		return domain.Job{}, err
	}
	select {
	case o.queue <- job.ID:
		return job, nil
	default:
		ts := o.timestamp()
		_, _ = o.store.CancelJob(ctx, job.ID, ts)
		return domain.Job{}, fmt.Errorf("job queue full (%d pending)", cap(o.queue))
	}
}

// Get returns the persisted job row.
func (o *Orchestrator) Get(ctx context.Context, id string) (domain.Job, error) {
	return o.store.GetJob(ctx, id)
}

// List returns job rows, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, status *string) ([]domain.Job, error) {
	return o.store.ListJobs(ctx, status)
}

// Result returns the stored result JSON of a completed job. Pending and
// running jobs yield NotReadyError; failed and cancelled jobs yield an error
// carrying the failure.
func (o *Orchestrator) Result(ctx context.Context, id string) (string, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	switch job.Status {
	case StatusPending, StatusRunning:
		return "", &NotReadyError{JobID: id, Status: job.Status}
	case StatusFailed:
		msg := "unknown error"
		if job.Error != nil {
			msg = *job.Error
		}
		return "", fmt.Errorf("job %s failed: %s", id, msg)
	case StatusCancelled:
		return "", fmt.Errorf("job %s was cancelled", id)
	}
	if job.ResultJSON == nil {
		return "", nil
	}
	return *job.ResultJSON, nil
}

// Cancel marks a pending or running job cancelled. A running handler gets its
// context cancelled; cancellation is advisory and the handler decides when to
// stop. Terminal jobs are not cancellable.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (domain.Job, error) {
	ok, err := o.store.CancelJob(ctx, id, o.timestamp())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		job, err := o.store.GetJob(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		return job, fmt.Errorf("job %s is %s and cannot be cancelled", id, job.Status)
	}
	o.mu.Lock()
	if cancel, running := o.running[id]; running {
		cancel()
	}
	o.mu.Unlock()
	return o.store.GetJob(ctx, id)
}

// Sweep deletes terminal jobs whose completion is older than the retention
// window and returns how many rows went away.
func (o *Orchestrator) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := o.now().Add(-retention).UTC().Format(time.RFC3339)
	return o.store.DeleteTerminalJobsBefore(ctx, cutoff)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case id := <-o.queue:
			o.run(id)
		}
	}
}

func (o *Orchestrator) run(id string) {
	claimed, err := o.store.MarkJobRunning(o.baseCtx, id, o.timestamp())
	if err != nil || !claimed {
		// Cancelled before a worker picked it up, or already claimed.
		return
	}
	job, err := o.store.GetJob(o.baseCtx, id)
	if err != nil {
		_, _ = o.store.FailJob(o.baseCtx, id, err.Error(), o.timestamp())
		return
	}
	handler := o.handlers[job.JobType]

	jobCtx, cancelJob := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.running[id] = cancelJob
	o.mu.Unlock()
	defer func() {
		cancelJob()
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()

	progress := func(percent int, message string) {
		_ = o.store.UpdateJobProgress(o.baseCtx, id, percent, message)
	}

	result, err := handler(jobCtx, job, progress)
	if err != nil {
		// If Cancel already flipped the row to cancelled the guarded update
		// is a no-op, which is what we want.
		_, _ = o.store.FailJob(o.baseCtx, id, err.Error(), o.timestamp())
		return
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		_, _ = o.store.FailJob(o.baseCtx, id, fmt.Sprintf("marshal result: %v", err), o.timestamp())
		return
	}
	_, _ = o.store.CompleteJob(o.baseCtx, id, string(resultJSON), o.timestamp())
}

func (o *Orchestrator) timestamp() string {
	return o.now().UTC().Format(time.RFC3339)
}
