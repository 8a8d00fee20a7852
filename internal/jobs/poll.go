package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"backline/internal/domain"
)

// TimeoutError is returned by Poll when the job does not reach a terminal
// state within the timeout. The job keeps running server-side.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not finish within %s; it is still running", e.JobID, e.Timeout)
}

// Getter reads one job row. Satisfied by *Orchestrator; API clients can
// provide their own.
type Getter interface {
	Get(ctx context.Context, id string) (domain.Job, error)
}

// Poll blocks until the job reaches a terminal state, checking at a constant
// interval. On timeout it returns the last observed row together with a
// TimeoutError so the caller can report progress.
func Poll(ctx context.Context, g Getter, id string, interval, timeout time.Duration) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var job domain.Job
	op := func() error {
		j, err := g.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		job = j
		switch j.Status {
		case StatusPending, StatusRunning:
			return fmt.Errorf("job %s still %s", id, j.Status)
		default:
			return nil
		}
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return job, &TimeoutError{JobID: id, Timeout: timeout}
		}
		return job, err
	}
	return job, nil
}
