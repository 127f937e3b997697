package scripting

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// JobFunc is the user's main function
type JobFunc func(ctx *Context) error

// State represents the background job's lifecycle state
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal returns true once the job can no longer change state
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Job runs the user's main function on a background goroutine and tracks
// its lifecycle state.
type Job struct {
	fn JobFunc

	mu         sync.Mutex
	state      State
	err        error
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

func newJob(fn JobFunc) *Job {
	return &Job{
		fn:    fn,
		state: StatePending,
		done:  make(chan struct{}),
	}
}

// start launches the job goroutine. Panics in the user function are
// recovered and reported as a failed state.
func (j *Job) start(ctx *Context, jobCtx context.Context) {
	j.mu.Lock()
	j.state = StateRunning
	j.startedAt = time.Now()
	j.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
			}
			j.finish(err, jobCtx)
		}()
		err = j.fn(ctx)
	}()
}

func (j *Job) finish(err error, jobCtx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.finishedAt = time.Now()
	j.err = err
	switch {
	case err == nil:
		j.state = StateCompleted
	case jobCtx.Err() != nil && err == jobCtx.Err():
		j.state = StateCanceled
	default:
		j.state = StateFailed
	}
	close(j.done)
}

// Alive reports whether the job goroutine is still running
func (j *Job) Alive() bool {
	return !j.State().Terminal()
}

// State returns the current lifecycle state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the job's exit error, if any
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done returns a channel closed when the job finishes
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Duration returns how long the job ran, or has been running
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return 0
	}
	if j.finishedAt.IsZero() {
		return time.Since(j.startedAt)
	}
	return j.finishedAt.Sub(j.startedAt)
}
