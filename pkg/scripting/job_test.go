package scripting

import (
	"context"
	"testing"
	"time"
)

func TestJobStates(t *testing.T) {
	j := newJob(func(ctx *Context) error { return nil })
	if j.State() != StatePending {
		t.Errorf("New job should be pending, got %s", j.State())
	}
	if j.State().Terminal() {
		t.Error("Pending should not be terminal")
	}

	j.start(nil, context.Background())
	<-j.Done()

	if j.State() != StateCompleted {
		t.Errorf("Job should be completed, got %s", j.State())
	}
	if !j.State().Terminal() {
		t.Error("Completed should be terminal")
	}
	if j.Alive() {
		t.Error("Completed job should not be alive")
	}
}

func TestJobCanceled(t *testing.T) {
	jobCtx, cancel := context.WithCancel(context.Background())

	j := newJob(func(ctx *Context) error {
		<-jobCtx.Done()
		return jobCtx.Err()
	})
	j.start(nil, jobCtx)

	cancel()
	select {
	case <-j.Done():
	case <-time.After(time.Second):
		t.Fatal("Job did not finish after cancellation")
	}

	if j.State() != StateCanceled {
		t.Errorf("Job should be canceled, got %s", j.State())
	}
}

func TestJobPanicRecovered(t *testing.T) {
	j := newJob(func(ctx *Context) error { panic("kaboom") })
	j.start(nil, context.Background())
	<-j.Done()

	if j.State() != StateFailed {
		t.Errorf("Panicked job should be failed, got %s", j.State())
	}
	if j.Err() == nil {
		t.Error("Panicked job should report an error")
	}
}

func TestJobDuration(t *testing.T) {
	j := newJob(func(ctx *Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	if j.Duration() != 0 {
		t.Error("Unstarted job should have zero duration")
	}
	j.start(nil, context.Background())
	<-j.Done()
	if j.Duration() < 20*time.Millisecond {
		t.Errorf("Duration should cover the job runtime, got %s", j.Duration())
	}
}
