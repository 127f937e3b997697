package scripting

import (
	"errors"
	"fmt"
	"testing"
)

// recordingModule appends every lifecycle hook call to a shared log
type recordingModule struct {
	name     string
	log      *[]string
	initErr  error
	startErr error
}

func (m *recordingModule) Name() string { return m.name }

func (m *recordingModule) DefineArguments(ctx *Context) error {
	*m.log = append(*m.log, m.name+":define")
	return nil
}

func (m *recordingModule) Init(ctx *Context) error {
	*m.log = append(*m.log, m.name+":init")
	return m.initErr
}

func (m *recordingModule) Start(ctx *Context) error {
	*m.log = append(*m.log, m.name+":start")
	return m.startErr
}

func (m *recordingModule) Stop(ctx *Context) error {
	*m.log = append(*m.log, m.name+":stop")
	return nil
}

func (m *recordingModule) Finish(ctx *Context) error {
	*m.log = append(*m.log, m.name+":finish")
	return nil
}

func TestExecuteLifecycleOrder(t *testing.T) {
	log := []string{}
	jobRan := false

	ctx := New(func(ctx *Context) error {
		jobRan = true
		log = append(log, "job")
		return nil
	})
	ctx.Use(&recordingModule{name: "a", log: &log})
	ctx.Use(&recordingModule{name: "b", log: &log})

	if err := ctx.Execute([]string{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !jobRan {
		t.Fatal("Job should have run")
	}

	want := []string{
		"a:define", "b:define",
		"a:init", "b:init",
		"a:start", "b:start",
		"job",
		"b:stop", "a:stop",
		"b:finish", "a:finish",
	}
	if len(log) != len(want) {
		t.Fatalf("Expected %d lifecycle events, got %d: %v", len(want), len(log), log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("Event %d should be %q, got %q", i, want[i], log[i])
		}
	}
}

func TestExecuteJobError(t *testing.T) {
	jobErr := errors.New("job failed")
	ctx := New(func(ctx *Context) error { return jobErr })

	err := ctx.Execute([]string{})
	if !errors.Is(err, jobErr) {
		t.Errorf("Execute should return the job error, got %v", err)
	}
	if ctx.Job().State() != StateFailed {
		t.Errorf("Job state should be failed, got %s", ctx.Job().State())
	}
}

func TestExecuteJobPanic(t *testing.T) {
	ctx := New(func(ctx *Context) error { panic("boom") })

	err := ctx.Execute([]string{})
	if err == nil {
		t.Fatal("Execute should return an error for a panicking job")
	}
	if ctx.Job().State() != StateFailed {
		t.Errorf("Job state should be failed, got %s", ctx.Job().State())
	}
}

func TestExecuteStartFailureStopsStartedModules(t *testing.T) {
	log := []string{}
	jobRan := false

	ctx := New(func(ctx *Context) error {
		jobRan = true
		return nil
	})
	ctx.Use(&recordingModule{name: "a", log: &log})
	ctx.Use(&recordingModule{name: "b", log: &log, startErr: fmt.Errorf("no dice")})
	ctx.Use(&recordingModule{name: "c", log: &log})

	err := ctx.Execute([]string{})
	if err == nil {
		t.Fatal("Execute should fail when a module fails to start")
	}
	if jobRan {
		t.Error("Job should not run when a module fails to start")
	}

	// Only a started before b failed, so only a stops. Finish still runs
	// for everyone.
	sawAStop, sawCStop := false, false
	for _, e := range log {
		if e == "a:stop" {
			sawAStop = true
		}
		if e == "c:stop" {
			sawCStop = true
		}
	}
	if !sawAStop {
		t.Error("Module a should have been stopped")
	}
	if sawCStop {
		t.Error("Module c was never started and should not be stopped")
	}
}

func TestExecuteInitFailureAborts(t *testing.T) {
	log := []string{}
	jobRan := false

	ctx := New(func(ctx *Context) error {
		jobRan = true
		return nil
	})
	ctx.Use(&recordingModule{name: "a", log: &log, initErr: fmt.Errorf("bad config")})

	if err := ctx.Execute([]string{}); err == nil {
		t.Fatal("Execute should fail when a module fails to init")
	}
	if jobRan {
		t.Error("Job should not run when init fails")
	}
}

func TestUseDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Registering a duplicate module should panic")
		}
	}()
	log := []string{}
	ctx := New(func(ctx *Context) error { return nil })
	ctx.Use(&recordingModule{name: "a", log: &log})
	ctx.Use(&recordingModule{name: "a", log: &log})
}

func TestGetModule(t *testing.T) {
	log := []string{}
	ctx := New(func(ctx *Context) error { return nil })
	m := &recordingModule{name: "a", log: &log}
	ctx.Use(m)

	if !ctx.IsUsing("a") {
		t.Error("IsUsing should report registered module")
	}
	if ctx.IsUsing("b") {
		t.Error("IsUsing should not report unregistered module")
	}
	if got := Get[*recordingModule](ctx); got != m {
		t.Error("Get should return the registered module")
	}
}

func TestCurrentContext(t *testing.T) {
	if Current() != nil {
		t.Fatal("Current should be nil outside Execute")
	}

	var inside *Context
	ctx := New(func(ctx *Context) error {
		inside = Current()
		return nil
	})
	if err := ctx.Execute([]string{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if inside != ctx {
		t.Error("Current should return the executing context")
	}
	if Current() != nil {
		t.Error("Current should be reset after Execute")
	}
}

func TestExecuteTwice(t *testing.T) {
	ctx := New(func(ctx *Context) error { return nil })
	if err := ctx.Execute([]string{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := ctx.Execute([]string{}); err == nil {
		t.Error("Second Execute should fail")
	}
}
