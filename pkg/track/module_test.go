package track

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"

	"github.com/expctx/expctx/pkg/models"
	"github.com/expctx/expctx/pkg/scripting"
	"github.com/expctx/expctx/pkg/store"
	"github.com/expctx/expctx/pkg/track/server"
)

func newTrackingServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	handler := server.NewHandler(s, t.TempDir(), nil)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, s
}

func TestModuleOnlineRun(t *testing.T) {
	ts, s := newTrackingServer(t)
	trackDir := t.TempDir()

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		run := scripting.Get[*Module](ctx).Run()
		runID = run.ID()
		if run.Resumed() {
			t.Error("Fresh run should not be resumed")
		}
		return run.LogMetric(ctx.Ctx(), "loss", 0.5, 0)
	})
	ctx.Use(New().JobType("train"))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-project", "proj",
		"--track-dir", trackDir,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatalf("Run should exist on the server: %v", err)
	}
	if run.Project != "proj" {
		t.Errorf("Project should be proj, got %q", run.Project)
	}
	if run.JobType != "train" {
		t.Errorf("Job type should be train, got %q", run.JobType)
	}
	if run.Status != models.RunStatusFinished {
		t.Errorf("Run should be finished after a successful job, got %s", run.Status)
	}

	// Tracking flags stay out of the run config
	if _, ok := run.Config["track_server"]; ok {
		t.Error("track_server should be excluded from the run config")
	}
	if _, ok := run.Config["log_level"]; ok {
		t.Error("log_level should be excluded from the run config")
	}

	points, err := s.GetMetrics(runID, "loss")
	if err != nil || len(points) != 1 {
		t.Errorf("Expected 1 logged metric point, got %d (%v)", len(points), err)
	}

	// The run directory carries the metadata file
	if _, err := os.Stat(filepath.Join(trackDir, "runs", shortID(runID), "run.yaml")); err != nil {
		t.Errorf("run.yaml should exist in the run directory: %v", err)
	}
}

func TestModuleFailedJobMarksRunFailed(t *testing.T) {
	ts, s := newTrackingServer(t)

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		return errors.New("training diverged")
	})
	ctx.Use(New())

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
	})
	if err == nil {
		t.Fatal("Execute should return the job error")
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatalf("Run should exist: %v", err)
	}
	if run.Status != models.RunStatusFailed {
		t.Errorf("Run should be failed, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("Run should carry the job error message")
	}
}

func TestModuleResume(t *testing.T) {
	ts, s := newTrackingServer(t)

	if err := s.CreateRun(&models.Run{
		ID: "resume-me", Name: "orig", Project: "proj",
		Status: models.RunStatusFinished,
	}); err != nil {
		t.Fatal(err)
	}

	var resumed bool
	ctx := scripting.New(func(ctx *scripting.Context) error {
		resumed = scripting.Get[*Module](ctx).Run().Resumed()
		return nil
	})
	ctx.Use(New().Resumable(true))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--track-resume", "resume-me",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resumed {
		t.Error("Run should report resumed=true")
	}
}

func TestModuleResumeMissingRunAborts(t *testing.T) {
	ts, _ := newTrackingServer(t)

	jobRan := false
	ctx := scripting.New(func(ctx *scripting.Context) error {
		jobRan = true
		return nil
	})
	ctx.Use(New().Resumable(true))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--track-resume", "never-existed",
	})
	if err == nil {
		t.Fatal("Resuming a missing run should abort Execute")
	}
	if jobRan {
		t.Error("Job should not run when resume fails")
	}
}

func TestModuleOfflineRun(t *testing.T) {
	trackDir := t.TempDir()

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		run := scripting.Get[*Module](ctx).Run()
		runID = run.ID()
		return run.LogMetric(ctx.Ctx(), "loss", 1.0, 0)
	})
	ctx.Use(New())

	err := ctx.Execute([]string{
		"--track-mode", "offline",
		"--track-project", "proj",
		"--track-dir", trackDir,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The local store holds the finished run and its metrics
	local, err := store.NewSQLiteStore(filepath.Join(trackDir, "local.db"))
	if err != nil {
		t.Fatalf("Local store should exist: %v", err)
	}
	defer local.Close()

	run, err := local.GetRun(runID)
	if err != nil {
		t.Fatalf("Run should exist in the local store: %v", err)
	}
	if run.Status != models.RunStatusFinished {
		t.Errorf("Offline run should be finished, got %s", run.Status)
	}
	points, err := local.GetMetrics(runID, "loss")
	if err != nil || len(points) != 1 {
		t.Errorf("Expected 1 offline metric point, got %d (%v)", len(points), err)
	}
}

func TestModuleDisabledRun(t *testing.T) {
	ctx := scripting.New(func(ctx *scripting.Context) error {
		run := scripting.Get[*Module](ctx).Run()
		if run.ID() == "" {
			t.Error("Disabled run should still have an ID")
		}
		// Metric logging degrades to a no-op
		return run.LogMetric(context.Background(), "loss", 1.0, 0)
	})
	ctx.Use(New())

	err := ctx.Execute([]string{
		"--track-mode", "disabled",
		"--track-dir", t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

func TestModuleInvalidMode(t *testing.T) {
	ctx := scripting.New(func(ctx *scripting.Context) error { return nil })
	ctx.Use(New())

	err := ctx.Execute([]string{"--track-mode", "sideways"})
	if err == nil {
		t.Error("Invalid track mode should abort Execute")
	}
}

func TestModuleJobTypeFlagAndSaveCode(t *testing.T) {
	ts, s := newTrackingServer(t)
	trackDir := t.TempDir()

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		return nil
	})
	ctx.Use(New().JobType("train"))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", trackDir,
		"--track-job-type", "eval",
		"--track-save-code",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	// The flag overrides the programmatic job type
	if run.JobType != "eval" {
		t.Errorf("Job type should be eval, got %q", run.JobType)
	}
	if _, ok := run.Config["track_job_type"]; ok {
		t.Error("track_job_type should be excluded from the run config")
	}

	if _, err := os.Stat(filepath.Join(trackDir, "runs", shortID(runID), "code", "build.txt")); err != nil {
		t.Errorf("Build info should be written into the run directory: %v", err)
	}

	files, err := s.ListFiles(runID, "code/")
	if err != nil || len(files) != 1 {
		t.Fatalf("Expected 1 uploaded code file, got %d (%v)", len(files), err)
	}
	if files[0].Name != "code/build.txt" {
		t.Errorf("Uploaded file should be code/build.txt, got %q", files[0].Name)
	}
}

func TestModuleConfigIncludeExclude(t *testing.T) {
	ts, s := newTrackingServer(t)

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		return nil
	})
	ctx.Arguments().Group("Test", "").Flags.String("secret-token", "", "")
	ctx.Arguments().Group("Test", "").Flags.Int("batch-size", 32, "")

	trackMod := New().SetDefaults(Defaults{Project: "fallback-proj"})
	trackMod.ExcludeConfigKeys([]string{"secret-token"})
	trackMod.AddConfig("derived", "value")
	ctx.Use(trackMod)

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--secret-token", "hunter2",
		"--batch-size", "64",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Project != "fallback-proj" {
		t.Errorf("Programmatic default project should apply, got %q", run.Project)
	}
	if _, ok := run.Config["secret_token"]; ok {
		t.Error("Excluded key should not be in the run config")
	}
	if run.Config["batch_size"] != float64(64) {
		t.Errorf("batch_size should be in the run config, got %v", run.Config["batch_size"])
	}
	if run.Config["derived"] != "value" {
		t.Errorf("AddConfig value should be in the run config, got %v", run.Config["derived"])
	}
}
