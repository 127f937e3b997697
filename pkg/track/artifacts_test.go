package track

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/expctx/expctx/pkg/models"
	"github.com/expctx/expctx/pkg/scripting"
)

func TestAddArtifactArgumentDuplicate(t *testing.T) {
	m := New()
	if err := m.AddArtifactArgument(ArtifactArgument{Name: "dataset"}); err != nil {
		t.Fatalf("First registration should succeed: %v", err)
	}
	if err := m.AddArtifactArgument(ArtifactArgument{Name: "dataset"}); err == nil {
		t.Error("Duplicate registration should fail")
	}
	if err := m.AddArtifactArgument(ArtifactArgument{}); err == nil {
		t.Error("Empty name should fail")
	}
}

func TestArtifactArgumentMutuallyExclusive(t *testing.T) {
	ts, _ := newTrackingServer(t)

	ctx := scripting.New(func(ctx *scripting.Context) error { return nil })
	ctx.Use(New().MustAddArtifactArgument(ArtifactArgument{Name: "dataset", Type: "dataset"}))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--dataset-artifact", "data:latest",
		"--dataset-path", "/tmp/data",
	})
	if err == nil {
		t.Fatal("Providing both flags should abort Execute")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("Error should mention mutual exclusion, got %v", err)
	}
}

func TestArtifactArgumentRequired(t *testing.T) {
	ts, _ := newTrackingServer(t)

	ctx := scripting.New(func(ctx *scripting.Context) error { return nil })
	ctx.Use(New().MustAddArtifactArgument(ArtifactArgument{Name: "dataset", Required: true}))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
	})
	if err == nil {
		t.Error("Missing required artifact argument should abort Execute")
	}
}

func TestArtifactArgumentLocalPath(t *testing.T) {
	ts, s := newTrackingServer(t)
	localPath := t.TempDir()

	var resolved string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		m := scripting.Get[*Module](ctx)
		path, err := m.ArtifactArgumentPath(ctx, "dataset")
		if err != nil {
			return err
		}
		resolved = path
		return nil
	})
	var runID string
	trackMod := New().MustAddArtifactArgument(ArtifactArgument{Name: "dataset", Type: "dataset"})
	ctx.Use(trackMod)

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--dataset-path", localPath,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resolved != localPath {
		t.Errorf("Local path should pass through, got %q", resolved)
	}

	// The artifact flags stay out of the run config
	runID = trackMod.Run().ID()
	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := run.Config["dataset_path"]; ok {
		t.Error("dataset_path should be excluded from the run config")
	}
	if _, ok := run.Config["dataset_artifact"]; ok {
		t.Error("dataset_artifact should be excluded from the run config")
	}
}

func TestArtifactArgumentDownload(t *testing.T) {
	ts, _ := newTrackingServer(t)

	// Publish an artifact first
	client := NewClient(ts.URL)
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "data.csv"), []byte("1,2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := client.LogArtifact(context.Background(), &models.ArtifactRequest{
		Name: "dataset", Type: "dataset",
	}, srcDir); err != nil {
		t.Fatalf("LogArtifact failed: %v", err)
	}

	trackDir := t.TempDir()
	var resolved string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		m := scripting.Get[*Module](ctx)
		path, err := m.ArtifactArgumentPath(ctx, "dataset")
		if err != nil {
			return err
		}
		resolved = path

		// Cached on second resolve
		again, err := m.ArtifactArgumentPath(ctx, "dataset")
		if err != nil {
			return err
		}
		if again != path {
			t.Error("Second resolve should return the cached path")
		}
		return nil
	})
	ctx.Use(New().MustAddArtifactArgument(ArtifactArgument{Name: "dataset", Type: "dataset"}))

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", trackDir,
		"--dataset-artifact", "dataset:latest",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(resolved, "data.csv"))
	if err != nil {
		t.Fatalf("Downloaded artifact file missing: %v", err)
	}
	if string(data) != "1,2" {
		t.Errorf("Downloaded content should match, got %q", data)
	}
}

func TestArtifactArgumentUnresolved(t *testing.T) {
	ts, _ := newTrackingServer(t)

	ctx := scripting.New(func(ctx *scripting.Context) error {
		m := scripting.Get[*Module](ctx)
		if _, err := m.ArtifactArgumentPath(ctx, "dataset"); err == nil {
			t.Error("Resolving with neither flag nor default should fail")
		}
		if _, err := m.ArtifactArgumentPath(ctx, "unknown"); err == nil {
			t.Error("Resolving an unregistered argument should fail")
		}
		return nil
	})
	ctx.Use(New().MustAddArtifactArgument(ArtifactArgument{Name: "dataset"}))

	if err := ctx.Execute([]string{"--track-server", ts.URL, "--track-dir", t.TempDir()}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}
