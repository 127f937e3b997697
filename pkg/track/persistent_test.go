package track

import (
	"os"
	"testing"

	"github.com/expctx/expctx/pkg/models"
	"github.com/expctx/expctx/pkg/scripting"
)

// counter is a tiny persistent object persisted as its decimal string
type counter struct {
	Value int
}

func counterHooks(ctx *scripting.Context) Hooks[*counter] {
	return Hooks[*counter]{
		Create: func(ctx *scripting.Context) (*counter, error) {
			return &counter{}, nil
		},
		Load: func(po *PersistentObject[*counter]) (*counter, error) {
			path, err := po.Path("counter.txt")
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			c := &counter{}
			for _, b := range data {
				c.Value = c.Value*10 + int(b-'0')
			}
			return c, nil
		},
		Save: func(po *PersistentObject[*counter]) error {
			c, err := po.Instance(ctx)
			if err != nil {
				return err
			}
			path, err := po.Path("counter.txt")
			if err != nil {
				return err
			}
			digits := []byte{}
			v := c.Value
			if v == 0 {
				digits = []byte{'0'}
			}
			for v > 0 {
				digits = append([]byte{byte('0' + v%10)}, digits...)
				v /= 10
			}
			return os.WriteFile(path, digits, 0644)
		},
	}
}

func TestPersistentObjectCreateAndSave(t *testing.T) {
	ts, s := newTrackingServer(t)

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		po := NewPersistentObjectIn(ctx, counterHooks(ctx))
		c, err := po.Instance(ctx)
		if err != nil {
			return err
		}
		c.Value = 42
		return nil
	})
	ctx.Use(New())

	err := ctx.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The saved object was uploaded to the server during Stop
	files, err := s.ListFiles(runID, "persistent_objects/")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].Name != "persistent_objects/counter.txt" {
		t.Fatalf("Expected the saved counter on the server, got %v", files)
	}
}

func TestPersistentObjectLoadOnResume(t *testing.T) {
	ts, _ := newTrackingServer(t)
	trackDir := t.TempDir()

	// First run: create and save
	var runID string
	first := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		po := NewPersistentObjectIn(ctx, counterHooks(ctx))
		c, err := po.Instance(ctx)
		if err != nil {
			return err
		}
		c.Value = 7
		return nil
	})
	first.Use(New())
	if err := first.Execute([]string{"--track-server", ts.URL, "--track-dir", trackDir}); err != nil {
		t.Fatalf("First Execute failed: %v", err)
	}

	// Second run resumes into a fresh track dir, so the file must come
	// back from the server.
	var loaded int
	second := scripting.New(func(ctx *scripting.Context) error {
		po := NewPersistentObjectIn(ctx, counterHooks(ctx))
		c, err := po.Instance(ctx)
		if err != nil {
			return err
		}
		loaded = c.Value
		c.Value++
		return nil
	})
	second.Use(New().Resumable(true))
	err := second.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--track-resume", runID,
	})
	if err != nil {
		t.Fatalf("Second Execute failed: %v", err)
	}
	if loaded != 7 {
		t.Errorf("Loaded counter should be 7, got %d", loaded)
	}
}

func TestPersistentObjectNotMaterializedNotSaved(t *testing.T) {
	ts, s := newTrackingServer(t)

	var runID string
	ctx := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		// Register but never touch the object
		NewPersistentObjectIn(ctx, counterHooks(ctx))
		return nil
	})
	ctx.Use(New())

	err := ctx.Execute([]string{"--track-server", ts.URL, "--track-dir", t.TempDir()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	files, err := s.ListFiles(runID, "persistent_objects/")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("Untouched object should not be saved, got %v", files)
	}
}

func TestPersistentObjectRejectsAbsolutePath(t *testing.T) {
	ts, _ := newTrackingServer(t)

	ctx := scripting.New(func(ctx *scripting.Context) error {
		po := NewPersistentObjectIn(ctx, counterHooks(ctx))
		if _, err := po.Path("/etc/passwd"); err == nil {
			t.Error("Absolute paths should be rejected")
		}
		return nil
	})
	ctx.Use(New())

	if err := ctx.Execute([]string{"--track-server", ts.URL, "--track-dir", t.TempDir()}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

func TestPersistentObjectRunStatus(t *testing.T) {
	// A finished first run resumes cleanly; check the status on the server
	// flips back to finished after the resumed run completes.
	ts, s := newTrackingServer(t)

	var runID string
	first := scripting.New(func(ctx *scripting.Context) error {
		runID = scripting.Get[*Module](ctx).Run().ID()
		return nil
	})
	first.Use(New())
	if err := first.Execute([]string{"--track-server", ts.URL, "--track-dir", t.TempDir()}); err != nil {
		t.Fatalf("First Execute failed: %v", err)
	}

	second := scripting.New(func(ctx *scripting.Context) error { return nil })
	second.Use(New().Resumable(true))
	err := second.Execute([]string{
		"--track-server", ts.URL,
		"--track-dir", t.TempDir(),
		"--track-resume", runID,
	})
	if err != nil {
		t.Fatalf("Second Execute failed: %v", err)
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusFinished {
		t.Errorf("Resumed run should finish again, got %s", run.Status)
	}
}
