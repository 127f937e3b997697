package track

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/expctx/expctx/pkg/scripting"
)

// persistentObjectsDir is the run-directory subtree persistent objects
// live in, both locally and on the server.
const persistentObjectsDir = "persistent_objects"

type persistentState int

const (
	stateUnset persistentState = iota
	stateCreating
	stateLoading
	stateReady
)

// Hooks defines how a persistent object is created on a fresh run, loaded
// on a resumed run, and saved when the run stops. Load and Save receive
// the object so they can resolve file paths through Path.
type Hooks[T any] struct {
	Create func(ctx *scripting.Context) (T, error)
	Load   func(po *PersistentObject[T]) (T, error)
	Save   func(po *PersistentObject[T]) error
}

// PersistentObject lazily creates an object on a fresh run, loads it back
// on a resumed run, and saves it once when the run stops. The object is
// only materialized on first Instance call, so scripts that never touch it
// pay nothing.
type PersistentObject[T any] struct {
	module *Module
	hooks  Hooks[T]

	state    persistentState
	instance T
}

// NewPersistentObject registers a persistent object with the currently
// executing context's tracking module. It panics outside Execute or when
// the tracking module is not in use.
func NewPersistentObject[T any](hooks Hooks[T]) *PersistentObject[T] {
	ctx := scripting.Current()
	if ctx == nil {
		panic("track: NewPersistentObject called outside a running context")
	}
	return NewPersistentObjectIn(ctx, hooks)
}

// NewPersistentObjectIn registers a persistent object with the given
// context's tracking module.
func NewPersistentObjectIn[T any](ctx *scripting.Context, hooks Hooks[T]) *PersistentObject[T] {
	if hooks.Create == nil || hooks.Load == nil || hooks.Save == nil {
		panic("track: persistent object requires Create, Load, and Save hooks")
	}
	module := scripting.Get[*Module](ctx)
	po := &PersistentObject[T]{
		module: module,
		hooks:  hooks,
	}
	module.registerPersistent(po)
	return po
}

// Instance returns the object, materializing it on first call: loaded via
// the Load hook when the run was resumed, created via the Create hook
// otherwise.
func (po *PersistentObject[T]) Instance(ctx *scripting.Context) (T, error) {
	if po.state == stateReady {
		return po.instance, nil
	}

	run := po.module.Run()
	var instance T
	var err error
	if run.Resumed() {
		po.state = stateLoading
		instance, err = po.hooks.Load(po)
		if err != nil {
			po.state = stateUnset
			var zero T
			return zero, fmt.Errorf("failed to load persistent object: %w", err)
		}
	} else {
		po.state = stateCreating
		instance, err = po.hooks.Create(ctx)
		if err != nil {
			po.state = stateUnset
			var zero T
			return zero, fmt.Errorf("failed to create persistent object: %w", err)
		}
	}
	po.instance = instance
	po.state = stateReady
	return po.instance, nil
}

// Path resolves a relative file name to an absolute path under the run's
// persistent_objects directory. During a load it first restores matching
// files from the server; otherwise it ensures the parent directory exists
// so the caller can write there. Absolute names are rejected.
func (po *PersistentObject[T]) Path(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("persistent object path must be relative, got %q", name)
	}
	run := po.module.Run()
	rel := filepath.Join(persistentObjectsDir, filepath.FromSlash(name))
	abs := filepath.Join(run.Dir(), rel)

	if po.state == stateLoading {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := run.RestoreFiles(restoreCtx, filepath.ToSlash(rel)); err != nil {
			return "", fmt.Errorf("failed to restore %s: %w", name, err)
		}
		return abs, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create persistent object directory: %w", err)
	}
	return abs, nil
}

// saveIfMaterialized runs the Save hook, but only when the object was
// actually created or loaded during this run.
func (po *PersistentObject[T]) saveIfMaterialized() error {
	if po.state != stateReady {
		return nil
	}
	if err := po.hooks.Save(po); err != nil {
		return fmt.Errorf("failed to save persistent object: %w", err)
	}
	return nil
}
