package track

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/expctx/expctx/pkg/models"
)

// RunHandle is the script's view of the active run. It is valid from the
// tracking module's Start until the script exits.
type RunHandle struct {
	module *Module
	run    *models.Run
	dir    string
	mode   Mode
}

// ID returns the run identifier
func (r *RunHandle) ID() string { return r.run.ID }

// Name returns the run display name
func (r *RunHandle) Name() string { return r.run.Name }

// Project returns the project the run belongs to
func (r *RunHandle) Project() string { return r.run.Project }

// Resumed reports whether this execution resumed a previous run
func (r *RunHandle) Resumed() bool { return r.run.Resumed }

// Dir returns the local run directory
func (r *RunHandle) Dir() string { return r.dir }

// Mode returns the tracking mode the run operates in
func (r *RunHandle) Mode() Mode { return r.mode }

// Config returns the run's config snapshot
func (r *RunHandle) Config() map[string]interface{} { return r.run.Config }

// SetConfig records an additional config value on the run
func (r *RunHandle) SetConfig(ctx context.Context, key string, value interface{}) error {
	if r.run.Config == nil {
		r.run.Config = make(map[string]interface{})
	}
	r.run.Config[key] = value
	switch r.mode {
	case ModeOnline:
		return r.module.client.UpdateRunConfig(ctx, r.run.ID, r.run.Config)
	case ModeOffline:
		return r.module.localStore.UpdateRunConfig(r.run.ID, r.run.Config)
	}
	return nil
}

// LogMetric records a single metric point on the run
func (r *RunHandle) LogMetric(ctx context.Context, name string, value float64, step int64) error {
	return r.LogMetrics(ctx, []models.MetricPoint{{
		Name:      name,
		Value:     value,
		Step:      step,
		Timestamp: time.Now(),
	}})
}

// LogMetrics records a batch of metric points on the run
func (r *RunHandle) LogMetrics(ctx context.Context, points []models.MetricPoint) error {
	for i := range points {
		points[i].RunID = r.run.ID
		if points[i].Timestamp.IsZero() {
			points[i].Timestamp = time.Now()
		}
		if r.module.observer != nil {
			r.module.observer(points[i].Name, points[i].Value)
		}
	}
	switch r.mode {
	case ModeOnline:
		return r.module.client.LogMetrics(ctx, r.run.ID, points)
	case ModeOffline:
		return r.module.localStore.AddMetrics(r.run.ID, points)
	}
	return nil
}

// SaveFile uploads a file from the run directory to the server. The name
// is a path relative to the run directory. Offline and disabled runs keep
// the file on disk only.
func (r *RunHandle) SaveFile(ctx context.Context, name string) error {
	if r.mode != ModeOnline {
		return nil
	}
	return r.module.client.UploadFileFromPath(ctx, r.run.ID, name, filepath.Join(r.dir, filepath.FromSlash(name)))
}

// RestoreFiles downloads the run's server files matching a prefix into the
// run directory. It returns the number of files restored.
func (r *RunHandle) RestoreFiles(ctx context.Context, prefix string) (int, error) {
	if r.mode != ModeOnline {
		return 0, nil
	}
	return r.module.client.RestoreFiles(ctx, r.run.ID, prefix, r.dir)
}

// LogArtifact registers a new artifact version from a local directory and
// uploads its files. Only online runs can log artifacts.
func (r *RunHandle) LogArtifact(ctx context.Context, name, artifactType, dir string, aliases ...string) (*models.Artifact, error) {
	if r.mode != ModeOnline {
		return nil, fmt.Errorf("artifact logging requires online mode, run is %s", r.mode)
	}
	return r.module.client.LogArtifact(ctx, &models.ArtifactRequest{
		Name:    name,
		Type:    artifactType,
		Aliases: aliases,
		RunID:   r.run.ID,
	}, dir)
}
