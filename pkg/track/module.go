// Package track provides the experiment-tracking context module: run
// creation and resumption against a tracking server, a run-config snapshot
// built from the script's arguments, artifact arguments, and the
// persistent-object cache.
package track

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/expctx/expctx/pkg/logging"
	"github.com/expctx/expctx/pkg/models"
	"github.com/expctx/expctx/pkg/scripting"
	"github.com/expctx/expctx/pkg/store"
)

// ModuleName is the registry name of the tracking module
const ModuleName = "tracking"

// Mode selects how runs are recorded
type Mode string

const (
	// ModeOnline records runs on a tracking server
	ModeOnline Mode = "online"
	// ModeOffline records runs in a local SQLite store under the track dir
	ModeOffline Mode = "offline"
	// ModeDisabled records nothing
	ModeDisabled Mode = "disabled"
)

// Defaults are programmatic fallbacks for run parameters, used when neither
// flag nor environment provides a value.
type Defaults struct {
	Server  string
	Project string
	Name    string
	Entity  string
	Group   string
	Tags    []string
	Notes   string
	Dir     string
}

// persistentSaver is implemented by PersistentObject
type persistentSaver interface {
	saveIfMaterialized() error
}

// MetricObserver is notified of every metric point logged through the run
// handle. The metrics exporter hooks in here.
type MetricObserver func(name string, value float64)

// Module is the tracking context module
type Module struct {
	client     *Client
	localStore store.Store
	run        *RunHandle
	logger     *logging.Logger

	jobType   string
	canResume bool
	defaults  Defaults

	excludeKeys map[string]struct{}
	includeKeys map[string]struct{}

	artifactArgs  map[string]ArtifactArgument
	artifactOrder []string
	artifactPaths map[string]string

	persistent  []persistentSaver
	observer    MetricObserver
	extraConfig map[string]interface{}

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

var _ scripting.Module = (*Module)(nil)

// New creates the tracking module
func New() *Module {
	m := &Module{
		excludeKeys:   make(map[string]struct{}),
		includeKeys:   make(map[string]struct{}),
		artifactArgs:  make(map[string]ArtifactArgument),
		artifactPaths: make(map[string]string),
		extraConfig:   make(map[string]interface{}),
	}
	// Tracking's own arguments never belong in the run config
	for _, key := range []string{
		"track_server", "track_api_key", "track_project", "track_name",
		"track_entity", "track_group", "track_tags", "track_notes",
		"track_dir", "track_job_type", "track_save_code", "track_mode",
		"track_resume", "log_level", "log_json",
	} {
		m.excludeKeys[key] = struct{}{}
	}
	return m
}

// Name returns the module registry name
func (m *Module) Name() string { return ModuleName }

// JobType sets the job type recorded on the run
func (m *Module) JobType(jobType string) *Module {
	m.jobType = jobType
	return m
}

// Resumable declares that this script can resume a previous run, enabling
// the --track-resume flag.
func (m *Module) Resumable(resumable bool) *Module {
	m.canResume = resumable
	return m
}

// CanResume reports whether run resumption is enabled
func (m *Module) CanResume() bool { return m.canResume }

// SetDefaults sets programmatic fallbacks for run parameters
func (m *Module) SetDefaults(d Defaults) *Module {
	m.defaults = d
	return m
}

// ExcludeConfigKeys removes keys from the run-config snapshot
func (m *Module) ExcludeConfigKeys(keys []string) *Module {
	for _, k := range keys {
		m.excludeKeys[normalizeKey(k)] = struct{}{}
	}
	return m
}

// IncludeConfigKeys forces keys into the run-config snapshot even when
// excluded by default.
func (m *Module) IncludeConfigKeys(keys []string) *Module {
	for _, k := range keys {
		m.includeKeys[normalizeKey(k)] = struct{}{}
	}
	return m
}

// AddConfig records an extra run-config value. Values added before Start
// land in the run's initial config snapshot; other modules use this from
// Init to record derived settings like seeds or detected hardware.
func (m *Module) AddConfig(key string, value interface{}) *Module {
	m.extraConfig[normalizeKey(key)] = value
	return m
}

// Resumed reports whether the active run resumed a previous one. It is
// false before Start.
func (m *Module) Resumed() bool {
	return m.run != nil && m.run.Resumed()
}

// Run returns the active run handle. It panics before Start.
func (m *Module) Run() *RunHandle {
	if m.run == nil {
		panic("track: no active run, module not started")
	}
	return m.run
}

// Client returns the tracking client, or nil outside online mode
func (m *Module) Client() *Client { return m.client }

// SetMetricObserver installs a callback invoked for every metric point
// logged through the run handle.
func (m *Module) SetMetricObserver(fn MetricObserver) { m.observer = fn }

func (m *Module) registerPersistent(p persistentSaver) {
	m.persistent = append(m.persistent, p)
}

// DefineArguments registers the --track-* flag group
func (m *Module) DefineArguments(ctx *scripting.Context) error {
	group := ctx.Arguments().Group("Tracking", "Configuration for the experiment tracking module.")
	flags := group.Flags
	flags.String("track-server", "http://localhost:8080", "The URL of the tracking server.")
	flags.String("track-api-key", "", "The API key for the tracking server.")
	flags.String("track-project", "", "The name of the project where the run is sent. Unset runs land in \"uncategorized\".")
	flags.String("track-name", "", "A short display name for this run. Generated from the run ID when unset.")
	flags.String("track-entity", "", "The user or team name the run belongs to.")
	flags.String("track-group", "", "A group name to organize related runs into a larger experiment.")
	flags.StringSlice("track-tags", nil, "Tags to attach to the run.")
	flags.String("track-notes", "", "A longer description of the run, like a commit message.")
	flags.String("track-dir", "./expctx", "The local directory where run data and downloads are stored.")
	flags.String("track-job-type", "", "The type of job this run performs, like \"train\" or \"eval\".")
	flags.Bool("track-save-code", false, "Record the binary's build information with the run.")
	flags.String("track-mode", string(ModeOnline), "The tracking mode (online, offline, disabled).")
	if m.canResume {
		flags.String("track-resume", "", "Resume a previous run given its ID.")
	}

	m.defineArtifactArguments(ctx)
	return nil
}

// Init validates the parsed tracking settings
func (m *Module) Init(ctx *scripting.Context) error {
	mode := Mode(ctx.Config().GetString("track-mode"))
	switch mode {
	case ModeOnline, ModeOffline, ModeDisabled:
	default:
		return fmt.Errorf("invalid track mode: %q", mode)
	}
	return m.validateArtifactArguments(ctx)
}

// setting resolves a run parameter: explicit flag or environment first,
// then the programmatic default, then the flag default.
func (m *Module) setting(ctx *scripting.Context, key, programmatic string) string {
	if ctx.Config().Provided(key) {
		return ctx.Config().GetString(key)
	}
	if programmatic != "" {
		return programmatic
	}
	return ctx.Config().GetString(key)
}

// Start creates or resumes the run
func (m *Module) Start(ctx *scripting.Context) error {
	m.logger = ctx.Logger().Scope(ModuleName)
	cfg := ctx.Config()
	mode := Mode(cfg.GetString("track-mode"))

	dir := m.setting(ctx, "track-dir", m.defaults.Dir)
	tags := cfg.GetStringSlice("track-tags")
	if len(tags) == 0 {
		tags = m.defaults.Tags
	}

	resumeID := ""
	if m.canResume {
		resumeID = cfg.GetString("track-resume")
	}

	req := &models.RunRequest{
		ID:      resumeID,
		Resume:  models.ResumeNever,
		Project: m.setting(ctx, "track-project", m.defaults.Project),
		Name:    m.setting(ctx, "track-name", m.defaults.Name),
		Entity:  m.setting(ctx, "track-entity", m.defaults.Entity),
		Group:   m.setting(ctx, "track-group", m.defaults.Group),
		JobType: m.setting(ctx, "track-job-type", m.jobType),
		Tags:    tags,
		Notes:   m.setting(ctx, "track-notes", m.defaults.Notes),
		Config:  m.configSnapshot(cfg),
	}
	if resumeID != "" {
		req.Resume = models.ResumeMust
	}

	var run *models.Run
	var err error
	switch mode {
	case ModeOnline:
		run, err = m.startOnline(ctx, req)
	case ModeOffline:
		run, err = m.startOffline(ctx, req, dir)
	case ModeDisabled:
		run = m.startDisabled(req)
	}
	if err != nil {
		return err
	}

	runDir := filepath.Join(dir, "runs", shortID(run.ID))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	m.run = &RunHandle{
		module: m,
		run:    run,
		dir:    runDir,
		mode:   mode,
	}

	if err := m.writeRunMetadata(runDir, run, mode); err != nil {
		m.logger.Warn("failed to write run metadata", map[string]interface{}{"error": err.Error()})
	}

	if cfg.GetBool("track-save-code") {
		if err := m.saveCode(ctx); err != nil {
			m.logger.Warn("failed to save code info", map[string]interface{}{"error": err.Error()})
		}
	}

	if mode == ModeOnline {
		m.startHeartbeat(run.ID)
	}

	m.logger.Info("run started", map[string]interface{}{
		"run": run.ID, "project": run.Project, "mode": string(mode), "resumed": run.Resumed,
	})
	return nil
}

func (m *Module) startOnline(ctx *scripting.Context, req *models.RunRequest) (*models.Run, error) {
	cfg := ctx.Config()
	m.client = NewClient(m.setting(ctx, "track-server", m.defaults.Server))
	if key := cfg.GetString("track-api-key"); key != "" {
		m.client.SetAPIKey(key)
	}

	run, err := m.client.CreateRun(ctx.Ctx(), req)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

func (m *Module) startOffline(ctx *scripting.Context, req *models.RunRequest, dir string) (*models.Run, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create track directory: %w", err)
	}
	localStore, err := store.NewSQLiteStore(filepath.Join(dir, "local.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	m.localStore = localStore

	if req.ID != "" && req.Resume == models.ResumeMust {
		run, err := localStore.GetRun(req.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resume run %s: %w", req.ID, err)
		}
		run.Resumed = true
		run.Status = models.RunStatusRunning
		if err := localStore.UpdateRunStatus(run.ID, models.RunStatusRunning, ""); err != nil {
			return nil, fmt.Errorf("failed to resume run %s: %w", req.ID, err)
		}
		return run, nil
	}

	now := time.Now()
	run := &models.Run{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Project:   req.Project,
		Entity:    req.Entity,
		Group:     req.Group,
		JobType:   req.JobType,
		Tags:      req.Tags,
		Notes:     req.Notes,
		Config:    req.Config,
		Status:    models.RunStatusRunning,
		CreatedAt: now,
		StartedAt: &now,
	}
	if run.Project == "" {
		run.Project = "uncategorized"
	}
	if run.Name == "" {
		run.Name = "run-" + shortID(run.ID)
	}
	if err := localStore.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

func (m *Module) startDisabled(req *models.RunRequest) *models.Run {
	now := time.Now()
	run := &models.Run{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Project:   req.Project,
		Status:    models.RunStatusRunning,
		Config:    req.Config,
		CreatedAt: now,
		StartedAt: &now,
	}
	if run.Name == "" {
		run.Name = "run-" + shortID(run.ID)
	}
	return run
}

// runMetadata is the run.yaml file written into every run directory
type runMetadata struct {
	ID       string                 `yaml:"id"`
	Name     string                 `yaml:"name"`
	Project  string                 `yaml:"project"`
	Mode     string                 `yaml:"mode"`
	Resumed  bool                   `yaml:"resumed"`
	JobType  string                 `yaml:"job_type,omitempty"`
	Config   map[string]interface{} `yaml:"config,omitempty"`
	Created  time.Time              `yaml:"created"`
}

func (m *Module) writeRunMetadata(runDir string, run *models.Run, mode Mode) error {
	data, err := yaml.Marshal(runMetadata{
		ID:      run.ID,
		Name:    run.Name,
		Project: run.Project,
		Mode:    string(mode),
		Resumed: run.Resumed,
		JobType: run.JobType,
		Config:  run.Config,
		Created: run.CreatedAt,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "run.yaml"), data, 0644)
}

// saveCode records the binary's embedded build information (module path,
// VCS revision, compiler settings) as a run file, so a run can be traced
// back to the code that produced it.
func (m *Module) saveCode(ctx *scripting.Context) error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Errorf("build information not available")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "binary: %s\n", os.Args[0])
	fmt.Fprintf(&b, "go: %s\n", info.GoVersion)
	fmt.Fprintf(&b, "module: %s %s\n", info.Main.Path, info.Main.Version)
	for _, s := range info.Settings {
		fmt.Fprintf(&b, "%s: %s\n", s.Key, s.Value)
	}

	path := filepath.Join(m.run.dir, "code", "build.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return err
	}

	if m.run.mode == ModeOnline {
		uploadCtx, cancel := context.WithTimeout(ctx.Ctx(), 30*time.Second)
		defer cancel()
		return m.client.UploadFileFromPath(uploadCtx, m.run.ID(), "code/build.txt", path)
	}
	return nil
}

// configSnapshot builds the run config from every parsed argument, minus
// the excluded keys, plus the explicitly included ones.
func (m *Module) configSnapshot(cfg *scripting.Config) map[string]interface{} {
	snapshot := cfg.Snapshot()
	out := make(map[string]interface{}, len(snapshot))
	for key, value := range snapshot {
		if _, included := m.includeKeys[key]; included {
			out[key] = value
			continue
		}
		if _, excluded := m.excludeKeys[key]; excluded {
			continue
		}
		out[key] = value
	}
	for key, value := range m.extraConfig {
		out[key] = value
	}
	return out
}

const heartbeatInterval = 15 * time.Second

func (m *Module) startHeartbeat(runID string) {
	m.heartbeatStop = make(chan struct{})
	m.heartbeatDone = make(chan struct{})
	go func() {
		defer close(m.heartbeatDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.heartbeatStop:
				return
			case <-ticker.C:
				hbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := m.client.Heartbeat(hbCtx, runID); err != nil {
					m.logger.Warn("heartbeat failed", map[string]interface{}{"error": err.Error()})
				}
				cancel()
			}
		}
	}()
}

// Stop saves persistent objects, uploads them, and finishes the run
func (m *Module) Stop(ctx *scripting.Context) error {
	if m.run == nil {
		return nil
	}

	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		<-m.heartbeatDone
	}

	var firstErr error
	for _, p := range m.persistent {
		if err := p.saveIfMaterialized(); err != nil {
			m.logger.Error("persistent object save failed", map[string]interface{}{"error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := m.uploadPersistentObjects(); err != nil {
		m.logger.Error("persistent object upload failed", map[string]interface{}{"error": err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := m.finishRun(ctx); err != nil {
		m.logger.Error("failed to finish run", map[string]interface{}{"error": err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}

	if m.localStore != nil {
		m.localStore.Close()
		m.localStore = nil
	}
	return firstErr
}

// uploadPersistentObjects pushes everything under persistent_objects/ in
// the run directory to the server.
func (m *Module) uploadPersistentObjects() error {
	if m.run.mode != ModeOnline {
		return nil
	}
	root := filepath.Join(m.run.dir, persistentObjectsDir)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil
	}

	uploadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.run.dir, path)
		if err != nil {
			return err
		}
		return m.client.UploadFileFromPath(uploadCtx, m.run.ID(), filepath.ToSlash(rel), path)
	})
}

func (m *Module) finishRun(ctx *scripting.Context) error {
	status := models.RunStatusFinished
	errMsg := ""
	switch ctx.Job().State() {
	case scripting.StateFailed:
		status = models.RunStatusFailed
	case scripting.StateCanceled:
		status = models.RunStatusCrashed
	}
	if err := ctx.Job().Err(); err != nil {
		errMsg = err.Error()
	}
	result := &models.RunResult{
		Status:     status,
		Error:      errMsg,
		FinishedAt: time.Now(),
	}

	switch m.run.mode {
	case ModeOnline:
		finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return m.client.FinishRun(finishCtx, m.run.ID(), result)
	case ModeOffline:
		return m.localStore.FinishRun(m.run.ID(), result)
	}
	return nil
}

// Finish is a no-op
func (m *Module) Finish(ctx *scripting.Context) error { return nil }

func normalizeKey(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
