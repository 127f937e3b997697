package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expctx/expctx/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store.
// It backs unit tests and short-lived local servers.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*models.Run
	metrics   map[string][]models.MetricPoint // keyed by run ID
	files     map[string]map[string]*models.RunFile
	artifacts map[string][]*models.Artifact // keyed by artifact name, version order
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*models.Run),
		metrics:   make(map[string][]models.MetricPoint),
		files:     make(map[string]map[string]*models.RunFile),
		artifacts: make(map[string][]*models.Artifact),
	}
}

// CreateRun stores a new run
func (s *MemoryStore) CreateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

// ListRuns returns all runs, optionally filtered by project
func (s *MemoryStore) ListRuns(project string) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if project != "" && run.Project != project {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// UpdateRunStatus updates a run's status and error message
func (s *MemoryStore) UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.Error = errorMsg
	if status == models.RunStatusRunning && run.StartedAt == nil {
		now := time.Now()
		run.StartedAt = &now
	}
	return nil
}

// UpdateRunHeartbeat records run liveness
func (s *MemoryStore) UpdateRunHeartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := time.Now()
	run.LastHeartbeat = &now
	return nil
}

// UpdateRunConfig replaces a run's config snapshot
func (s *MemoryStore) UpdateRunConfig(id string, config map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Config = config
	return nil
}

// FinishRun marks a run as terminated
func (s *MemoryStore) FinishRun(id string, result *models.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = result.Status
	run.Error = result.Error
	finishedAt := result.FinishedAt
	run.FinishedAt = &finishedAt
	return nil
}

// AddMetrics appends metric points for a run
func (s *MemoryStore) AddMetrics(runID string, points []models.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	s.metrics[runID] = append(s.metrics[runID], points...)
	return nil
}

// GetMetrics returns metric points for a run, optionally filtered by name
func (s *MemoryStore) GetMetrics(runID string, name string) ([]models.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	points := make([]models.MetricPoint, 0, len(s.metrics[runID]))
	for _, p := range s.metrics[runID] {
		if name != "" && p.Name != name {
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

// RecordFile indexes a file stored under a run
func (s *MemoryStore) RecordFile(file *models.RunFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[file.RunID]; !ok {
		return ErrRunNotFound
	}
	if s.files[file.RunID] == nil {
		s.files[file.RunID] = make(map[string]*models.RunFile)
	}
	copied := *file
	s.files[file.RunID][file.Name] = &copied
	return nil
}

// ListFiles returns the indexed files of a run whose names start with prefix
func (s *MemoryStore) ListFiles(runID string, prefix string) ([]*models.RunFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	files := make([]*models.RunFile, 0)
	for name, file := range s.files[runID] {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		copied := *file
		files = append(files, &copied)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// CreateArtifact stores a new artifact version under its name
func (s *MemoryStore) CreateArtifact(artifact *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.artifacts[artifact.Name]
	artifact.Version = fmt.Sprintf("v%d", len(versions))
	copied := *artifact

	// Move the "latest" alias to the new version
	for _, prev := range versions {
		prev.Aliases = removeAlias(prev.Aliases, "latest")
	}
	copied.Aliases = append(copied.Aliases, "latest")

	s.artifacts[artifact.Name] = append(versions, &copied)
	artifact.Aliases = copied.Aliases
	return nil
}

// GetArtifact resolves an artifact by version or alias; empty means latest
func (s *MemoryStore) GetArtifact(name string, versionOrAlias string) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.artifacts[name]
	if len(versions) == 0 {
		return nil, ErrArtifactNotFound
	}
	if versionOrAlias == "" {
		versionOrAlias = "latest"
	}
	for i := len(versions) - 1; i >= 0; i-- {
		a := versions[i]
		if a.Version == versionOrAlias {
			copied := *a
			return &copied, nil
		}
		for _, alias := range a.Aliases {
			if alias == versionOrAlias {
				copied := *a
				return &copied, nil
			}
		}
	}
	return nil, ErrArtifactNotFound
}

// ListArtifacts returns all versions of an artifact name, oldest first.
// With an empty name it returns every stored artifact version.
func (s *MemoryStore) ListArtifacts(name string) ([]*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Artifact, 0)
	for artifactName, versions := range s.artifacts {
		if name != "" && artifactName != name {
			continue
		}
		for _, a := range versions {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func removeAlias(aliases []string, alias string) []string {
	out := aliases[:0]
	for _, a := range aliases {
		if a != alias {
			out = append(out, a)
		}
	}
	return out
}
