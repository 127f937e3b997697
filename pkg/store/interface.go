package store

import (
	"errors"

	"github.com/expctx/expctx/pkg/models"
)

var (
	// ErrRunNotFound is returned when a run does not exist
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when creating a run whose ID is already taken
	ErrRunExists = errors.New("run already exists")
	// ErrArtifactNotFound is returned when an artifact version does not exist
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Store defines the interface for tracking-data persistence.
// Both the in-memory and the SQLite implementations satisfy it; file
// payloads live on disk and are not the store's concern.
type Store interface {
	// Run operations
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	ListRuns(project string) ([]*models.Run, error)
	UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error
	UpdateRunHeartbeat(id string) error
	UpdateRunConfig(id string, config map[string]interface{}) error
	FinishRun(id string, result *models.RunResult) error

	// Metric operations
	AddMetrics(runID string, points []models.MetricPoint) error
	GetMetrics(runID string, name string) ([]models.MetricPoint, error)

	// Run file index
	RecordFile(file *models.RunFile) error
	ListFiles(runID string, prefix string) ([]*models.RunFile, error)

	// Artifact operations. CreateArtifact assigns the next version for the
	// artifact name and moves the "latest" alias to it.
	CreateArtifact(artifact *models.Artifact) error
	GetArtifact(name string, versionOrAlias string) (*models.Artifact, error)
	ListArtifacts(name string) ([]*models.Artifact, error)

	Close() error
}
