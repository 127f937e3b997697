package models

import (
	"time"
)

// RunStatus represents the status of a tracked run
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCrashed  RunStatus = "crashed"
)

// ResumePolicy controls how a run ID supplied at start time is treated
type ResumePolicy string

const (
	// ResumeNever requires the run ID to be new
	ResumeNever ResumePolicy = "never"
	// ResumeMust requires the run ID to belong to an existing run
	ResumeMust ResumePolicy = "must"
)

// Run represents a single tracked experiment run
type Run struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Project       string                 `json:"project"`
	Entity        string                 `json:"entity,omitempty"`
	Group         string                 `json:"group,omitempty"`
	JobType       string                 `json:"job_type,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Status        RunStatus              `json:"status"`
	Resumed       bool                   `json:"resumed"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time             `json:"last_heartbeat,omitempty"`
}

// RunRequest represents a request to create or resume a run
type RunRequest struct {
	ID      string                 `json:"id,omitempty"`
	Resume  ResumePolicy           `json:"resume,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Project string                 `json:"project"`
	Entity  string                 `json:"entity,omitempty"`
	Group   string                 `json:"group,omitempty"`
	JobType string                 `json:"job_type,omitempty"`
	Tags    []string               `json:"tags,omitempty"`
	Notes   string                 `json:"notes,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// RunResult reports the terminal state of a run
type RunResult struct {
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunFile describes a file stored under a run
type RunFile struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"` // relative path within the run directory
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}
