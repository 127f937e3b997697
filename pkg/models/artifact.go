package models

import (
	"time"
)

// Artifact represents a versioned, named bundle of files produced by a run
type Artifact struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"` // e.g. "model", "dataset"
	Version   string         `json:"version"`        // "v0", "v1", ...
	Aliases   []string       `json:"aliases,omitempty"`
	Digest    string         `json:"digest,omitempty"`
	SizeBytes int64          `json:"size_bytes"`
	RunID     string         `json:"run_id,omitempty"` // producing run
	Files     []ArtifactFile `json:"files,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArtifactFile is a single file within an artifact
type ArtifactFile struct {
	Name      string `json:"name"` // relative path within the artifact
	SizeBytes int64  `json:"size_bytes"`
	Digest    string `json:"digest,omitempty"`
}

// ArtifactRequest represents a request to log a new artifact version
type ArtifactRequest struct {
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	RunID   string   `json:"run_id,omitempty"`
}

// MetricPoint is a single logged metric value
type MetricPoint struct {
	RunID     string    `json:"run_id,omitempty"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Step      int64     `json:"step"`
	Epoch     int64     `json:"epoch,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
