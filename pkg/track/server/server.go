// Package server implements the local tracking server: a small HTTP API
// over a Store plus on-disk file payloads, good enough for offline work
// and single-machine experiment tracking.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/expctx/expctx/pkg/logging"
	"github.com/expctx/expctx/pkg/models"
	"github.com/expctx/expctx/pkg/store"
)

// Handler handles tracking API requests
type Handler struct {
	store   store.Store
	dataDir string
	apiKey  string
	logger  *logging.Logger
}

// NewHandler creates a new tracking API handler. File payloads are stored
// under dataDir.
func NewHandler(s store.Store, dataDir string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.New(logging.INFO, false)
	}
	return &Handler{
		store:   s,
		dataDir: dataDir,
		logger:  logger.Scope("server"),
	}
}

// SetAPIKey requires bearer-token authentication on every route
func (h *Handler) SetAPIKey(apiKey string) {
	h.apiKey = apiKey
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.authMiddleware)

	api.HandleFunc("/health", h.Health).Methods("GET")

	api.HandleFunc("/runs", h.CreateRun).Methods("POST")
	api.HandleFunc("/runs", h.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/heartbeat", h.RunHeartbeat).Methods("POST")
	api.HandleFunc("/runs/{id}/config", h.UpdateRunConfig).Methods("POST")
	api.HandleFunc("/runs/{id}/metrics", h.LogMetrics).Methods("POST")
	api.HandleFunc("/runs/{id}/metrics", h.GetMetrics).Methods("GET")
	api.HandleFunc("/runs/{id}/finish", h.FinishRun).Methods("POST")
	api.HandleFunc("/runs/{id}/files", h.ListRunFiles).Methods("GET")
	api.HandleFunc("/runs/{id}/files/{name:.*}", h.UploadRunFile).Methods("POST")
	api.HandleFunc("/runs/{id}/files/{name:.*}", h.DownloadRunFile).Methods("GET")

	api.HandleFunc("/artifacts", h.CreateArtifact).Methods("POST")
	api.HandleFunc("/artifacts", h.ListArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/{name}", h.GetArtifact).Methods("GET")
	api.HandleFunc("/artifacts/{name}/{version}/files/{file:.*}", h.UploadArtifactFile).Methods("POST")
	api.HandleFunc("/artifacts/{name}/{version}/files/{file:.*}", h.DownloadArtifactFile).Methods("GET")
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != h.apiKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Health returns the health status of the tracking server
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// CreateRun creates a new run or resumes an existing one
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ID != "" && req.Resume == models.ResumeMust {
		run, err := h.store.GetRun(req.ID)
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				http.Error(w, "Run not found, cannot resume", http.StatusNotFound)
				return
			}
			h.logger.Error("failed to load run", map[string]interface{}{"error": err.Error()})
			http.Error(w, "Failed to load run", http.StatusInternalServerError)
			return
		}

		run.Resumed = true
		run.Status = models.RunStatusRunning
		if req.Config != nil {
			run.Config = req.Config
			if err := h.store.UpdateRunConfig(run.ID, run.Config); err != nil {
				h.logger.Error("failed to update config", map[string]interface{}{"error": err.Error()})
			}
		}
		if err := h.store.UpdateRunStatus(run.ID, models.RunStatusRunning, ""); err != nil {
			h.logger.Error("failed to update status", map[string]interface{}{"error": err.Error()})
			http.Error(w, "Failed to resume run", http.StatusInternalServerError)
			return
		}

		h.logger.Info("run resumed", map[string]interface{}{"run": run.ID, "project": run.Project})
		writeJSON(w, http.StatusOK, run)
		return
	}

	if req.ID != "" {
		if _, err := h.store.GetRun(req.ID); err == nil {
			http.Error(w, "Run already exists", http.StatusConflict)
			return
		}
	}

	now := time.Now()
	run := &models.Run{
		ID:        req.ID,
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
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Project == "" {
		run.Project = "uncategorized"
	}
	if run.Name == "" {
		run.Name = "run-" + shortID(run.ID)
	}

	if err := h.store.CreateRun(run); err != nil {
		if errors.Is(err, store.ErrRunExists) {
			http.Error(w, "Run already exists", http.StatusConflict)
			return
		}
		h.logger.Error("failed to create run", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to create run", http.StatusInternalServerError)
		return
	}

	h.logger.Info("run created", map[string]interface{}{"run": run.ID, "project": run.Project})
	writeJSON(w, http.StatusCreated, run)
}

// ListRuns returns all runs, optionally filtered by project
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.URL.Query().Get("project"))
	if err != nil {
		h.logger.Error("failed to list runs", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun retrieves a specific run by ID
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get run", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunHeartbeat updates run liveness
func (h *Handler) RunHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.store.UpdateRunHeartbeat(mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update heartbeat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UpdateRunConfig replaces the config snapshot of a run
func (h *Handler) UpdateRunConfig(w http.ResponseWriter, r *http.Request) {
	var config map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.UpdateRunConfig(mux.Vars(r)["id"], config); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update config", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to update config", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LogMetrics appends metric points to a run
func (h *Handler) LogMetrics(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	var points []models.MetricPoint
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.AddMetrics(runID, points); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to add metrics", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to add metrics", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetMetrics returns metric points of a run, optionally filtered by name
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := h.store.GetMetrics(mux.Vars(r)["id"], r.URL.Query().Get("name"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get metrics", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to get metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": points,
		"count":   len(points),
	})
}

// FinishRun marks a run as terminated
func (h *Handler) FinishRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	var result models.RunResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now()
	}

	if err := h.store.FinishRun(runID, &result); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to finish run", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to finish run", http.StatusInternalServerError)
		return
	}

	h.logger.Info("run finished", map[string]interface{}{"run": runID, "status": string(result.Status)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// shortID returns the first 8 characters of a run ID, or the whole ID when
// it is shorter.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sanitizeName validates a slash-separated relative file path
func sanitizeName(name string) (string, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid file name: %s", name)
		}
	}
	return name, nil
}

func (h *Handler) runFilePath(runID, name string) string {
	return filepath.Join(h.dataDir, "runs", runID, filepath.FromSlash(name))
}

// UploadRunFile stores a file under a run
func (h *Handler) UploadRunFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID := vars["id"]

	name, err := sanitizeName(vars["name"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetRun(runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}

	path := h.runFilePath(runID, name)
	size, err := writeFile(path, r.Body)
	if err != nil {
		h.logger.Error("failed to store file", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	file := &models.RunFile{
		RunID:     runID,
		Name:      name,
		SizeBytes: size,
		UpdatedAt: time.Now(),
	}
	if err := h.store.RecordFile(file); err != nil {
		h.logger.Error("failed to index file", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to index file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, file)
}

// ListRunFiles lists the indexed files of a run
func (h *Handler) ListRunFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.ListFiles(mux.Vars(r)["id"], r.URL.Query().Get("prefix"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to list files", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list files", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

// DownloadRunFile serves a stored run file
func (h *Handler) DownloadRunFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	name, err := sanitizeName(vars["name"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := h.runFilePath(vars["id"], name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

// CreateArtifact logs a new artifact version
func (h *Handler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req models.ArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Artifact name is required", http.StatusBadRequest)
		return
	}

	artifact := &models.Artifact{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		Aliases:   req.Aliases,
		RunID:     req.RunID,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateArtifact(artifact); err != nil {
		h.logger.Error("failed to create artifact", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to create artifact", http.StatusInternalServerError)
		return
	}

	h.logger.Info("artifact created", map[string]interface{}{
		"artifact": artifact.Name, "version": artifact.Version,
	})
	writeJSON(w, http.StatusCreated, artifact)
}

// ListArtifacts lists stored artifact versions
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.store.ListArtifacts(r.URL.Query().Get("name"))
	if err != nil {
		h.logger.Error("failed to list artifacts", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list artifacts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// GetArtifact resolves an artifact by name and version or alias
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.store.GetArtifact(mux.Vars(r)["name"], r.URL.Query().Get("version"))
	if err != nil {
		if errors.Is(err, store.ErrArtifactNotFound) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get artifact", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to get artifact", http.StatusInternalServerError)
		return
	}

	// The file index lives on disk next to the payloads
	files, err := h.listArtifactFiles(artifact.Name, artifact.Version)
	if err != nil {
		h.logger.Error("failed to list artifact files", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list artifact files", http.StatusInternalServerError)
		return
	}
	artifact.Files = files

	writeJSON(w, http.StatusOK, artifact)
}

func (h *Handler) artifactFilePath(name, version, file string) string {
	return filepath.Join(h.dataDir, "artifacts", name, version, filepath.FromSlash(file))
}

func (h *Handler) listArtifactFiles(name, version string) ([]models.ArtifactFile, error) {
	root := filepath.Join(h.dataDir, "artifacts", name, version)
	files := []models.ArtifactFile{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, models.ArtifactFile{
			Name:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// UploadArtifactFile stores a file of an artifact version
func (h *Handler) UploadArtifactFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	file, err := sanitizeName(vars["file"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetArtifact(vars["name"], vars["version"]); err != nil {
		if errors.Is(err, store.ErrArtifactNotFound) {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load artifact", http.StatusInternalServerError)
		return
	}

	path := h.artifactFilePath(vars["name"], vars["version"], file)
	size, err := writeFile(path, r.Body)
	if err != nil {
		h.logger.Error("failed to store artifact file", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, models.ArtifactFile{Name: file, SizeBytes: size})
}

// DownloadArtifactFile serves a stored artifact file
func (h *Handler) DownloadArtifactFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	file, err := sanitizeName(vars["file"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := os.Open(h.artifactFilePath(vars["name"], vars["version"], file))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

func writeFile(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return size, nil
}

// Server wraps the handler in an http.Server
type Server struct {
	handler    *Handler
	httpServer *http.Server
}

// New creates a tracking server listening on addr
func New(addr string, s store.Store, dataDir string, logger *logging.Logger) *Server {
	handler := NewHandler(s, dataDir, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return &Server{
		handler: handler,
		httpServer: &http.Server{
			Addr:    addr,
			Handler: router,
		},
	}
}

// Handler returns the underlying API handler
func (s *Server) Handler() *Handler {
	return s.handler
}

// ListenAndServe blocks serving the API
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
