package track

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/expctx/expctx/pkg/models"
	"github.com/expctx/expctx/pkg/retry"
)

// RequestObserver is notified of the outcome of every JSON API request,
// after retries. The metrics exporter hooks in here.
type RequestObserver func(method, path string, err error)

// Client manages communication with a tracking server
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	retryCfg   retry.Config
	observer   RequestObserver
}

// NewClient creates a new tracking client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryCfg: retry.DefaultConfig(),
	}
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetRequestObserver installs a callback invoked with every API request
// outcome.
func (c *Client) SetRequestObserver(fn RequestObserver) {
	c.observer = fn
}

// SetRetryConfig overrides the default retry behavior
func (c *Client) SetRetryConfig(cfg retry.Config) {
	c.retryCfg = cfg
}

// BaseURL returns the server URL the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doJSON sends a request with an optional JSON body and decodes the JSON
// response into out (when non-nil). Retryable failures are retried with
// exponential backoff.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}, wantStatus ...int) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	err := retry.Do(ctx, c.retryCfg, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.addAuthHeader(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if !statusOK(resp.StatusCode, wantStatus) {
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
	if c.observer != nil {
		c.observer(method, path, err)
	}
	return err
}

func statusOK(code int, want []int) bool {
	if len(want) == 0 {
		return code == http.StatusOK
	}
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

// Health checks server availability
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil)
}

// CreateRun creates a new run, or resumes an existing one when the request
// carries an ID with ResumeMust.
func (c *Client) CreateRun(ctx context.Context, req *models.RunRequest) (*models.Run, error) {
	var run models.Run
	err := c.doJSON(ctx, http.MethodPost, "/api/runs", req, &run, http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (c *Client) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs, optionally filtered by project
func (c *Client) ListRuns(ctx context.Context, project string) ([]*models.Run, error) {
	path := "/api/runs"
	if project != "" {
		path += "?project=" + url.QueryEscape(project)
	}
	var result struct {
		Runs []*models.Run `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// Heartbeat reports run liveness
func (c *Client) Heartbeat(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/heartbeat", nil, nil)
}

// LogMetrics appends metric points to a run
func (c *Client) LogMetrics(ctx context.Context, runID string, points []models.MetricPoint) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/metrics", points, nil)
}

// UpdateRunConfig replaces the run's config snapshot
func (c *Client) UpdateRunConfig(ctx context.Context, runID string, config map[string]interface{}) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/config", config, nil)
}

// FinishRun reports the terminal state of a run
func (c *Client) FinishRun(ctx context.Context, runID string, result *models.RunResult) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/finish", result, nil)
}

// UploadFile stores a file under a run. Name is the relative path within
// the run directory.
func (c *Client) UploadFile(ctx context.Context, runID, name string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/runs/"+url.PathEscape(runID)+"/files/"+escapeFilePath(name), r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload %s failed with status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// UploadFileFromPath uploads a local file under a run
func (c *Client) UploadFileFromPath(ctx context.Context, runID, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	return c.UploadFile(ctx, runID, name, f)
}

// ListFiles lists the files of a run whose names start with prefix
func (c *Client) ListFiles(ctx context.Context, runID, prefix string) ([]*models.RunFile, error) {
	path := "/api/runs/" + url.PathEscape(runID) + "/files"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var result struct {
		Files []*models.RunFile `json:"files"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Files, nil
}

// DownloadFile fetches a run file into the local path, creating parent
// directories as needed.
func (c *Client) DownloadFile(ctx context.Context, runID, name, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/runs/"+url.PathEscape(runID)+"/files/"+escapeFilePath(name), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("download %s failed with status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// RestoreFiles downloads every run file with the given prefix into destDir,
// preserving relative paths. It returns the number of files restored.
func (c *Client) RestoreFiles(ctx context.Context, runID, prefix, destDir string) (int, error) {
	files, err := c.ListFiles(ctx, runID, prefix)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := c.DownloadFile(ctx, runID, f.Name, filepath.Join(destDir, filepath.FromSlash(f.Name))); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

// LogArtifact creates a new artifact version and uploads every file under
// dir as its contents.
func (c *Client) LogArtifact(ctx context.Context, req *models.ArtifactRequest, dir string) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := c.doJSON(ctx, http.MethodPost, "/api/artifacts", req, &artifact, http.StatusCreated); err != nil {
		return nil, err
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return c.uploadArtifactFile(ctx, artifact.Name, artifact.Version, filepath.ToSlash(rel), path)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload artifact files: %w", err)
	}
	return &artifact, nil
}

func (c *Client) uploadArtifactFile(ctx context.Context, name, version, fileName, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/artifacts/%s/%s/files/%s",
			c.baseURL, url.PathEscape(name), url.PathEscape(version), escapeFilePath(fileName)), f)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload artifact file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload %s failed with status %d: %s", fileName, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// GetArtifact resolves an artifact by name and version or alias. An empty
// version means the latest.
func (c *Client) GetArtifact(ctx context.Context, name, version string) (*models.Artifact, error) {
	path := "/api/artifacts/" + url.PathEscape(name)
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	var artifact models.Artifact
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// ListArtifacts lists stored artifact versions, optionally for one name
func (c *Client) ListArtifacts(ctx context.Context, name string) ([]*models.Artifact, error) {
	path := "/api/artifacts"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	var result struct {
		Artifacts []*models.Artifact `json:"artifacts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Artifacts, nil
}

// DownloadArtifact fetches every file of an artifact version into destDir
// and returns the artifact metadata.
func (c *Client) DownloadArtifact(ctx context.Context, name, version, destDir string) (*models.Artifact, error) {
	artifact, err := c.GetArtifact(ctx, name, version)
	if err != nil {
		return nil, err
	}
	for _, f := range artifact.Files {
		localPath := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if err := c.downloadArtifactFile(ctx, artifact.Name, artifact.Version, f.Name, localPath); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

func (c *Client) downloadArtifactFile(ctx context.Context, name, version, fileName, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/artifacts/%s/%s/files/%s",
			c.baseURL, url.PathEscape(name), url.PathEscape(version), escapeFilePath(fileName)), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download artifact file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("download %s failed with status %d: %s", fileName, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// escapeFilePath escapes a slash-separated file path segment by segment so
// the slashes survive routing.
func escapeFilePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
