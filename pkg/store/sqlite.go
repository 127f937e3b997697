package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/expctx/expctx/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store.
// It backs the local tracking server and offline runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Connection parameters for concurrent access:
	// - _journal_mode=WAL: Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent metric logging
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project TEXT NOT NULL,
		entity TEXT,
		run_group TEXT,
		job_type TEXT,
		tags TEXT,
		notes TEXT,
		config TEXT,
		status TEXT NOT NULL,
		resumed BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		last_heartbeat DATETIME
	);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		step INTEGER NOT NULL,
		epoch INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_run_name ON metrics(run_id, name);

	CREATE TABLE IF NOT EXISTS run_files (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, name),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT,
		version TEXT NOT NULL,
		aliases TEXT,
		digest TEXT,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		run_id TEXT,
		files TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (name, version)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun stores a new run
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	tags, _ := json.Marshal(run.Tags)
	config, _ := json.Marshal(run.Config)

	_, err := s.db.Exec(`
		INSERT INTO runs (id, name, project, entity, run_group, job_type, tags, notes, config,
			status, resumed, error, created_at, started_at, finished_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Project, run.Entity, run.Group, run.JobType,
		string(tags), run.Notes, string(config), string(run.Status), run.Resumed,
		run.Error, run.CreatedAt, run.StartedAt, run.FinishedAt, run.LastHeartbeat)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrRunExists
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanRun(row *sql.Row) (*models.Run, error) {
	var run models.Run
	var tags, config sql.NullString
	var entity, group, jobType, notes, errMsg sql.NullString
	var startedAt, finishedAt, lastHeartbeat sql.NullTime
	var status string

	err := row.Scan(&run.ID, &run.Name, &run.Project, &entity, &group, &jobType,
		&tags, &notes, &config, &status, &run.Resumed, &errMsg,
		&run.CreatedAt, &startedAt, &finishedAt, &lastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Entity = entity.String
	run.Group = group.String
	run.JobType = jobType.String
	run.Notes = notes.String
	run.Error = errMsg.String
	run.Status = models.RunStatus(status)
	if tags.Valid && tags.String != "" {
		json.Unmarshal([]byte(tags.String), &run.Tags)
	}
	if config.Valid && config.String != "" {
		json.Unmarshal([]byte(config.String), &run.Config)
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		run.LastHeartbeat = &t
	}
	return &run, nil
}

const runColumns = `id, name, project, entity, run_group, job_type, tags, notes, config,
	status, resumed, error, created_at, started_at, finished_at, last_heartbeat`

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return s.scanRun(row)
}

// ListRuns returns all runs, optionally filtered by project
func (s *SQLiteStore) ListRuns(project string) ([]*models.Run, error) {
	query := `SELECT id FROM runs ORDER BY created_at`
	args := []interface{}{}
	if project != "" {
		query = `SELECT id FROM runs WHERE project = ? ORDER BY created_at`
		args = append(args, project)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*models.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateRunStatus updates a run's status and error message
func (s *SQLiteStore) UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END
		WHERE id = ?`,
		string(status), errorMsg, string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(res)
}

// UpdateRunHeartbeat records run liveness
func (s *SQLiteStore) UpdateRunHeartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE runs SET last_heartbeat = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return requireRow(res)
}

// UpdateRunConfig replaces a run's config snapshot
func (s *SQLiteStore) UpdateRunConfig(id string, config map[string]interface{}) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	res, err := s.db.Exec(`UPDATE runs SET config = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	return requireRow(res)
}

// FinishRun marks a run as terminated
func (s *SQLiteStore) FinishRun(id string, result *models.RunResult) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(result.Status), result.Error, result.FinishedAt, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return requireRow(res)
}

// AddMetrics appends metric points for a run
func (s *SQLiteStore) AddMetrics(runID string, points []models.MetricPoint) error {
	if _, err := s.GetRun(runID); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO metrics (run_id, name, value, step, epoch, timestamp) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(runID, p.Name, p.Value, p.Step, p.Epoch, p.Timestamp); err != nil {
			return fmt.Errorf("failed to insert metric: %w", err)
		}
	}
	return tx.Commit()
}

// GetMetrics returns metric points for a run, optionally filtered by name
func (s *SQLiteStore) GetMetrics(runID string, name string) ([]models.MetricPoint, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}

	query := `SELECT name, value, step, epoch, timestamp FROM metrics WHERE run_id = ? ORDER BY step, timestamp`
	args := []interface{}{runID}
	if name != "" {
		query = `SELECT name, value, step, epoch, timestamp FROM metrics WHERE run_id = ? AND name = ? ORDER BY step, timestamp`
		args = append(args, name)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	points := []models.MetricPoint{}
	for rows.Next() {
		p := models.MetricPoint{RunID: runID}
		if err := rows.Scan(&p.Name, &p.Value, &p.Step, &p.Epoch, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// RecordFile indexes a file stored under a run
func (s *SQLiteStore) RecordFile(file *models.RunFile) error {
	if _, err := s.GetRun(file.RunID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO run_files (run_id, name, size_bytes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET size_bytes = excluded.size_bytes, updated_at = excluded.updated_at`,
		file.RunID, file.Name, file.SizeBytes, file.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record file: %w", err)
	}
	return nil
}

// ListFiles returns the indexed files of a run whose names start with prefix
func (s *SQLiteStore) ListFiles(runID string, prefix string) ([]*models.RunFile, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}

	// % and _ are LIKE wildcards and must not match literally-named files
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
	rows, err := s.db.Query(`
		SELECT name, size_bytes, updated_at FROM run_files
		WHERE run_id = ? AND name LIKE ? ESCAPE '\' ORDER BY name`,
		runID, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	files := []*models.RunFile{}
	for rows.Next() {
		f := &models.RunFile{RunID: runID}
		if err := rows.Scan(&f.Name, &f.SizeBytes, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CreateArtifact stores a new artifact version under its name
func (s *SQLiteStore) CreateArtifact(artifact *models.Artifact) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM artifacts WHERE name = ?`, artifact.Name).Scan(&count); err != nil {
		return fmt.Errorf("failed to count versions: %w", err)
	}
	artifact.Version = fmt.Sprintf("v%d", count)

	// Move the "latest" alias to the new version
	rows, err := tx.Query(`SELECT id, aliases FROM artifacts WHERE name = ?`, artifact.Name)
	if err != nil {
		return fmt.Errorf("failed to query versions: %w", err)
	}
	type aliasUpdate struct {
		id      string
		aliases []string
	}
	updates := []aliasUpdate{}
	for rows.Next() {
		var id string
		var aliasesJSON sql.NullString
		if err := rows.Scan(&id, &aliasesJSON); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan aliases: %w", err)
		}
		var aliases []string
		if aliasesJSON.Valid && aliasesJSON.String != "" {
			json.Unmarshal([]byte(aliasesJSON.String), &aliases)
		}
		updates = append(updates, aliasUpdate{id: id, aliases: removeAlias(aliases, "latest")})
	}
	rows.Close()
	for _, u := range updates {
		data, _ := json.Marshal(u.aliases)
		if _, err := tx.Exec(`UPDATE artifacts SET aliases = ? WHERE id = ?`, string(data), u.id); err != nil {
			return fmt.Errorf("failed to update aliases: %w", err)
		}
	}

	artifact.Aliases = append(artifact.Aliases, "latest")
	aliases, _ := json.Marshal(artifact.Aliases)
	files, _ := json.Marshal(artifact.Files)
	_, err = tx.Exec(`
		INSERT INTO artifacts (id, name, type, version, aliases, digest, size_bytes, run_id, files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.Name, artifact.Type, artifact.Version, string(aliases),
		artifact.Digest, artifact.SizeBytes, artifact.RunID, string(files), artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return tx.Commit()
}

// GetArtifact resolves an artifact by version or alias; empty means latest
func (s *SQLiteStore) GetArtifact(name string, versionOrAlias string) (*models.Artifact, error) {
	if versionOrAlias == "" {
		versionOrAlias = "latest"
	}

	artifacts, err := s.ListArtifacts(name)
	if err != nil {
		return nil, err
	}
	for i := len(artifacts) - 1; i >= 0; i-- {
		a := artifacts[i]
		if a.Version == versionOrAlias {
			return a, nil
		}
		for _, alias := range a.Aliases {
			if alias == versionOrAlias {
				return a, nil
			}
		}
	}
	return nil, ErrArtifactNotFound
}

// ListArtifacts returns all versions of an artifact name, oldest first.
// With an empty name it returns every stored artifact version.
func (s *SQLiteStore) ListArtifacts(name string) ([]*models.Artifact, error) {
	query := `SELECT id, name, type, version, aliases, digest, size_bytes, run_id, files, created_at
		FROM artifacts ORDER BY name, created_at`
	args := []interface{}{}
	if name != "" {
		query = `SELECT id, name, type, version, aliases, digest, size_bytes, run_id, files, created_at
			FROM artifacts WHERE name = ? ORDER BY created_at`
		args = append(args, name)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*models.Artifact{}
	for rows.Next() {
		a := &models.Artifact{}
		var typ, aliases, digest, runID, files sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &typ, &a.Version, &aliases, &digest,
			&a.SizeBytes, &runID, &files, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Type = typ.String
		a.Digest = digest.String
		a.RunID = runID.String
		if aliases.Valid && aliases.String != "" {
			json.Unmarshal([]byte(aliases.String), &a.Aliases)
		}
		if files.Valid && files.String != "" {
			json.Unmarshal([]byte(files.String), &a.Files)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}
