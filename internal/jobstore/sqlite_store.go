// Package jobstore provides persistent storage for mapping job state,
// per-cell predictions and marker lists using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a mapping job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// MapJobParams contains the parameters for a mapping job. Zero values defer
// to the dataset pair's configured defaults.
type MapJobParams struct {
	DatasetID string   `json:"dataset_id"`
	Method    string   `json:"method,omitempty"`
	Dims      int      `json:"dims,omitempty"`
	TopGenes  int      `json:"top_genes,omitempty"`
	KAnchor   int      `json:"k_anchor,omitempty"`
	KFilter   int      `json:"k_filter,omitempty"`
	KWeight   int      `json:"k_weight,omitempty"`
	Seed      int64    `json:"seed,omitempty"`
	Markers   []string `json:"must_include_markers,omitempty"`
	Coords    bool     `json:"transfer_coords,omitempty"`
}

// MapJobProgress represents the progress of a mapping job.
type MapJobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// MapJob represents one label-transfer run.
type MapJob struct {
	ID         string         `json:"job_id"`
	DatasetID  string         `json:"dataset_id"`
	Status     JobStatus      `json:"status"`
	Params     MapJobParams   `json:"params"`
	Progress   MapJobProgress `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	NGenes     int            `json:"n_genes"`
	NAnchors   int            `json:"n_anchors"`
	Seed       int64          `json:"seed"`
	Warning    string         `json:"warning,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// PredictionRow is the persisted transfer result for one query cell.
type PredictionRow struct {
	Cell       string  `json:"cell_id"`
	Label      string  `json:"predicted_label"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	HasCoords  bool    `json:"has_coords"`
}

// MarkerRow is one persisted marker gene.
type MarkerRow struct {
	Gene        string  `json:"gene"`
	Cluster     string  `json:"cluster"`
	Score       float64 `json:"score"`
	Consistency float64 `json:"consistency"`
	Rank        int     `json:"rank"`
}

// Store provides persistent storage for mapping jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based mapping job store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// WAL for concurrent readers while a job is writing results
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS map_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_genes INTEGER DEFAULT 0,
		n_anchors INTEGER DEFAULT 0,
		seed INTEGER DEFAULT 0,
		warning TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_map_jobs_dataset ON map_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_map_jobs_status ON map_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_map_jobs_finished ON map_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS map_predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		cell_id TEXT NOT NULL,
		predicted_label TEXT NOT NULL,
		confidence REAL NOT NULL,
		fallback INTEGER NOT NULL,
		x REAL,
		y REAL,
		FOREIGN KEY (job_id) REFERENCES map_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_map_predictions_job ON map_predictions(job_id);
	CREATE INDEX IF NOT EXISTS idx_map_predictions_job_conf ON map_predictions(job_id, confidence);

	CREATE TABLE IF NOT EXISTS map_markers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		cluster TEXT NOT NULL,
		score REAL NOT NULL,
		consistency REAL NOT NULL,
		rank INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES map_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_map_markers_job ON map_markers(job_id, rank);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *MapJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO map_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_genes, n_anchors, seed, warning, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NGenes,
		job.NAnchors,
		job.Seed,
		job.Warning,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, done, total, n_genes, n_anchors, seed, warning, error, created_at, started_at, finished_at`

// GetJob retrieves a job by ID; nil if not found.
func (s *Store) GetJob(jobID string) (*MapJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM map_jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status and error message, stamping the
// finish time for terminal states.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE map_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE map_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE map_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobStats records the gene/anchor counts, the effective seed and any
// degraded-mode warning.
func (s *Store) UpdateJobStats(jobID string, nGenes, nAnchors int, seed int64, warning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE map_jobs SET n_genes = ?, n_anchors = ?, seed = ?, warning = ?
		WHERE job_id = ?
	`, nGenes, nAnchors, seed, warning, jobID)
	return err
}

// InsertPredictions inserts prediction rows in a batch transaction.
func (s *Store) InsertPredictions(jobID string, rows []*PredictionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO map_predictions (job_id, cell_id, predicted_label, confidence, fallback, x, y)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		fallback := 0
		if r.Fallback {
			fallback = 1
		}
		var x, y interface{}
		if r.HasCoords {
			x, y = r.X, r.Y
		}
		if _, err := stmt.Exec(jobID, r.Cell, r.Label, r.Confidence, fallback, x, y); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryPredictions returns prediction rows ordered by confidence descending
// then cell id, filtered to confidence >= minConfidence, with pagination.
// The second return value is the total row count after filtering.
func (s *Store) QueryPredictions(jobID string, minConfidence float64, offset, limit int) ([]*PredictionRow, int, error) {
	var total int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM map_predictions WHERE job_id = ? AND confidence >= ?
	`, jobID, minConfidence).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT cell_id, predicted_label, confidence, fallback, x, y
		FROM map_predictions
		WHERE job_id = ? AND confidence >= ?
		ORDER BY confidence DESC, cell_id ASC
		LIMIT ? OFFSET ?
	`, jobID, minConfidence, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*PredictionRow
	for rows.Next() {
		var r PredictionRow
		var fallback int
		var x, y sql.NullFloat64
		if err := rows.Scan(&r.Cell, &r.Label, &r.Confidence, &fallback, &x, &y); err != nil {
			return nil, 0, err
		}
		r.Fallback = fallback != 0
		if x.Valid && y.Valid {
			r.X, r.Y = x.Float64, y.Float64
			r.HasCoords = true
		}
		results = append(results, &r)
	}

	return results, total, nil
}

// InsertMarkers inserts marker rows in a batch transaction.
func (s *Store) InsertMarkers(jobID string, rows []*MarkerRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO map_markers (job_id, gene, cluster, score, consistency, rank)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(jobID, r.Gene, r.Cluster, r.Score, r.Consistency, r.Rank); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryMarkers returns a job's marker list in rank order.
func (s *Store) QueryMarkers(jobID string) ([]*MarkerRow, error) {
	rows, err := s.db.Query(`
		SELECT gene, cluster, score, consistency, rank
		FROM map_markers WHERE job_id = ?
		ORDER BY rank ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*MarkerRow
	for rows.Next() {
		var r MarkerRow
		if err := rows.Scan(&r.Gene, &r.Cluster, &r.Score, &r.Consistency, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, nil
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*MapJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM map_jobs WHERE dataset_id = ? ORDER BY created_at DESC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*MapJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM map_jobs WHERE status = ? ORDER BY created_at ASC`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE map_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	for _, table := range []string{"map_predictions", "map_markers"} {
		_, err := s.db.Exec(`
			DELETE FROM `+table+` WHERE job_id IN (
				SELECT job_id FROM map_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM map_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job with its predictions and markers.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"map_predictions", "map_markers"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE job_id = ?", jobID); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM map_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(dest ...interface{}) error) (*MapJob, error) {
	var job MapJob
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NGenes,
		&job.NAnchors,
		&job.Seed,
		&job.Warning,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*MapJob, error) {
	var jobs []*MapJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
