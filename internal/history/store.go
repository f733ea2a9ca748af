// Package history keeps a local SQLite record of completed load test runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
)

// ErrNotFound is returned by Get when no run matches.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	base_url          TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMP NOT NULL,
	duration_ns       INTEGER NOT NULL,
	passed            BOOLEAN NOT NULL,
	total_requests    INTEGER NOT NULL,
	failed_requests   INTEGER NOT NULL,
	iterations        INTEGER NOT NULL,
	checks_passed     INTEGER NOT NULL,
	checks_failed     INTEGER NOT NULL,
	thresholds_failed INTEGER NOT NULL,
	rps               REAL NOT NULL,
	p95_ns            INTEGER NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	result_json       BLOB
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Run is one stored run summary.
type Run struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Source           string        `json:"source,omitempty"`
	BaseURL          string        `json:"baseUrl,omitempty"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	Passed           bool          `json:"passed"`
	TotalRequests    int64         `json:"totalRequests"`
	FailedRequests   int64         `json:"failedRequests"`
	Iterations       int64         `json:"iterations"`
	ChecksPassed     int64         `json:"checksPassed"`
	ChecksFailed     int64         `json:"checksFailed"`
	ThresholdsFailed int           `json:"thresholdsFailed"`
	RPS              float64       `json:"rps"`
	P95              time.Duration `json:"p95"`
	Error            string        `json:"error,omitempty"`

	resultJSON []byte
}

// Result decodes the full stored test result.
func (r *Run) Result() (*engine.TestResult, error) {
	if len(r.resultJSON) == 0 {
		return nil, fmt.Errorf("run %s has no stored result", r.ID)
	}
	var res engine.TestResult
	if err := json.Unmarshal(r.resultJSON, &res); err != nil {
		return nil, fmt.Errorf("failed to decode stored result: %w", err)
	}
	return &res, nil
}

// NewRun summarizes a test result. source names the scenario or config
// file the run came from.
func NewRun(result *engine.TestResult, source, baseURL string) (*Run, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	run := &Run{
		ID:         uuid.NewString(),
		Name:       result.Name,
		Source:     source,
		BaseURL:    baseURL,
		StartedAt:  result.StartTime,
		Duration:   result.Duration,
		Passed:     result.Passed,
		Error:      result.ErrorMessage,
		resultJSON: raw,
	}
	if m := result.Metrics; m != nil {
		run.TotalRequests = m.TotalRequests
		run.FailedRequests = m.FailedRequests
		run.Iterations = m.Iterations
		run.ChecksPassed = m.ChecksPassed
		run.ChecksFailed = m.ChecksFailed
		run.RPS = m.RPS
		run.P95 = m.Latency.P95
	}
	for _, t := range result.Thresholds {
		if !t.Passed {
			run.ThresholdsFailed++
		}
	}
	return run, nil
}

// Store persists runs in a SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.grocery-load/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".grocery-load", "history.db"), nil
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a run.
func (s *Store) Save(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, name, source, base_url, started_at, duration_ns, passed, total_requests, failed_requests,
		 iterations, checks_passed, checks_failed, thresholds_failed, rps, p95_ns, error, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Name, run.Source, run.BaseURL, run.StartedAt.UTC(), int64(run.Duration), run.Passed,
		run.TotalRequests, run.FailedRequests, run.Iterations, run.ChecksPassed, run.ChecksFailed,
		run.ThresholdsFailed, run.RPS, int64(run.P95), run.Error, run.resultJSON)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const runColumns = `id, name, source, base_url, started_at, duration_ns, passed, total_requests, failed_requests,
	iterations, checks_passed, checks_failed, thresholds_failed, rps, p95_ns, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, extra ...any) (*Run, error) {
	run := &Run{}
	var duration, p95 int64
	dest := []any{&run.ID, &run.Name, &run.Source, &run.BaseURL, &run.StartedAt, &duration, &run.Passed,
		&run.TotalRequests, &run.FailedRequests, &run.Iterations, &run.ChecksPassed, &run.ChecksFailed,
		&run.ThresholdsFailed, &run.RPS, &p95, &run.Error}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	run.Duration = time.Duration(duration)
	run.P95 = time.Duration(p95)
	return run, nil
}

// List returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns the run whose id is or starts with id. A prefix matching
// more than one run is an error.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+`, result_json FROM runs WHERE substr(id, 1, length(?)) = ? LIMIT 2`, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	var found []*Run
	for rows.Next() {
		var raw []byte
		run, err := scanRun(rows, &raw)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.resultJSON = raw
		if run.ID == id {
			return run, nil
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}
