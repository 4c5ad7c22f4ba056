// Package tracker records experiment runs (parameters, per-step metrics and
// artifacts) in a SQLite database.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultExperiment is the experiment every pipeline run is filed under.
const DefaultExperiment = "cancer-detection-ai"

// DatabaseFile is the name of the tracking database inside the runs directory.
const DatabaseFile = "tracking.db"

// ErrRunNotFound is returned when no run matches an id or name.
var ErrRunNotFound = errors.New("run not found")

// Status of a run.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// Store is an open tracking database bound to one experiment.
type Store struct {
	db           *sql.DB
	experimentID int64
	experiment   string
	logger       *zap.Logger
}

// Open opens (creating and migrating if needed) <dir>/tracking.db and selects
// the named experiment.
func Open(ctx context.Context, dir, experiment string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if experiment == "" {
		experiment = DefaultExperiment
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tracking directory: %w", err)
	}

	path := filepath.Join(dir, DatabaseFile)
	if err := migrateUp(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, experiment: experiment, logger: logger.Named("tracker")}
	if err := s.ensureExperiment(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureExperiment(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (name) VALUES (?)`, s.experiment); err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT id FROM experiments WHERE name = ?`, s.experiment)
	if err := row.Scan(&s.experimentID); err != nil {
		return fmt.Errorf("failed to load experiment: %w", err)
	}
	return nil
}

// Experiment returns the experiment name.
func (s *Store) Experiment() string { return s.experiment }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun creates a new RUNNING run with a fresh id.
func (s *Store) StartRun(ctx context.Context, name string) (*Run, error) {
	r := &Run{ID: uuid.NewString(), Name: name, store: s}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, s.experimentID, name, StatusRunning, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to start run %s: %w", name, err)
	}
	s.logger.Debug("run started", zap.String("run", name), zap.String("id", r.ID))
	return r, nil
}

// RunSummary describes a stored run.
type RunSummary struct {
	ID        string
	Name      string
	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time
}

// Runs lists the runs of the experiment, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, started_at, ended_at FROM runs
		 WHERE experiment_id = ? ORDER BY started_at DESC, rowid DESC`, s.experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var rs RunSummary
		var ended sql.NullTime
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Status, &rs.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			rs.EndedAt = &t
		}
		runs = append(runs, rs)
	}
	return runs, rows.Err()
}

// FindRun returns the run with the given id, or else the most recent run with
// that name.
func (s *Store) FindRun(ctx context.Context, idOrName string) (RunSummary, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	for _, r := range runs {
		if r.ID == idOrName {
			return r, nil
		}
	}
	for _, r := range runs {
		if r.Name == idOrName {
			return r, nil
		}
	}
	return RunSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, idOrName)
}

// Params returns the parameters recorded for a run.
func (s *Store) Params(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load params: %w", err)
	}
	defer rows.Close()

	params := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan param: %w", err)
		}
		params[k] = v
	}
	return params, rows.Err()
}

// MetricPoint is one logged value of a metric.
type MetricPoint struct {
	Step  int
	Value float64
}

// Metrics returns every metric of a run keyed by name, each ordered by step and
// then by logging order.
func (s *Store) Metrics(ctx context.Context, runID string) (map[string][]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, step, value FROM metrics WHERE run_id = ? ORDER BY key, step, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	defer rows.Close()

	out := map[string][]MetricPoint{}
	for rows.Next() {
		var key string
		var p MetricPoint
		if err := rows.Scan(&key, &p.Step, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		out[key] = append(out[key], p)
	}
	return out, rows.Err()
}

// LatestMetrics returns the last logged value of every metric of a run.
func (s *Store) LatestMetrics(ctx context.Context, runID string) (map[string]float64, error) {
	all, err := s.Metrics(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]float64, len(all))
	for k, points := range all {
		latest[k] = points[len(points)-1].Value
	}
	return latest, nil
}

// Artifacts returns the artifact paths registered for a run, sorted.
func (s *Store) Artifacts(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, rows.Err()
}
