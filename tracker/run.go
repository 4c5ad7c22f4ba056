package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Run is an active run. Its methods may be called until End.
type Run struct {
	ID    string
	Name  string
	store *Store
}

// LogParams records run parameters. A key logged twice keeps the latest value.
func (r *Run) LogParams(ctx context.Context, params map[string]any) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range params {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value`,
			r.ID, k, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("failed to log param %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LogMetric appends one value of a metric at the given step.
func (r *Run) LogMetric(ctx context.Context, key string, value float64, step int) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO metrics (run_id, key, value, step) VALUES (?, ?, ?, ?)`,
		r.ID, key, value, step)
	if err != nil {
		return fmt.Errorf("failed to log metric %s: %w", key, err)
	}
	return nil
}

// LogMetrics appends several metrics at the same step.
func (r *Run) LogMetrics(ctx context.Context, values map[string]float64, step int) error {
	for k, v := range values {
		if err := r.LogMetric(ctx, k, v, step); err != nil {
			return err
		}
	}
	return nil
}

// LogArtifact registers a file produced by the run. Paths are stored absolute.
func (r *Run) LogArtifact(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	_, err = r.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (run_id, path) VALUES (?, ?)`, r.ID, abs)
	if err != nil {
		return fmt.Errorf("failed to log artifact: %w", err)
	}
	return nil
}

// End closes the run with the given status.
func (r *Run) End(ctx context.Context, status Status) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`, status, time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("failed to end run %s: %w", r.Name, err)
	}
	r.store.logger.Debug("run ended", zap.String("run", r.Name), zap.String("status", string(status)))
	return nil
}
