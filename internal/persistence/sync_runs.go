package persistence

import (
	"context"
	"fmt"
	"time"
)

// SyncRun records one batch reconciliation.
type SyncRun struct {
	ID          string    `json:"id"`
	ChainID     string    `json:"chain_id"`
	Source      string    `json:"source"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	TaskCounter uint64    `json:"task_counter"`
	Synced      int       `json:"synced"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Error       string    `json:"error,omitempty"`
}

func (s *Store) RecordSyncRun(ctx context.Context, run SyncRun) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_runs (id, chain_id, source, started_at, finished_at, task_counter, synced, failed, skipped, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.ChainID, run.Source, run.StartedAt.UTC(), run.FinishedAt.UTC(),
			int64(run.TaskCounter), run.Synced, run.Failed, run.Skipped, run.Error)
		if err != nil {
			return fmt.Errorf("record sync run: %w", err)
		}
		return nil
	})
}

// ListSyncRuns returns the most recent runs for chainID, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, chainID string, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, source, started_at, finished_at, task_counter, synced, failed, skipped, error
		FROM sync_runs
		WHERE chain_id = ?
		ORDER BY started_at DESC
		LIMIT ?;
	`, chainID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var run SyncRun
		var counter int64
		if err := rows.Scan(&run.ID, &run.ChainID, &run.Source, &run.StartedAt, &run.FinishedAt,
			&counter, &run.Synced, &run.Failed, &run.Skipped, &run.Error); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		run.TaskCounter = uint64(counter)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync run rows: %w", err)
	}
	return out, nil
}
