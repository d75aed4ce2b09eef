package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSyncRuns  int64 `json:"purged_sync_runs"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes sync run and audit rows older than the given windows
// in days. A window of zero keeps everything. Mirror rows are never purged.
func (s *Store) RunRetention(ctx context.Context, syncRunDays, auditLogDays int) (RetentionResult, error) {
	var res RetentionResult
	now := time.Now().UTC()
	purges := []struct {
		days  int
		query string
		into  *int64
	}{
		{syncRunDays, `DELETE FROM sync_runs WHERE started_at < ?;`, &res.PurgedSyncRuns},
		{auditLogDays, `DELETE FROM audit_log WHERE created_at < ?;`, &res.PurgedAuditLogs},
	}
	for _, p := range purges {
		if p.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -p.days)
		err := retryOnBusy(ctx, writeRetries, func() error {
			r, err := s.db.ExecContext(ctx, p.query, cutoff)
			if err != nil {
				return err
			}
			*p.into, err = r.RowsAffected()
			return err
		})
		if err != nil {
			return res, fmt.Errorf("retention %q: %w", p.query, err)
		}
	}
	return res, nil
}
