package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes event and audit rows older than the given windows.
// Zero days keeps a category forever. Task records themselves are never
// pruned here. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.now()

	if taskEventDays > 0 {
		cutoff := now.AddDate(0, 0, -taskEventDays)
		err := retryOnBusy(ctx, defaultBusyRetries, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
			if err != nil {
				return err
			}
			result.PurgedTaskEvents, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
	}

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		err := retryOnBusy(ctx, defaultBusyRetries, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
			if err != nil {
				return err
			}
			result.PurgedAuditLogs, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
	}

	return result, nil
}

// SetClock replaces the store's time source. Tests use it to age rows.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}
