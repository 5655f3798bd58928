package store

import (
	"context"
	"time"
)

const (
	vacuumSessionThreshold = 100
	vacuumUsageThreshold   = 1000
)

// retentionSweep runs at startup: sessions idle beyond 90 days and usage
// rows older than 365 days are dropped. A vacuum is issued only when the
// sweep removed enough rows to be worth reclaiming pages for.
func (s *Store) retentionSweep(ctx context.Context) error {
	sessionsDeleted, usageDeleted, err := s.sweep(ctx, sessionTTLDays, usageTTLDays)
	if err != nil {
		return err
	}
	if sessionsDeleted > 0 || usageDeleted > 0 {
		s.log.Info("retention sweep complete",
			"sessions_deleted", sessionsDeleted,
			"usage_deleted", usageDeleted)
	}
	if sessionsDeleted > vacuumSessionThreshold || usageDeleted > vacuumUsageThreshold {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return wrap("vacuum", err)
		}
		s.log.Info("database vacuumed after retention sweep")
	}
	return nil
}

// ManualCleanup deletes sessions and usage rows older than the given number
// of days, for operator invocation. Returns (sessions, usage rows) deleted.
func (s *Store) ManualCleanup(ctx context.Context, days int) (int64, int64, error) {
	sessionsDeleted, usageDeleted, err := s.sweep(ctx, days, days)
	if err != nil {
		return 0, 0, err
	}
	if sessionsDeleted > vacuumSessionThreshold || usageDeleted > vacuumUsageThreshold {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return sessionsDeleted, usageDeleted, wrap("vacuum", err)
		}
	}
	return sessionsDeleted, usageDeleted, nil
}

func (s *Store) sweep(ctx context.Context, sessionDays, usageDays int) (int64, int64, error) {
	sessionCutoff := time.Now().AddDate(0, 0, -sessionDays).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_configs WHERE last_activity_at < ?`, sessionCutoff)
	if err != nil {
		return 0, 0, wrap("sweep sessions", err)
	}
	sessionsDeleted, _ := res.RowsAffected()

	usageCutoff := time.Now().AddDate(0, 0, -usageDays).Unix()
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM usage_logs WHERE timestamp < ?`, usageCutoff)
	if err != nil {
		return sessionsDeleted, 0, wrap("sweep usage", err)
	}
	usageDeleted, _ := res.RowsAffected()
	return sessionsDeleted, usageDeleted, nil
}
