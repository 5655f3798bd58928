package store

import (
	"context"
	"database/sql"
	"time"
)

// SessionConfig binds a client session to an account, with an optional
// model override and per-session hook toggles.
type SessionConfig struct {
	SessionID                  string  `json:"session_id"`
	AccountID                  string  `json:"account_id"`
	ModelOverride              *string `json:"model_override"`
	LastMessage                *string `json:"last_message"`
	CreatedAt                  int64   `json:"created_at"`
	LastActivityAt             int64   `json:"last_activity_at"`
	APILoggingEnabled          bool    `json:"api_logging_enabled"`
	CompactionInjectionEnabled bool    `json:"compaction_injection_enabled"`
	CustomTasksEnabled         bool    `json:"custom_tasks_enabled"`

	// CompactionOverride distinguishes an explicit per-session setting from
	// the column's NULL default, which falls back to the global flag.
	CompactionOverride *bool `json:"-"`
}

// SessionDetail is a session joined with its aggregated usage, for
// operator listings.
type SessionDetail struct {
	SessionConfig
	AccountName       string `json:"account_name"`
	RequestCount      int64  `json:"request_count"`
	TotalInputTokens  int64  `json:"total_input_tokens"`
	TotalOutputTokens int64  `json:"total_output_tokens"`
}

const sessionColumns = `session_id, account_id, model_override, last_message,
	created_at, last_activity_at,
	api_logging_enabled, compaction_injection_enabled, custom_tasks_enabled`

func scanSession(row interface{ Scan(...interface{}) error }) (*SessionConfig, error) {
	var sc SessionConfig
	var override, last sql.NullString
	var apiLog, compaction, tasks sql.NullInt64
	err := row.Scan(&sc.SessionID, &sc.AccountID, &override, &last,
		&sc.CreatedAt, &sc.LastActivityAt, &apiLog, &compaction, &tasks)
	if err != nil {
		return nil, err
	}
	if override.Valid {
		sc.ModelOverride = &override.String
	}
	if last.Valid {
		sc.LastMessage = &last.String
	}
	sc.APILoggingEnabled = !apiLog.Valid || apiLog.Int64 != 0
	sc.CompactionInjectionEnabled = compaction.Valid && compaction.Int64 != 0
	sc.CustomTasksEnabled = !tasks.Valid || tasks.Int64 != 0
	if compaction.Valid {
		set := compaction.Int64 != 0
		sc.CompactionOverride = &set
	}
	return &sc, nil
}

// GetSessionConfig returns the config for a session id, or nil.
func (s *Store) GetSessionConfig(ctx context.Context, sessionID string) (*SessionConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM session_configs WHERE session_id = ?`, sessionID)
	sc, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get session config", err)
	}
	return sc, nil
}

// UpsertSessionConfig inserts or updates a session binding. created_at is
// preserved on update; last_activity_at is touched either way.
func (s *Store) UpsertSessionConfig(ctx context.Context, sessionID, accountID string, modelOverride *string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_configs
			(session_id, account_id, model_override, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			account_id = excluded.account_id,
			model_override = excluded.model_override,
			last_activity_at = excluded.last_activity_at`,
		sessionID, accountID, modelOverride, now, now)
	return wrap("upsert session config", err)
}

// UpdateSessionActivity touches last_activity_at and, when lastMessage is
// non-nil, the excerpt of the latest user message.
func (s *Store) UpdateSessionActivity(ctx context.Context, sessionID string, lastMessage *string) error {
	now := time.Now().Unix()
	var err error
	if lastMessage != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE session_configs SET last_activity_at = ?, last_message = ?
			 WHERE session_id = ?`, now, *lastMessage, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE session_configs SET last_activity_at = ? WHERE session_id = ?`,
			now, sessionID)
	}
	return wrap("update session activity", err)
}

// SetSessionOverrides updates the per-session hook toggles.
func (s *Store) SetSessionOverrides(ctx context.Context, sessionID string, apiLogging, compactionInjection, customTasks bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_configs SET
			api_logging_enabled = ?,
			compaction_injection_enabled = ?,
			custom_tasks_enabled = ?
		 WHERE session_id = ?`,
		boolInt(apiLogging), boolInt(compactionInjection), boolInt(customTasks), sessionID)
	return wrap("set session overrides", err)
}

// GetActiveSessions lists sessions active within the last 24 hours, joined
// with aggregated usage.
func (s *Store) GetActiveSessions(ctx context.Context) ([]SessionDetail, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT sc.session_id, sc.account_id, sc.model_override, sc.last_message,
			sc.created_at, sc.last_activity_at,
			sc.api_logging_enabled, sc.compaction_injection_enabled, sc.custom_tasks_enabled,
			COALESCE(a.name, ''),
			COUNT(u.id), COALESCE(SUM(u.input_tokens), 0), COALESCE(SUM(u.output_tokens), 0)
		 FROM session_configs sc
		 LEFT JOIN accounts a ON a.id = sc.account_id
		 LEFT JOIN usage_logs u ON u.session_id = sc.session_id
		 WHERE sc.last_activity_at >= ?
		 GROUP BY sc.session_id
		 ORDER BY sc.last_activity_at DESC`, cutoff)
	if err != nil {
		return nil, wrap("list active sessions", err)
	}
	defer rows.Close()

	var details []SessionDetail
	for rows.Next() {
		var d SessionDetail
		var override, last sql.NullString
		var apiLog, compaction, tasks sql.NullInt64
		if err := rows.Scan(&d.SessionID, &d.AccountID, &override, &last,
			&d.CreatedAt, &d.LastActivityAt, &apiLog, &compaction, &tasks,
			&d.AccountName, &d.RequestCount, &d.TotalInputTokens, &d.TotalOutputTokens); err != nil {
			return nil, wrap("scan session detail", err)
		}
		if override.Valid {
			d.ModelOverride = &override.String
		}
		if last.Valid {
			d.LastMessage = &last.String
		}
		d.APILoggingEnabled = !apiLog.Valid || apiLog.Int64 != 0
		d.CompactionInjectionEnabled = compaction.Valid && compaction.Int64 != 0
		d.CustomTasksEnabled = !tasks.Valid || tasks.Int64 != 0
		details = append(details, d)
	}
	return details, wrap("list active sessions", rows.Err())
}

// DeleteSessionConfig removes a session binding.
func (s *Store) DeleteSessionConfig(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_configs WHERE session_id = ?`, sessionID)
	return wrap("delete session config", err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
