package store

import (
	"context"
	"database/sql"
	"time"
)

// UsageEntry is one append-only usage-log row.
type UsageEntry struct {
	ID           int64   `json:"id"`
	Timestamp    int64   `json:"timestamp"`
	AccountID    string  `json:"account_id"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	SessionID    *string `json:"session_id"`
	StatusCode   int     `json:"status_code"`
}

// UsageStats is the whole-table aggregate.
type UsageStats struct {
	RequestCount int64 `json:"request_count"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UsageBucket aggregates usage grouped by one dimension (account, model,
// session or day).
type UsageBucket struct {
	Key          string `json:"key"`
	RequestCount int64  `json:"request_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// LogUsage appends a usage row. Rows are never updated after insert.
func (s *Store) LogUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64, sessionID *string, statusCode int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_logs
			(timestamp, account_id, model, input_tokens, output_tokens, session_id, status_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), accountID, model, inputTokens, outputTokens, sessionID, statusCode)
	return wrap("log usage", err)
}

// GetUsageStats returns totals over the whole usage log.
func (s *Store) GetUsageStats(ctx context.Context) (*UsageStats, error) {
	var st UsageStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_logs`).
		Scan(&st.RequestCount, &st.InputTokens, &st.OutputTokens)
	if err != nil {
		return nil, wrap("usage stats", err)
	}
	return &st, nil
}

// GetRecentUsage returns the newest n usage rows.
func (s *Store) GetRecentUsage(ctx context.Context, n int) ([]UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, account_id, model, input_tokens, output_tokens, session_id, status_code
		 FROM usage_logs ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, wrap("recent usage", err)
	}
	defer rows.Close()

	var entries []UsageEntry
	for rows.Next() {
		var e UsageEntry
		var session sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AccountID, &e.Model,
			&e.InputTokens, &e.OutputTokens, &session, &e.StatusCode); err != nil {
			return nil, wrap("scan usage row", err)
		}
		if session.Valid {
			e.SessionID = &session.String
		}
		entries = append(entries, e)
	}
	return entries, wrap("recent usage", rows.Err())
}

// GetUsageByAccount aggregates usage per account, largest first.
func (s *Store) GetUsageByAccount(ctx context.Context) ([]UsageBucket, error) {
	return s.usageGroupedBy(ctx, `account_id`, 50)
}

// GetUsageByModel aggregates usage per model, largest first.
func (s *Store) GetUsageByModel(ctx context.Context) ([]UsageBucket, error) {
	return s.usageGroupedBy(ctx, `model`, 50)
}

// GetUsageBySession aggregates usage per session, largest first. Rows with
// no session id are excluded.
func (s *Store) GetUsageBySession(ctx context.Context) ([]UsageBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_logs WHERE session_id IS NOT NULL
		 GROUP BY session_id
		 ORDER BY COUNT(*) DESC LIMIT 100`)
	if err != nil {
		return nil, wrap("usage by session", err)
	}
	return scanBuckets(rows)
}

// GetUsageByDay aggregates usage per UTC day (yyyy-mm-dd), newest first.
func (s *Store) GetUsageByDay(ctx context.Context) ([]UsageBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strftime('%Y-%m-%d', timestamp, 'unixepoch'),
			COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_logs
		 GROUP BY 1
		 ORDER BY 1 DESC LIMIT 90`)
	if err != nil {
		return nil, wrap("usage by day", err)
	}
	return scanBuckets(rows)
}

func (s *Store) usageGroupedBy(ctx context.Context, column string, limit int) ([]UsageBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_logs
		 GROUP BY `+column+`
		 ORDER BY COUNT(*) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("usage by "+column, err)
	}
	return scanBuckets(rows)
}

func scanBuckets(rows *sql.Rows) ([]UsageBucket, error) {
	defer rows.Close()
	var buckets []UsageBucket
	for rows.Next() {
		var b UsageBucket
		if err := rows.Scan(&b.Key, &b.RequestCount, &b.InputTokens, &b.OutputTokens); err != nil {
			return nil, wrap("scan usage bucket", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, wrap("usage buckets", rows.Err())
}
