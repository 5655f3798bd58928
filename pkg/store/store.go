// Package store is the persistent layer for swiftcast: accounts, API keys,
// per-session routing config, the usage log, external-id mappings and
// runtime settings. It is backed by a single sqlite file plus a sibling
// JSON key vault.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// sqlite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	maxOpenConns   = 5
	busyTimeout    = 30 * time.Second
	dbFileName     = "data.db"
	vaultFileName  = ".api_keys.json"
	sessionTTLDays = 90
	usageTTLDays   = 365
)

// Store owns the database and the key vault.
type Store struct {
	db    *sql.DB
	vault *KeyVault
	log   *slog.Logger
}

// Open creates (or opens) the database under dir, applies the schema and
// runs the startup retention sweep.
func Open(ctx context.Context, dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("create data dir", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		filepath.Join(dir, dbFileName), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrap("open database", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	s := &Store{
		db:    db,
		vault: NewKeyVault(filepath.Join(dir, vaultFileName)),
		log:   log,
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedConfig(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.retentionSweep(ctx); err != nil {
		// A failed sweep is not fatal; the data is still usable.
		log.Warn("retention sweep failed", "error", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Vault exposes the API-key vault.
func (s *Store) Vault() *KeyVault { return s.vault }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_active INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		account_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		session_id TEXT,
		status_code INTEGER NOT NULL DEFAULT 200,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS session_configs (
		session_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		model_override TEXT,
		last_message TEXT,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS threadcast_mappings (
		session_id TEXT PRIMARY KEY,
		todo_id TEXT NOT NULL,
		mission_id TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_logs(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_logs(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON session_configs(last_activity_at)`,
}

// Per-session hook overrides arrived after the first release; they are
// applied as additive migrations that tolerate existing columns.
var addColumns = []string{
	`ALTER TABLE session_configs ADD COLUMN api_logging_enabled INTEGER DEFAULT 1`,
	`ALTER TABLE session_configs ADD COLUMN compaction_injection_enabled INTEGER DEFAULT 0`,
	`ALTER TABLE session_configs ADD COLUMN custom_tasks_enabled INTEGER DEFAULT 1`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("apply schema", err)
		}
	}
	for _, stmt := range addColumns {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return wrap("apply migration", err)
		}
	}
	return nil
}

// configDefaults are seeded once; existing values are never overwritten.
var configDefaults = map[string]string{
	"proxy_port":                            "32080",
	"auto_start":                            "false",
	"threadcast_webhook_url":                "",
	"threadcast_webhook_enabled":            "false",
	"hooks_enabled":                         "true",
	"hooks_retention_days":                  "30",
	"compaction_injection_enabled":          "false",
	"compaction_summarization_instructions": "",
	"compaction_context_injection":          "",
}

func (s *Store) seedConfig(ctx context.Context) error {
	for key, value := range configDefaults {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
			return wrap("seed config", err)
		}
	}
	return nil
}

// GetConfig returns the value for a config key, or "" when absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrap("get config", err)
	}
	return value, nil
}

// SetConfig upserts a config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrap("set config", err)
}

// GetConfigBool interprets a config key as a boolean ("true"/"false").
func (s *Store) GetConfigBool(ctx context.Context, key string) (bool, error) {
	v, err := s.GetConfig(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}
