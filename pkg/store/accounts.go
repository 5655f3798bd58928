package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Account is an upstream provider account. The API key lives in the vault,
// never in this row.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	CreatedAt int64  `json:"created_at"`
	IsActive  bool   `json:"is_active"`
}

// NewAccount builds an inactive account with a fresh id.
func NewAccount(name, baseURL string) Account {
	return Account{
		ID:        uuid.NewString(),
		Name:      name,
		BaseURL:   baseURL,
		CreatedAt: time.Now().Unix(),
	}
}

// CreateAccount inserts the account row and stores its API key in the
// vault. The first account ever created is activated automatically.
func (s *Store) CreateAccount(ctx context.Context, acct Account, apiKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, base_url, created_at, is_active)
		 VALUES (?, ?, ?, ?, ?)`,
		acct.ID, acct.Name, acct.BaseURL, acct.CreatedAt, acct.IsActive); err != nil {
		return wrap("create account", err)
	}
	if err := s.vault.Save(acct.ID, apiKey); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return wrap("count accounts", err)
	}
	if count == 1 {
		return s.SwitchAccount(ctx, acct.ID)
	}
	return nil
}

// GetAccounts lists accounts, newest first.
func (s *Store) GetAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, created_at, is_active
		 FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.BaseURL, &a.CreatedAt, &a.IsActive); err != nil {
			return nil, wrap("scan account", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, wrap("list accounts", rows.Err())
}

// GetAccount returns one account, or nil when it does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, created_at, is_active
		 FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.BaseURL, &a.CreatedAt, &a.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return &a, nil
}

// GetActiveAccount returns the account with is_active set, or nil.
func (s *Store) GetActiveAccount(ctx context.Context) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, created_at, is_active
		 FROM accounts WHERE is_active = 1`).
		Scan(&a.ID, &a.Name, &a.BaseURL, &a.CreatedAt, &a.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get active account", err)
	}
	return &a, nil
}

// SwitchAccount activates one account and deactivates all others. Both
// statements run in one transaction so a concurrent reader never observes
// zero active accounts.
func (s *Store) SwitchAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin switch", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 0`); err != nil {
		return wrap("deactivate accounts", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return wrap("activate account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeErr(KindStore, "account not found: %s", id)
	}
	return wrap("commit switch", tx.Commit())
}

// DeleteAccount removes the account, its usage rows (cascade) and its
// vault entry.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return wrap("delete account", err)
	}
	return s.vault.Delete(id)
}
