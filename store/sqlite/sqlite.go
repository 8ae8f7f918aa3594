// Package sqlite provides a SQLite-backed AccountStore for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/tokenquota"
)

// Store is a SQLite-backed AccountStore.
type Store struct {
	db          *sql.DB
	tablePrefix string
	now         func() time.Time
}

var _ tokenquota.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock sets the time source used for last_updated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens the database at path and runs auto-migration. Use ":memory:" for
// a throwaway database.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tokenquota/sqlite: open: %w", err)
	}
	// One writer connection: statements are serialized by database/sql, and
	// a ":memory:" database stays a single database.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		tablePrefix: "tokenquota_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			token_limit INTEGER NOT NULL,
			token_usage INTEGER NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			last_updated TEXT NOT NULL
		)`, s.table())); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokenquota/sqlite: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) table() string { return s.tablePrefix + "accounts" }

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

const columns = `user_id, token_limit, token_usage, total_cost, last_updated`

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, userID string, tokenLimit int64) (tokenquota.Account, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, token_limit, token_usage, total_cost, last_updated)
			VALUES (?, ?, 0, 0, ?)
			ON CONFLICT(user_id) DO NOTHING
			RETURNING %s`, s.table(), columns),
		userID, tokenLimit, s.timestamp(),
	)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenquota.Account{}, tokenquota.AlreadyExistsError("create", userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("create", userID, err)
	}
	return acc, nil
}

// Get returns the account row.
func (s *Store) Get(ctx context.Context, userID string) (tokenquota.Account, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ?`, columns, s.table()),
		userID,
	)
	return single(row, "get", userID)
}

// UpdateLimit overwrites token_limit on an existing row.
func (s *Store) UpdateLimit(ctx context.Context, userID string, newLimit int64) (tokenquota.Account, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET token_limit = ?, last_updated = ?
			WHERE user_id = ?
			RETURNING %s`, s.table(), columns),
		newLimit, s.timestamp(), userID,
	)
	return single(row, "update_limit", userID)
}

// IncrementUsage adds the delta in a single UPDATE. A missing row matches
// nothing, so the account is never created. The WHERE clause also refuses a
// delta that would overflow token_usage; SQLite would otherwise promote the
// column to REAL.
func (s *Store) IncrementUsage(ctx context.Context, userID string, tokens int64, cost float64) (tokenquota.Account, error) {
	if err := tokenquota.ValidateDelta(tokens, cost); err != nil {
		return tokenquota.Account{}, &tokenquota.AccountError{Op: "increment_usage", UserID: userID, Err: err}
	}
	ceiling := tokenquota.UsageCeiling(tokens)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s
			SET token_usage = token_usage + ?,
			    total_cost = total_cost + ?,
			    last_updated = ?
			WHERE user_id = ? AND token_usage <= ?
			RETURNING %s`, s.table(), columns),
		tokens, cost, s.timestamp(), userID, ceiling,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenquota.Account{}, s.unmatched(ctx, userID, ceiling)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("increment_usage", userID, err)
	}
	return acc, nil
}

// unmatched explains an increment that updated no row.
func (s *Store) unmatched(ctx context.Context, userID string, ceiling int64) error {
	acc, err := s.Get(ctx, userID)
	switch {
	case errors.Is(err, tokenquota.ErrNotFound):
		return tokenquota.NotFoundError("increment_usage", userID)
	case err != nil:
		return tokenquota.StorageError("increment_usage", userID, err)
	case acc.TokenUsage > ceiling:
		return tokenquota.UsageOverflowError("increment_usage", userID)
	default:
		// Created after the UPDATE ran.
		return tokenquota.NotFoundError("increment_usage", userID)
	}
}

// Delete removes the row if present.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, s.table()),
		userID,
	)
	if err != nil {
		return tokenquota.StorageError("delete", userID, err)
	}
	return nil
}

// List returns every account ordered by user ID.
func (s *Store) List(ctx context.Context) ([]tokenquota.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY user_id`, columns, s.table()),
	)
	if err != nil {
		return nil, tokenquota.StorageError("list", "", err)
	}
	defer rows.Close()

	var accounts []tokenquota.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, tokenquota.StorageError("list", "", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, tokenquota.StorageError("list", "", err)
	}
	return accounts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func single(row scanner, op, userID string) (tokenquota.Account, error) {
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenquota.Account{}, tokenquota.NotFoundError(op, userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, err)
	}
	return acc, nil
}

func scanAccount(row scanner) (tokenquota.Account, error) {
	var acc tokenquota.Account
	var updated string
	if err := row.Scan(&acc.UserID, &acc.TokenLimit, &acc.TokenUsage, &acc.TotalCost, &updated); err != nil {
		return tokenquota.Account{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return tokenquota.Account{}, fmt.Errorf("parse last_updated %q: %w", updated, err)
	}
	acc.LastUpdated = t
	return acc, nil
}
