// Package postgres provides a PostgreSQL-backed AccountStore.
//
// Usage increments are single UPDATE ... RETURNING statements, so concurrent
// debits from any number of service instances serialize on the row lock and
// none of them is lost.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tokenquota"
)

// Store is a PostgreSQL-backed AccountStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ tokenquota.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed AccountStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokenquota_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "accounts" }

const columns = `user_id, token_limit, token_usage, total_cost, last_updated`

// EnsureSchema creates the accounts table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			token_limit BIGINT NOT NULL,
			token_usage BIGINT NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("tokenquota/postgres: ensure schema: %w", err)
	}
	return nil
}

// Create inserts a new account. The primary key decides concurrent creates.
func (s *Store) Create(ctx context.Context, userID string, tokenLimit int64) (tokenquota.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, token_limit, token_usage, total_cost, last_updated)
			VALUES ($1, $2, 0, 0, now())
			ON CONFLICT (user_id) DO NOTHING
			RETURNING %s`, s.table(), columns),
		userID, tokenLimit,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenquota.Account{}, tokenquota.AlreadyExistsError("create", userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("create", userID, err)
	}
	return acc, nil
}

// Get returns the account row.
func (s *Store) Get(ctx context.Context, userID string) (tokenquota.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1`, columns, s.table()),
		userID,
	)
	return s.single(row, "get", userID)
}

// UpdateLimit overwrites token_limit on an existing row.
func (s *Store) UpdateLimit(ctx context.Context, userID string, newLimit int64) (tokenquota.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET token_limit = $1, last_updated = now()
			WHERE user_id = $2
			RETURNING %s`, s.table(), columns),
		newLimit, userID,
	)
	return s.single(row, "update_limit", userID)
}

// IncrementUsage adds the delta in place. The WHERE clause is the existence
// check; a missing row yields no RETURNING row and nothing is inserted. It
// also bounds token_usage so the sum stays within BIGINT.
func (s *Store) IncrementUsage(ctx context.Context, userID string, tokens int64, cost float64) (tokenquota.Account, error) {
	if err := tokenquota.ValidateDelta(tokens, cost); err != nil {
		return tokenquota.Account{}, &tokenquota.AccountError{Op: "increment_usage", UserID: userID, Err: err}
	}
	ceiling := tokenquota.UsageCeiling(tokens)
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s
			SET token_usage = token_usage + $1,
			    total_cost = total_cost + $2,
			    last_updated = now()
			WHERE user_id = $3 AND token_usage <= $4
			RETURNING %s`, s.table(), columns),
		tokens, cost, userID, ceiling,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenquota.Account{}, s.unmatched(ctx, userID, ceiling)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("increment_usage", userID, err)
	}
	return acc, nil
}

// unmatched tells a missing row apart from one held back by the usage bound.
func (s *Store) unmatched(ctx context.Context, userID string, ceiling int64) error {
	acc, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, tokenquota.ErrNotFound) {
			return tokenquota.NotFoundError("increment_usage", userID)
		}
		return tokenquota.StorageError("increment_usage", userID, err)
	}
	if acc.TokenUsage > ceiling {
		return tokenquota.UsageOverflowError("increment_usage", userID)
	}
	return tokenquota.NotFoundError("increment_usage", userID)
}

// Delete removes the row if present.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, s.table()),
		userID,
	)
	if err != nil {
		return tokenquota.StorageError("delete", userID, err)
	}
	return nil
}

// List returns every account ordered by user ID.
func (s *Store) List(ctx context.Context) ([]tokenquota.Account, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY user_id`, columns, s.table()),
	)
	if err != nil {
		return nil, tokenquota.StorageError("list", "", err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tokenquota.Account, error) {
		return scanAccount(row)
	})
	if err != nil {
		return nil, tokenquota.StorageError("list", "", err)
	}
	return accounts, nil
}

func (s *Store) single(row pgx.Row, op, userID string) (tokenquota.Account, error) {
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenquota.Account{}, tokenquota.NotFoundError(op, userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, err)
	}
	return acc, nil
}

func scanAccount(row pgx.Row) (tokenquota.Account, error) {
	var acc tokenquota.Account
	err := row.Scan(&acc.UserID, &acc.TokenLimit, &acc.TokenUsage, &acc.TotalCost, &acc.LastUpdated)
	acc.LastUpdated = acc.LastUpdated.UTC()
	return acc, err
}
