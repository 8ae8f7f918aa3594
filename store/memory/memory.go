// Package memory provides an in-process AccountStore.
//
// All operations are serialized by a single mutex, which makes every
// increment linearizable within the process. State is lost on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/tokenquota"
)

// Store is an in-memory AccountStore.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*tokenquota.Account
	now      func() time.Time
}

var _ tokenquota.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source used for lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]*tokenquota.Account),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new account. Returns ErrAlreadyExists if present.
func (s *Store) Create(_ context.Context, userID string, tokenLimit int64) (tokenquota.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return tokenquota.Account{}, tokenquota.AlreadyExistsError("create", userID)
	}

	acc := &tokenquota.Account{
		UserID:      userID,
		TokenLimit:  tokenLimit,
		LastUpdated: s.now().UTC(),
	}
	s.accounts[userID] = acc
	return *acc, nil
}

// Get returns a copy of the account.
func (s *Store) Get(_ context.Context, userID string) (tokenquota.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return tokenquota.Account{}, tokenquota.NotFoundError("get", userID)
	}
	return *acc, nil
}

// UpdateLimit overwrites the token limit of an existing account.
func (s *Store) UpdateLimit(_ context.Context, userID string, newLimit int64) (tokenquota.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return tokenquota.Account{}, tokenquota.NotFoundError("update_limit", userID)
	}
	acc.TokenLimit = newLimit
	acc.LastUpdated = s.now().UTC()
	return *acc, nil
}

// IncrementUsage adds the delta under the store lock.
func (s *Store) IncrementUsage(_ context.Context, userID string, tokens int64, cost float64) (tokenquota.Account, error) {
	if err := tokenquota.ValidateDelta(tokens, cost); err != nil {
		return tokenquota.Account{}, &tokenquota.AccountError{Op: "increment_usage", UserID: userID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return tokenquota.Account{}, tokenquota.NotFoundError("increment_usage", userID)
	}
	if acc.TokenUsage > tokenquota.UsageCeiling(tokens) {
		return tokenquota.Account{}, tokenquota.UsageOverflowError("increment_usage", userID)
	}
	acc.TokenUsage += tokens
	acc.TotalCost += cost
	acc.LastUpdated = s.now().UTC()
	return *acc, nil
}

// Delete removes the account if present.
func (s *Store) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, userID)
	return nil
}

// List returns a snapshot of every account.
func (s *Store) List(_ context.Context) ([]tokenquota.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tokenquota.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, *acc)
	}
	return out, nil
}
