package tokenquota

import (
	"context"
	"fmt"
)

// Service is the request boundary of the quota core. It validates inputs
// before any store access and maps every operation onto the store, gate,
// ledger and invoker.
//
// A Service holds no per-request state and is safe for concurrent use; build
// one per process and share it between handlers.
type Service struct {
	store   AccountStore
	gate    *Gate
	ledger  *Ledger
	invoker *Invoker
	meter   Meter
	health  *HealthTracker
}

// Option configures a Service.
type Option func(*Service)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(s *Service) { s.meter = m }
}

// WithHealthTracker sets the provider circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(s *Service) { s.health = h }
}

// NewService wires a Service from cfg, an account store and a provider.
// A no-op meter and a default HealthTracker are used unless overridden via
// options.
func NewService(cfg InvokerConfig, store AccountStore, provider Provider, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("tokenquota: an account store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("tokenquota: a provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("tokenquota: a model name is required")
	}

	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.meter == nil {
		s.meter = noopMeter{}
	}
	if s.health == nil {
		s.health = NewHealthTracker()
	}

	s.gate = NewGate(store, s.meter)
	s.ledger = NewLedger(store, s.meter)
	s.invoker = NewInvoker(cfg, s.gate, s.ledger, provider, s.meter, s.health)
	return s, nil
}

// Gate returns the service's quota gate.
func (s *Service) Gate() *Gate { return s.gate }

// Ledger returns the service's usage ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// CreateAccount registers userID with tokenLimit and zero usage.
func (s *Service) CreateAccount(ctx context.Context, userID string, tokenLimit int64) (Account, error) {
	if err := validateUserID("create", userID); err != nil {
		return Account{}, err
	}
	if err := validateLimit("create", userID, tokenLimit); err != nil {
		return Account{}, err
	}
	return s.store.Create(ctx, userID, tokenLimit)
}

// GetAccount returns the account with its usage percentage.
func (s *Service) GetAccount(ctx context.Context, userID string) (AccountView, error) {
	if err := validateUserID("get", userID); err != nil {
		return AccountView{}, err
	}
	acc, err := s.store.Get(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}
	return acc.View(), nil
}

// ListAccounts returns every account with its usage percentage.
func (s *Service) ListAccounts(ctx context.Context) ([]AccountView, error) {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]AccountView, len(accounts))
	for i, acc := range accounts {
		views[i] = acc.View()
	}
	return views, nil
}

// UpdateLimit replaces the token limit of an existing account.
func (s *Service) UpdateLimit(ctx context.Context, userID string, newLimit int64) (Account, error) {
	if err := validateUserID("update_limit", userID); err != nil {
		return Account{}, err
	}
	if err := validateLimit("update_limit", userID, newLimit); err != nil {
		return Account{}, err
	}
	return s.store.UpdateLimit(ctx, userID, newLimit)
}

// RecordUsage debits tokens consumed outside the service. No cost is
// attributed to directly recorded usage.
func (s *Service) RecordUsage(ctx context.Context, userID string, tokens int64) (UsageReport, error) {
	if err := validateUserID("record_usage", userID); err != nil {
		return UsageReport{}, err
	}
	if tokens < 0 {
		return UsageReport{}, &AccountError{
			Op:     "record_usage",
			UserID: userID,
			Err:    InvalidInput("tokens consumed must be a non-negative integer"),
		}
	}
	acc, err := s.ledger.Debit(ctx, userID, tokens, 0)
	if err != nil {
		return UsageReport{}, err
	}
	return UsageReport{
		UserID:          acc.UserID,
		TokenUsage:      acc.TokenUsage,
		RemainingTokens: acc.RemainingClamped(),
	}, nil
}

// Invoke runs a metered model call for userID.
func (s *Service) Invoke(ctx context.Context, userID, prompt string) (InvocationResult, error) {
	if err := validateUserID("invoke", userID); err != nil {
		return InvocationResult{}, err
	}
	if prompt == "" {
		return InvocationResult{}, &AccountError{
			Op:     "invoke",
			UserID: userID,
			Err:    InvalidInput("prompt must be a non-empty string"),
		}
	}
	return s.invoker.Invoke(ctx, userID, prompt)
}

// DeleteAccount removes the account whether or not it exists.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := validateUserID("delete", userID); err != nil {
		return err
	}
	return s.store.Delete(ctx, userID)
}

func validateUserID(op, userID string) error {
	if userID == "" {
		return &AccountError{Op: op, Err: InvalidInput("userId must be a non-empty string")}
	}
	return nil
}

func validateLimit(op, userID string, limit int64) error {
	if limit <= 0 {
		return &AccountError{Op: op, UserID: userID, Err: InvalidInput("token limit must be a positive integer")}
	}
	return nil
}
