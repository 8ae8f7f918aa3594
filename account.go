package tokenquota

import (
	"context"
	"math"
	"time"
)

// AccountStore persists per-user quota accounts.
//
// Implementations must apply IncrementUsage as a store-side delta guarded by
// an existence check in the same atomic unit: concurrent increments against
// one account commit in some serial order and none of them is lost.
type AccountStore interface {
	// Create inserts a new account with zero usage. Returns ErrAlreadyExists
	// if the user ID is taken.
	Create(ctx context.Context, userID string, tokenLimit int64) (Account, error)

	// Get returns the current account snapshot or ErrNotFound.
	Get(ctx context.Context, userID string) (Account, error)

	// UpdateLimit overwrites the token limit. Usage and cost are untouched.
	UpdateLimit(ctx context.Context, userID string, newLimit int64) (Account, error)

	// IncrementUsage adds tokens and cost to the stored totals and returns the
	// post-increment snapshot. It never creates an account.
	IncrementUsage(ctx context.Context, userID string, tokens int64, cost float64) (Account, error)

	// Delete removes the account. Deleting a missing account is not an error.
	Delete(ctx context.Context, userID string) error

	// List returns every account in no particular order.
	List(ctx context.Context) ([]Account, error)
}

// Account is the quota record of a single user.
type Account struct {
	UserID      string    `json:"userId"`
	TokenLimit  int64     `json:"tokenLimit"`
	TokenUsage  int64     `json:"tokenUsage"`
	TotalCost   float64   `json:"totalCost"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Remaining returns the unclamped budget left. It is negative when an
// over-admission pushed usage past the limit.
func (a Account) Remaining() int64 {
	return a.TokenLimit - a.TokenUsage
}

// RemainingClamped returns the budget left, never below zero.
func (a Account) RemainingClamped() int64 {
	return max(0, a.Remaining())
}

// PercentageUsed returns usage as a percentage of the limit rounded to two
// decimals, or 0 for a non-positive limit.
func (a Account) PercentageUsed() float64 {
	if a.TokenLimit <= 0 {
		return 0
	}
	pct := float64(a.TokenUsage) / float64(a.TokenLimit) * 100
	return math.Round(pct*100) / 100
}

// View annotates the account with derived fields for display.
func (a Account) View() AccountView {
	return AccountView{Account: a, PercentageUsed: a.PercentageUsed()}
}

// AccountView is an Account with its usage percentage.
type AccountView struct {
	Account
	PercentageUsed float64 `json:"percentageUsed"`
}

// ValidateDelta checks that a usage delta can be applied to an account.
func ValidateDelta(tokens int64, cost float64) error {
	if tokens < 0 {
		return InvalidInput("tokens delta must be non-negative, got %d", tokens)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return InvalidInput("cost delta must be a non-negative finite number, got %v", cost)
	}
	return nil
}

// UsageCeiling is the largest stored usage to which tokens can still be
// added without leaving the int64 range.
func UsageCeiling(tokens int64) int64 {
	return math.MaxInt64 - tokens
}

// UsageOverflowError reports an increment that would push the cumulative
// usage past the int64 range. The account is left unchanged.
func UsageOverflowError(op, userID string) error {
	return &AccountError{Op: op, UserID: userID, Err: InvalidInput("token usage would overflow")}
}
