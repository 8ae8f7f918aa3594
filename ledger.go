package tokenquota

import "context"

// Ledger is the only writer of account usage and cost.
type Ledger struct {
	store AccountStore
	meter Meter
}

// NewLedger creates a Ledger over store. A nil meter disables metering.
func NewLedger(store AccountStore, meter Meter) *Ledger {
	if meter == nil {
		meter = noopMeter{}
	}
	return &Ledger{store: store, meter: meter}
}

// Debit atomically adds tokens and cost to the account and returns the
// post-increment snapshot, which includes every delta committed before it.
func (l *Ledger) Debit(ctx context.Context, userID string, tokens int64, cost float64) (Account, error) {
	return l.debit(ctx, "", userID, tokens, cost)
}

func (l *Ledger) debit(ctx context.Context, requestID, userID string, tokens int64, cost float64) (Account, error) {
	if err := ValidateDelta(tokens, cost); err != nil {
		return Account{}, &AccountError{Op: "debit", UserID: userID, Err: err}
	}

	acc, err := l.store.IncrementUsage(ctx, userID, tokens, cost)
	l.meter.OnDebit(DebitEvent{
		RequestID:  requestID,
		UserID:     userID,
		Tokens:     tokens,
		Cost:       cost,
		TokenUsage: acc.TokenUsage,
		TokenLimit: acc.TokenLimit,
		Error:      err,
	})
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}
