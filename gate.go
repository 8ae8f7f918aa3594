package tokenquota

import "context"

// Decision is the result of an admission check.
type Decision string

const (
	Allowed       Decision = "allowed"
	QuotaExceeded Decision = "quota_exceeded"
)

// GateResult is the outcome of Gate.Check.
type GateResult struct {
	Decision        Decision
	Remaining       int64
	EstimatedTokens int64
	Account         Account
}

// Allowed reports whether the caller may proceed to the metered call.
func (r GateResult) Allowed() bool {
	return r.Decision == Allowed
}

// Gate admits or rejects spend attempts from the last committed account
// snapshot. It reserves nothing: two requests racing for the last slot of
// budget can both pass, and each is debited in full afterwards. Usage can
// therefore exceed the limit by the consumption of the in-flight requests.
type Gate struct {
	store AccountStore
	meter Meter
}

// NewGate creates a Gate reading from store. A nil meter disables metering.
func NewGate(store AccountStore, meter Meter) *Gate {
	if meter == nil {
		meter = noopMeter{}
	}
	return &Gate{store: store, meter: meter}
}

// Check reads the account and admits the request while any budget remains.
// estimatedTokens is reported alongside the decision but does not affect it.
func (g *Gate) Check(ctx context.Context, userID string, estimatedTokens int64) (GateResult, error) {
	acc, err := g.store.Get(ctx, userID)
	if err != nil {
		return GateResult{}, err
	}

	res := GateResult{
		Decision:        Allowed,
		Remaining:       acc.Remaining(),
		EstimatedTokens: estimatedTokens,
		Account:         acc,
	}
	if res.Remaining <= 0 {
		res.Decision = QuotaExceeded
	}

	g.meter.OnGate(GateEvent{
		UserID:          userID,
		Decision:        res.Decision,
		Remaining:       res.Remaining,
		EstimatedTokens: estimatedTokens,
	})
	return res, nil
}
