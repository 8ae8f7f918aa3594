package tokenquota

import "time"

// Meter observes quota events for monitoring/logging.
type Meter interface {
	// OnGate is called after every admission decision.
	OnGate(event GateEvent)

	// OnInvoke is called when a provider call returns or is refused.
	OnInvoke(event InvokeEvent)

	// OnDebit is called after every ledger debit attempt.
	OnDebit(event DebitEvent)
}

// GateEvent describes an admission decision.
type GateEvent struct {
	UserID          string
	Decision        Decision
	Remaining       int64
	EstimatedTokens int64
}

// InvokeEvent describes the outcome of a provider call.
type InvokeEvent struct {
	RequestID string
	UserID    string
	Provider  string
	Model     string
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Cost      float64
	Error     error
}

// DebitEvent describes a ledger debit. A failed debit after a successful
// provider call means consumed tokens were not recorded.
type DebitEvent struct {
	RequestID  string
	UserID     string
	Tokens     int64
	Cost       float64
	TokenUsage int64
	TokenLimit int64
	Error      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnGate(GateEvent)     {}
func (noopMeter) OnInvoke(InvokeEvent) {}
func (noopMeter) OnDebit(DebitEvent)   {}
