package tokenquota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// InvokerConfig configures the metered model call.
type InvokerConfig struct {
	Model     string
	Auth      Auth
	MaxTokens int
	// Temperature is passed through when set.
	Temperature *float64
	// Timeout bounds a single provider call. Zero means no timeout beyond
	// the caller's context.
	Timeout time.Duration
	Pricing Pricing
}

// Invoker runs a metered model call between a gate check and a ledger debit.
//
// The gate and the debit are two separate steps because the real debit is
// only known once the provider reports its consumption.
type Invoker struct {
	cfg      InvokerConfig
	gate     *Gate
	ledger   *Ledger
	provider Provider
	meter    Meter
	health   *HealthTracker
}

// NewInvoker creates an Invoker. A nil meter disables metering and a nil
// health tracker disables the circuit breaker.
func NewInvoker(cfg InvokerConfig, gate *Gate, ledger *Ledger, provider Provider, meter Meter, health *HealthTracker) *Invoker {
	if meter == nil {
		meter = noopMeter{}
	}
	return &Invoker{
		cfg:      cfg,
		gate:     gate,
		ledger:   ledger,
		provider: provider,
		meter:    meter,
		health:   health,
	}
}

// Invoke checks the user's budget, calls the provider with prompt and debits
// the reported consumption.
//
// Nothing is debited when the gate rejects the request or the provider call
// fails. If the account disappears between the call and the debit the
// consumption is lost and ErrNotFound is returned.
func (i *Invoker) Invoke(ctx context.Context, userID, prompt string) (InvocationResult, error) {
	requestID := uuid.New().String()
	messages := []Message{{Role: "user", Content: prompt}}

	gr, err := i.gate.Check(ctx, userID, ProjectedUsage(messages, i.cfg.MaxTokens))
	if err != nil {
		return InvocationResult{}, err
	}
	if !gr.Allowed() {
		return InvocationResult{}, &AccountError{Op: "invoke", UserID: userID, Err: ErrQuotaExceeded}
	}

	name := i.provider.Name()
	if i.health != nil && !i.health.Allow(name) {
		err := fmt.Errorf("%w: provider %s circuit open", ErrServiceUnavailable, name)
		i.meter.OnInvoke(InvokeEvent{
			RequestID: requestID,
			UserID:    userID,
			Provider:  name,
			Model:     i.cfg.Model,
			Error:     err,
		})
		return InvocationResult{}, &AccountError{Op: "invoke", UserID: userID, Err: err}
	}

	req := ProviderRequest{
		Auth:        i.cfg.Auth,
		Model:       i.cfg.Model,
		Messages:    messages,
		Temperature: i.cfg.Temperature,
	}
	if i.cfg.MaxTokens > 0 {
		req.MaxTokens = IntPtr(i.cfg.MaxTokens)
	}

	callCtx := ctx
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := i.provider.ChatCompletion(callCtx, req)
	duration := time.Since(start)
	if err == nil {
		err = checkUsage(resp.Usage)
	}
	if err != nil {
		if i.health != nil {
			i.health.RecordFailure(name)
		}
		i.meter.OnInvoke(InvokeEvent{
			RequestID: requestID,
			UserID:    userID,
			Provider:  name,
			Model:     i.cfg.Model,
			Duration:  duration,
			Error:     err,
		})
		return InvocationResult{}, &AccountError{
			Op:     "invoke",
			UserID: userID,
			Err:    fmt.Errorf("%w: %w", ErrServiceUnavailable, err),
		}
	}
	if i.health != nil {
		i.health.RecordSuccess(name)
	}

	cost := i.cfg.Pricing.Cost(resp.Usage)
	i.meter.OnInvoke(InvokeEvent{
		RequestID: requestID,
		UserID:    userID,
		Provider:  name,
		Model:     i.cfg.Model,
		Success:   true,
		Duration:  duration,
		Usage:     resp.Usage,
		Cost:      cost.TotalCost,
	})

	total := resp.Usage.Total()
	acc, err := i.ledger.debit(ctx, requestID, userID, total, cost.TotalCost)
	if err != nil {
		return InvocationResult{}, err
	}

	model := resp.Model
	if model == "" {
		model = i.cfg.Model
	}
	return InvocationResult{
		RequestID:       requestID,
		Response:        resp.Content,
		Model:           model,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		TokensConsumed:  total,
		RemainingTokens: acc.RemainingClamped(),
		Cost:            cost,
		Account:         acc,
	}, nil
}

var errUsageOutOfRange = errors.New("provider reported token usage out of range")

// checkUsage rejects counts that are negative or whose total does not fit
// in an int64.
func checkUsage(u Usage) error {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.InputTokens > math.MaxInt64-u.OutputTokens {
		return fmt.Errorf("%w: input=%d output=%d", errUsageOutOfRange, u.InputTokens, u.OutputTokens)
	}
	return nil
}
