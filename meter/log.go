package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/tokenquota"
)

// LogMeter logs quota events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tokenquota.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnGate(e tokenquota.GateEvent) {
	level := slog.LevelDebug
	if e.Decision == tokenquota.QuotaExceeded {
		level = slog.LevelInfo
	}
	m.Logger.Log(context.Background(), level, "gate",
		"user", e.UserID,
		"decision", string(e.Decision),
		"remaining", e.Remaining,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnInvoke(e tokenquota.InvokeEvent) {
	if e.Success {
		m.Logger.Info("invoke",
			"request_id", e.RequestID,
			"user", e.UserID,
			"provider", e.Provider,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"input_tokens", e.Usage.InputTokens,
			"output_tokens", e.Usage.OutputTokens,
			"cost", e.Cost,
		)
	} else {
		m.Logger.Warn("invoke_error",
			"request_id", e.RequestID,
			"user", e.UserID,
			"provider", e.Provider,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

// OnDebit logs debits. A debit that fails after a provider call means
// consumed tokens went unrecorded, so it is logged at error level.
func (m *LogMeter) OnDebit(e tokenquota.DebitEvent) {
	switch {
	case e.Error == nil:
		m.Logger.Info("debit",
			"request_id", e.RequestID,
			"user", e.UserID,
			"tokens", e.Tokens,
			"cost", e.Cost,
			"token_usage", e.TokenUsage,
			"token_limit", e.TokenLimit,
		)
	case e.RequestID != "":
		m.Logger.Error("debit_lost",
			"request_id", e.RequestID,
			"user", e.UserID,
			"tokens", e.Tokens,
			"cost", e.Cost,
			"error", e.Error,
		)
	default:
		m.Logger.Warn("debit_error",
			"user", e.UserID,
			"tokens", e.Tokens,
			"error", e.Error,
		)
	}
}
