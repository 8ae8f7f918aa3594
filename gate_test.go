package tokenquota_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tq "github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/provider/mock"
	"github.com/ineyio/tokenquota/store/memory"
)

func TestGate_Boundary(t *testing.T) {
	tests := []struct {
		name      string
		limit     int64
		usage     int64
		decision  tq.Decision
		remaining int64
	}{
		{"fresh account", 100, 0, tq.Allowed, 100},
		{"one token left", 100, 99, tq.Allowed, 1},
		{"exactly exhausted", 100, 100, tq.QuotaExceeded, 0},
		{"overshot", 100, 169, tq.QuotaExceeded, -69},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			_, err := store.Create(ctx, "u1", tt.limit)
			require.NoError(t, err)
			_, err = store.IncrementUsage(ctx, "u1", tt.usage, 0)
			require.NoError(t, err)

			m := &recordingMeter{}
			res, err := tq.NewGate(store, m).Check(ctx, "u1", 12)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision)
			assert.Equal(t, tt.decision == tq.Allowed, res.Allowed())
			assert.Equal(t, tt.remaining, res.Remaining)
			assert.Equal(t, int64(12), res.EstimatedTokens)

			require.Len(t, m.gates, 1)
			assert.Equal(t, tt.decision, m.gates[0].Decision)
		})
	}
}

func TestGate_EstimateDoesNotAffectDecision(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Create(ctx, "u1", 10)
	require.NoError(t, err)

	res, err := tq.NewGate(store, nil).Check(ctx, "u1", 1_000_000)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestGate_MissingAccount(t *testing.T) {
	_, err := tq.NewGate(memory.New(), nil).Check(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, tq.ErrNotFound)
}

func TestLedger_Debit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Create(ctx, "u1", 1000)
	require.NoError(t, err)

	m := &recordingMeter{}
	ledger := tq.NewLedger(store, m)

	acc, err := ledger.Debit(ctx, "u1", 70, 0.00045)
	require.NoError(t, err)
	assert.Equal(t, int64(70), acc.TokenUsage)
	assert.InDelta(t, 0.00045, acc.TotalCost, 1e-12)

	acc, err = ledger.Debit(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(70), acc.TokenUsage)

	require.Len(t, m.debits, 2)
	assert.Empty(t, m.debits[0].RequestID)
	assert.Equal(t, int64(1000), m.debits[0].TokenLimit)
}

func TestLedger_RejectsInvalidDeltas(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.Create(ctx, "u1", 1000)
	require.NoError(t, err)
	m := &recordingMeter{}
	ledger := tq.NewLedger(store, m)

	_, err = ledger.Debit(ctx, "u1", -1, 0)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = ledger.Debit(ctx, "u1", 1, -0.5)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	assert.Empty(t, m.debits, "rejected deltas never reach the store")

	acc, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, acc.TokenUsage)
}

func TestLedger_MissingAccount(t *testing.T) {
	_, err := tq.NewLedger(memory.New(), nil).Debit(context.Background(), "ghost", 5, 0)
	assert.ErrorIs(t, err, tq.ErrNotFound)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		messages []tq.Message
		want     int64
	}{
		{"no messages", nil, 3},
		{"empty content", []tq.Message{{Role: "user"}}, 7},
		{"whole tokens", []tq.Message{{Role: "user", Content: "0123456789ab"}}, 10},
		{"partial token rounds up", []tq.Message{{Role: "user", Content: "hello"}}, 9},
		{"runes not bytes", []tq.Message{{Role: "user", Content: "日本語のテキスト"}}, 9},
		{"per message overhead", []tq.Message{{Role: "system", Content: "abcd"}, {Role: "user", Content: "abcd"}}, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tq.EstimateTokens(tt.messages))
		})
	}
}

func TestProjectedUsage(t *testing.T) {
	msgs := []tq.Message{{Role: "user", Content: "0123456789ab"}}
	assert.Equal(t, int64(1034), tq.ProjectedUsage(msgs, 1024))
	assert.Equal(t, int64(10), tq.ProjectedUsage(msgs, 0), "no cap counts input only")
}

func TestInvoke_GateSeesProjectedUsage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig
	cfg.MaxTokens = 256
	m := &recordingMeter{}
	svc, err := tq.NewService(cfg, memory.New(), mock.New(), tq.WithMeter(m))
	require.NoError(t, err)

	_, err = svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = svc.Invoke(ctx, "u1", "0123456789ab")
	require.NoError(t, err)

	require.Len(t, m.gates, 1)
	assert.Equal(t, int64(266), m.gates[0].EstimatedTokens)
}
