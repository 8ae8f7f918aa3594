package tokenquota_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tq "github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/provider/mock"
	"github.com/ineyio/tokenquota/store/memory"
)

// recordingMeter keeps every event for assertions.
type recordingMeter struct {
	mu      sync.Mutex
	gates   []tq.GateEvent
	invokes []tq.InvokeEvent
	debits  []tq.DebitEvent
}

func (m *recordingMeter) OnGate(e tq.GateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates = append(m.gates, e)
}

func (m *recordingMeter) OnInvoke(e tq.InvokeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invokes = append(m.invokes, e)
}

func (m *recordingMeter) OnDebit(e tq.DebitEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debits = append(m.debits, e)
}

var testConfig = tq.InvokerConfig{
	Model:   "test-model",
	Pricing: tq.DefaultPricing,
}

func newTestService(t *testing.T, store tq.AccountStore, p tq.Provider, opts ...tq.Option) *tq.Service {
	t.Helper()
	svc, err := tq.NewService(testConfig, store, p, opts...)
	require.NoError(t, err)
	return svc
}

// Test 1: Invoke debits reported usage and returns the post-debit remaining
func TestInvoke_DebitsReportedUsage(t *testing.T) {
	ctx := context.Background()
	p := mock.New(mock.WithUsage(50, 20))
	m := &recordingMeter{}
	svc := newTestService(t, memory.New(), p, tq.WithMeter(m))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	res, err := svc.Invoke(ctx, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello from mock provider", res.Response)
	assert.Equal(t, "test-model", res.Model)
	assert.Equal(t, int64(70), res.TokensConsumed)
	assert.Equal(t, int64(50), res.InputTokens)
	assert.Equal(t, int64(20), res.OutputTokens)
	assert.Equal(t, int64(930), res.RemainingTokens)
	assert.InDelta(t, 0.00045, res.Cost.TotalCost, 1e-12)
	assert.NotEmpty(t, res.RequestID)

	res, err = svc.Invoke(ctx, "u1", "hello again")
	require.NoError(t, err)
	assert.Equal(t, int64(860), res.RemainingTokens)

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(140), view.TokenUsage)
	assert.InDelta(t, 0.0009, view.TotalCost, 1e-12)
	assert.Equal(t, 14.0, view.PercentageUsed)

	require.Len(t, m.gates, 2)
	require.Len(t, m.invokes, 2)
	require.Len(t, m.debits, 2)
	assert.Equal(t, res.RequestID, m.debits[1].RequestID)
	assert.True(t, m.invokes[0].Success)
}

// Test 2: Request sent to the provider carries the configured model and limits
func TestInvoke_ProviderRequest(t *testing.T) {
	ctx := context.Background()
	p := mock.New()
	cfg := testConfig
	cfg.MaxTokens = 256
	cfg.Auth = tq.Auth{APIKey: "k"}
	cfg.Temperature = tq.Float64Ptr(0.2)
	svc, err := tq.NewService(cfg, memory.New(), p)
	require.NoError(t, err)

	_, err = svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = svc.Invoke(ctx, "u1", "what is 2+2?")
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, "k", reqs[0].Auth.APIKey)
	require.NotNil(t, reqs[0].MaxTokens)
	assert.Equal(t, 256, *reqs[0].MaxTokens)
	require.NotNil(t, reqs[0].Temperature)
	assert.Equal(t, 0.2, *reqs[0].Temperature)
	assert.Equal(t, []tq.Message{{Role: "user", Content: "what is 2+2?"}}, reqs[0].Messages)
}

// Test 3: Exhausted accounts are rejected before the provider is called
func TestInvoke_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	p := mock.New()
	svc := newTestService(t, memory.New(), p)

	_, err := svc.CreateAccount(ctx, "u1", 100)
	require.NoError(t, err)
	_, err = svc.RecordUsage(ctx, "u1", 100)
	require.NoError(t, err)

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrQuotaExceeded)
	assert.Equal(t, tq.KindQuotaExceeded, tq.KindOf(err))
	assert.Zero(t, p.CallCount())

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.TokenUsage)
}

// Test 4: One token of budget admits a call that overshoots the limit
func TestInvoke_LastTokenAdmitsOvershoot(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), mock.New(mock.WithUsage(50, 20)))

	_, err := svc.CreateAccount(ctx, "u1", 100)
	require.NoError(t, err)
	_, err = svc.RecordUsage(ctx, "u1", 99)
	require.NoError(t, err)

	res, err := svc.Invoke(ctx, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RemainingTokens, "remaining is clamped")
	assert.Equal(t, int64(169), res.Account.TokenUsage)
	assert.Equal(t, int64(-69), res.Account.Remaining())

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrQuotaExceeded)
}

// Test 5: Provider failures surface as ServiceUnavailable and debit nothing
func TestInvoke_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	m := &recordingMeter{}
	svc := newTestService(t, memory.New(), mock.New(mock.WithError(tq.ErrRateLimited)), tq.WithMeter(m))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrServiceUnavailable)
	assert.ErrorIs(t, err, tq.ErrRateLimited)
	assert.Equal(t, tq.KindServiceUnavailable, tq.KindOf(err))

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, view.TokenUsage)
	assert.Empty(t, m.debits)
	require.Len(t, m.invokes, 1)
	assert.False(t, m.invokes[0].Success)
}

// Test 6: Consumption is lost when the account is deleted mid-call
func TestInvoke_AccountDeletedDuringCall(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := &recordingMeter{}
	p := mock.New(mock.WithResponseFunc(func(req tq.ProviderRequest) (tq.ProviderResponse, error) {
		require.NoError(t, store.Delete(ctx, "u1"))
		return tq.ProviderResponse{Content: "late", Usage: tq.Usage{InputTokens: 5, OutputTokens: 5}}, nil
	}))
	svc := newTestService(t, store, p, tq.WithMeter(m))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrNotFound)

	_, err = svc.GetAccount(ctx, "u1")
	assert.ErrorIs(t, err, tq.ErrNotFound, "the debit must not recreate the account")

	require.Len(t, m.debits, 1)
	assert.NotEmpty(t, m.debits[0].RequestID)
	assert.Equal(t, int64(10), m.debits[0].Tokens)
	assert.ErrorIs(t, m.debits[0].Error, tq.ErrNotFound)
}

// Test 7: Negative usage from a provider is a provider failure
func TestInvoke_NegativeUsageRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), mock.New(mock.WithUsage(-1, 5)))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrServiceUnavailable)

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, view.TokenUsage)
}

// Test 8: Provider calls are bounded by the configured timeout
func TestInvoke_Timeout(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig
	cfg.Timeout = 20 * time.Millisecond
	svc, err := tq.NewService(cfg, memory.New(), mock.New(mock.WithLatency(time.Second)))
	require.NoError(t, err)

	_, err = svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrServiceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Test 9: An open circuit fails fast without calling the provider
func TestInvoke_CircuitOpen(t *testing.T) {
	ctx := context.Background()
	p := mock.New(mock.WithError(tq.ErrProviderUnavailable))
	health := tq.NewHealthTrackerWithConfig(tq.HealthConfig{FailureThreshold: 2})
	svc := newTestService(t, memory.New(), p, tq.WithHealthTracker(health))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	for range 2 {
		_, err = svc.Invoke(ctx, "u1", "hello")
		assert.ErrorIs(t, err, tq.ErrProviderUnavailable)
	}
	assert.Equal(t, tq.HealthUnhealthy, health.GetHealth("mock"))

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrServiceUnavailable)
	assert.NotErrorIs(t, err, tq.ErrProviderUnavailable)
	assert.Equal(t, 2, p.CallCount())
}

// Test 10: Inputs are validated before any store access
func TestValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, failingStore{}, mock.New())

	_, err := svc.CreateAccount(ctx, "", 10)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = svc.CreateAccount(ctx, "u1", 0)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = svc.CreateAccount(ctx, "u1", -1)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = svc.GetAccount(ctx, "")
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = svc.UpdateLimit(ctx, "u1", 0)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = svc.RecordUsage(ctx, "u1", -5)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	_, err = svc.Invoke(ctx, "u1", "")
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	err = svc.DeleteAccount(ctx, "")
	assert.ErrorIs(t, err, tq.ErrInvalidInput)

	var inErr *tq.InputError
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, "userId must be a non-empty string", inErr.Reason)
}

// Test 11: Account administration round trip
func TestAccountAdministration(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), mock.New())

	acc, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Zero(t, acc.TokenUsage)
	assert.False(t, acc.LastUpdated.IsZero())

	_, err = svc.CreateAccount(ctx, "u1", 50)
	assert.ErrorIs(t, err, tq.ErrAlreadyExists)

	rep, err := svc.RecordUsage(ctx, "u1", 250)
	require.NoError(t, err)
	assert.Equal(t, tq.UsageReport{UserID: "u1", TokenUsage: 250, RemainingTokens: 750}, rep)

	acc, err = svc.UpdateLimit(ctx, "u1", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(200), acc.TokenLimit)
	assert.Equal(t, int64(250), acc.TokenUsage)

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 125.0, view.PercentageUsed)

	_, err = svc.UpdateLimit(ctx, "ghost", 10)
	assert.ErrorIs(t, err, tq.ErrNotFound)
	_, err = svc.RecordUsage(ctx, "ghost", 10)
	assert.ErrorIs(t, err, tq.ErrNotFound)

	_, err = svc.CreateAccount(ctx, "u2", 10)
	require.NoError(t, err)
	views, err := svc.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	require.NoError(t, svc.DeleteAccount(ctx, "u1"))
	require.NoError(t, svc.DeleteAccount(ctx, "u1"))
	_, err = svc.GetAccount(ctx, "u1")
	assert.ErrorIs(t, err, tq.ErrNotFound)
}

// Test 12: Concurrent invocations lose no debits
func TestInvoke_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), mock.New(mock.WithUsage(3, 7)))

	_, err := svc.CreateAccount(ctx, "u1", 1_000_000)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Invoke(ctx, "u1", "hi")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(n*10), view.TokenUsage)
}

// Test 13: Store failures are reported as storage failures
func TestStorageFailure(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, failingStore{}, mock.New())

	_, err := svc.GetAccount(ctx, "u1")
	assert.ErrorIs(t, err, tq.ErrStorageFailure)
	assert.Equal(t, tq.KindStorageFailure, tq.KindOf(err))

	_, err = svc.Invoke(ctx, "u1", "hi")
	assert.Equal(t, tq.KindStorageFailure, tq.KindOf(err))
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := tq.NewService(testConfig, nil, mock.New())
	assert.Error(t, err)
	_, err = tq.NewService(testConfig, memory.New(), nil)
	assert.Error(t, err)
	_, err = tq.NewService(tq.InvokerConfig{}, memory.New(), mock.New())
	assert.Error(t, err)
}

// Test 14: Usage that would overflow the counter is refused and leaves it intact
func TestRecordUsage_Overflow(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), mock.New())

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	report, err := svc.RecordUsage(ctx, "u1", math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), report.TokenUsage)
	assert.Zero(t, report.RemainingTokens)

	_, err = svc.RecordUsage(ctx, "u1", 2)
	assert.ErrorIs(t, err, tq.ErrInvalidInput)
	assert.Equal(t, tq.KindInvalidInput, tq.KindOf(err))

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), view.TokenUsage)
}

// Test 15: A provider total beyond int64 is a provider failure
func TestInvoke_UsageTotalOutOfRange(t *testing.T) {
	ctx := context.Background()
	p := mock.New(mock.WithUsage(math.MaxInt64, 1))
	m := &recordingMeter{}
	svc := newTestService(t, memory.New(), p, tq.WithMeter(m))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)

	_, err = svc.Invoke(ctx, "u1", "hello")
	assert.ErrorIs(t, err, tq.ErrServiceUnavailable)
	assert.Empty(t, m.debits)

	view, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, view.TokenUsage)
}

// Test 16: A half-open circuit lets exactly one concurrent call reach the provider
func TestInvoke_HalfOpenAdmitsOneCall(t *testing.T) {
	ctx := context.Background()
	p := mock.New(mock.WithError(tq.ErrProviderUnavailable), mock.WithLatency(100*time.Millisecond))
	health := tq.NewHealthTrackerWithConfig(tq.HealthConfig{FailureThreshold: 1, UnhealthyPeriod: 10 * time.Millisecond})
	svc := newTestService(t, memory.New(), p, tq.WithHealthTracker(health))

	_, err := svc.CreateAccount(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = svc.Invoke(ctx, "u1", "hello")
	require.ErrorIs(t, err, tq.ErrProviderUnavailable)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, tq.HealthHalfOpen, health.GetHealth("mock"))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Invoke(ctx, "u1", "hello")
			assert.ErrorIs(t, err, tq.ErrServiceUnavailable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, p.CallCount())
}

var errBackend = errors.New("backend down")

// failingStore fails every call with a storage error.
type failingStore struct{}

func (failingStore) Create(_ context.Context, id string, _ int64) (tq.Account, error) {
	return tq.Account{}, tq.StorageError("create", id, errBackend)
}

func (failingStore) Get(_ context.Context, id string) (tq.Account, error) {
	return tq.Account{}, tq.StorageError("get", id, errBackend)
}

func (failingStore) UpdateLimit(_ context.Context, id string, _ int64) (tq.Account, error) {
	return tq.Account{}, tq.StorageError("update_limit", id, errBackend)
}

func (failingStore) IncrementUsage(_ context.Context, id string, _ int64, _ float64) (tq.Account, error) {
	return tq.Account{}, tq.StorageError("increment_usage", id, errBackend)
}

func (failingStore) Delete(_ context.Context, id string) error {
	return tq.StorageError("delete", id, errBackend)
}

func (failingStore) List(context.Context) ([]tq.Account, error) {
	return nil, tq.StorageError("list", "", errBackend)
}
