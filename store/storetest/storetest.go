// Package storetest is a conformance suite for tokenquota.AccountStore
// implementations. Each backend runs it from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ineyio/tokenquota"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) tokenquota.AccountStore

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s tokenquota.AccountStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"ConcurrentCreate", testConcurrentCreate},
		{"GetMissing", testGetMissing},
		{"UpdateLimit", testUpdateLimit},
		{"UpdateLimitMissing", testUpdateLimitMissing},
		{"IncrementUsage", testIncrementUsage},
		{"IncrementMissing", testIncrementMissing},
		{"IncrementRejectsNegative", testIncrementRejectsNegative},
		{"IncrementOverflow", testIncrementOverflow},
		{"Delete", testDelete},
		{"List", testList},
		{"Monotonic", testMonotonic},
		{"NoLostUpdates", testNoLostUpdates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testCreateAndGet(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	created, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, int64(1000), created.TokenLimit)
	assert.Zero(t, created.TokenUsage)
	assert.Zero(t, created.TotalCost)
	assert.False(t, created.LastUpdated.IsZero())

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created.UserID, got.UserID)
	assert.Equal(t, created.TokenLimit, got.TokenLimit)
	assert.Zero(t, got.TokenUsage)
	assert.True(t, created.LastUpdated.Equal(got.LastUpdated), "created=%s got=%s", created.LastUpdated, got.LastUpdated)
}

func testCreateDuplicate(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	_, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = s.IncrementUsage(ctx, "u1", 10, 0.5)
	require.NoError(t, err)

	_, err = s.Create(ctx, "u1", 5)
	assert.ErrorIs(t, err, tokenquota.ErrAlreadyExists)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.TokenLimit)
	assert.Equal(t, int64(10), got.TokenUsage)
	assert.Equal(t, 0.5, got.TotalCost)
}

func testConcurrentCreate(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	var created, exists atomic.Int64
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(ctx, "race", int64(100+i))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, tokenquota.ErrAlreadyExists):
				exists.Add(1)
			default:
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), created.Load())
	assert.Equal(t, int64(n-1), exists.Load())
}

func testGetMissing(t *testing.T, s tokenquota.AccountStore) {
	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, tokenquota.ErrNotFound)
}

func testUpdateLimit(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	created, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = s.IncrementUsage(ctx, "u1", 70, 0.25)
	require.NoError(t, err)

	updated, err := s.UpdateLimit(ctx, "u1", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.TokenLimit)
	assert.Equal(t, int64(70), updated.TokenUsage)
	assert.Equal(t, 0.25, updated.TotalCost)
	assert.False(t, updated.LastUpdated.Before(created.LastUpdated))

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.TokenLimit)
}

func testUpdateLimitMissing(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	_, err := s.UpdateLimit(ctx, "ghost", 10)
	assert.ErrorIs(t, err, tokenquota.ErrNotFound)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, tokenquota.ErrNotFound, "update must not create the account")
}

func testIncrementUsage(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	created, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)

	acc, err := s.IncrementUsage(ctx, "u1", 70, 0.75)
	require.NoError(t, err)
	assert.Equal(t, "u1", acc.UserID)
	assert.Equal(t, int64(1000), acc.TokenLimit)
	assert.Equal(t, int64(70), acc.TokenUsage)
	assert.Equal(t, 0.75, acc.TotalCost)
	assert.False(t, acc.LastUpdated.Before(created.LastUpdated))

	acc, err = s.IncrementUsage(ctx, "u1", 70, 0.75)
	require.NoError(t, err)
	assert.Equal(t, int64(140), acc.TokenUsage)
	assert.Equal(t, 1.5, acc.TotalCost)

	// Zero deltas are legal and only touch lastUpdated.
	acc, err = s.IncrementUsage(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(140), acc.TokenUsage)
}

func testIncrementMissing(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	_, err := s.IncrementUsage(ctx, "ghost", 10, 1)
	assert.ErrorIs(t, err, tokenquota.ErrNotFound)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, tokenquota.ErrNotFound, "increment must not create the account")

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testIncrementRejectsNegative(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	_, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = s.IncrementUsage(ctx, "u1", 50, 0)
	require.NoError(t, err)

	_, err = s.IncrementUsage(ctx, "u1", -10, 0)
	assert.ErrorIs(t, err, tokenquota.ErrInvalidInput)
	_, err = s.IncrementUsage(ctx, "u1", 0, -1)
	assert.ErrorIs(t, err, tokenquota.ErrInvalidInput)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.TokenUsage)
	assert.Zero(t, got.TotalCost)
}

func testIncrementOverflow(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	_, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)
	_, err = s.IncrementUsage(ctx, "u1", math.MaxInt64-10, 0)
	require.NoError(t, err)

	_, err = s.IncrementUsage(ctx, "u1", 11, 0.5)
	assert.ErrorIs(t, err, tokenquota.ErrInvalidInput)
	assert.NotErrorIs(t, err, tokenquota.ErrNotFound)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-10), got.TokenUsage, "rejected delta left the counter unchanged")
	assert.Zero(t, got.TotalCost)

	acc, err := s.IncrementUsage(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), acc.TokenUsage)

	_, err = s.IncrementUsage(ctx, "u1", 1, 0)
	assert.ErrorIs(t, err, tokenquota.ErrInvalidInput)
	acc, err = s.IncrementUsage(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), acc.TokenUsage)
}

func testDelete(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	_, err := s.Create(ctx, "u1", 1000)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "u1"))
	_, err = s.Get(ctx, "u1")
	assert.ErrorIs(t, err, tokenquota.ErrNotFound)

	// Unconditional: repeated and unknown deletes succeed.
	require.NoError(t, s.Delete(ctx, "u1"))
	require.NoError(t, s.Delete(ctx, "never-existed"))

	_, err = s.IncrementUsage(ctx, "u1", 1, 0)
	assert.ErrorIs(t, err, tokenquota.ErrNotFound)

	// The identifier can be reused after deletion.
	acc, err := s.Create(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Zero(t, acc.TokenUsage)
}

func testList(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id, int64(100*(i+1)))
		require.NoError(t, err)
	}
	_, err = s.IncrementUsage(ctx, "b", 42, 0)
	require.NoError(t, err)

	all, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	byID := make(map[string]tokenquota.Account, len(all))
	for _, acc := range all {
		byID[acc.UserID] = acc
	}
	assert.Equal(t, int64(100), byID["a"].TokenLimit)
	assert.Equal(t, int64(200), byID["b"].TokenLimit)
	assert.Equal(t, int64(42), byID["b"].TokenUsage)
	assert.Equal(t, int64(300), byID["c"].TokenLimit)
}

func testMonotonic(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()
	var seq atomic.Int64

	rapid.Check(t, func(rt *rapid.T) {
		userID := fmt.Sprintf("mono-%d", seq.Add(1))
		_, err := s.Create(ctx, userID, 1_000)
		require.NoError(rt, err)

		deltas := rapid.SliceOfN(rapid.Int64Range(0, 500), 1, 20).Draw(rt, "deltas")
		var last int64
		for _, d := range deltas {
			acc, err := s.IncrementUsage(ctx, userID, d, 0)
			require.NoError(rt, err)
			if acc.TokenUsage < last {
				rt.Fatalf("usage decreased from %d to %d", last, acc.TokenUsage)
			}
			last = acc.TokenUsage
		}
	})
}

func testNoLostUpdates(t *testing.T, s tokenquota.AccountStore) {
	ctx := context.Background()
	var seq atomic.Int64

	rapid.Check(t, func(rt *rapid.T) {
		userID := fmt.Sprintf("prop-%d", seq.Add(1))
		_, err := s.Create(ctx, userID, 1)
		require.NoError(rt, err)

		deltas := rapid.SliceOfN(rapid.Int64Range(0, 10_000), 1, 40).Draw(rt, "deltas")
		// Costs are multiples of 1/4 so every partial sum is exact in
		// float64 regardless of commit order.
		quarters := rapid.SliceOfN(rapid.IntRange(0, 400), len(deltas), len(deltas)).Draw(rt, "cost_quarters")

		var wantTokens int64
		var wantCost float64
		for i := range deltas {
			wantTokens += deltas[i]
			wantCost += float64(quarters[i]) / 4
		}

		var wg sync.WaitGroup
		errs := make([]error, len(deltas))
		snapshots := make([]tokenquota.Account, len(deltas))
		start := make(chan struct{})
		for i := range deltas {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				snapshots[i], errs[i] = s.IncrementUsage(ctx, userID, deltas[i], float64(quarters[i])/4)
			}(i)
		}
		close(start)
		wg.Wait()

		for i, err := range errs {
			require.NoError(rt, err)
			// Each snapshot includes at least its own contribution.
			if snapshots[i].TokenUsage < deltas[i] {
				rt.Fatalf("snapshot %d has usage %d below its own delta %d", i, snapshots[i].TokenUsage, deltas[i])
			}
		}

		got, err := s.Get(ctx, userID)
		require.NoError(rt, err)
		assert.Equal(rt, wantTokens, got.TokenUsage)
		assert.Equal(rt, wantCost, got.TotalCost)
	})
}
