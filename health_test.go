package tokenquota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(cfg HealthConfig) (*HealthTracker, *time.Time) {
	h := NewHealthTrackerWithConfig(cfg)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	return h, &now
}

func TestHealthTracker_OpensAfterThreshold(t *testing.T) {
	h, _ := newTestTracker(HealthConfig{FailureThreshold: 3})

	assert.Equal(t, HealthHealthy, h.GetHealth("p"))
	h.RecordFailure("p")
	h.RecordFailure("p")
	assert.Equal(t, HealthHealthy, h.GetHealth("p"))
	h.RecordFailure("p")
	assert.Equal(t, HealthUnhealthy, h.GetHealth("p"))
	assert.Equal(t, HealthHealthy, h.GetHealth("other"))
}

func TestHealthTracker_FailuresOutsideWindowExpire(t *testing.T) {
	h, now := newTestTracker(HealthConfig{FailureThreshold: 2, FailureWindow: time.Minute})

	h.RecordFailure("p")
	*now = now.Add(2 * time.Minute)
	h.RecordFailure("p")
	assert.Equal(t, HealthHealthy, h.GetHealth("p"))
}

func TestHealthTracker_HalfOpenRecovery(t *testing.T) {
	h, now := newTestTracker(HealthConfig{FailureThreshold: 1, UnhealthyPeriod: 30 * time.Second})

	h.RecordFailure("p")
	assert.Equal(t, HealthUnhealthy, h.GetHealth("p"))

	*now = now.Add(31 * time.Second)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("p"))

	h.RecordFailure("p")
	assert.Equal(t, HealthUnhealthy, h.GetHealth("p"), "a half-open failure reopens the circuit")

	*now = now.Add(31 * time.Second)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("p"))
	h.RecordSuccess("p")
	assert.Equal(t, HealthHealthy, h.GetHealth("p"))
}

func TestHealthTracker_HalfOpenAdmitsOneCall(t *testing.T) {
	h, now := newTestTracker(HealthConfig{FailureThreshold: 1, UnhealthyPeriod: 30 * time.Second})

	assert.True(t, h.Allow("p"), "unknown providers are allowed")
	h.RecordFailure("p")
	assert.False(t, h.Allow("p"))

	*now = now.Add(31 * time.Second)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("p"))
	assert.True(t, h.Allow("p"))
	assert.False(t, h.Allow("p"), "only one trial call while half-open")
	assert.False(t, h.Allow("p"))

	h.RecordFailure("p")
	assert.False(t, h.Allow("p"))

	*now = now.Add(31 * time.Second)
	assert.True(t, h.Allow("p"), "a new period admits a new trial call")
	h.RecordSuccess("p")
	assert.True(t, h.Allow("p"))
	assert.True(t, h.Allow("p"))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "half-open", HealthHalfOpen.String())
	assert.Equal(t, "unknown", HealthState(42).String())
}
