package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/router"
	"github.com/BaSui01/vidflow/types"
)

func TestBudgetStore_RoundTrip(t *testing.T) {
	s, err := NewBudgetStore(testPool(t))
	require.NoError(t, err)

	_, ok, err := s.LoadLedger("2026-08-01")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := budget.Snapshot{
		Date: "2026-08-01",
		Providers: map[string]budget.ProviderLedger{
			"pa": {Limited: true, Limit: 400, Remaining: 250, Reserved: 150},
		},
		Tiers: map[types.Tier]budget.TierCounter{
			types.TierPremium: {Target: 5, Completed: 1},
		},
		Reservations: map[string]budget.ReservationRecord{
			"res-1": {ProviderID: "pa", Tier: types.TierPremium, Credits: 150},
		},
	}
	require.NoError(t, s.SaveLedger(snap))

	got, ok, err := s.LoadLedger("2026-08-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Providers["pa"], got.Providers["pa"])
	assert.Equal(t, 1, got.Tiers[types.TierPremium].Completed)
	assert.Equal(t, int64(150), got.Reservations["res-1"].Credits)

	// saving again overwrites in place
	snap.Providers["pa"] = budget.ProviderLedger{Limited: true, Limit: 400, Remaining: 100, Committed: 300}
	require.NoError(t, s.SaveLedger(snap))
	got, _, err = s.LoadLedger("2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Providers["pa"].Remaining)
}

func TestHealthStore_RoundTrip(t *testing.T) {
	s, err := NewHealthStore(testPool(t))
	require.NoError(t, err)

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	snap := map[string]router.HealthInfo{
		"pa": {State: router.StateUnhealthy, ConsecutiveFailures: 6},
		"pv": {State: router.StateHealthy, ConsecutiveSuccesses: 12, Healthy: true},
	}
	require.NoError(t, s.Save(snap))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, router.StateUnhealthy, got["pa"].State)
	assert.Equal(t, 12, got["pv"].ConsecutiveSuccesses)
}
