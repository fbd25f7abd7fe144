package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

// fakeBudget approves everything unless a provider is listed as broke.
type fakeBudget struct {
	broke     map[string]bool
	remaining map[string]int64
}

func (f *fakeBudget) Affordable(providerID string, credits int64) bool {
	return !f.broke[providerID]
}

func (f *fakeBudget) RemainingToday(providerID string) int64 {
	return f.remaining[providerID]
}

func testSpecs() []types.ProviderSpec {
	return []types.ProviderSpec{
		{
			ID:            "pv",
			Kind:          "mock",
			SupportsTiers: []types.Tier{types.TierVolume},
			Models:        []types.ModelSpec{{ID: "pv-free", CreditCost: 0}},
			RateLimit:     types.RateLimitSpec{RequestsPerSecond: 2, Burst: 2, Concurrency: 2},
		},
		{
			ID:            "ps",
			Kind:          "mock",
			SupportsTiers: []types.Tier{types.TierStandard},
			Models:        []types.ModelSpec{{ID: "ps-std", CreditCost: 20}},
			RateLimit:     types.RateLimitSpec{RequestsPerSecond: 2, Burst: 2, Concurrency: 2},
		},
		{
			ID:            "pa",
			Kind:          "mock",
			SupportsTiers: []types.Tier{types.TierPremium},
			Models:        []types.ModelSpec{{ID: "pa-pro", CreditCost: 100}},
			RateLimit:     types.RateLimitSpec{RequestsPerSecond: 2, Burst: 2, Concurrency: 2},
		},
		{
			ID:            "pb",
			Kind:          "mock",
			SupportsTiers: []types.Tier{types.TierPremium},
			Models:        []types.ModelSpec{{ID: "pb-pro", CreditCost: 120}},
			RateLimit:     types.RateLimitSpec{RequestsPerSecond: 2, Burst: 2, Concurrency: 2},
		},
	}
}

func newTestRouter(policy config.TierUpliftPolicy, budget BudgetView) *Router {
	cfg := config.DefaultConfig().Router
	cfg.TierUpliftPolicy = policy
	if budget == nil {
		budget = &fakeBudget{}
	}
	return New(testSpecs(), cfg, budget, nil)
}

func volumeRequest(id string) *types.GenerationRequest {
	return &types.GenerationRequest{
		RequestID:       id,
		QualityTier:     types.TierVolume,
		Prompt:          "ambient nature loop",
		DurationSeconds: 5,
		AspectRatio:     "16:9",
	}
}

func premiumRequest(id string) *types.GenerationRequest {
	r := volumeRequest(id)
	r.QualityTier = types.TierPremium
	return r
}

func TestSelect_PicksFreeVolumeProvider(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	c, err := r.Select(volumeRequest("R1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pv", c.ProviderID)
	assert.Equal(t, "pv-free", c.ModelID)
	assert.Equal(t, int64(0), c.CreditCost)
	assert.False(t, c.Uplifted)
}

func TestSelect_PremiumRanksByCost(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	c, err := r.Select(premiumRequest("R2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pa", c.ProviderID, "cheaper premium provider wins")
}

func TestSelect_ExcludedProvidersAreNeverReturned(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	c, err := r.Select(premiumRequest("R2"), map[string]bool{"pa": true})
	require.NoError(t, err)
	assert.Equal(t, "pb", c.ProviderID)

	_, err = r.Select(premiumRequest("R2"), map[string]bool{"pa": true, "pb": true})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoViableProvider, types.GetErrorCode(err))
}

func TestSelect_UnhealthyProviderFiltered(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	r.Observe("pa", Outcome{Kind: ObserveOutage})

	c, err := r.Select(premiumRequest("R2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pb", c.ProviderID)
}

func TestSelect_BudgetFiltered(t *testing.T) {
	r := newTestRouter(config.UpliftNever, &fakeBudget{broke: map[string]bool{"pa": true}})

	c, err := r.Select(premiumRequest("R4"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pb", c.ProviderID, "router never picks a provider it cannot pay for")
}

func TestSelect_UpliftOnExhaustion(t *testing.T) {
	// all volume capacity gone: request uplifts to standard
	r := newTestRouter(config.UpliftOnExhaustion, &fakeBudget{broke: map[string]bool{"pv": true}})

	c, err := r.Select(volumeRequest("R5"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ps", c.ProviderID)
	assert.Equal(t, types.TierStandard, c.Tier)
	assert.True(t, c.Uplifted)
}

func TestSelect_UpliftNeverSurfacesBudgetExhaustion(t *testing.T) {
	r := newTestRouter(config.UpliftNever, &fakeBudget{broke: map[string]bool{"pv": true}})

	_, err := r.Select(volumeRequest("R5"), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExhausted, types.GetErrorCode(err),
		"a tier emptied only by budget reports exhaustion, not absence")
}

func TestSelect_AlwaysIfCheaperDowngrades(t *testing.T) {
	// premium budget exhausted, standard open: request moves down-tier
	r := newTestRouter(config.UpliftAlwaysIfCheaper, &fakeBudget{broke: map[string]bool{"pa": true, "pb": true}})

	c, err := r.Select(premiumRequest("R4"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.TierVolume, c.Tier, "cheapest viable tier wins")
	assert.True(t, c.Uplifted)
}

func TestSelect_DegradedDeprioritized(t *testing.T) {
	specs := []types.ProviderSpec{
		{
			ID:            "p1",
			SupportsTiers: []types.Tier{types.TierStandard},
			Models:        []types.ModelSpec{{ID: "m1", CreditCost: 10}},
		},
		{
			ID:            "p2",
			SupportsTiers: []types.Tier{types.TierStandard},
			Models:        []types.ModelSpec{{ID: "m2", CreditCost: 10}},
		},
	}
	cfg := config.DefaultConfig().Router
	r := New(specs, cfg, &fakeBudget{}, nil)

	// equal cost; give p1 the better latency then degrade it
	r.Observe("p1", Outcome{Kind: ObserveSuccess, Latency: 10 * time.Millisecond})
	r.Observe("p2", Outcome{Kind: ObserveSuccess, Latency: 15 * time.Millisecond})

	req := &types.GenerationRequest{RequestID: "R7", QualityTier: types.TierStandard, Prompt: "x", DurationSeconds: 5}
	c, err := r.Select(req, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", c.ProviderID)

	r.Observe("p1", Outcome{Kind: ObserveFailure})
	r.Observe("p1", Outcome{Kind: ObserveFailure})
	require.Equal(t, StateDegraded, stateOf(r, "p1"))

	// degraded latency counts doubled: p2 now wins the tie on cost
	c, err = r.Select(req, nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", c.ProviderID)
}

func stateOf(r *Router, id string) HealthState {
	return r.HealthSnapshot()[id].State
}

func TestObserve_HealthTransitions(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	// HEALTHY -> DEGRADED after 2 consecutive failures
	r.Observe("pa", Outcome{Kind: ObserveFailure})
	assert.Equal(t, StateHealthy, stateOf(r, "pa"))
	r.Observe("pa", Outcome{Kind: ObserveFailure})
	assert.Equal(t, StateDegraded, stateOf(r, "pa"))

	// DEGRADED -> UNHEALTHY after 5 consecutive failures
	r.Observe("pa", Outcome{Kind: ObserveFailure})
	r.Observe("pa", Outcome{Kind: ObserveFailure})
	assert.Equal(t, StateDegraded, stateOf(r, "pa"))
	r.Observe("pa", Outcome{Kind: ObserveFailure})
	assert.Equal(t, StateUnhealthy, stateOf(r, "pa"))

	// plain success does not resurrect an UNHEALTHY provider
	r.Observe("pa", Outcome{Kind: ObserveSuccess})
	assert.Equal(t, StateUnhealthy, stateOf(r, "pa"))

	// a successful recovery probe moves it to DEGRADED
	r.Observe("pa", Outcome{Kind: ObserveSuccess, Probe: true})
	assert.Equal(t, StateDegraded, stateOf(r, "pa"))

	// DEGRADED -> HEALTHY after 3 consecutive successes
	r.Observe("pa", Outcome{Kind: ObserveSuccess})
	r.Observe("pa", Outcome{Kind: ObserveSuccess})
	assert.Equal(t, StateHealthy, stateOf(r, "pa"))
}

func TestObserve_OutageIsImmediate(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	r.Observe("pb", Outcome{Kind: ObserveOutage})
	assert.Equal(t, StateUnhealthy, stateOf(r, "pb"))
}

func TestProbeCandidates_RateLimited(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.Observe("pa", Outcome{Kind: ObserveOutage})

	assert.Equal(t, []string{"pa"}, r.ProbeCandidates())
	assert.Empty(t, r.ProbeCandidates(), "second call within the interval claims nothing")

	base = base.Add(61 * time.Second)
	assert.Equal(t, []string{"pa"}, r.ProbeCandidates())
}

func TestCapacityReport(t *testing.T) {
	r := newTestRouter(config.UpliftNever, &fakeBudget{remaining: map[string]int64{"pa": 400}})

	report := r.CapacityReport()
	require.Len(t, report, 4)
	for _, e := range report {
		if e.ProviderID == "pa" {
			assert.Equal(t, int64(400), e.RemainingToday)
		}
	}
}

func TestRestoreHealth(t *testing.T) {
	r := newTestRouter(config.UpliftNever, nil)

	r.RestoreHealth(map[string]HealthInfo{
		"pa":      {State: StateUnhealthy, ConsecutiveFailures: 7},
		"unknown": {State: StateUnhealthy},
	})

	assert.Equal(t, StateUnhealthy, stateOf(r, "pa"))
	assert.Equal(t, StateHealthy, stateOf(r, "pv"))
}

// Router purity: identical (request, excluded, state) always yields an
// identical decision.
func TestSelect_PurityProperty(t *testing.T) {
	r := newTestRouter(config.UpliftOnExhaustion, nil)

	rapid.Check(t, func(t *rapid.T) {
		reqID := rapid.StringMatching(`R[0-9]{1,6}`).Draw(t, "request_id")
		tier := rapid.SampledFrom([]types.Tier{types.TierVolume, types.TierStandard, types.TierPremium}).Draw(t, "tier")
		excluded := map[string]bool{}
		for _, id := range []string{"pv", "ps", "pa", "pb"} {
			if rapid.Bool().Draw(t, "exclude_"+id) {
				excluded[id] = true
			}
		}

		req := &types.GenerationRequest{RequestID: reqID, QualityTier: tier, Prompt: "x", DurationSeconds: 5}

		c1, err1 := r.Select(req, excluded)
		c2, err2 := r.Select(req, excluded)

		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("nondeterministic error: %v vs %v", err1, err2)
		}
		if err1 == nil {
			if *c1 != *c2 {
				t.Fatalf("nondeterministic selection: %+v vs %+v", c1, c2)
			}
			if excluded[c1.ProviderID] {
				t.Fatalf("excluded provider %s selected", c1.ProviderID)
			}
		}
	})
}
