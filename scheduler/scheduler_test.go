package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

type fakeQueue struct {
	envelopes []*types.TaskEnvelope
}

func (q *fakeQueue) Enqueue(ctx context.Context, env *types.TaskEnvelope) (string, error) {
	q.envelopes = append(q.envelopes, env)
	return env.RequestID, nil
}

func schedulerSpecs() []types.ProviderSpec {
	return []types.ProviderSpec{
		{ID: "pv", SupportsTiers: []types.Tier{types.TierVolume},
			Models: []types.ModelSpec{{ID: "pv-free", CreditCost: 0}}},
		{ID: "ps", SupportsTiers: []types.Tier{types.TierStandard},
			Models: []types.ModelSpec{{ID: "ps-std", CreditCost: 20}}},
		{ID: "pa", SupportsTiers: []types.Tier{types.TierPremium},
			Models: []types.ModelSpec{{ID: "pa-pro", CreditCost: 100}}, DailyCreditCap: 400},
	}
}

func newTestScheduler(queue Enqueuer, accountant *budget.Accountant) *Scheduler {
	cfg := config.DefaultConfig().Scheduler
	cfg.DailyTarget = 50
	return New(cfg, queue, accountant, nil, schedulerSpecs(), nil)
}

var planDate = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestPlan_Deterministic(t *testing.T) {
	p1, err := newTestScheduler(&fakeQueue{}, nil).Plan(planDate)
	require.NoError(t, err)
	p2, err := newTestScheduler(&fakeQueue{}, nil).Plan(planDate)
	require.NoError(t, err)

	require.Equal(t, len(p1), len(p2))
	for i := range p1 {
		assert.Equal(t, p1[i].Request.RequestID, p2[i].Request.RequestID)
		assert.Equal(t, p1[i].Request.Prompt, p2[i].Request.Prompt)
		assert.Equal(t, p1[i].NotBefore, p2[i].NotBefore)
	}
}

func TestPlan_IDSchemaAndUniqueness(t *testing.T) {
	items, err := newTestScheduler(&fakeQueue{}, nil).Plan(planDate)
	require.NoError(t, err)
	require.NotEmpty(t, items)

	seen := map[string]bool{}
	for _, it := range items {
		assert.Regexp(t, `^vf-20260801-b[0-4]-\d{3}$`, it.Request.RequestID)
		assert.False(t, seen[it.Request.RequestID], "duplicate id %s", it.Request.RequestID)
		seen[it.Request.RequestID] = true
	}
}

func TestPlan_TierSharesAndSpread(t *testing.T) {
	items, err := newTestScheduler(&fakeQueue{}, nil).Plan(planDate)
	require.NoError(t, err)

	byTier := map[types.Tier]int{}
	premiumPerWindow := map[int]int{}
	volumePerWindow := map[int]int{}
	for _, it := range items {
		byTier[it.Request.QualityTier]++
		switch it.Request.QualityTier {
		case types.TierPremium:
			premiumPerWindow[it.BatchIndex]++
		case types.TierVolume:
			volumePerWindow[it.BatchIndex]++
		}
	}

	assert.Equal(t, 50, len(items))
	assert.Equal(t, 5, byTier[types.TierPremium])
	assert.Equal(t, 15, byTier[types.TierStandard])
	assert.Equal(t, 30, byTier[types.TierVolume])

	// premium items never clump: one per window
	for b := 0; b < 5; b++ {
		assert.Equal(t, 1, premiumPerWindow[b], "window %d", b)
	}

	// volume dominates the off-peak edge windows
	assert.Greater(t, volumePerWindow[0], volumePerWindow[2])
	assert.Greater(t, volumePerWindow[4], volumePerWindow[2])
}

func TestPlan_NotBeforeMatchesWindows(t *testing.T) {
	items, err := newTestScheduler(&fakeQueue{}, nil).Plan(planDate)
	require.NoError(t, err)

	for _, it := range items {
		assert.Equal(t, it.NotBefore, it.Request.CreatedAt)
		assert.Equal(t, planDate.Day(), it.NotBefore.Day())
	}

	// first batch at 06:00 UTC
	assert.Equal(t, 6, items[0].NotBefore.Hour())
}

func TestPlan_BudgetGateDownscalesWithinEnvelope(t *testing.T) {
	accountant := budget.New(schedulerSpecs(), nil, nil)
	// burn most of the premium envelope: 400 - 350 = 50 left, one item costs 100
	_, err := accountant.Reserve("pa", types.TierPremium, 350)
	require.NoError(t, err)

	items, err := newTestScheduler(&fakeQueue{}, accountant).Plan(planDate)
	require.NoError(t, err)

	byTier := map[types.Tier]int{}
	for _, it := range items {
		byTier[it.Request.QualityTier]++
	}
	assert.Equal(t, 0, byTier[types.TierPremium], "premium down-scaled to what the envelope carries")
	assert.Equal(t, 30, byTier[types.TierVolume], "free-tier volume is untouched")
}

func TestEnqueueDate(t *testing.T) {
	q := &fakeQueue{}
	accountant := budget.New(schedulerSpecs(), nil, nil)
	s := newTestScheduler(q, accountant)

	n, err := s.EnqueueDate(context.Background(), planDate)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Len(t, q.envelopes, 50)

	for _, env := range q.envelopes {
		assert.NotEmpty(t, env.RequestID)
		assert.False(t, env.NotBefore.IsZero())
		require.NoError(t, env.Payload.Validate())
	}

	// tier targets landed in the accountant
	snap := accountant.Snapshot()
	assert.Equal(t, 15, snap.Tiers[types.TierStandard].Target)
}

func TestNextWindow(t *testing.T) {
	s := newTestScheduler(&fakeQueue{}, nil)

	// between the 10:00 and 14:00 windows
	s.now = func() time.Time { return time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC) }
	w, idx, err := s.nextWindow()
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 14, w.Hour())

	// after the last window: first window tomorrow
	s.now = func() time.Time { return time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC) }
	w, idx, err = s.nextWindow()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 2, w.Day())
	assert.Equal(t, 6, w.Hour())
}
