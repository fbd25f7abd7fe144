// Package router implements tiered provider selection with live health
// tracking and adaptive failover. The router is a pure function over its
// current state: Select never blocks and never performs I/O; all dynamic
// provider state is owned here and mutated only through Observe.
package router

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

const (
	latencySamples = 64
	// minimum outcomes in the rolling window before the error-rate
	// thresholds participate in health transitions
	minWindowSamples = 10
)

// BudgetView is the read side of the budget accountant the router consults.
// The router never issues a request it cannot pay for.
type BudgetView interface {
	// Affordable reports whether the provider still has credits_remaining
	// for the given cost today.
	Affordable(providerID string, credits int64) bool
	// RemainingToday returns the provider's remaining credits for today.
	RemainingToday(providerID string) int64
}

// Candidate is a routing decision.
type Candidate struct {
	ProviderID string     `json:"provider_id"`
	ModelID    string     `json:"model_id"`
	Tier       types.Tier `json:"tier"`
	CreditCost int64      `json:"credit_cost"`
	Uplifted   bool       `json:"uplifted"`
}

// descriptor couples a provider's static spec with its router-owned dynamic
// health state.
type descriptor struct {
	spec types.ProviderSpec

	state     HealthState
	cf        int // consecutive failures
	cs        int // consecutive successes
	lastProbe time.Time
	window    rollingWindow
	latencies []time.Duration
	latIdx    int
}

func (d *descriptor) p50() time.Duration {
	if len(d.latencies) == 0 {
		return d.spec.TypicalLatency
	}
	sorted := make([]time.Duration, len(d.latencies))
	copy(sorted, d.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Router selects providers per tier and tracks their health.
type Router struct {
	mu          sync.RWMutex
	descriptors map[string]*descriptor
	cfg         config.RouterConfig
	budget      BudgetView
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a router over the configured provider set.
func New(specs []types.ProviderSpec, cfg config.RouterConfig, budget BudgetView, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		descriptors: make(map[string]*descriptor, len(specs)),
		cfg:         cfg,
		budget:      budget,
		logger:      logger.With(zap.String("component", "router")),
		now:         time.Now,
	}
	for _, spec := range specs {
		r.descriptors[spec.ID] = &descriptor{
			spec:      spec,
			state:     StateHealthy,
			latencies: make([]time.Duration, 0, latencySamples),
		}
	}
	return r
}

// MaxAttemptsPerRequest returns the failover cap for a single request.
func (r *Router) MaxAttemptsPerRequest() int {
	return r.cfg.MaxAttemptsPerRequest
}

// Select chooses a provider/model for the request, skipping excluded
// providers. Deterministic given equal state.
func (r *Router) Select(req *types.GenerationRequest, excluded map[string]bool) (*Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, budgetFiltered := r.selectAtTierLocked(req, req.QualityTier, excluded, false)
	if c != nil {
		return c, nil
	}

	switch r.cfg.TierUpliftPolicy {
	case config.UpliftNever:
		// fall through to the terminal error below

	case config.UpliftOnExhaustion:
		// walk the uplift chain upward until a tier yields a candidate
		tier := req.QualityTier
		for {
			next, ok := tier.Uplift()
			if !ok {
				break
			}
			tier = next
			c, bf := r.selectAtTierLocked(req, tier, excluded, true)
			if c != nil {
				return c, nil
			}
			budgetFiltered += bf
		}

	case config.UpliftAlwaysIfCheaper:
		// consider every other tier and take the cheapest viable candidate
		var best *Candidate
		for _, tier := range []types.Tier{types.TierVolume, types.TierStandard, types.TierPremium} {
			if tier == req.QualityTier {
				continue
			}
			c, bf := r.selectAtTierLocked(req, tier, excluded, true)
			budgetFiltered += bf
			if c != nil && (best == nil || c.CreditCost < best.CreditCost) {
				best = c
			}
		}
		if best != nil {
			return best, nil
		}
	}

	if budgetFiltered > 0 {
		// providers existed but none could be paid for
		return nil, types.NewError(types.ErrBudgetExhausted,
			"no provider with remaining budget for tier "+string(req.QualityTier))
	}
	return nil, types.NewError(types.ErrNoViableProvider,
		"no viable provider for tier "+string(req.QualityTier))
}

// selectAtTierLocked runs filter + rank for one tier. Returns nil when the
// surviving candidate set is empty, plus the count of candidates that were
// eliminated only by the budget filter.
func (r *Router) selectAtTierLocked(req *types.GenerationRequest, tier types.Tier, excluded map[string]bool, uplifted bool) (*Candidate, int) {
	type ranked struct {
		cand      Candidate
		latency   time.Duration
		successes int
		hash      uint64
	}

	var candidates []ranked
	budgetFiltered := 0
	for id, d := range r.descriptors {
		if excluded[id] {
			continue
		}
		if !d.spec.SupportsTier(tier) {
			continue
		}
		if d.state == StateUnhealthy {
			continue
		}
		model, ok := d.spec.CheapestModel()
		if !ok {
			continue
		}
		if r.budget != nil && !r.budget.Affordable(id, model.CreditCost) {
			budgetFiltered++
			continue
		}

		latency := d.p50()
		if d.state == StateDegraded {
			// eligible but de-prioritized
			latency *= 2
		}

		candidates = append(candidates, ranked{
			cand: Candidate{
				ProviderID: id,
				ModelID:    model.ID,
				Tier:       tier,
				CreditCost: model.CreditCost,
				Uplifted:   uplifted,
			},
			latency:   latency,
			successes: d.cs,
			hash:      stableHash(req.RequestID, id),
		})
	}

	if len(candidates) == 0 {
		return nil, budgetFiltered
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.cand.CreditCost != b.cand.CreditCost {
			return a.cand.CreditCost < b.cand.CreditCost
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		if a.successes != b.successes {
			return a.successes > b.successes
		}
		return a.hash < b.hash
	})

	c := candidates[0].cand
	return &c, budgetFiltered
}

// stableHash spreads ties across providers without herding: the same
// (request, provider) pair always hashes the same.
func stableHash(requestID, providerID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(requestID))
	h.Write([]byte{'|'})
	h.Write([]byte(providerID))
	return h.Sum64()
}

// Observe feeds one attempt outcome into the provider's health state.
func (r *Router) Observe(providerID string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[providerID]
	if !ok {
		return
	}

	now := r.now()
	nowSec := now.Unix()
	prev := d.state

	switch outcome.Kind {
	case ObserveOutage:
		d.cf++
		d.cs = 0
		d.window.record(nowSec, true)
		d.state = StateUnhealthy

	case ObserveFailure:
		d.cf++
		d.cs = 0
		d.window.record(nowSec, true)
		th := r.cfg.HealthThresholds
		// the rolling-rate rule only applies once the window carries enough
		// traffic to mean something
		ok, errs := d.window.totals(nowSec)
		rate := 0.0
		if ok+errs >= minWindowSamples {
			rate = float64(errs) / float64(ok+errs)
		}
		switch d.state {
		case StateHealthy:
			if d.cf >= th.DegradedFailures || rate > th.DegradedErrorRate {
				d.state = StateDegraded
			}
		case StateDegraded:
			if d.cf >= th.UnhealthyFailures || rate > th.UnhealthyErrorRate {
				d.state = StateUnhealthy
			}
		}

	case ObserveSuccess:
		d.cs++
		d.cf = 0
		d.window.record(nowSec, false)
		if outcome.Latency > 0 {
			if len(d.latencies) < latencySamples {
				d.latencies = append(d.latencies, outcome.Latency)
			} else {
				d.latencies[d.latIdx] = outcome.Latency
				d.latIdx = (d.latIdx + 1) % latencySamples
			}
		}
		switch d.state {
		case StateDegraded:
			if d.cs >= r.cfg.HealthThresholds.RecoverySuccesses {
				d.state = StateHealthy
			}
		case StateUnhealthy:
			if outcome.Probe {
				d.state = StateDegraded
			}
		}
	}

	if outcome.Probe {
		d.lastProbe = now
	}

	if d.state != prev {
		r.logger.Warn("provider health changed",
			zap.String("provider", providerID),
			zap.String("from", prev.String()),
			zap.String("to", d.state.String()),
			zap.Int("consecutive_failures", d.cf),
		)
	}
}

// HealthSnapshot returns the per-provider health view.
func (r *Router) HealthSnapshot() map[string]HealthInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nowSec := r.now().Unix()
	out := make(map[string]HealthInfo, len(r.descriptors))
	for id, d := range r.descriptors {
		out[id] = HealthInfo{
			State:                d.state,
			Healthy:              d.state != StateUnhealthy,
			ConsecutiveFailures:  d.cf,
			ConsecutiveSuccesses: d.cs,
			LastProbeAt:          d.lastProbe,
			ObservedP50Latency:   d.p50(),
			RollingErrorRate:     d.window.errorRate(nowSec),
		}
	}
	return out
}

// RestoreHealth seeds dynamic state from a persisted snapshot. Best-effort:
// unknown providers are ignored.
func (r *Router) RestoreHealth(snapshot map[string]HealthInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, info := range snapshot {
		d, ok := r.descriptors[id]
		if !ok {
			continue
		}
		d.state = info.State
		d.cf = info.ConsecutiveFailures
		d.cs = info.ConsecutiveSuccesses
		d.lastProbe = info.LastProbeAt
	}
}

// CapacityEntry is one row of the capacity report.
type CapacityEntry struct {
	ProviderID     string `json:"provider_id"`
	RemainingToday int64  `json:"remaining_today"`
	DailyCreditCap int64  `json:"daily_credit_cap"`
	Healthy        bool   `json:"healthy"`
}

// CapacityReport returns per-provider remaining credits for today.
func (r *Router) CapacityReport() []CapacityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CapacityEntry, 0, len(r.descriptors))
	for id, d := range r.descriptors {
		var remaining int64
		if r.budget != nil {
			remaining = r.budget.RemainingToday(id)
		}
		out = append(out, CapacityEntry{
			ProviderID:     id,
			RemainingToday: remaining,
			DailyCreditCap: d.spec.DailyCreditCap,
			Healthy:        d.state != StateUnhealthy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// ProbeCandidates returns UNHEALTHY providers due for a recovery probe and
// claims the probe slot, enforcing at most one probe per provider per
// probe interval.
func (r *Router) ProbeCandidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := r.cfg.HealthThresholds.ProbeInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	now := r.now()
	var due []string
	for id, d := range r.descriptors {
		if d.state != StateUnhealthy {
			continue
		}
		if now.Sub(d.lastProbe) < interval {
			continue
		}
		d.lastProbe = now
		due = append(due, id)
	}
	sort.Strings(due)
	return due
}
