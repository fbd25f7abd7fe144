// Package scheduler expands an abstract daily production target into timed
// batches of generation requests and submits them through the queue.
// Replanning the same date produces the same request ids, so duplicate runs
// are absorbed by the worker's idempotency check.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

// Enqueuer is the queue-facing seam.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *types.TaskEnvelope) (string, error)
}

// PlannedItem is one request with its dispatch time.
type PlannedItem struct {
	Request    types.GenerationRequest `json:"request"`
	BatchIndex int                     `json:"batch_index"`
	NotBefore  time.Time               `json:"not_before"`
}

// Scheduler converts the daily target into timed batches.
type Scheduler struct {
	cfg        config.SchedulerConfig
	queue      Enqueuer
	accountant *budget.Accountant
	topics     TopicSource
	specs      []types.ProviderSpec
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a scheduler.
func New(cfg config.SchedulerConfig, queue Enqueuer, accountant *budget.Accountant, topics TopicSource, specs []types.ProviderSpec, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topics == nil {
		topics = NewStaticTopicSource(nil)
	}
	return &Scheduler{
		cfg:        cfg,
		queue:      queue,
		accountant: accountant,
		topics:     topics,
		specs:      specs,
		logger:     logger.With(zap.String("component", "scheduler")),
		now:        time.Now,
	}
}

// Plan expands the target for one date into planned items. Deterministic
// given the same configuration, budget state, and topic source state.
func (s *Scheduler) Plan(date time.Time) ([]PlannedItem, error) {
	date = date.UTC().Truncate(24 * time.Hour)
	windows, err := s.windows(date)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, types.NewError(types.ErrInternal, "no batch windows configured")
	}

	counts := s.tierCounts()
	counts = s.applyBudgetGate(counts)

	// tier allocation per window. Premium and standard spread evenly so no
	// window clumps the expensive work; volume is weighted toward the edge
	// (off-peak) windows.
	perWindow := make([]map[types.Tier]int, len(windows))
	for i := range perWindow {
		perWindow[i] = make(map[types.Tier]int)
	}
	spreadEven(perWindow, types.TierPremium, counts[types.TierPremium])
	spreadEven(perWindow, types.TierStandard, counts[types.TierStandard])
	spreadWeighted(perWindow, types.TierVolume, counts[types.TierVolume], offPeakWeights(len(windows)))

	dateStr := date.Format("20060102")
	platforms := s.cfg.Platforms
	if len(platforms) == 0 {
		platforms = []string{"youtube"}
	}

	var items []PlannedItem
	platformIdx := 0
	for b, window := range windows {
		seq := 0
		// stable tier order inside a batch
		for _, tier := range []types.Tier{types.TierPremium, types.TierStandard, types.TierVolume} {
			for n := 0; n < perWindow[b][tier]; n++ {
				platform := platforms[platformIdx%len(platforms)]
				platformIdx++

				spec, err := s.topics.Next(platform, tier)
				if err != nil {
					return nil, fmt.Errorf("topic source failed: %w", err)
				}

				items = append(items, PlannedItem{
					Request: types.GenerationRequest{
						RequestID:       fmt.Sprintf("vf-%s-b%d-%03d", dateStr, b, seq),
						QualityTier:     tier,
						Prompt:          spec.Prompt,
						DurationSeconds: spec.DurationSeconds,
						AspectRatio:     spec.AspectRatio,
						PlatformHint:    platform,
						CreatedAt:       window,
					},
					BatchIndex: b,
					NotBefore:  window,
				})
				seq++
			}
		}
	}

	return items, nil
}

// EnqueueDate plans a date and submits every item.
func (s *Scheduler) EnqueueDate(ctx context.Context, date time.Time) (int, error) {
	items, err := s.Plan(date)
	if err != nil {
		return 0, err
	}
	return s.enqueueItems(ctx, items)
}

func (s *Scheduler) enqueueItems(ctx context.Context, items []PlannedItem) (int, error) {
	if s.accountant != nil {
		targets := map[types.Tier]int{}
		for _, it := range items {
			targets[it.Request.QualityTier]++
		}
		s.accountant.SetTierTargets(targets)
	}

	enqueued := 0
	for _, it := range items {
		env := &types.TaskEnvelope{
			RequestID:   it.Request.RequestID,
			Payload:     it.Request,
			EnqueueTime: s.now().UTC(),
			NotBefore:   it.NotBefore,
		}
		if _, err := s.queue.Enqueue(ctx, env); err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", it.Request.RequestID, err)
		}
		enqueued++
	}

	s.logger.Info("plan enqueued", zap.Int("items", enqueued))
	return enqueued, nil
}

// RunDaemon sleeps to each batch window and enqueues that batch's slice.
func (s *Scheduler) RunDaemon(ctx context.Context) error {
	for {
		batchTime, batchIdx, err := s.nextWindow()
		if err != nil {
			return err
		}

		s.logger.Info("sleeping until next batch",
			zap.Time("batch_time", batchTime),
			zap.Int("batch_index", batchIdx),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(batchTime)):
		}

		items, err := s.Plan(batchTime)
		if err != nil {
			s.logger.Error("planning failed", zap.Error(err))
			continue
		}

		var slice []PlannedItem
		for _, it := range items {
			if it.BatchIndex == batchIdx {
				slice = append(slice, it)
			}
		}
		if _, err := s.enqueueItems(ctx, slice); err != nil {
			s.logger.Error("batch enqueue failed", zap.Error(err))
		}
	}
}

// =============================================================================
// internal
// =============================================================================

func (s *Scheduler) windows(date time.Time) ([]time.Time, error) {
	out := make([]time.Time, 0, len(s.cfg.BatchWindowsUTC))
	for _, w := range s.cfg.BatchWindowsUTC {
		t, err := time.Parse("15:04", w)
		if err != nil {
			return nil, fmt.Errorf("invalid batch window %q: %w", w, err)
		}
		out = append(out, time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// tierCounts splits the daily target by the configured shares; rounding
// remainder lands on the volume tier.
func (s *Scheduler) tierCounts() map[types.Tier]int {
	counts := map[types.Tier]int{}
	total := 0
	for name, share := range s.cfg.TierShares {
		tier, err := types.ParseTier(name)
		if err != nil {
			continue
		}
		n := int(float64(s.cfg.DailyTarget) * share)
		counts[tier] = n
		total += n
	}
	if rest := s.cfg.DailyTarget - total; rest > 0 {
		counts[types.TierVolume] += rest
	}
	return counts
}

// applyBudgetGate down-scales tiers whose remaining envelope cannot carry
// the planned count, lowest tier first.
func (s *Scheduler) applyBudgetGate(counts map[types.Tier]int) map[types.Tier]int {
	if s.accountant == nil {
		return counts
	}

	for _, tier := range []types.Tier{types.TierVolume, types.TierStandard, types.TierPremium} {
		want := counts[tier]
		if want == 0 {
			continue
		}
		affordable, unlimited := s.tierCapacity(tier)
		if unlimited || affordable >= want {
			continue
		}
		s.logger.Warn("budget gate down-scaled tier",
			zap.String("tier", string(tier)),
			zap.Int("planned", want),
			zap.Int("affordable", affordable),
		)
		counts[tier] = affordable
	}
	return counts
}

// tierCapacity estimates how many items of a tier the remaining envelopes
// can pay for, using each provider's cheapest model.
func (s *Scheduler) tierCapacity(tier types.Tier) (int, bool) {
	capacity := 0
	for _, spec := range s.specs {
		if !spec.SupportsTier(tier) {
			continue
		}
		model, ok := spec.CheapestModel()
		if !ok {
			continue
		}
		if model.CreditCost == 0 {
			return 0, true // a free provider carries any count
		}
		remaining := s.accountant.RemainingToday(spec.ID)
		if remaining < 0 {
			return 0, true // unlimited envelope
		}
		capacity += int(remaining / model.CreditCost)
	}
	return capacity, false
}

func (s *Scheduler) nextWindow() (time.Time, int, error) {
	now := s.now().UTC()
	today, err := s.windows(now.Truncate(24 * time.Hour))
	if err != nil {
		return time.Time{}, 0, err
	}
	for i, w := range today {
		if w.After(now) {
			return w, i, nil
		}
	}
	// past the last window: first window tomorrow
	tomorrow, err := s.windows(now.Truncate(24 * time.Hour).Add(24 * time.Hour))
	if err != nil {
		return time.Time{}, 0, err
	}
	return tomorrow[0], 0, nil
}

// spreadEven distributes n items round-robin across windows.
func spreadEven(perWindow []map[types.Tier]int, tier types.Tier, n int) {
	for i := 0; i < n; i++ {
		perWindow[i%len(perWindow)][tier]++
	}
}

// spreadWeighted distributes n items proportionally to the window weights.
func spreadWeighted(perWindow []map[types.Tier]int, tier types.Tier, n int, weights []int) {
	totalWeight := 0
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight == 0 {
		spreadEven(perWindow, tier, n)
		return
	}

	assigned := 0
	for i := range perWindow {
		share := n * weights[i] / totalWeight
		perWindow[i][tier] += share
		assigned += share
	}
	// remainder round-robins from the heaviest windows
	order := weightOrder(weights)
	for i := 0; assigned < n; i++ {
		perWindow[order[i%len(order)]][tier]++
		assigned++
	}
}

// offPeakWeights doubles the first and last windows, where volume content
// dominates.
func offPeakWeights(n int) []int {
	weights := make([]int, n)
	for i := range weights {
		weights[i] = 1
	}
	if n > 0 {
		weights[0] = 2
		weights[n-1] = 2
	}
	return weights
}

func weightOrder(weights []int) []int {
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return weights[order[a]] > weights[order[b]] })
	return order
}
