// Package budget provides the daily credit envelope accountant: the single
// source of truth for per-day, per-provider credit ledgers and per-tier
// production counts. Reservations are optimistic holds taken at submission
// time, converted to commits on terminal success or released on terminal
// failure.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/types"
)

// ledger is one provider's envelope for one UTC day. For limited providers
// the invariant remaining + reserved + committed == limit holds after every
// operation. Reservations that survive a day rollover live in the overflow
// buckets and never re-inflate the new day's limit.
type ledger struct {
	limited   bool
	limit     int64
	remaining int64
	reserved  int64
	committed int64

	overflowReserved  int64
	overflowCommitted int64
}

// reservation is one optimistic hold.
type reservation struct {
	providerID string
	tier       types.Tier
	credits    int64
	carried    bool // survived a day rollover; settles against overflow
}

// TierCounter tracks production progress for one tier.
type TierCounter struct {
	Target    int `json:"target"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProviderLedger is the externally visible ledger snapshot.
type ProviderLedger struct {
	Limited           bool  `json:"limited"`
	Limit             int64 `json:"limit"`
	Remaining         int64 `json:"remaining"`
	Reserved          int64 `json:"reserved"`
	Committed         int64 `json:"committed"`
	OverflowReserved  int64 `json:"overflow_reserved"`
	OverflowCommitted int64 `json:"overflow_committed"`
}

// ReservationRecord is one persisted open hold, so in-flight jobs can settle
// across restarts.
type ReservationRecord struct {
	ProviderID string     `json:"provider_id"`
	Tier       types.Tier `json:"tier"`
	Credits    int64      `json:"credits"`
	Carried    bool       `json:"carried"`
}

// Snapshot is the full accountant state for one UTC day.
type Snapshot struct {
	Date         string                       `json:"date"`
	Providers    map[string]ProviderLedger    `json:"providers"`
	Tiers        map[types.Tier]TierCounter   `json:"tiers"`
	Reservations map[string]ReservationRecord `json:"reservations"`
}

// Store persists the day ledger. Implementations must tolerate being called
// on every mutation; failures are logged, not fatal.
type Store interface {
	SaveLedger(snapshot Snapshot) error
	LoadLedger(date string) (Snapshot, bool, error)
}

// AlertHandler receives utilization alerts.
type AlertHandler func(providerID string, utilization float64)

// Accountant owns the credit ledgers. Reservation is the one hot path that
// needs a cross-handler critical section; it is plain counter arithmetic
// under a single mutex.
type Accountant struct {
	mu           sync.Mutex
	day          string // UTC date, YYYY-MM-DD
	caps         map[string]int64
	providers    map[string]*ledger
	reservations map[string]*reservation
	tiers        map[types.Tier]*TierCounter

	store          Store
	alertThreshold float64
	alertHandlers  []AlertHandler
	alerted        map[string]bool

	logger *zap.Logger
	now    func() time.Time
}

// New creates an accountant for the configured provider set. A provider with
// DailyCreditCap <= 0 is unlimited. When a store is given, the current day's
// ledger is reloaded from it.
func New(specs []types.ProviderSpec, store Store, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Accountant{
		caps:           make(map[string]int64, len(specs)),
		providers:      make(map[string]*ledger, len(specs)),
		reservations:   make(map[string]*reservation),
		tiers:          make(map[types.Tier]*TierCounter),
		store:          store,
		alertThreshold: 0.8,
		alerted:        make(map[string]bool),
		logger:         logger.With(zap.String("component", "budget")),
		now:            time.Now,
	}
	for _, spec := range specs {
		a.caps[spec.ID] = spec.DailyCreditCap
	}
	a.mu.Lock()
	a.resetDayLocked(a.today())
	a.restoreLocked()
	a.mu.Unlock()
	return a
}

// OnAlert registers a utilization alert handler.
func (a *Accountant) OnAlert(handler AlertHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alertHandlers = append(a.alertHandlers, handler)
}

// SetTierTargets sets today's per-tier production targets.
func (a *Accountant) SetTierTargets(targets map[types.Tier]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()
	for tier, n := range targets {
		c := a.tierLocked(tier)
		c.Target = n
	}
	a.persistLocked()
}

// Reserve takes an optimistic hold on credits for one submission.
func (a *Accountant) Reserve(providerID string, tier types.Tier, credits int64) (string, error) {
	if credits < 0 {
		return "", types.NewError(types.ErrInternal, "negative reservation")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()

	l, ok := a.providers[providerID]
	if !ok {
		return "", types.NewError(types.ErrInternal, "unknown provider "+providerID)
	}
	if l.limited && l.remaining < credits {
		return "", types.NewError(types.ErrBudgetExhausted,
			fmt.Sprintf("provider %s has %d credits remaining, need %d", providerID, l.remaining, credits)).
			WithProvider(providerID)
	}

	if l.limited {
		l.remaining -= credits
	}
	l.reserved += credits

	id := uuid.NewString()
	a.reservations[id] = &reservation{providerID: providerID, tier: tier, credits: credits}

	a.checkAlertLocked(providerID, l)
	a.persistLocked()
	return id, nil
}

// Commit permanently decrements the envelope on terminal success and counts
// the tier completion.
func (a *Accountant) Commit(reservationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()

	res, ok := a.reservations[reservationID]
	if !ok {
		return types.NewError(types.ErrInternal, "unknown reservation "+reservationID)
	}
	delete(a.reservations, reservationID)

	l := a.providers[res.providerID]
	if res.carried {
		l.overflowReserved -= res.credits
		l.overflowCommitted += res.credits
	} else {
		l.reserved -= res.credits
		l.committed += res.credits
	}

	a.tierLocked(res.tier).Completed++
	a.persistLocked()
	return nil
}

// Release returns the held credits on terminal failure and counts the tier
// failure.
func (a *Accountant) Release(reservationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()

	res, ok := a.reservations[reservationID]
	if !ok {
		return types.NewError(types.ErrInternal, "unknown reservation "+reservationID)
	}
	delete(a.reservations, reservationID)

	l := a.providers[res.providerID]
	if res.carried {
		// carried credits belonged to a previous day; they do not
		// re-inflate today's envelope
		l.overflowReserved -= res.credits
	} else {
		l.reserved -= res.credits
		if l.limited {
			l.remaining += res.credits
		}
	}

	a.tierLocked(res.tier).Failed++
	a.persistLocked()
	return nil
}

// Affordable reports whether the provider can pay the given cost today.
func (a *Accountant) Affordable(providerID string, credits int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()

	l, ok := a.providers[providerID]
	if !ok {
		return false
	}
	return !l.limited || l.remaining >= credits
}

// RemainingToday returns the provider's remaining credits. Unlimited
// providers report -1.
func (a *Accountant) RemainingToday(providerID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()

	l, ok := a.providers[providerID]
	if !ok || !l.limited {
		return -1
	}
	return l.remaining
}

// Snapshot returns the full ledger state.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverIfNeededLocked()
	return a.snapshotLocked()
}

// CheckInvariant verifies remaining + reserved + committed == limit for
// every limited provider. Used by tests and the health endpoint.
func (a *Accountant) CheckInvariant() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, l := range a.providers {
		if !l.limited {
			continue
		}
		if l.remaining+l.reserved+l.committed != l.limit {
			return types.NewError(types.ErrInternal, fmt.Sprintf(
				"budget invariant violated for %s: %d + %d + %d != %d",
				id, l.remaining, l.reserved, l.committed, l.limit))
		}
		if l.remaining < 0 || l.reserved < 0 || l.committed < 0 {
			return types.NewError(types.ErrInternal, "negative ledger field for "+id)
		}
	}
	return nil
}

// =============================================================================
// internal
// =============================================================================

func (a *Accountant) today() string {
	return a.now().UTC().Format("2006-01-02")
}

// rolloverIfNeededLocked resets the ledgers at 00:00 UTC. Still-open
// reservations are carried into the overflow buckets.
func (a *Accountant) rolloverIfNeededLocked() {
	today := a.today()
	if today == a.day {
		return
	}

	carriedOverflow := make(map[string]int64)
	for _, res := range a.reservations {
		if res.carried {
			// already counted in a previous day's overflow
			continue
		}
		res.carried = true
		carriedOverflow[res.providerID] += res.credits
	}

	prevOverflow := make(map[string]int64)
	for id, l := range a.providers {
		// unfinished carried holds from earlier days stay in overflow
		prevOverflow[id] = l.overflowReserved
	}

	a.resetDayLocked(today)
	for id, credits := range carriedOverflow {
		if l, ok := a.providers[id]; ok {
			l.overflowReserved += credits
		}
	}
	for id, credits := range prevOverflow {
		if l, ok := a.providers[id]; ok {
			l.overflowReserved += credits
		}
	}

	a.logger.Info("budget day rollover",
		zap.String("date", today),
		zap.Int("carried_reservations", len(a.reservations)),
	)
	a.persistLocked()
}

func (a *Accountant) resetDayLocked(day string) {
	a.day = day
	a.providers = make(map[string]*ledger, len(a.caps))
	for id, limit := range a.caps {
		l := &ledger{}
		if limit > 0 {
			l.limited = true
			l.limit = limit
			l.remaining = limit
		}
		a.providers[id] = l
	}
	a.tiers = make(map[types.Tier]*TierCounter)
	a.alerted = make(map[string]bool)
}

func (a *Accountant) tierLocked(tier types.Tier) *TierCounter {
	c, ok := a.tiers[tier]
	if !ok {
		c = &TierCounter{}
		a.tiers[tier] = c
	}
	return c
}

func (a *Accountant) checkAlertLocked(providerID string, l *ledger) {
	if !l.limited || l.limit == 0 || a.alerted[providerID] {
		return
	}
	utilization := float64(l.limit-l.remaining) / float64(l.limit)
	if utilization >= a.alertThreshold {
		a.alerted[providerID] = true
		a.logger.Warn("budget utilization threshold exceeded",
			zap.String("provider", providerID),
			zap.Float64("utilization", utilization),
		)
		for _, handler := range a.alertHandlers {
			go handler(providerID, utilization)
		}
	}
}

func (a *Accountant) snapshotLocked() Snapshot {
	snap := Snapshot{
		Date:         a.day,
		Providers:    make(map[string]ProviderLedger, len(a.providers)),
		Tiers:        make(map[types.Tier]TierCounter, len(a.tiers)),
		Reservations: make(map[string]ReservationRecord, len(a.reservations)),
	}
	for id, res := range a.reservations {
		snap.Reservations[id] = ReservationRecord{
			ProviderID: res.providerID,
			Tier:       res.tier,
			Credits:    res.credits,
			Carried:    res.carried,
		}
	}
	for id, l := range a.providers {
		snap.Providers[id] = ProviderLedger{
			Limited:           l.limited,
			Limit:             l.limit,
			Remaining:         l.remaining,
			Reserved:          l.reserved,
			Committed:         l.committed,
			OverflowReserved:  l.overflowReserved,
			OverflowCommitted: l.overflowCommitted,
		}
	}
	for tier, c := range a.tiers {
		snap.Tiers[tier] = *c
	}
	return snap
}

func (a *Accountant) persistLocked() {
	if a.store == nil {
		return
	}
	if err := a.store.SaveLedger(a.snapshotLocked()); err != nil {
		a.logger.Error("failed to persist budget ledger", zap.Error(err))
	}
}

// restoreLocked reloads today's ledger from the store, including the open
// reservations, so surviving jobs can still commit or release their holds
// by reservation id after a restart.
func (a *Accountant) restoreLocked() {
	if a.store == nil {
		return
	}
	snap, ok, err := a.store.LoadLedger(a.day)
	if err != nil {
		a.logger.Error("failed to load budget ledger", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	for id, pl := range snap.Providers {
		l, exists := a.providers[id]
		if !exists {
			continue
		}
		l.limited = pl.Limited
		l.limit = pl.Limit
		l.remaining = pl.Remaining
		l.reserved = pl.Reserved
		l.committed = pl.Committed
		l.overflowReserved = pl.OverflowReserved
		l.overflowCommitted = pl.OverflowCommitted
	}
	for tier, c := range snap.Tiers {
		counter := c
		a.tiers[tier] = &counter
	}
	for id, rec := range snap.Reservations {
		a.reservations[id] = &reservation{
			providerID: rec.ProviderID,
			tier:       rec.Tier,
			credits:    rec.Credits,
			carried:    rec.Carried,
		}
	}
	a.logger.Info("budget ledger restored",
		zap.String("date", a.day),
		zap.Int("open_reservations", len(a.reservations)),
	)
}
