// Package ratelimit enforces per-provider request-rate, burst, and
// concurrency caps, adapting the effective rate to observed provider
// distress. The limiter protects each provider; the queue's dispatch rate
// protects the system as a whole.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/vidflow/types"
)

// OutcomeKind classifies a released lease.
type OutcomeKind string

const (
	OutcomeOK          OutcomeKind = "OK"
	OutcomeServerError OutcomeKind = "SERVER_ERROR"
	OutcomeClientError OutcomeKind = "CLIENT_ERROR"
	OutcomeTimeout     OutcomeKind = "TIMEOUT"
)

const (
	maxBackoffMultiplier = 8.0
	// rolling error rate above which a SERVER_ERROR/TIMEOUT doubles the
	// backoff multiplier
	backoffErrorThreshold = 0.10
	// consecutive OK outcomes after which the multiplier halves toward 1
	decayOKRun = 5
	// latency samples retained for the p50 estimate
	latencyRingSize = 128
)

// Stats is a point-in-time snapshot for one provider.
type Stats struct {
	TokensAvailable   float64       `json:"tokens_available"`
	InFlight          int64         `json:"in_flight"`
	EffectiveQPS      float64       `json:"effective_qps"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RollingErrorRate  float64       `json:"rolling_error_rate"`
	P50Latency        time.Duration `json:"p50_latency"`
}

// Limiter manages one token bucket and one concurrency gate per provider.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
	logger    *zap.Logger
}

// providerLimiter holds the per-provider state. The bucket provides the rate
// cap (waiters served roughly in arrival order); the semaphore caps in-flight
// calls FIFO.
type providerLimiter struct {
	id       string
	baseRate float64
	bucket   *rate.Limiter
	slots    *semaphore.Weighted
	inFlight atomic.Int64

	mu        sync.Mutex
	backoff   float64
	okRun     int
	window    outcomeWindow
	latencies []time.Duration
	latIdx    int
}

// outcomeWindow is a 60-bucket per-second ring of outcome counts, giving a
// rolling error rate over the last minute. A crash loses only this window;
// it reconverges within a minute of traffic.
type outcomeWindow struct {
	lastSec int64
	ok      [60]int64
	errs    [60]int64
}

func (w *outcomeWindow) bump(nowSec int64) {
	if w.lastSec == 0 {
		w.lastSec = nowSec
		return
	}
	gap := nowSec - w.lastSec
	if gap <= 0 {
		return
	}
	if gap >= 60 {
		w.ok = [60]int64{}
		w.errs = [60]int64{}
	} else {
		for s := w.lastSec + 1; s <= nowSec; s++ {
			w.ok[s%60] = 0
			w.errs[s%60] = 0
		}
	}
	w.lastSec = nowSec
}

func (w *outcomeWindow) record(nowSec int64, isErr bool) {
	w.bump(nowSec)
	if isErr {
		w.errs[nowSec%60]++
	} else {
		w.ok[nowSec%60]++
	}
}

func (w *outcomeWindow) errorRate(nowSec int64) float64 {
	w.bump(nowSec)
	var ok, errs int64
	for i := 0; i < 60; i++ {
		ok += w.ok[i]
		errs += w.errs[i]
	}
	total := ok + errs
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

// New creates a limiter for the configured provider set.
func New(specs []types.ProviderSpec, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		providers: make(map[string]*providerLimiter, len(specs)),
		logger:    logger.With(zap.String("component", "rate_limiter")),
	}
	for _, spec := range specs {
		l.Configure(spec.ID, spec.RateLimit)
	}
	return l
}

// Configure registers or replaces the rate envelope for one provider.
func (l *Limiter) Configure(providerID string, spec types.RateLimitSpec) {
	rps := spec.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := spec.Burst
	if burst <= 0 {
		burst = 1
	}
	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[providerID] = &providerLimiter{
		id:        providerID,
		baseRate:  rps,
		bucket:    rate.NewLimiter(rate.Limit(rps), burst),
		slots:     semaphore.NewWeighted(int64(concurrency)),
		backoff:   1.0,
		latencies: make([]time.Duration, 0, latencyRingSize),
	}
}

func (l *Limiter) get(providerID string) (*providerLimiter, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pl, ok := l.providers[providerID]
	return pl, ok
}

// Lease is a held rate-limit slot. Release must be called exactly once.
type Lease struct {
	pl       *providerLimiter
	limiter  *Limiter
	released atomic.Bool
}

// Acquire blocks until a token and a concurrency slot are available, or the
// context deadline elapses. Waiters for the same provider are served in
// arrival order.
func (l *Limiter) Acquire(ctx context.Context, providerID string) (*Lease, error) {
	pl, ok := l.get(providerID)
	if !ok {
		return nil, types.NewError(types.ErrInternal, "unknown provider "+providerID)
	}

	if err := pl.bucket.Wait(ctx); err != nil {
		return nil, types.NewError(types.ErrRateLimited,
			"rate limit wait aborted for "+providerID).
			WithCause(err).WithRetryable(true).WithProvider(providerID)
	}
	if err := pl.slots.Acquire(ctx, 1); err != nil {
		return nil, types.NewError(types.ErrRateLimited,
			"concurrency slot wait aborted for "+providerID).
			WithCause(err).WithRetryable(true).WithProvider(providerID)
	}

	pl.inFlight.Add(1)
	return &Lease{pl: pl, limiter: l}, nil
}

// Release returns the concurrency slot and feeds the adaptive layer. The
// latency argument is zero when unknown.
func (le *Lease) Release(kind OutcomeKind, latency time.Duration) {
	if !le.released.CompareAndSwap(false, true) {
		return
	}
	pl := le.pl
	pl.slots.Release(1)
	pl.inFlight.Add(-1)

	now := time.Now()
	pl.mu.Lock()
	defer pl.mu.Unlock()

	isErr := kind == OutcomeServerError || kind == OutcomeTimeout
	pl.window.record(now.Unix(), isErr)

	if latency > 0 {
		if len(pl.latencies) < latencyRingSize {
			pl.latencies = append(pl.latencies, latency)
		} else {
			pl.latencies[pl.latIdx] = latency
			pl.latIdx = (pl.latIdx + 1) % latencyRingSize
		}
	}

	switch {
	case isErr:
		pl.okRun = 0
		if pl.window.errorRate(now.Unix()) > backoffErrorThreshold && pl.backoff < maxBackoffMultiplier {
			pl.backoff *= 2
			if pl.backoff > maxBackoffMultiplier {
				pl.backoff = maxBackoffMultiplier
			}
			pl.applyBackoffLocked()
			le.limiter.logger.Warn("provider backoff increased",
				zap.String("provider", pl.id),
				zap.Float64("multiplier", pl.backoff),
			)
		}
	case kind == OutcomeOK:
		pl.okRun++
		if pl.okRun >= decayOKRun && pl.backoff > 1.0 {
			pl.okRun = 0
			pl.backoff /= 2
			if pl.backoff < 1.0 {
				pl.backoff = 1.0
			}
			pl.applyBackoffLocked()
			le.limiter.logger.Info("provider backoff decayed",
				zap.String("provider", pl.id),
				zap.Float64("multiplier", pl.backoff),
			)
		}
	}
}

// applyBackoffLocked sets the effective refill rate r_eff = r / multiplier.
func (pl *providerLimiter) applyBackoffLocked() {
	pl.bucket.SetLimit(rate.Limit(pl.baseRate / pl.backoff))
}

// Stats returns the current snapshot for a provider.
func (l *Limiter) Stats(providerID string) (Stats, bool) {
	pl, ok := l.get(providerID)
	if !ok {
		return Stats{}, false
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	return Stats{
		TokensAvailable:   pl.bucket.Tokens(),
		InFlight:          pl.inFlight.Load(),
		EffectiveQPS:      pl.baseRate / pl.backoff,
		BackoffMultiplier: pl.backoff,
		RollingErrorRate:  pl.window.errorRate(time.Now().Unix()),
		P50Latency:        p50Locked(pl.latencies),
	}, true
}

// P50Latency returns the median of recent observed latencies for a provider.
func (l *Limiter) P50Latency(providerID string) time.Duration {
	s, _ := l.Stats(providerID)
	return s.P50Latency
}

func p50Locked(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
