// Package poller advances non-terminal provider jobs toward terminal states:
// it polls providers on a growing cadence, downloads artifacts on success,
// hands them to the upload collaborator, and expires jobs that outlive their
// provider's lifetime. Safe to run concurrently across processes because
// every state write goes through the monotonic compare-and-set.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/internal/metrics"
	"github.com/BaSui01/vidflow/providers"
	"github.com/BaSui01/vidflow/ratelimit"
	"github.com/BaSui01/vidflow/router"
	"github.com/BaSui01/vidflow/store"
	"github.com/BaSui01/vidflow/types"
)

const (
	defaultMaxJobLifetime = 30 * time.Minute
	// per-poll rate limit wait; a busy provider just skips the job this tick
	acquireTimeout = 5 * time.Second
	jitterFraction = 0.1
)

// Poller drives in-flight provider jobs to completion.
type Poller struct {
	jobs       *store.JobStore
	registry   *providers.Registry
	accountant *budget.Accountant
	router     *router.Router
	limiter    *ratelimit.Limiter
	uploader   providers.Uploader
	cfg        config.PollerConfig
	lifetimes  map[string]time.Duration
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a poller.
func New(
	jobs *store.JobStore,
	registry *providers.Registry,
	accountant *budget.Accountant,
	rt *router.Router,
	limiter *ratelimit.Limiter,
	uploader providers.Uploader,
	specs []types.ProviderSpec,
	cfg config.PollerConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetimes := make(map[string]time.Duration, len(specs))
	for _, s := range specs {
		lifetimes[s.ID] = s.MaxJobLifetime
	}
	return &Poller{
		jobs:       jobs,
		registry:   registry,
		accountant: accountant,
		router:     rt,
		limiter:    limiter,
		uploader:   uploader,
		cfg:        cfg,
		lifetimes:  lifetimes,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "poller")),
		now:        time.Now,
	}
}

// Run ticks until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	tick := p.cfg.TickInterval
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick is one scheduling quantum: advance every due job, bounding concurrent
// outbound polls. Idempotent.
func (p *Poller) Tick(ctx context.Context) error {
	jobs, err := p.jobs.NonTerminal(ctx)
	if err != nil {
		return err
	}

	maxPolls := int64(p.cfg.MaxConcurrentPolls)
	if maxPolls <= 0 {
		maxPolls = 4
	}
	sem := semaphore.NewWeighted(maxPolls)
	var wg sync.WaitGroup

	for i := range jobs {
		job := jobs[i]
		if !p.due(&job) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.advance(ctx, &job)
		}()
	}

	wg.Wait()

	p.retryUploads(ctx)
	return ctx.Err()
}

// retryUploads re-drives the upload collaborator for SUCCEEDED jobs whose
// artifact never made it out. Independent of job state transitions.
func (p *Poller) retryUploads(ctx context.Context) {
	if p.uploader == nil {
		return
	}
	jobs, err := p.jobs.SucceededUnuploaded(ctx)
	if err != nil {
		p.logger.Error("failed to list unuploaded jobs", zap.Error(err))
		return
	}
	for i := range jobs {
		job := jobs[i]
		adapter, ok := p.registry.Get(job.ProviderID)
		if !ok {
			continue
		}
		logger := p.logger.With(zap.String("request_id", job.RequestID), zap.Uint("job_id", job.ID))
		p.upload(ctx, &job, adapter, job.ArtifactURI, logger)
	}
}

// due applies the per-job poll cadence.
func (p *Poller) due(job *types.ProviderJob) bool {
	if job.LastPolledAt.IsZero() {
		return true
	}
	return p.now().Sub(job.LastPolledAt) >= p.interval(job)
}

// interval grows with job age from the initial interval to the cap, with
// ±10% jitter. A per-job override (set after transient poll errors) wins.
func (p *Poller) interval(job *types.ProviderJob) time.Duration {
	base := p.cfg.InitialInterval
	if base <= 0 {
		base = 10 * time.Second
	}
	max := p.cfg.MaxInterval
	if max <= 0 {
		max = 120 * time.Second
	}

	var iv time.Duration
	if job.PollInterval > 0 {
		iv = time.Duration(job.PollInterval) * time.Second
	} else {
		age := job.Age(p.now())
		switch {
		case age > 5*time.Minute:
			iv = max
		case age > time.Minute:
			iv = base + time.Duration(float64(max-base)*float64(age-time.Minute)/float64(4*time.Minute))
		default:
			iv = base
		}
	}
	if iv > 2*max {
		iv = 2 * max
	}

	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(iv))
	return iv + jitter
}

// advance drives one job through a single poll.
func (p *Poller) advance(ctx context.Context, job *types.ProviderJob) {
	logger := p.logger.With(
		zap.String("request_id", job.RequestID),
		zap.String("provider", job.ProviderID),
		zap.Uint("job_id", job.ID),
	)

	// jobs that never reached a provider (worker died mid-submit) can only
	// age out
	if job.State == types.JobSubmitting || job.ProviderJobID == "" {
		if job.Age(p.now()) > p.maxLifetime(job.ProviderID) {
			p.expire(ctx, job, logger)
		}
		return
	}

	adapter, ok := p.registry.Get(job.ProviderID)
	if !ok {
		logger.Error("job references unknown provider")
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	lease, err := p.limiter.Acquire(acquireCtx, job.ProviderID)
	cancel()
	if err != nil {
		// provider saturated; try again next tick
		return
	}

	pollStart := p.now()
	res, err := adapter.Poll(ctx, job.ProviderJobID)
	latency := time.Since(pollStart)

	if err != nil {
		lease.Release(ratelimit.OutcomeServerError, latency)
		p.recordPoll(job.ProviderID, "error")
		// transient poll error: back off this job only, no state change
		next := p.backoffInterval(job)
		if terr := p.jobs.TouchPolled(ctx, job.ID, p.now(), next); terr != nil {
			logger.Error("failed to record poll backoff", zap.Error(terr))
		}
		logger.Warn("poll failed, backing off",
			zap.Int64("next_interval_seconds", next),
			zap.Error(err),
		)
		return
	}
	lease.Release(ratelimit.OutcomeOK, latency)

	switch res.State {
	case types.JobSucceeded:
		p.recordPoll(job.ProviderID, "succeeded")
		p.complete(ctx, job, res, logger)

	case types.JobFailed:
		p.recordPoll(job.ProviderID, "failed")
		p.fail(ctx, job, res, logger)

	default: // still running
		p.recordPoll(job.ProviderID, "running")
		if job.Age(p.now()) > p.maxLifetime(job.ProviderID) {
			p.expire(ctx, job, logger)
			return
		}
		if job.State == types.JobPending && res.State == types.JobRunning {
			if err := p.jobs.AdvanceState(ctx, job, types.JobRunning, store.Updates{
				LastPolledAt: p.now(),
			}); err != nil {
				logger.Debug("pending->running advance lost", zap.Error(err))
			}
			return
		}
		// clear any error backoff and stamp the poll
		if err := p.jobs.TouchPolled(ctx, job.ID, p.now(), 0); err != nil {
			logger.Error("failed to stamp poll", zap.Error(err))
		}
	}
}

// complete settles a finished job: terminal state and budget commit. The
// artifact hand-off runs in the tick's upload pass, decoupled from job
// state: upload failures never move the job out of SUCCEEDED.
func (p *Poller) complete(ctx context.Context, job *types.ProviderJob, res *providers.PollResult, logger *zap.Logger) {
	credits := res.CreditsCharged
	if err := p.jobs.AdvanceState(ctx, job, types.JobSucceeded, store.Updates{
		ArtifactURI:    res.ArtifactURI,
		CreditsCharged: credits,
		LastPolledAt:   p.now(),
	}); err != nil {
		// another owner already advanced it; the monotonic rule decides
		logger.Debug("success advance lost", zap.Error(err))
		return
	}

	if job.ReservationID != "" {
		if err := p.accountant.Commit(job.ReservationID); err != nil {
			logger.Error("failed to commit reservation", zap.Error(err))
		}
	}
	p.router.Observe(job.ProviderID, router.Outcome{Kind: router.ObserveSuccess})

	logger.Info("job succeeded", zap.String("artifact_uri", res.ArtifactURI))
}

func (p *Poller) fail(ctx context.Context, job *types.ProviderJob, res *providers.PollResult, logger *zap.Logger) {
	kind := res.FailureKind
	if kind == "" {
		kind = types.ErrProviderClientError
	}
	if err := p.jobs.AdvanceState(ctx, job, types.JobFailed, store.Updates{
		FailureKind:   kind,
		FailureDetail: res.FailureDetail,
		LastPolledAt:  p.now(),
	}); err != nil {
		logger.Debug("failure advance lost", zap.Error(err))
		return
	}

	if job.ReservationID != "" {
		if err := p.accountant.Release(job.ReservationID); err != nil {
			logger.Error("failed to release reservation", zap.Error(err))
		}
	}
	p.router.Observe(job.ProviderID, router.Outcome{Kind: router.ObserveFailure})

	logger.Warn("job failed at provider",
		zap.String("failure_kind", string(kind)),
		zap.String("detail", res.FailureDetail),
	)
}

func (p *Poller) expire(ctx context.Context, job *types.ProviderJob, logger *zap.Logger) {
	if err := p.jobs.AdvanceState(ctx, job, types.JobExpired, store.Updates{
		FailureKind:   types.ErrDeadlineExceeded,
		FailureDetail: "job exceeded provider max lifetime",
		LastPolledAt:  p.now(),
	}); err != nil {
		logger.Debug("expire advance lost", zap.Error(err))
		return
	}

	if job.ReservationID != "" {
		if err := p.accountant.Release(job.ReservationID); err != nil {
			logger.Error("failed to release reservation", zap.Error(err))
		}
	}
	if job.ProviderID != "" {
		p.router.Observe(job.ProviderID, router.Outcome{Kind: router.ObserveFailure})
	}

	logger.Warn("job expired", zap.Duration("age", job.Age(p.now())))
}

// CancelSuperseded cancels the active job for a request so a replacement
// attempt may become active. The replacement must not be created before this
// returns successfully.
func (p *Poller) CancelSuperseded(ctx context.Context, requestID string) error {
	job, ok, err := p.jobs.ActiveByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := p.jobs.AdvanceState(ctx, job, types.JobCanceled, store.Updates{
		FailureDetail: "superseded by a newer attempt",
		LastPolledAt:  p.now(),
	}); err != nil {
		return err
	}
	if job.ReservationID != "" {
		if err := p.accountant.Release(job.ReservationID); err != nil {
			p.logger.Error("failed to release superseded reservation", zap.Error(err))
		}
	}
	p.logger.Info("job canceled as superseded",
		zap.String("request_id", requestID),
		zap.Uint("job_id", job.ID),
	)
	return nil
}

func (p *Poller) upload(ctx context.Context, job *types.ProviderJob, adapter providers.Adapter, artifactURI string, logger *zap.Logger) {
	if p.uploader == nil || artifactURI == "" {
		return
	}

	body, err := adapter.FetchArtifact(ctx, artifactURI)
	if err != nil {
		logger.Warn("artifact fetch failed, upload deferred", zap.Error(err))
		return
	}
	defer body.Close()

	receipt, err := p.uploader.Upload(ctx, job.RequestID, body, map[string]string{
		"request_id": job.RequestID,
		"provider":   job.ProviderID,
		"tier":       string(job.Tier),
	})
	if err != nil {
		logger.Warn("upload failed, will retry on a later tick", zap.Error(err))
		return
	}

	if err := p.jobs.MarkUploaded(ctx, job.ID); err != nil {
		logger.Error("failed to mark uploaded", zap.Error(err))
	}
	logger.Info("artifact uploaded", zap.String("receipt", receipt))
}

// backoffInterval doubles the job's poll interval after a transient poll
// error, capped at twice the configured maximum.
func (p *Poller) backoffInterval(job *types.ProviderJob) int64 {
	base := int64(p.cfg.InitialInterval / time.Second)
	if base <= 0 {
		base = 10
	}
	cur := job.PollInterval
	if cur <= 0 {
		cur = base
	}
	next := cur * 2
	limit := int64(p.cfg.MaxInterval/time.Second) * 2
	if limit > 0 && next > limit {
		next = limit
	}
	return next
}

func (p *Poller) maxLifetime(providerID string) time.Duration {
	if lt, ok := p.lifetimes[providerID]; ok && lt > 0 {
		return lt
	}
	return defaultMaxJobLifetime
}

func (p *Poller) recordPoll(provider, result string) {
	if p.metrics != nil {
		p.metrics.RecordPoll(provider, result)
	}
}
