package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/internal/metrics"
	"github.com/BaSui01/vidflow/providers"
	"github.com/BaSui01/vidflow/ratelimit"
	"github.com/BaSui01/vidflow/router"
	"github.com/BaSui01/vidflow/store"
	"github.com/BaSui01/vidflow/types"
)

// rate-limit hits tolerated against one provider within a single delivery
// before failing over
const maxRateLimitRetriesPerProvider = 2

// Result is the terminal outcome of one task delivery, expressed as the HTTP
// status the queue acts on: 2xx handled (do not retry), 429/503 transient
// (retry), other 4xx permanent (do not retry).
type Result struct {
	HTTPStatus int    `json:"-"`
	RequestID  string `json:"request_id"`
	Outcome    string `json:"outcome"`
	Note       string `json:"note,omitempty"`
}

// Processor drives one task through admission, routing, rate limiting, and
// provider submission.
type Processor struct {
	router     *router.Router
	limiter    *ratelimit.Limiter
	registry   *providers.Registry
	accountant *budget.Accountant
	jobs       *store.JobStore
	uploader   providers.Uploader
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewProcessor wires the per-task flow.
func NewProcessor(
	rt *router.Router,
	limiter *ratelimit.Limiter,
	registry *providers.Registry,
	accountant *budget.Accountant,
	jobs *store.JobStore,
	uploader providers.Uploader,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		router:     rt,
		limiter:    limiter,
		registry:   registry,
		accountant: accountant,
		jobs:       jobs,
		uploader:   uploader,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "processor")),
	}
}

// RouterHealth exposes the router's health snapshot for the worker's
// status surface.
func (p *Processor) RouterHealth() map[string]router.HealthInfo {
	return p.router.HealthSnapshot()
}

// CapacityReport exposes the router's per-provider capacity view.
func (p *Processor) CapacityReport() []router.CapacityEntry {
	return p.router.CapacityReport()
}

// Process handles one delivered envelope to an outcome the queue can settle.
func (p *Processor) Process(ctx context.Context, env *types.TaskEnvelope) Result {
	req := &env.Payload
	started := time.Now()
	logger := p.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("tier", string(req.QualityTier)),
		zap.Int("delivery_attempt", env.AttemptNo),
	)

	// 1. idempotency: a duplicate delivery must not create a second job
	if dup, note := p.isDuplicate(ctx, req.RequestID); dup {
		logger.Info("duplicate delivery ignored", zap.String("note", note))
		return Result{HTTPStatus: http.StatusOK, RequestID: req.RequestID, Outcome: "duplicate", Note: note}
	}

	// 2-5. route / submit / failover loop. Providers that already failed or
	// expired this request in earlier deliveries stay excluded.
	excluded := p.previouslyFailedProviders(ctx, req.RequestID)
	rlHits := make(map[string]int)
	var providersTried []string

	maxAttempts := p.router.MaxAttemptsPerRequest()
	for len(providersTried) < maxAttempts {
		if err := ctx.Err(); err != nil {
			// handler deadline expired mid-loop: transient to the queue
			return Result{HTTPStatus: http.StatusServiceUnavailable, RequestID: req.RequestID,
				Outcome: "deadline", Note: "handler deadline exceeded"}
		}

		cand, err := p.router.Select(req, excluded)
		if err != nil {
			return p.finishTerminal(ctx, req, providersTried, types.GetErrorCode(err), err.Error(), started, logger)
		}

		res := p.attempt(ctx, req, env, cand, providersTried, logger)
		switch res.disposition {
		case attemptDone:
			p.recordTask(req.QualityTier, res.outcome, started)
			return res.result
		case attemptRetrySameProvider:
			rlHits[cand.ProviderID]++
			if rlHits[cand.ProviderID] > maxRateLimitRetriesPerProvider {
				excluded[cand.ProviderID] = true
				providersTried = append(providersTried, cand.ProviderID)
			}
		case attemptFailover:
			excluded[cand.ProviderID] = true
			providersTried = append(providersTried, cand.ProviderID)
		}
	}

	return p.finishTerminal(ctx, req, providersTried, types.ErrTransientNetwork,
		fmt.Sprintf("all %d provider attempts failed", maxAttempts), started, logger)
}

type attemptDisposition int

const (
	attemptDone attemptDisposition = iota
	attemptFailover
	attemptRetrySameProvider
)

type attemptResult struct {
	disposition attemptDisposition
	outcome     string
	result      Result
}

// attempt runs one reservation + submission against one candidate provider.
func (p *Processor) attempt(ctx context.Context, req *types.GenerationRequest, env *types.TaskEnvelope, cand *router.Candidate, tried []string, logger *zap.Logger) attemptResult {
	logger = logger.With(zap.String("provider", cand.ProviderID), zap.String("model", cand.ModelID))

	adapter, ok := p.registry.Get(cand.ProviderID)
	if !ok {
		logger.Error("selected provider has no adapter")
		return attemptResult{disposition: attemptFailover}
	}

	// admission: hold the credits before touching the provider
	reservationID, err := p.accountant.Reserve(cand.ProviderID, cand.Tier, cand.CreditCost)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrBudgetExhausted {
			// lost a race against another handler; let Select re-filter
			logger.Info("reservation refused, failing over", zap.Error(err))
			return attemptResult{disposition: attemptFailover}
		}
		logger.Error("reservation failed", zap.Error(err))
		return attemptResult{disposition: attemptFailover}
	}
	if p.metrics != nil {
		p.metrics.RecordCredits(cand.ProviderID, cand.CreditCost, 0, 0)
	}

	job := &types.ProviderJob{
		RequestID:     req.RequestID,
		ProviderID:    cand.ProviderID,
		ModelID:       cand.ModelID,
		State:         types.JobSubmitting,
		Tier:          cand.Tier,
		Attempts:      len(tried) + 1,
		SubmittedAt:   time.Now().UTC(),
		ReservationID: reservationID,
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		p.releaseQuiet(reservationID, cand.ProviderID, logger)
		if types.GetErrorCode(err) == types.ErrDuplicateRequest {
			// a racing duplicate delivery won; nothing more to do here
			return attemptResult{disposition: attemptDone, outcome: "duplicate", result: Result{
				HTTPStatus: http.StatusOK, RequestID: req.RequestID, Outcome: "duplicate",
				Note: "another delivery owns this request",
			}}
		}
		logger.Error("failed to persist job", zap.Error(err))
		return attemptResult{disposition: attemptDone, outcome: "error", result: Result{
			HTTPStatus: http.StatusServiceUnavailable, RequestID: req.RequestID, Outcome: "storage_error",
		}}
	}

	// rate-limited provider call
	lease, err := p.limiter.Acquire(ctx, cand.ProviderID)
	if err != nil {
		p.failJob(ctx, job, types.ErrDeadlineExceeded, "rate limit wait aborted", logger)
		p.releaseQuiet(reservationID, cand.ProviderID, logger)
		return attemptResult{disposition: attemptDone, outcome: "deadline", result: Result{
			HTTPStatus: http.StatusServiceUnavailable, RequestID: req.RequestID, Outcome: "deadline",
			Note: "rate limit wait exceeded the handler deadline",
		}}
	}

	submitStart := time.Now()
	submitRes, submitErr := adapter.Submit(ctx, &providers.SubmitRequest{
		Model:          cand.ModelID,
		Prompt:         req.Prompt,
		DurationSecs:   req.DurationSeconds,
		AspectRatio:    req.AspectRatio,
		ReferenceAsset: req.ReferenceAsset,
	})
	latency := time.Since(submitStart)
	lease.Release(leaseOutcome(submitErr), latency)

	if p.metrics != nil {
		status := "ok"
		if submitErr != nil {
			status = string(types.GetErrorCode(submitErr))
		}
		p.metrics.RecordProviderSubmit(cand.ProviderID, status, latency)
	}

	if submitErr != nil {
		return p.settleSubmitError(ctx, req, job, cand, submitErr, logger)
	}

	p.router.Observe(cand.ProviderID, router.Outcome{Kind: router.ObserveSuccess, Latency: latency})

	// synchronous success: rare, but providers do it
	if submitRes.State == types.JobSucceeded {
		credits := submitRes.CreditsCharged
		if credits == 0 {
			credits = cand.CreditCost
		}
		if err := p.jobs.AdvanceState(ctx, job, types.JobSucceeded, store.Updates{
			ProviderJobID:  submitRes.ProviderJobID,
			ArtifactURI:    submitRes.ArtifactURI,
			CreditsCharged: credits,
		}); err != nil {
			logger.Error("failed to record synchronous success", zap.Error(err))
		}
		if err := p.accountant.Commit(reservationID); err != nil {
			logger.Error("failed to commit reservation", zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.RecordCredits(cand.ProviderID, 0, credits, 0)
		}
		p.dispatchUpload(ctx, job, adapter, submitRes.ArtifactURI, logger)

		logger.Info("request succeeded synchronously", zap.String("provider_job_id", submitRes.ProviderJobID))
		return attemptResult{disposition: attemptDone, outcome: "succeeded", result: Result{
			HTTPStatus: http.StatusOK, RequestID: req.RequestID, Outcome: "succeeded",
		}}
	}

	// accepted async: hand off to the poller
	target := submitRes.State
	if target != types.JobPending && target != types.JobRunning {
		target = types.JobPending
	}
	if err := p.jobs.AdvanceState(ctx, job, target, store.Updates{
		ProviderJobID: submitRes.ProviderJobID,
		LastPolledAt:  time.Now().UTC(),
	}); err != nil {
		logger.Error("failed to record async acceptance", zap.Error(err))
	}

	logger.Info("request accepted by provider",
		zap.String("provider_job_id", submitRes.ProviderJobID),
		zap.String("state", string(target)),
	)
	return attemptResult{disposition: attemptDone, outcome: "accepted", result: Result{
		HTTPStatus: http.StatusOK, RequestID: req.RequestID, Outcome: "accepted",
	}}
}

// settleSubmitError terminates the failed attempt and decides the failover.
func (p *Processor) settleSubmitError(ctx context.Context, req *types.GenerationRequest, job *types.ProviderJob, cand *router.Candidate, submitErr error, logger *zap.Logger) attemptResult {
	code := types.GetErrorCode(submitErr)
	logger.Warn("provider submission failed",
		zap.String("error_kind", string(code)),
		zap.Error(submitErr),
	)

	switch code {
	case types.ErrProviderOutage:
		p.router.Observe(cand.ProviderID, router.Outcome{Kind: router.ObserveOutage})
	case types.ErrProviderClientError:
		// client errors say nothing about provider health
	default:
		p.router.Observe(cand.ProviderID, router.Outcome{Kind: router.ObserveFailure})
	}

	p.failJob(ctx, job, code, submitErr.Error(), logger)
	p.releaseQuiet(job.ReservationID, cand.ProviderID, logger)

	if code == types.ErrRateLimited {
		return attemptResult{disposition: attemptRetrySameProvider}
	}
	if errors.Is(submitErr, context.DeadlineExceeded) || code == types.ErrDeadlineExceeded {
		return attemptResult{disposition: attemptDone, outcome: "deadline", result: Result{
			HTTPStatus: http.StatusServiceUnavailable, RequestID: req.RequestID, Outcome: "deadline",
		}}
	}
	return attemptResult{disposition: attemptFailover}
}

// finishTerminal records the structured failure for a request no provider
// could serve. The queue gets a 200: redelivery cannot help.
func (p *Processor) finishTerminal(ctx context.Context, req *types.GenerationRequest, tried []string, kind types.ErrorCode, detail string, started time.Time, logger *zap.Logger) Result {
	record := types.FailureRecord{
		RequestID:      req.RequestID,
		Tier:           req.QualityTier,
		Attempts:       len(tried),
		FinalErrorKind: kind,
		ProvidersTried: tried,
		FailedAt:       time.Now().UTC(),
	}

	// keep the terminal outcome observable even when no provider was ever
	// submitted to
	if len(tried) == 0 {
		job := &types.ProviderJob{
			RequestID:     req.RequestID,
			State:         types.JobFailed,
			Tier:          req.QualityTier,
			SubmittedAt:   time.Now().UTC(),
			FailureKind:   kind,
			FailureDetail: detail,
		}
		if err := p.jobs.Create(ctx, job); err != nil && types.GetErrorCode(err) != types.ErrDuplicateRequest {
			logger.Error("failed to persist terminal failure", zap.Error(err))
		}
	}

	logger.Warn("request terminally failed",
		zap.String("final_error_kind", string(kind)),
		zap.Int("attempts", record.Attempts),
		zap.Strings("providers_tried", tried),
		zap.String("detail", detail),
	)
	p.recordTask(req.QualityTier, "failed", started)

	return Result{
		HTTPStatus: http.StatusOK,
		RequestID:  req.RequestID,
		Outcome:    "failed",
		Note:       string(kind),
	}
}

// isDuplicate reports whether this request already has an active or
// succeeded job.
func (p *Processor) isDuplicate(ctx context.Context, requestID string) (bool, string) {
	if _, active, err := p.jobs.ActiveByRequest(ctx, requestID); err == nil && active {
		return true, "request already has an active provider job"
	}
	jobs, err := p.jobs.ByRequest(ctx, requestID)
	if err != nil {
		return false, ""
	}
	for _, j := range jobs {
		if j.State == types.JobSucceeded {
			return true, "request already succeeded"
		}
	}
	return false, ""
}

// previouslyFailedProviders seeds the exclusion set from earlier attempt
// chains: a provider that failed or expired a request is not retried on
// redelivery.
func (p *Processor) previouslyFailedProviders(ctx context.Context, requestID string) map[string]bool {
	excluded := make(map[string]bool)
	jobs, err := p.jobs.ByRequest(ctx, requestID)
	if err != nil {
		return excluded
	}
	for _, j := range jobs {
		if j.ProviderID == "" {
			continue
		}
		if j.State == types.JobFailed || j.State == types.JobExpired {
			excluded[j.ProviderID] = true
		}
	}
	return excluded
}

func (p *Processor) failJob(ctx context.Context, job *types.ProviderJob, kind types.ErrorCode, detail string, logger *zap.Logger) {
	if err := p.jobs.AdvanceState(ctx, job, types.JobFailed, store.Updates{
		FailureKind:   kind,
		FailureDetail: detail,
	}); err != nil {
		logger.Error("failed to mark job failed", zap.Error(err))
	}
}

func (p *Processor) releaseQuiet(reservationID, providerID string, logger *zap.Logger) {
	if err := p.accountant.Release(reservationID); err != nil {
		logger.Error("failed to release reservation", zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.RecordCredits(providerID, 0, 0, 1)
	}
}

// dispatchUpload hands a finished artifact to the upload collaborator. The
// job stays SUCCEEDED whether or not the upload works; upload retries are
// the collaborator's concern.
func (p *Processor) dispatchUpload(ctx context.Context, job *types.ProviderJob, adapter providers.Adapter, artifactURI string, logger *zap.Logger) {
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
		logger.Warn("upload failed, job stays succeeded", zap.Error(err))
		return
	}

	if err := p.jobs.MarkUploaded(ctx, job.ID); err != nil {
		logger.Error("failed to mark uploaded", zap.Error(err))
	}
	logger.Info("artifact uploaded", zap.String("receipt", receipt))
}

func (p *Processor) recordTask(tier types.Tier, outcome string, started time.Time) {
	if p.metrics != nil {
		p.metrics.RecordTask(string(tier), outcome, time.Since(started))
	}
}

// leaseOutcome maps a submit error to the rate limiter's outcome taxonomy.
func leaseOutcome(err error) ratelimit.OutcomeKind {
	if err == nil {
		return ratelimit.OutcomeOK
	}
	switch types.GetErrorCode(err) {
	case types.ErrRateLimited, types.ErrProviderOutage, types.ErrTransientNetwork:
		return ratelimit.OutcomeServerError
	case types.ErrDeadlineExceeded:
		return ratelimit.OutcomeTimeout
	case types.ErrProviderClientError:
		return ratelimit.OutcomeClientError
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return ratelimit.OutcomeTimeout
		}
		return ratelimit.OutcomeServerError
	}
}
