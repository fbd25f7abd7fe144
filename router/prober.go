package router

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc issues one deliberately minimal request against a provider. The
// prober owns scheduling; the function owns the I/O.
type ProbeFunc func(ctx context.Context, providerID string) error

// RecoveryProber periodically probes UNHEALTHY providers so they can re-enter
// rotation. Probes are rate-limited by the router to one per provider per
// probe interval.
type RecoveryProber struct {
	router  *Router
	probe   ProbeFunc
	tick    time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewRecoveryProber creates a prober driving the given router.
func NewRecoveryProber(r *Router, probe ProbeFunc, tick time.Duration, logger *zap.Logger) *RecoveryProber {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryProber{
		router:  r,
		probe:   probe,
		tick:    tick,
		timeout: 30 * time.Second,
		logger:  logger.With(zap.String("component", "recovery_prober")),
	}
}

// Run blocks until the context is canceled.
func (p *RecoveryProber) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeDue(ctx)
		}
	}
}

func (p *RecoveryProber) probeDue(ctx context.Context) {
	for _, id := range p.router.ProbeCandidates() {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		start := time.Now()
		err := p.probe(probeCtx, id)
		cancel()

		if err != nil {
			p.logger.Info("recovery probe failed",
				zap.String("provider", id),
				zap.Error(err),
			)
			p.router.Observe(id, Outcome{Kind: ObserveFailure, Probe: true})
			continue
		}

		p.logger.Info("recovery probe succeeded", zap.String("provider", id))
		p.router.Observe(id, Outcome{Kind: ObserveSuccess, Latency: time.Since(start), Probe: true})
	}
}
