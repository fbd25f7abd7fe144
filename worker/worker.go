// Package worker implements the HTTP task intake: it consumes deliveries
// from the queue, drives them through the processor, and reports terminal
// outcomes back as HTTP status codes.
package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/internal/metrics"
	"github.com/BaSui01/vidflow/types"
)

// Worker exposes the stable HTTP contract:
//
//	POST /process_video_job   consume one task envelope
//	GET  /health              liveness + component status
//	GET  /stats               processing counters
type Worker struct {
	processor  *Processor
	accountant *budget.Accountant
	cfg        config.WorkerConfig
	metrics    *metrics.Collector
	logger     *zap.Logger

	slots     chan struct{}
	processed atomic.Int64
	inFlight  atomic.Int64
	lastJobAt atomic.Int64 // unix nanos
	startedAt time.Time
}

// New creates a worker with a bounded handler pool.
func New(processor *Processor, accountant *budget.Accountant, cfg config.WorkerConfig, collector *metrics.Collector, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.HandlerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Worker{
		processor:  processor,
		accountant: accountant,
		cfg:        cfg,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "worker")),
		slots:      make(chan struct{}, poolSize),
		startedAt:  time.Now(),
	}
}

// Handler returns the worker's HTTP mux.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/process_video_job", w.handleProcess)
	mux.HandleFunc("/health", w.handleHealth)
	mux.HandleFunc("/stats", w.handleStats)
	mux.HandleFunc("/router_health", w.handleRouterHealth)
	return mux
}

func (w *Worker) handleProcess(rw http.ResponseWriter, r *http.Request) {
	started := time.Now()
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// refuse new work when the handler pool is full: the queue retries
	select {
	case w.slots <- struct{}{}:
	default:
		w.respond(rw, r, http.StatusTooManyRequests, Result{Outcome: "saturated"}, started)
		return
	}
	defer func() { <-w.slots }()

	w.inFlight.Add(1)
	if w.metrics != nil {
		w.metrics.SetHandlersInUse(int(w.inFlight.Load()))
	}
	defer func() {
		w.inFlight.Add(-1)
		if w.metrics != nil {
			w.metrics.SetHandlersInUse(int(w.inFlight.Load()))
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, 1<<20))
	if err != nil {
		w.respond(rw, r, http.StatusBadRequest, Result{Outcome: "unreadable_body"}, started)
		return
	}

	env, err := types.UnmarshalEnvelope(body)
	if err != nil {
		// malformed envelopes are permanent: the queue must not retry
		w.logger.Warn("rejected malformed envelope", zap.Error(err))
		w.respond(rw, r, http.StatusBadRequest, Result{Outcome: "invalid_envelope", Note: err.Error()}, started)
		return
	}
	if env.AttemptNo == 0 {
		if n, err := strconv.Atoi(r.Header.Get("X-Attempt-No")); err == nil {
			env.AttemptNo = n
		}
	}

	// the handler deadline caps every suspension point downstream
	ctx, cancel := context.WithTimeout(r.Context(), w.cfg.PerRequestDeadline)
	defer cancel()

	res := w.processor.Process(ctx, env)
	w.processed.Add(1)
	w.lastJobAt.Store(time.Now().UnixNano())

	if echo := r.Header.Get("X-Request-Id"); echo != "" {
		rw.Header().Set("X-Request-Id", echo)
	}
	w.respond(rw, r, res.HTTPStatus, res, started)
}

// HealthStatus is the /health payload.
type HealthStatus struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	budgetOK := w.accountant == nil || w.accountant.CheckInvariant() == nil

	components := map[string]bool{
		"rate_limiter": true,
		"router":       true,
		"budget":       budgetOK,
	}
	status := "healthy"
	for _, ok := range components {
		if !ok {
			status = "degraded"
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(HealthStatus{Status: status, Components: components})
}

// Stats is the /stats payload.
type Stats struct {
	Processed int64     `json:"processed"`
	InFlight  int64     `json:"in_flight"`
	LastJobAt time.Time `json:"last_job_at"`
	UptimeSec int64     `json:"uptime_seconds"`
}

func (w *Worker) handleStats(rw http.ResponseWriter, r *http.Request) {
	var last time.Time
	if n := w.lastJobAt.Load(); n > 0 {
		last = time.Unix(0, n)
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(Stats{
		Processed: w.processed.Load(),
		InFlight:  w.inFlight.Load(),
		LastJobAt: last,
		UptimeSec: int64(time.Since(w.startedAt).Seconds()),
	})
}

func (w *Worker) handleRouterHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"providers": w.processor.RouterHealth(),
		"capacity":  w.processor.CapacityReport(),
	})
}

func (w *Worker) respond(rw http.ResponseWriter, r *http.Request, status int, res Result, started time.Time) {
	if w.metrics != nil {
		w.metrics.RecordHTTPRequest(r.Method, r.URL.Path, status, time.Since(started))
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(res)
}
