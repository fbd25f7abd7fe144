package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// dispatcher pops ready tasks and pushes them to the worker over HTTP.
// Two clamps apply: a global token bucket (dispatches per second) and a
// max-concurrent gate. When both are saturated, tasks simply stay in Redis.
type dispatcher struct {
	m       *Manager
	client  *http.Client
	bucket  *rate.Limiter
	running atomic.Int64

	mu            sync.Mutex
	dps           float64
	maxConcurrent int
}

func newDispatcher(m *Manager) *dispatcher {
	return &dispatcher{
		m:             m,
		client:        &http.Client{Timeout: m.cfg.DeliveryTimeout},
		bucket:        rate.NewLimiter(rate.Limit(m.cfg.DispatchesPerSecond), 1),
		dps:           m.cfg.DispatchesPerSecond,
		maxConcurrent: m.cfg.MaxConcurrentDispatches,
	}
}

func (d *dispatcher) limits() (float64, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dps, d.maxConcurrent
}

func (d *dispatcher) updateLimits(dps float64, maxConcurrent int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dps > 0 {
		d.dps = dps
		d.bucket.SetLimit(rate.Limit(dps))
	}
	if maxConcurrent > 0 {
		d.maxConcurrent = maxConcurrent
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := d.bucket.Wait(ctx); err != nil {
			return
		}

		// concurrency clamp: back off while the gate is full
		_, maxConc := d.limits()
		if d.running.Load() >= int64(maxConc) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		taskID, err := d.m.rdb.LPop(ctx, keyReady).Result()
		if err != nil {
			// empty list or transient redis error: idle briefly
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		d.running.Add(1)
		go func(id string) {
			defer d.running.Add(-1)
			d.deliver(ctx, id)
		}(taskID)
	}
}

// deliver POSTs one task to the worker and settles the outcome:
// 2xx acks, 4xx (non-429) buries, everything else reschedules with backoff.
func (d *dispatcher) deliver(ctx context.Context, taskID string) {
	fields, err := d.m.rdb.HGetAll(ctx, keyTask+taskID).Result()
	if err != nil || len(fields) == 0 {
		d.m.logger.Error("task payload missing", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	attempt, _ := strconv.Atoi(fields["attempt"])
	attempt++
	if err := d.m.rdb.HSet(ctx, keyTask+taskID, "attempt", attempt).Err(); err != nil {
		d.m.logger.Error("failed to bump attempt", zap.String("task_id", taskID), zap.Error(err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.m.workerURL,
		bytes.NewReader([]byte(fields["envelope"])))
	if err != nil {
		d.m.logger.Error("failed to build delivery request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Attempt-No", strconv.Itoa(attempt))
	req.Header.Set("X-Request-Id", fields["request_id"])
	req.Header.Set("X-Enqueue-Time", fields["enqueued_at"])

	resp, err := d.client.Do(req)
	if err != nil {
		d.settleTransient(ctx, taskID, attempt, fmt.Sprintf("network error: %v", err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := d.m.ack(ctx, taskID); err != nil {
			d.m.logger.Error("failed to ack task", zap.String("task_id", taskID), zap.Error(err))
		}
		d.m.logger.Info("task delivered",
			zap.String("task_id", taskID),
			zap.String("request_id", fields["request_id"]),
			zap.Int("attempt", attempt),
		)

	case resp.StatusCode == http.StatusTooManyRequests:
		d.settleTransient(ctx, taskID, attempt, "worker saturated (429)")

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// permanent: the worker rejected the task outright
		if err := d.m.bury(ctx, taskID, fmt.Sprintf("permanent worker rejection: %d", resp.StatusCode)); err != nil {
			d.m.logger.Error("failed to bury task", zap.String("task_id", taskID), zap.Error(err))
		}

	default:
		d.settleTransient(ctx, taskID, attempt, fmt.Sprintf("worker error: %d", resp.StatusCode))
	}
}

func (d *dispatcher) settleTransient(ctx context.Context, taskID string, attempt int, reason string) {
	if attempt >= d.m.cfg.RetryMaxAttempts {
		if err := d.m.bury(ctx, taskID, "delivery attempts exhausted: "+reason); err != nil {
			d.m.logger.Error("failed to bury task", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}

	policy := d.retryPolicy()
	delay := policy.Backoff(attempt)
	d.m.logger.Warn("delivery failed, rescheduling",
		zap.String("task_id", taskID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	if err := d.m.reschedule(ctx, taskID, delay); err != nil {
		d.m.logger.Error("failed to reschedule task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (d *dispatcher) retryPolicy() retryBackoff {
	return retryBackoff{
		min: d.m.cfg.RetryMinBackoff,
		max: d.m.cfg.RetryMaxBackoff,
	}
}

// retryBackoff doubles from min to max per attempt.
type retryBackoff struct {
	min, max time.Duration
}

func (b retryBackoff) Backoff(attempt int) time.Duration {
	d := b.min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}
