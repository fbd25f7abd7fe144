// Package queue implements the durable task queue: delayed enqueue over
// Redis, HTTP push delivery to the worker, and retry with exponential
// backoff. The queue's rate controls protect the system as a whole; the
// per-provider rate limiter protects each provider.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

const (
	keyDelayed = "vidflow:queue:delayed"
	keyReady   = "vidflow:queue:ready"
	keyDead    = "vidflow:queue:dead"
	keyTask    = "vidflow:queue:task:" // + task id
)

// Status is the queue's externally visible state.
type Status struct {
	ApproximateDepth int64   `json:"approximate_depth"`
	Running          int64   `json:"running"`
	DispatchRate     float64 `json:"dispatch_rate"`
	MaxConcurrent    int     `json:"max_concurrent"`
	DeadTasks        int64   `json:"dead_tasks"`
}

// Manager owns the Redis-backed task storage and the dispatcher.
type Manager struct {
	rdb        *redis.Client
	cfg        config.QueueConfig
	workerURL  string
	dispatcher *dispatcher
	logger     *zap.Logger
}

// NewManager creates a queue manager over an existing Redis client.
func NewManager(rdb *redis.Client, cfg config.QueueConfig, workerURL string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		rdb:       rdb,
		cfg:       cfg,
		workerURL: workerURL,
		logger:    logger.With(zap.String("component", "queue")),
	}
	m.dispatcher = newDispatcher(m)
	return m
}

// Enqueue stores the envelope durably and schedules it at not_before.
// Returns the task handle.
func (m *Manager) Enqueue(ctx context.Context, env *types.TaskEnvelope) (string, error) {
	if env.EnqueueTime.IsZero() {
		env.EnqueueTime = time.Now().UTC()
	}
	if env.RetryPolicy.MaxAttempts == 0 {
		env.RetryPolicy = types.RetryPolicy{
			MaxAttempts: m.cfg.RetryMaxAttempts,
			MinBackoff:  m.cfg.RetryMinBackoff,
			MaxBackoff:  m.cfg.RetryMaxBackoff,
		}
	}

	data, err := env.Marshal()
	if err != nil {
		return "", types.NewError(types.ErrInvalidEnvelope, "failed to marshal envelope").WithCause(err)
	}

	taskID := uuid.NewString()
	notBefore := env.NotBefore
	if notBefore.IsZero() {
		notBefore = env.EnqueueTime
	}

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, keyTask+taskID, map[string]any{
		"envelope":    data,
		"attempt":     0,
		"request_id":  env.RequestID,
		"enqueued_at": env.EnqueueTime.Format(time.RFC3339),
	})
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(notBefore.Unix()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	m.logger.Info("task enqueued",
		zap.String("task_id", taskID),
		zap.String("request_id", env.RequestID),
		zap.Time("not_before", notBefore),
	)
	return taskID, nil
}

// Status reports depth and dispatcher settings.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	delayed, err := m.rdb.ZCard(ctx, keyDelayed).Result()
	if err != nil {
		return Status{}, err
	}
	ready, err := m.rdb.LLen(ctx, keyReady).Result()
	if err != nil {
		return Status{}, err
	}
	dead, err := m.rdb.LLen(ctx, keyDead).Result()
	if err != nil {
		return Status{}, err
	}

	rate, maxConc := m.dispatcher.limits()
	return Status{
		ApproximateDepth: delayed + ready + m.dispatcher.running.Load(),
		Running:          m.dispatcher.running.Load(),
		DispatchRate:     rate,
		MaxConcurrent:    maxConc,
		DeadTasks:        dead,
	}, nil
}

// UpdateRateLimits changes the dispatcher's global clamps at runtime.
func (m *Manager) UpdateRateLimits(dispatchesPerSecond float64, maxConcurrent int) {
	m.dispatcher.updateLimits(dispatchesPerSecond, maxConcurrent)
	m.logger.Info("queue rate limits updated",
		zap.Float64("dispatches_per_second", dispatchesPerSecond),
		zap.Int("max_concurrent", maxConcurrent),
	)
}

// Run starts the mover and dispatcher loops and blocks until the context is
// canceled.
func (m *Manager) Run(ctx context.Context) {
	go m.moverLoop(ctx)
	m.dispatcher.run(ctx)
}

// moverLoop promotes due tasks from the delayed set to the ready list.
// Scheduling tolerance is governed by the tick period, well inside the ±5s
// contract.
func (m *Manager) moverLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.promoteDue(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("failed to promote due tasks", zap.Error(err))
			}
		}
	}
}

func (m *Manager) promoteDue(ctx context.Context) error {
	now := float64(time.Now().Unix())
	ids, err := m.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		// remove-then-push keeps a task in exactly one place; a crash
		// between the two steps is recovered by the reaper below
		removed, err := m.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another mover won the race
		}
		if err := m.rdb.LPush(ctx, keyReady, id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reschedule puts a task back in the delayed set after a failed delivery.
func (m *Manager) reschedule(ctx context.Context, taskID string, delay time.Duration) error {
	score := float64(time.Now().Add(delay).Unix())
	return m.rdb.ZAdd(ctx, keyDelayed, redis.Z{Score: score, Member: taskID}).Err()
}

// bury moves a task to the dead list. The task hash is kept for inspection.
func (m *Manager) bury(ctx context.Context, taskID, reason string) error {
	m.logger.Warn("task buried",
		zap.String("task_id", taskID),
		zap.String("reason", reason),
	)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, keyTask+taskID, "dead_reason", reason)
	pipe.LPush(ctx, keyDead, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// ack removes a delivered task entirely.
func (m *Manager) ack(ctx context.Context, taskID string) error {
	return m.rdb.Del(ctx, keyTask+taskID).Err()
}
