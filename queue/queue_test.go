package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

func testManager(t *testing.T, workerURL string) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.DefaultConfig().Queue
	cfg.RetryMinBackoff = 10 * time.Second
	return NewManager(rdb, cfg, workerURL, nil), mr
}

func testEnvelope(requestID string) *types.TaskEnvelope {
	return &types.TaskEnvelope{
		RequestID: requestID,
		Payload: types.GenerationRequest{
			RequestID:       requestID,
			QualityTier:     types.TierVolume,
			Prompt:          "ambient nature loop",
			DurationSeconds: 5,
			AspectRatio:     "16:9",
		},
	}
}

func TestEnqueue_StoresTaskDurably(t *testing.T) {
	m, mr := testManager(t, "http://worker.invalid")
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	assert.True(t, mr.Exists(keyTask+taskID))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.ApproximateDepth)
}

func TestPromoteDue_HonorsNotBefore(t *testing.T) {
	m, _ := testManager(t, "http://worker.invalid")
	ctx := context.Background()

	// one task due now, one scheduled for later
	_, err := m.Enqueue(ctx, testEnvelope("R-now"))
	require.NoError(t, err)

	future := testEnvelope("R-later")
	future.NotBefore = time.Now().Add(time.Hour)
	_, err = m.Enqueue(ctx, future)
	require.NoError(t, err)

	require.NoError(t, m.promoteDue(ctx))

	ready, err := m.rdb.LLen(ctx, keyReady).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready, "only the due task is promoted")

	delayed, err := m.rdb.ZCard(ctx, keyDelayed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestDeliver_AckOn2xx(t *testing.T) {
	var delivered atomic.Int64
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, mr := testManager(t, srv.URL)
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)

	m.dispatcher.deliver(ctx, taskID)

	assert.Equal(t, int64(1), delivered.Load())
	assert.Equal(t, "1", gotHeaders.Get("X-Attempt-No"))
	assert.Equal(t, "R1", gotHeaders.Get("X-Request-Id"))
	assert.NotEmpty(t, gotHeaders.Get("X-Enqueue-Time"))
	assert.False(t, mr.Exists(keyTask+taskID), "acked task is removed")
}

func TestDeliver_PermanentRejectionBuries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)
	m.dispatcher.deliver(ctx, taskID)

	dead, err := m.rdb.LLen(ctx, keyDead).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	// not rescheduled
	score, err := m.rdb.ZScore(ctx, keyDelayed, taskID).Result()
	assert.Error(t, err)
	assert.Zero(t, score)
}

func TestDeliver_TransientReschedulesWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)
	m.dispatcher.deliver(ctx, taskID)

	score, err := m.rdb.ZScore(ctx, keyDelayed, taskID).Result()
	require.NoError(t, err)
	delay := time.Until(time.Unix(int64(score), 0))
	assert.Greater(t, delay, 5*time.Second, "first retry waits ~10s")
	assert.Less(t, delay, 15*time.Second)

	attempt, err := m.rdb.HGet(ctx, keyTask+taskID, "attempt").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", attempt)
}

func Test429_IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)
	m.dispatcher.deliver(ctx, taskID)

	_, err = m.rdb.ZScore(ctx, keyDelayed, taskID).Result()
	assert.NoError(t, err, "429 reschedules instead of burying")
}

func TestDeliver_ExhaustedAttemptsBury(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	ctx := context.Background()

	taskID, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)

	for i := 0; i < m.cfg.RetryMaxAttempts; i++ {
		m.rdb.ZRem(ctx, keyDelayed, taskID)
		m.dispatcher.deliver(ctx, taskID)
	}

	dead, err := m.rdb.LLen(ctx, keyDead).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestRetryBackoff_Doubles(t *testing.T) {
	b := retryBackoff{min: 10 * time.Second, max: 300 * time.Second}

	assert.Equal(t, 10*time.Second, b.Backoff(1))
	assert.Equal(t, 20*time.Second, b.Backoff(2))
	assert.Equal(t, 40*time.Second, b.Backoff(3))
	assert.Equal(t, 300*time.Second, b.Backoff(8))
}

func TestUpdateRateLimits(t *testing.T) {
	m, _ := testManager(t, "http://worker.invalid")
	ctx := context.Background()

	m.UpdateRateLimits(12.5, 40)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, status.DispatchRate)
	assert.Equal(t, 40, status.MaxConcurrent)
}

func TestRun_EndToEndDelivery(t *testing.T) {
	var delivered atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := testManager(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.Enqueue(ctx, testEnvelope("R1"))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, testEnvelope("R2"))
	require.NoError(t, err)

	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return delivered.Load() == 2
	}, 5*time.Second, 50*time.Millisecond)
}
