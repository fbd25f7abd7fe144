// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	tasksProcessedTotal *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	handlerPoolInUse    prometheus.Gauge

	// 提供商指标
	providerSubmitsTotal *prometheus.CounterVec
	providerLatency      *prometheus.HistogramVec
	providerHealth       *prometheus.GaugeVec

	// 任务状态指标
	jobStateTransitions *prometheus.CounterVec
	pollsTotal          *prometheus.CounterVec

	// 预算指标
	creditsReserved  *prometheus.CounterVec
	creditsCommitted *prometheus.CounterVec
	creditsReleased  *prometheus.CounterVec

	// 队列指标
	queueDepth prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.tasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Total number of tasks processed by the worker",
		},
		[]string{"tier", "outcome"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task processing duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"tier"},
	)

	c.handlerPoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handler_pool_in_use",
			Help:      "Task handlers currently in flight",
		},
	)

	c.providerSubmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_submits_total",
			Help:      "Total number of provider submissions",
		},
		[]string{"provider", "status"},
	)

	c.providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.providerHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health state (0=healthy, 1=degraded, 2=unhealthy)",
		},
		[]string{"provider"},
	)

	c.jobStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_state_transitions_total",
			Help:      "Total number of provider job state transitions",
		},
		[]string{"provider", "from_state", "to_state"},
	)

	c.pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of provider status polls",
		},
		[]string{"provider", "result"},
	)

	c.creditsReserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_reserved_total",
			Help:      "Total credits reserved",
		},
		[]string{"provider"},
	)

	c.creditsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_committed_total",
			Help:      "Total credits committed",
		},
		[]string{"provider"},
	)

	c.creditsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_released_total",
			Help:      "Total credits released back to the envelope",
		},
		[]string{"provider"},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate queue depth",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTask 记录任务处理结果
func (c *Collector) RecordTask(tier, outcome string, duration time.Duration) {
	c.tasksProcessedTotal.WithLabelValues(tier, outcome).Inc()
	c.taskDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// SetHandlersInUse 设置在途处理器数量
func (c *Collector) SetHandlersInUse(n int) {
	c.handlerPoolInUse.Set(float64(n))
}

// RecordProviderSubmit 记录提供商提交
func (c *Collector) RecordProviderSubmit(provider, status string, latency time.Duration) {
	c.providerSubmitsTotal.WithLabelValues(provider, status).Inc()
	if latency > 0 {
		c.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// SetProviderHealth 设置提供商健康状态
func (c *Collector) SetProviderHealth(provider string, state int) {
	c.providerHealth.WithLabelValues(provider).Set(float64(state))
}

// RecordJobTransition 记录任务状态转换
func (c *Collector) RecordJobTransition(provider, from, to string) {
	c.jobStateTransitions.WithLabelValues(provider, from, to).Inc()
}

// RecordPoll 记录一次轮询
func (c *Collector) RecordPoll(provider, result string) {
	c.pollsTotal.WithLabelValues(provider, result).Inc()
}

// RecordCredits 记录信用变化
func (c *Collector) RecordCredits(provider string, reserved, committed, released int64) {
	if reserved > 0 {
		c.creditsReserved.WithLabelValues(provider).Add(float64(reserved))
	}
	if committed > 0 {
		c.creditsCommitted.WithLabelValues(provider).Add(float64(committed))
	}
	if released > 0 {
		c.creditsReleased.WithLabelValues(provider).Add(float64(released))
	}
}

// SetQueueDepth 设置队列深度
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Set(float64(depth))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
