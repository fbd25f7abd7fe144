package config

import (
	"time"
)

// DefaultConfig 返回完整的默认配置
// 提供商列表默认为空，必须通过 YAML 配置装配
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Router: RouterConfig{
			MaxAttemptsPerRequest: 3,
			TierUpliftPolicy:      UpliftOnExhaustion,
			HealthThresholds: HealthThresholds{
				DegradedFailures:   2,
				UnhealthyFailures:  5,
				DegradedErrorRate:  0.25,
				UnhealthyErrorRate: 0.50,
				RecoverySuccesses:  3,
				ProbeInterval:      60 * time.Second,
			},
		},
		Queue: QueueConfig{
			DispatchesPerSecond:     5,
			MaxConcurrentDispatches: 20,
			RetryMaxAttempts:        5,
			RetryMinBackoff:         10 * time.Second,
			RetryMaxBackoff:         300 * time.Second,
			DeliveryTimeout:         900 * time.Second,
		},
		Worker: WorkerConfig{
			HandlerPoolSize:    16,
			PerRequestDeadline: 900 * time.Second,
			WorkerURL:          "http://localhost:8080/process_video_job",
		},
		Scheduler: SchedulerConfig{
			BatchWindowsUTC: []string{"06:00", "10:00", "14:00", "18:00", "22:00"},
			TierShares: map[string]float64{
				"PREMIUM":  0.1,
				"STANDARD": 0.3,
				"VOLUME":   0.6,
			},
			DailyTarget: 50,
			Platforms:   []string{"youtube"},
		},
		Poller: PollerConfig{
			InitialInterval:    10 * time.Second,
			MaxInterval:        120 * time.Second,
			MaxConcurrentPolls: 8,
			TickInterval:       5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "vidflow.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "vidflow",
			SampleRate:  1.0,
		},
	}
}
