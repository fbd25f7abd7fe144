// =============================================================================
// vidflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("VIDFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/vidflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 vidflow 控制平面的完整配置结构
type Config struct {
	// Server 工作进程 HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Providers 生成服务提供商（开放集合，按配置装配）
	Providers []types.ProviderSpec `yaml:"providers" env:"-"`

	// Router 分层路由器配置
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Queue 任务队列配置
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Worker 工作进程配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// Scheduler 每日排产配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Poller 异步轮询器配置
	Poller PollerConfig `yaml:"poller" env:"POLLER"`

	// Redis 队列后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 持久化存储配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口（任务投递入口）
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TierUpliftPolicy 控制无可用提供商时是否允许升档
type TierUpliftPolicy string

const (
	UpliftNever           TierUpliftPolicy = "NEVER"
	UpliftOnExhaustion    TierUpliftPolicy = "ON_EXHAUSTION"
	UpliftAlwaysIfCheaper TierUpliftPolicy = "ALWAYS_IF_CHEAPER"
)

// HealthThresholds 健康状态机阈值
type HealthThresholds struct {
	// 连续失败 N 次进入 DEGRADED
	DegradedFailures int `yaml:"degraded_failures" env:"DEGRADED_FAILURES"`
	// 连续失败 N 次进入 UNHEALTHY
	UnhealthyFailures int `yaml:"unhealthy_failures" env:"UNHEALTHY_FAILURES"`
	// 滚动错误率超过该值进入 DEGRADED
	DegradedErrorRate float64 `yaml:"degraded_error_rate" env:"DEGRADED_ERROR_RATE"`
	// 滚动错误率超过该值进入 UNHEALTHY
	UnhealthyErrorRate float64 `yaml:"unhealthy_error_rate" env:"UNHEALTHY_ERROR_RATE"`
	// 连续成功 N 次从 DEGRADED 恢复
	RecoverySuccesses int `yaml:"recovery_successes" env:"RECOVERY_SUCCESSES"`
	// 恢复探测最小间隔
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
}

// RouterConfig 路由器配置
type RouterConfig struct {
	// 单个请求最多尝试的提供商数量（含升档）
	MaxAttemptsPerRequest int `yaml:"max_attempts_per_request" env:"MAX_ATTEMPTS_PER_REQUEST"`
	// 升档策略: NEVER / ON_EXHAUSTION / ALWAYS_IF_CHEAPER
	TierUpliftPolicy TierUpliftPolicy `yaml:"tier_uplift_policy" env:"TIER_UPLIFT_POLICY"`
	// 健康阈值
	HealthThresholds HealthThresholds `yaml:"health_thresholds" env:"HEALTH"`
}

// QueueConfig 队列配置
type QueueConfig struct {
	// 每秒投递数（全局钳制）
	DispatchesPerSecond float64 `yaml:"dispatches_per_second" env:"DISPATCHES_PER_SECOND"`
	// 最大并发投递数
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches" env:"MAX_CONCURRENT_DISPATCHES"`
	// 投递重试最大次数
	RetryMaxAttempts int `yaml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	// 首次重试延迟
	RetryMinBackoff time.Duration `yaml:"retry_min_backoff" env:"RETRY_MIN_BACKOFF"`
	// 重试延迟上限
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff" env:"RETRY_MAX_BACKOFF"`
	// 单次投递超时（对应 Worker 的处理期限）
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
}

// WorkerConfig 工作进程配置
type WorkerConfig struct {
	// 处理器池大小
	HandlerPoolSize int `yaml:"handler_pool_size" env:"HANDLER_POOL_SIZE"`
	// 单任务处理期限
	PerRequestDeadline time.Duration `yaml:"per_request_deadline" env:"PER_REQUEST_DEADLINE"`
	// 队列可见的 Worker URL
	WorkerURL string `yaml:"worker_url" env:"WORKER_URL"`
}

// SchedulerConfig 每日排产配置
type SchedulerConfig struct {
	// 批次窗口（UTC, "HH:MM"）
	BatchWindowsUTC []string `yaml:"batch_windows_utc" env:"BATCH_WINDOWS_UTC"`
	// 各档位份额（0-1，合计 1）
	TierShares map[string]float64 `yaml:"tier_shares" env:"-"`
	// 每日目标条数
	DailyTarget int `yaml:"daily_target" env:"DAILY_TARGET"`
	// 平台列表
	Platforms []string `yaml:"platforms" env:"PLATFORMS"`
	// 话题源配置引用
	TopicSourceRef string `yaml:"topic_source_ref" env:"TOPIC_SOURCE_REF"`
}

// PollerConfig 轮询器配置
type PollerConfig struct {
	// 新任务初始轮询间隔
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	// 轮询间隔上限
	MaxInterval time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	// 每个调度量子的最大并发外呼数
	MaxConcurrentPolls int `yaml:"max_concurrent_polls" env:"MAX_CONCURRENT_POLLS"`
	// tick 周期
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "VIDFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	if c.Router.MaxAttemptsPerRequest <= 0 {
		errs = append(errs, "router.max_attempts_per_request must be positive")
	}
	switch c.Router.TierUpliftPolicy {
	case UpliftNever, UpliftOnExhaustion, UpliftAlwaysIfCheaper:
	default:
		errs = append(errs, fmt.Sprintf("unknown tier_uplift_policy %q", c.Router.TierUpliftPolicy))
	}

	if c.Queue.DispatchesPerSecond <= 0 {
		errs = append(errs, "queue.dispatches_per_second must be positive")
	}
	if c.Queue.MaxConcurrentDispatches <= 0 {
		errs = append(errs, "queue.max_concurrent_dispatches must be positive")
	}

	if c.Worker.HandlerPoolSize <= 0 {
		errs = append(errs, "worker.handler_pool_size must be positive")
	}
	if c.Worker.PerRequestDeadline <= 0 {
		errs = append(errs, "worker.per_request_deadline must be positive")
	}

	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, "provider with empty id")
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("duplicate provider id %q", p.ID))
		}
		seen[p.ID] = true
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Sprintf("provider %q has no models", p.ID))
		}
		if len(p.SupportsTiers) == 0 {
			errs = append(errs, fmt.Sprintf("provider %q supports no tiers", p.ID))
		}
		if p.RateLimit.RequestsPerSecond <= 0 || p.RateLimit.Burst <= 0 || p.RateLimit.Concurrency <= 0 {
			errs = append(errs, fmt.Sprintf("provider %q has invalid rate_limit", p.ID))
		}
	}

	for _, w := range c.Scheduler.BatchWindowsUTC {
		if _, err := time.Parse("15:04", w); err != nil {
			errs = append(errs, fmt.Sprintf("invalid batch window %q", w))
		}
	}
	var shareSum float64
	for name, s := range c.Scheduler.TierShares {
		if _, err := types.ParseTier(name); err != nil {
			errs = append(errs, fmt.Sprintf("unknown tier %q in tier_shares", name))
		}
		shareSum += s
	}
	if len(c.Scheduler.TierShares) > 0 && (shareSum < 0.999 || shareSum > 1.001) {
		errs = append(errs, "tier_shares must sum to 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ProviderByID 按 id 查找提供商配置
func (c *Config) ProviderByID(id string) (*types.ProviderSpec, bool) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
