package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/internal/metrics"
	"github.com/BaSui01/vidflow/providers"
	"github.com/BaSui01/vidflow/queue"
	"github.com/BaSui01/vidflow/ratelimit"
	"github.com/BaSui01/vidflow/router"
	"github.com/BaSui01/vidflow/store"
	"github.com/BaSui01/vidflow/types"
)

// app 聚合一个进程需要的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb         *redis.Client
	pool        *store.Pool
	jobs        *store.JobStore
	healthStore *store.HealthStore
	accountant  *budget.Accountant
	router      *router.Router
	limiter     *ratelimit.Limiter
	registry    *providers.Registry
	queue       *queue.Manager
	collector   *metrics.Collector
}

// newRedisClient 连接 Redis（队列后端）
func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// newQueueApp 装配仅依赖 Redis 的组件（submit / status）
func newQueueApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		rdb:    rdb,
		queue:  queue.NewManager(rdb, cfg.Queue, cfg.Worker.WorkerURL, logger),
	}, nil
}

// newFullApp 装配完整控制平面（run-worker / run-poller / run-scheduler）
func newFullApp(cfg *config.Config, logger *zap.Logger, withMetrics bool) (*app, error) {
	a, err := newQueueApp(cfg, logger)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.pool = store.NewPool(db, logger)

	a.jobs, err = store.NewJobStore(a.pool, logger)
	if err != nil {
		return nil, err
	}
	budgetStore, err := store.NewBudgetStore(a.pool)
	if err != nil {
		return nil, err
	}
	a.healthStore, err = store.NewHealthStore(a.pool)
	if err != nil {
		return nil, err
	}

	a.accountant = budget.New(cfg.Providers, budgetStore, logger)
	a.router = router.New(cfg.Providers, cfg.Router, a.accountant, logger)
	a.limiter = ratelimit.New(cfg.Providers, logger)

	a.registry, err = providers.NewRegistry(cfg.Providers, providers.EnvCredentials, logger)
	if err != nil {
		return nil, err
	}

	// 健康快照恢复（尽力而为）
	if snap, ok, err := a.healthStore.Load(); err == nil && ok {
		a.router.RestoreHealth(snap)
		logger.Info("router health restored from snapshot")
	}

	if withMetrics {
		a.collector = metrics.NewCollector("vidflow", logger)
	}
	return a, nil
}

// runHealthSnapshotLoop 周期性持久化路由健康状态并导出指标
func (a *app) runHealthSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.router.HealthSnapshot()
			if err := a.healthStore.Save(snap); err != nil {
				a.logger.Error("failed to persist health snapshot", zap.Error(err))
			}
			if a.collector != nil {
				for id, info := range snap {
					a.collector.SetProviderHealth(id, int(info.State))
				}
			}
		}
	}
}

// probeFunc 构造恢复探测函数：对提供商发起一次最小代价的状态查询。
// 传输层失败或故障特征视为探测失败；客户端错误（如 404）说明服务在线。
func (a *app) probeFunc() router.ProbeFunc {
	return func(ctx context.Context, providerID string) error {
		adapter, ok := a.registry.Get(providerID)
		if !ok {
			return types.NewError(types.ErrInternal, "no adapter for "+providerID)
		}
		_, err := adapter.Poll(ctx, "health-probe")
		switch types.GetErrorCode(err) {
		case types.ErrTransientNetwork, types.ErrProviderOutage, types.ErrDeadlineExceeded:
			return err
		default:
			return nil
		}
	}
}
