package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/budget"
	"github.com/BaSui01/vidflow/internal/server"
	"github.com/BaSui01/vidflow/internal/telemetry"
	"github.com/BaSui01/vidflow/poller"
	"github.com/BaSui01/vidflow/router"
	"github.com/BaSui01/vidflow/scheduler"
	"github.com/BaSui01/vidflow/types"
	"github.com/BaSui01/vidflow/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// submit 命令
// =============================================================================

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	tier := fs.String("tier", "VOLUME", "Quality tier: PREMIUM, STANDARD, VOLUME")
	prompt := fs.String("prompt", "", "Creative prompt (already expanded)")
	duration := fs.Int("duration", 5, "Clip duration in seconds")
	aspect := fs.String("aspect", "16:9", "Aspect ratio")
	platform := fs.String("platform", "", "Platform hint")
	deadline := fs.String("deadline", "", "Optional deadline (RFC3339)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger, _ := buildLogger(cfg.Log)
	defer logger.Sync()

	parsedTier, err := types.ParseTier(*tier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid tier %q\n", *tier)
		return exitConfig
	}
	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "--prompt is required")
		return exitConfig
	}

	req := types.GenerationRequest{
		RequestID:       "vf-adhoc-" + uuid.NewString(),
		QualityTier:     parsedTier,
		Prompt:          *prompt,
		DurationSeconds: *duration,
		AspectRatio:     *aspect,
		PlatformHint:    *platform,
		CreatedAt:       time.Now().UTC(),
	}
	if *deadline != "" {
		d, err := time.Parse(time.RFC3339, *deadline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid deadline: %v\n", err)
			return exitConfig
		}
		req.Deadline = &d
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid request: %v\n", err)
		return exitConfig
	}

	a, err := newQueueApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue unavailable: %v\n", err)
		return exitTransient
	}

	env := &types.TaskEnvelope{RequestID: req.RequestID, Payload: req}
	if _, err := a.queue.Enqueue(context.Background(), env); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		return exitCodeFor(err)
	}

	fmt.Println(req.RequestID)
	return exitOK
}

// =============================================================================
// status 命令
// =============================================================================

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger, _ := buildLogger(cfg.Log)
	defer logger.Sync()

	a, err := newQueueApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue unavailable: %v\n", err)
		return exitTransient
	}

	qs, err := a.queue.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue status failed: %v\n", err)
		return exitTransient
	}
	fmt.Printf("queue: depth=%d running=%d rate=%.1f/s max_concurrent=%d dead=%d\n",
		qs.ApproximateDepth, qs.Running, qs.DispatchRate, qs.MaxConcurrent, qs.DeadTasks)

	base := strings.TrimSuffix(cfg.Worker.WorkerURL, "/process_video_job")
	for _, path := range []string{"/stats", "/health", "/router_health"} {
		body, err := httpGet(base + path)
		if err != nil {
			fmt.Printf("worker%s: unreachable (%v)\n", path, err)
			continue
		}
		fmt.Printf("worker%s: %s\n", path, body)
	}
	return exitOK
}

func httpGet(url string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// =============================================================================
// plan 命令（dry-run，不入队）
// =============================================================================

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dateStr := fs.String("date", time.Now().UTC().Format("2006-01-02"), "Plan date (YYYY-MM-DD)")
	asJSON := fs.Bool("json", false, "Print the plan as JSON")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger, _ := buildLogger(cfg.Log)
	defer logger.Sync()

	date, err := time.Parse("2006-01-02", *dateStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid date: %v\n", err)
		return exitConfig
	}

	// dry-run against a fresh in-memory ledger: full envelopes assumed
	accountant := budget.New(cfg.Providers, nil, logger)
	s := scheduler.New(cfg.Scheduler, nil, accountant, nil, cfg.Providers, logger)

	items, err := s.Plan(date)
	if err != nil {
		fmt.Fprintf(os.Stderr, "planning failed: %v\n", err)
		return exitCodeFor(err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(items, "", "  ")
		fmt.Println(string(out))
		return exitOK
	}

	fmt.Printf("plan for %s: %d items\n", *dateStr, len(items))
	for _, it := range items {
		fmt.Printf("  %s  %-8s %-9s %s %q\n",
			it.NotBefore.Format("15:04"),
			it.Request.QualityTier,
			it.Request.PlatformHint,
			it.Request.RequestID,
			it.Request.Prompt,
		)
	}
	return exitOK
}

// =============================================================================
// run-worker 守护
// =============================================================================

func runWorker(args []string) int {
	fs := flag.NewFlagSet("run-worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("telemetry init failed", zap.Error(err))
		return exitTransient
	}
	defer tel.Shutdown(context.Background())

	a, err := newFullApp(cfg, logger, true)
	if err != nil {
		logger.Error("wiring failed", zap.Error(err))
		return exitTransient
	}

	processor := worker.NewProcessor(
		a.router, a.limiter, a.registry, a.accountant, a.jobs,
		nil, // 上传协作方由部署方注入
		a.collector, logger,
	)
	w := worker.New(processor, a.accountant, cfg.Worker, a.collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 恢复探测与健康快照循环
	prober := router.NewRecoveryProber(a.router, a.probeFunc(), 15*time.Second, logger)
	go prober.Run(ctx)
	go a.runHealthSnapshotLoop(ctx)

	// 任务入口
	srvCfg := server.DefaultConfig()
	srvCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Worker.PerRequestDeadline + 30*time.Second
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	httpSrv := server.NewManager(w.Handler(), srvCfg, logger)
	if err := httpSrv.Start(); err != nil {
		logger.Error("worker server failed to start", zap.Error(err))
		return exitTransient
	}

	// 指标端点
	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = fmt.Sprintf(":%d", cfg.Server.MetricsPort)
	metricsSrv := server.NewManager(promhttp.Handler(), metricsCfg, logger)
	if err := metricsSrv.Start(); err != nil {
		logger.Error("metrics server failed to start", zap.Error(err))
		return exitTransient
	}

	logger.Info("worker running",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
		zap.Int("handler_pool", cfg.Worker.HandlerPoolSize),
	)

	httpSrv.WaitForShutdown()
	metricsSrv.Shutdown(context.Background())
	return exitOK
}

// =============================================================================
// run-scheduler 守护（含队列投递循环）
// =============================================================================

func runScheduler(args []string) int {
	fs := flag.NewFlagSet("run-scheduler", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	a, err := newFullApp(cfg, logger, false)
	if err != nil {
		logger.Error("wiring failed", zap.Error(err))
		return exitTransient
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 队列投递循环与排产守护同进程运行
	go a.queue.Run(ctx)

	s := scheduler.New(cfg.Scheduler, a.queue, a.accountant, nil, cfg.Providers, logger)
	logger.Info("scheduler running",
		zap.Strings("batch_windows", cfg.Scheduler.BatchWindowsUTC),
		zap.Int("daily_target", cfg.Scheduler.DailyTarget),
	)

	if err := s.RunDaemon(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scheduler stopped", zap.Error(err))
		return exitTransient
	}
	return exitOK
}

// =============================================================================
// run-poller 守护
// =============================================================================

func runPoller(args []string) int {
	fs := flag.NewFlagSet("run-poller", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	a, err := newFullApp(cfg, logger, false)
	if err != nil {
		logger.Error("wiring failed", zap.Error(err))
		return exitTransient
	}

	p := poller.New(
		a.jobs, a.registry, a.accountant, a.router, a.limiter,
		nil, // 上传协作方由部署方注入
		cfg.Providers, cfg.Poller, a.collector, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runHealthSnapshotLoop(ctx)

	logger.Info("poller running",
		zap.Duration("tick_interval", cfg.Poller.TickInterval),
		zap.Int("max_concurrent_polls", cfg.Poller.MaxConcurrentPolls),
	)
	p.Run(ctx)
	return exitOK
}
