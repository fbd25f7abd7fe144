// =============================================================================
// vidflow 主入口
// =============================================================================
// 视频生产控制平面的统一命令入口。
//
// 使用方法:
//
//	vidflow submit --tier VOLUME --prompt "ambient nature loop"   # 提交单个请求
//	vidflow status                                                # 队列/路由/预算状态
//	vidflow plan --date 2026-08-01                                # 排产预演（不入队）
//	vidflow run-worker --config config.yaml                       # 工作进程守护
//	vidflow run-scheduler --config config.yaml                    # 排产守护
//	vidflow run-poller --config config.yaml                       # 轮询守护
//	vidflow version                                               # 版本信息
//
// 退出码: 0 成功; 2 配置错误; 3 瞬态运行时故障; 4 永久运行时故障
// =============================================================================
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/vidflow/config"
	"github.com/BaSui01/vidflow/types"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码约定
const (
	exitOK        = 0
	exitConfig    = 2
	exitTransient = 3
	exitPermanent = 4
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "submit":
		os.Exit(runSubmit(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "plan":
		os.Exit(runPlan(os.Args[2:]))
	case "run-worker":
		os.Exit(runWorker(os.Args[2:]))
	case "run-scheduler":
		os.Exit(runScheduler(os.Args[2:]))
	case "run-poller":
		os.Exit(runPoller(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitConfig)
	}
}

func printVersion() {
	fmt.Printf("vidflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vidflow - video production control plane

Usage:
  vidflow submit --tier TIER --prompt PROMPT [--duration N] [--aspect RATIO] [--deadline RFC3339]
  vidflow status
  vidflow plan --date YYYY-MM-DD
  vidflow run-worker    [--config FILE]
  vidflow run-scheduler [--config FILE]
  vidflow run-poller    [--config FILE]
  vidflow version
`)
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildLogger 按配置构建 zap logger
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	zcfg.DisableCaller = !cfg.EnableCaller
	zcfg.DisableStacktrace = !cfg.EnableStacktrace

	return zcfg.Build()
}

// exitCodeFor 将错误映射到退出码
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	switch types.GetErrorCode(err) {
	case types.ErrNoViableProvider, types.ErrBudgetExhausted, types.ErrProviderClientError, types.ErrInternal:
		return exitPermanent
	default:
		return exitTransient
	}
}
