// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// =============================================================================
// PipeFlow 主入口
// =============================================================================
// 工作流引擎命令行：启动交付流水线、恢复挂起的运行、处理审批决策。
//
// 使用方法:
//
//	pipeflow run                          # 启动一次交付流水线
//	pipeflow run --config config.yaml     # 指定配置文件
//	pipeflow resume --id <workflow-id>    # 恢复挂起的运行
//	pipeflow approve --id <request-id>    # 批准审批请求并继续执行
//	pipeflow status --id <workflow-id>    # 查看运行状态
//	pipeflow version                      # 显示版本信息
//
// memory 后端只在单进程内有效；跨进程的 resume/approve/status 需要
// redis 或 database 检查点后端。
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/pipeflow"
	"github.com/BaSui01/pipeflow/approval"
	"github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/internal/telemetry"
	"github.com/BaSui01/pipeflow/pipeline"
	"github.com/BaSui01/pipeflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "approve":
		runApprove(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🚀 run 命令
// =============================================================================

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowID := fs.String("id", "", "Workflow ID (generated when empty)")
	quality := fs.Float64("quality", 0.9, "Simulated reflection quality score")
	deferRun := fs.Bool("defer", false, "Simulate a DEFER decision at strategic review")
	critical := fs.Bool("critical", false, "Simulate a critical security finding")
	fs.Parse(args)

	eng, cfg, logger, cleanup := buildEngine(*configPath)
	defer cleanup()

	ctx := context.Background()

	var startOpts []pipelineStartOption
	if *workflowID != "" {
		startOpts = append(startOpts, withWorkflowID(*workflowID))
	}
	state, err := startPipeline(ctx, eng, cfg, demoBehavior{
		Quality:  *quality,
		Defer:    *deferRun,
		Critical: *critical,
	}, startOpts...)
	if err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}

	printState(state)
	if state.Status == types.StatusSuspendedForApproval {
		req, err := eng.Approvals.Pending(ctx, state.WorkflowID, state.CurrentNodeID)
		if err == nil && req != nil {
			fmt.Printf("Approval required: pipeflow approve --id %s\n", req.ID)
		}
	}
}

// =============================================================================
// ▶️ resume 命令
// =============================================================================

func runResume(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowID := fs.String("id", "", "Workflow ID to resume")
	fs.Parse(args)

	if *workflowID == "" {
		fmt.Fprintln(os.Stderr, "resume requires --id <workflow-id>")
		os.Exit(1)
	}

	eng, cfg, logger, cleanup := buildEngine(*configPath)
	defer cleanup()

	registerPipeline(eng, cfg, demoBehavior{Quality: 0.9})

	state, err := eng.Executor.Resume(context.Background(), *workflowID)
	if err != nil {
		logger.Fatal("resume failed", zap.Error(err))
	}
	printState(state)
}

// =============================================================================
// ✅ approve 命令
// =============================================================================

func runApprove(args []string) {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	requestID := fs.String("id", "", "Approval request ID")
	reject := fs.Bool("reject", false, "Reject instead of approve")
	note := fs.String("note", "", "Reviewer note")
	fs.Parse(args)

	if *requestID == "" {
		fmt.Fprintln(os.Stderr, "approve requires --id <request-id>")
		os.Exit(1)
	}

	eng, cfg, logger, cleanup := buildEngine(*configPath)
	defer cleanup()

	registerPipeline(eng, cfg, demoBehavior{Quality: 0.9})

	decision := approval.DecisionApproved
	if *reject {
		decision = approval.DecisionRejected
	}

	state, err := eng.Executor.ResolveApproval(context.Background(), *requestID, decision, *note)
	if err != nil {
		logger.Fatal("approval resolution failed", zap.Error(err))
	}

	// 批准后状态仍是挂起之外的 running，继续驱动到下一个停点
	if state.Status == types.StatusRunning {
		state, err = eng.Executor.Resume(context.Background(), state.WorkflowID)
		if err != nil {
			logger.Fatal("resume after approval failed", zap.Error(err))
		}
	}
	printState(state)
}

// =============================================================================
// 📊 status 命令
// =============================================================================

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowID := fs.String("id", "", "Workflow ID")
	fs.Parse(args)

	if *workflowID == "" {
		fmt.Fprintln(os.Stderr, "status requires --id <workflow-id>")
		os.Exit(1)
	}

	eng, _, logger, cleanup := buildEngine(*configPath)
	defer cleanup()

	info, err := eng.Executor.Status(context.Background(), *workflowID)
	if err != nil {
		logger.Fatal("status lookup failed", zap.Error(err))
	}

	fmt.Printf("Workflow:   %s\n", info.WorkflowID)
	fmt.Printf("Definition: %s\n", info.DefinitionID)
	fmt.Printf("Status:     %s\n", info.Status)
	fmt.Printf("Node:       %s\n", info.CurrentNodeID)
	fmt.Printf("Version:    %d\n", info.Version)
}

// =============================================================================
// 🔧 引擎构建
// =============================================================================

func buildEngine(configPath string) (*pipeflow.Engine, *config.Config, *zap.Logger, func()) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)

	logger.Info("Starting PipeFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	eng, err := pipeflow.New(cfg, pipeflow.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}

	cleanup := func() {
		_ = eng.Close()
		if providers != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = providers.Shutdown(ctx)
		}
		_ = logger.Sync()
	}
	return eng, cfg, logger, cleanup
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("PipeFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printState(state *types.WorkflowState) {
	fmt.Printf("Workflow %s: %s (node=%s version=%d steps=%d)\n",
		state.WorkflowID, state.Status, state.CurrentNodeID,
		state.Version, len(state.CompletedSteps))
}

func printUsage() {
	fmt.Println(`PipeFlow - Workflow Orchestration Engine

Usage:
  pipeflow <command> [options]

Commands:
  run       Start a delivery pipeline run
  resume    Resume a suspended or interrupted run
  approve   Resolve a pending approval request
  status    Show the state of a run
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>   Path to configuration file (YAML)
  --id <id>         Workflow ID (generated when empty)
  --quality <f>     Simulated reflection quality score (default 0.9)
  --defer           Simulate a DEFER decision at strategic review
  --critical        Simulate a critical security finding

Options for 'approve':
  --id <id>         Approval request ID (required)
  --reject          Reject instead of approve
  --note <text>     Reviewer note

Examples:
  pipeflow run --config /etc/pipeflow/config.yaml
  pipeflow run --quality 0.5
  pipeflow approve --id req-1234
  pipeflow status --id wf-5678`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// registerPipeline 注册交付流水线定义，幂等（重复注册报错时忽略）。
func registerPipeline(eng *pipeflow.Engine, cfg *config.Config, behavior demoBehavior) {
	def, err := pipeline.NewDefinition(demoAdapters(behavior), pipeline.Config{
		QualityThreshold:   cfg.Pipeline.QualityThreshold,
		ReflectionRetryMax: cfg.Pipeline.ReflectionRetryMax,
		QAReworkMax:        cfg.Pipeline.QAReworkMax,
	}, demoBacklog(cfg.Pipeline.BacklogPath), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pipeline definition: %v\n", err)
		os.Exit(1)
	}
	_ = eng.Executor.Register(def)
}

func demoBacklog(path string) pipeline.Backlog {
	if path == "" {
		return nil
	}
	b, err := pipeline.NewFileBacklog(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backlog disabled: %v\n", err)
		return nil
	}
	return b
}
