// =============================================================================
// reproflow 主入口
// =============================================================================
// 论文复现流水线的宿主命令，驱动 Runner、持久化检查点、暴露运维指标
//
// 使用方法:
//
//	reproflow run --plan plan.yaml --paper paper.txt     # 启动新运行
//	reproflow resume --checkpoint <run_id>/<name>         # 从检查点恢复
//	reproflow checkpoints --run <run_id>                  # 列出检查点
//	reproflow migrate up                                  # 检查点表迁移
//	reproflow version                                     # 显示版本信息
// =============================================================================

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/reproflow/config"
	"github.com/BaSui01/reproflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitSuspended = 3
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return exitUsage
	}

	var err error
	switch args[0] {
	case "run":
		err = runRun(args[1:])
	case "resume":
		err = runResume(args[1:])
	case "checkpoints":
		err = runCheckpoints(args[1:])
	case "migrate":
		err = runMigrate(args[1:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		return exitUsage
	}
	return exitCode(err)
}

// exitCode 把错误映射为退出码；等待输入的挂起不是失败
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitUsage
	case types.IsErrorCode(err, types.ErrNonInteractive):
		fmt.Fprintf(os.Stderr, "Input required: %v\n", err)
		var e *types.Error
		if errors.As(err, &e) && e.Details["checkpoint"] != "" {
			fmt.Fprintf(os.Stderr, "Resume with: reproflow resume --checkpoint %s --answer <text>\n", e.Details["checkpoint"])
		}
		return exitSuspended
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("reproflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`reproflow - paper reproduction workflow orchestrator

Usage:
  reproflow <command> [options]

Commands:
  run          Start a new run from a plan document
  resume       Continue a run from a checkpoint
  checkpoints  List the checkpoints of a run
  migrate      Checkpoint table migrations (postgres, mysql)
  version      Show version information
  help         Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --plan <path>          Plan document (YAML or JSON)
  --paper <path>         Paper text file
  --paper-id <id>        Paper identifier (default: plan paper_id)
  --script <path>        Scripted collaborator outcomes (YAML)
  --non-interactive      Save and exit instead of prompting
  --metrics-addr <addr>  Serve /metrics, /healthz and /readyz

Options for 'resume':
  --checkpoint <run_id>/<name>   Checkpoint to load
  --run <run_id>                 Load the latest checkpoint of a run
  --answer <text>                Answer to the pending question

Migration subcommands:
  migrate up | down | down-all | steps <n> | force <v> | version | status

Examples:
  reproflow run --plan plan.yaml --paper paper.txt
  reproflow resume --checkpoint 5c1e.../material_checkpoint_awaiting_input --answer APPROVE
  reproflow checkpoints --run 5c1e...
  reproflow migrate up --config /etc/reproflow/config.yaml`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithEnvPrefix("REPROFLOW")
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
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
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		// stdout 留给人工问答
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
