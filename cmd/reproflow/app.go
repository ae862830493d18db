package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/reproflow/agent"
	"github.com/BaSui01/reproflow/agent/hitl"
	"github.com/BaSui01/reproflow/agent/persistence"
	"github.com/BaSui01/reproflow/config"
	"github.com/BaSui01/reproflow/internal/metrics"
	"github.com/BaSui01/reproflow/internal/server"
	"github.com/BaSui01/reproflow/internal/telemetry"
	"github.com/BaSui01/reproflow/workflow"
)

// =============================================================================
// 🧩 运行环境
// =============================================================================

// app 持有一次命令执行所需的基础设施
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       persistence.CheckpointStore
	checkpoints *workflow.Manager
	metrics     *metrics.Collector
	otel        *telemetry.Providers
	out         io.Writer
}

func newApp(cfg *config.Config) (*app, error) {
	logger := initLogger(cfg.Log)

	store, err := persistence.NewCheckpointStore(cfg.StoreConfig(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		checkpoints: workflow.NewManager(store, logger),
		metrics:     metrics.NewCollector(cfg.Metrics.Namespace, logger),
		otel:        otelProviders,
		out:         os.Stdout,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("checkpoint store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) newRunner(collab agent.Collaborators) (*agent.Runner, error) {
	return agent.NewRunner(collab,
		agent.WithLimits(a.cfg.Limits()),
		agent.WithBacktrackStrategy(a.cfg.BacktrackStrategy()),
		agent.WithAskUserConfig(a.cfg.HITL()),
		agent.WithCheckpoints(a.checkpoints),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.otel.Tracer()),
		agent.WithLogger(a.logger),
	)
}

// drive 并发运行 Runner 与运维服务器；任一方失败或收到信号时整体退出.
// Runner 在取消时自行保存 interrupted 检查点.
func (a *app) drive(ctx context.Context, runner *agent.Runner, state *workflow.WorkflowState, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	opsCtx, stopOps := context.WithCancel(gctx)
	defer stopOps()

	if metricsAddr == "" && a.cfg.Metrics.Enabled {
		metricsAddr = a.cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = metricsAddr
		handler := server.OpsHandler(a.metrics.Registry(), map[string]server.HealthCheck{
			"checkpoint_store": a.store.Ping,
		}, a.logger)
		ops := server.NewManager(handler, srvCfg, a.logger)
		g.Go(func() error { return ops.Run(opsCtx) })
	}

	var prompter hitl.Prompter
	if !a.cfg.AskUser.NonInteractive {
		prompter = hitl.NewConsolePrompter(os.Stdin, a.out)
	}

	g.Go(func() error {
		defer stopOps()
		a.logger.Info("run started",
			zap.String("run_id", state.RunID),
			zap.String("paper_id", state.PaperID),
			zap.String("phase", string(state.Phase)),
		)
		return runner.Run(gctx, state, prompter)
	})

	err := g.Wait()
	a.report(state)
	return err
}

// report 打印阶段状态摘要
func (a *app) report(state *workflow.WorkflowState) {
	fmt.Fprintf(a.out, "\nrun %s (paper %s)\n", state.RunID, state.PaperID)
	switch {
	case state.Finished:
		fmt.Fprintf(a.out, "finished: %s\n", state.FinishReason)
	case state.AwaitingUserInput:
		fmt.Fprintf(a.out, "waiting for input: %s\n", state.AskUserTrigger)
	default:
		fmt.Fprintf(a.out, "stopped in phase %s\n", state.Phase)
	}
	if state.Progress != nil {
		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTATUS")
		for _, st := range state.Progress.Stages {
			fmt.Fprintf(w, "%s\t%s\n", st.StageID, st.Status)
		}
		_ = w.Flush()
	}
	if state.LastCheckpoint != "" {
		fmt.Fprintf(a.out, "last checkpoint: %s\n", state.LastCheckpoint)
	}
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	planPath := fs.String("plan", "", "Plan document (YAML or JSON)")
	paperPath := fs.String("paper", "", "Paper text file")
	paperID := fs.String("paper-id", "", "Paper identifier")
	scriptPath := fs.String("script", "", "Scripted collaborator outcomes (YAML)")
	nonInteractive := fs.Bool("non-interactive", false, "Save a checkpoint and exit when input is required")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" {
		return fmt.Errorf("run: --plan is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *nonInteractive {
		cfg.AskUser.NonInteractive = true
	}

	var paperText string
	if *paperPath != "" {
		data, err := os.ReadFile(filepath.Clean(*paperPath))
		if err != nil {
			return fmt.Errorf("failed to read paper: %w", err)
		}
		paperText = string(data)
	}
	id := *paperID
	if id == "" {
		plan, err := workflow.LoadPlanFile(*planPath)
		if err != nil {
			return err
		}
		id = plan.PaperID
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	pipeline, err := scriptedPipeline(*planPath, *scriptPath, a.logger)
	if err != nil {
		return err
	}
	runner, err := a.newRunner(pipeline.Collaborators())
	if err != nil {
		return err
	}

	state := workflow.NewWorkflowState(id, paperText)
	return a.drive(context.Background(), runner, state, *metricsAddr)
}

// =============================================================================
// ⏯️ resume 命令
// =============================================================================

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	handleStr := fs.String("checkpoint", "", "Checkpoint handle <run_id>/<name>")
	runID := fs.String("run", "", "Resume from the latest checkpoint of this run")
	answer := fs.String("answer", "", "Answer to the pending question")
	planPath := fs.String("plan", "", "Plan document used when the run replans")
	scriptPath := fs.String("script", "", "Scripted collaborator outcomes (YAML)")
	nonInteractive := fs.Bool("non-interactive", false, "Save a checkpoint and exit when input is required")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*handleStr == "") == (*runID == "") {
		return fmt.Errorf("resume: exactly one of --checkpoint or --run is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *nonInteractive {
		cfg.AskUser.NonInteractive = true
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	state, handle, err := a.load(ctx, *handleStr, *runID)
	if err != nil {
		return err
	}
	a.logger.Info("checkpoint loaded",
		zap.String("checkpoint", handle.String()),
		zap.Bool("awaiting_input", state.AwaitingUserInput),
	)

	pipeline, err := scriptedPipeline(*planPath, *scriptPath, a.logger)
	if err != nil {
		return err
	}
	runner, err := a.newRunner(pipeline.Collaborators())
	if err != nil {
		return err
	}

	if state.AwaitingUserInput && *answer != "" {
		res, err := runner.Resume(ctx, state, hitl.PositionalAnswers(*answer))
		if err != nil {
			return err
		}
		if res.Suspended() {
			fmt.Fprintf(a.out, "answer not accepted:\n%s\n", strings.Join(state.PendingUserQuestions, "\n\n"))
		}
	}
	if state.Finished {
		a.report(state)
		return nil
	}
	return a.drive(ctx, runner, state, *metricsAddr)
}

func (a *app) load(ctx context.Context, handleStr, runID string) (*workflow.WorkflowState, workflow.Handle, error) {
	if handleStr != "" {
		handle, err := workflow.ParseHandle(handleStr)
		if err != nil {
			return nil, workflow.Handle{}, err
		}
		state, err := a.checkpoints.Load(ctx, handle)
		return state, handle, err
	}
	return a.checkpoints.LoadLatest(ctx, runID)
}

// =============================================================================
// 📚 checkpoints 命令
// =============================================================================

func runCheckpoints(args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	runID := fs.String("run", "", "Run identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("checkpoints: --run is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	cps, err := a.checkpoints.List(context.Background(), *runID)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		return fmt.Errorf("no checkpoints for run %s: %w", *runID, workflow.ErrCheckpointNotFound)
	}
	return printCheckpoints(a.out, cps)
}

func printCheckpoints(out io.Writer, cps []*workflow.Checkpoint) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tNAME\tTRIGGER\tPHASE\tCREATED")
	for _, cp := range cps {
		phase := ""
		if cp.State != nil {
			phase = string(cp.State.Phase)
		}
		trigger := string(cp.Trigger)
		if trigger == "" {
			trigger = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			cp.Sequence, cp.Name, trigger, phase, cp.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func scriptedPipeline(planPath, scriptPath string, logger *zap.Logger) (*ScriptedPipeline, error) {
	script, err := LoadScript(scriptPath)
	if err != nil {
		return nil, err
	}
	return NewScriptedPipeline(planPath, script, logger), nil
}
