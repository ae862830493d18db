package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/agent/hitl"
	"github.com/BaSui01/reproflow/internal/metrics"
	"github.com/BaSui01/reproflow/internal/telemetry"
	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

// StepStatus 描述一次 Step 之后运行所处的状态.
type StepStatus string

const (
	// StepContinue 可以继续调用 Step
	StepContinue StepStatus = "continue"
	// StepSuspended 运行已挂起，等待人工输入
	StepSuspended StepStatus = "suspended"
	// StepFinished 运行已结束
	StepFinished StepStatus = "finished"
)

// StepResult 是 Step / Resume 的返回值。挂起时携带问题，宿主可以同步等待，
// 也可以保存后退出、稍后在新进程中恢复.
type StepResult struct {
	Status StepStatus `json:"status"`
	// Phase 为本次执行的阶段，Next 为下一次 Step 将执行的阶段
	Phase      workflow.Phase       `json:"phase"`
	Next       workflow.Phase       `json:"next"`
	StageID    string               `json:"stage_id,omitempty"`
	Escalation *workflow.Escalation `json:"escalation,omitempty"`
	Interrupt  *hitl.Interrupt      `json:"interrupt,omitempty"`
}

// Suspended 报告运行是否在等待输入.
func (r StepResult) Suspended() bool { return r.Status == StepSuspended }

// Finished 报告运行是否结束.
func (r StepResult) Finished() bool { return r.Status == StepFinished }

// RunnerOption 配置 Runner.
type RunnerOption func(*Runner)

// WithLimits 设置修订闸门上限.
func WithLimits(limits workflow.Limits) RunnerOption {
	return func(r *Runner) { r.limits = limits }
}

// WithLogger 设置日志.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器.
func WithMetrics(c *metrics.Collector) RunnerOption {
	return func(r *Runner) { r.metrics = c }
}

// WithTracer 设置 tracer，默认使用全局 provider.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithCheckpoints 设置检查点管理器.
func WithCheckpoints(m *workflow.Manager) RunnerOption {
	return func(r *Runner) { r.checkpoints = m }
}

// WithProtocol 使用外部创建的 ask-user 协议.
func WithProtocol(p *hitl.Protocol) RunnerOption {
	return func(r *Runner) { r.protocol = p }
}

// WithAskUserConfig 设置默认协议的配置；与 WithProtocol 同时使用时被忽略.
func WithAskUserConfig(cfg hitl.Config) RunnerOption {
	return func(r *Runner) { r.askUser = cfg }
}

// WithBacktrackStrategy 设置回溯目标策略.
func WithBacktrackStrategy(s workflow.BacktrackStrategy) RunnerOption {
	return func(r *Runner) { r.strategy = s }
}

// Runner 驱动一次复现运行：每次 Step 执行一个阶段，遇到升级时挂起.
type Runner struct {
	collab      Collaborators
	limits      workflow.Limits
	strategy    workflow.BacktrackStrategy
	askUser     hitl.Config
	scheduler   *workflow.Scheduler
	supervisor  *workflow.Supervisor
	protocol    *hitl.Protocol
	checkpoints *workflow.Manager
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger

	execMu sync.Mutex // 执行互斥锁，Step 不可重入
}

// NewRunner 创建 Runner.
func NewRunner(collab Collaborators, opts ...RunnerOption) (*Runner, error) {
	if err := collab.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		collab: collab,
		logger: zap.NewNop(),
		tracer: otel.Tracer(telemetry.InstrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "runner"))
	r.scheduler = workflow.NewScheduler(r.logger)

	var supOpts []workflow.SupervisorOption
	if r.strategy != nil {
		supOpts = append(supOpts, workflow.WithBacktrackStrategy(r.strategy))
	}
	r.supervisor = workflow.NewSupervisor(r.limits, r.logger, supOpts...)

	if r.protocol == nil {
		r.protocol = hitl.NewProtocol(r.askUser, nil, r.checkpoints, r.logger)
	}
	r.registerValidators()
	return r, nil
}

// Protocol 返回 ask-user 协议.
func (r *Runner) Protocol() *hitl.Protocol { return r.protocol }

// Supervisor 返回监督引擎.
func (r *Runner) Supervisor() *workflow.Supervisor { return r.supervisor }

// Limits 返回生效的闸门上限.
func (r *Runner) Limits() workflow.Limits { return r.limits.Resolved() }

// Step 执行当前阶段并推进状态。等待输入时返回 AWAITING_INPUT 错误；
// 同一时刻只允许一个 Step.
func (r *Runner) Step(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	if state == nil {
		return StepResult{}, workflow.ErrNoState
	}
	if !r.execMu.TryLock() {
		return StepResult{}, types.NewError(types.ErrRunnerBusy, "a step is already running")
	}
	defer r.execMu.Unlock()

	if state.Finished {
		return StepResult{Status: StepFinished, Phase: state.Phase, Next: state.Phase}, nil
	}
	if state.AwaitingUserInput {
		return StepResult{}, types.Errorf(types.ErrAwaitingInput,
			"run %s is waiting for input (%s)", state.RunID, state.AskUserTrigger)
	}
	if err := ctx.Err(); err != nil {
		r.interrupted(ctx, state, err)
		return StepResult{}, err
	}

	phase := state.Phase
	if phase == "" {
		phase = workflow.PhasePlanning
		state.Phase = phase
	}

	ctx, span := r.tracer.Start(ctx, "reproflow.step", trace.WithAttributes(
		attribute.String("run.id", state.RunID),
		attribute.String("workflow.phase", string(phase)),
		attribute.String("stage.id", state.CurrentStageID),
	))
	defer span.End()

	start := time.Now()
	res, err := r.dispatch(ctx, state, phase)
	r.metrics.RecordStep(string(phase), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			r.interrupted(ctx, state, err)
		}
		return res, err
	}

	res.Phase = phase
	res.Next = state.Phase
	if res.StageID == "" {
		res.StageID = state.CurrentStageID
	}
	span.SetAttributes(attribute.String("step.status", string(res.Status)))
	r.logger.Debug("step done",
		zap.String("run_id", state.RunID),
		zap.String("phase", string(phase)),
		zap.String("next", string(res.Next)),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

// Run 循环执行直到结束。挂起时通过 prompter 同步收集答案；非交互模式、
// 超时或取消时保存检查点并返回错误.
func (r *Runner) Run(ctx context.Context, state *workflow.WorkflowState, prompter hitl.Prompter) error {
	if state == nil {
		return workflow.ErrNoState
	}
	for !state.Finished {
		if state.AwaitingUserInput {
			if _, err := r.Interact(ctx, state, prompter); err != nil {
				return err
			}
			continue
		}
		if _, err := r.Step(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, state *workflow.WorkflowState, phase workflow.Phase) (StepResult, error) {
	switch phase {
	case workflow.PhasePlanning:
		return r.plan(ctx, state)
	case workflow.PhasePlanReview:
		return r.reviewPlan(ctx, state)
	case workflow.PhaseSelectStage:
		return r.selectStage(ctx, state)
	case workflow.PhaseDesign:
		return r.design(ctx, state)
	case workflow.PhaseDesignReview:
		return r.reviewDesign(ctx, state)
	case workflow.PhaseCodeGenerate:
		return r.generateCode(ctx, state)
	case workflow.PhaseCodeReview:
		return r.reviewCode(ctx, state)
	case workflow.PhaseExecution:
		return r.execute(ctx, state)
	case workflow.PhaseExecutionEval:
		return r.checkExecution(ctx, state)
	case workflow.PhasePhysicsCheck:
		return r.checkPhysics(ctx, state)
	case workflow.PhaseAnalysis, workflow.PhaseSupervision:
		return r.analyze(ctx, state)
	case workflow.PhaseAskUser:
		// 停在 ask_user 却没有等待标记：交给协议的兜底逻辑
		esc := workflow.Escalation{
			Trigger:   state.AskUserTrigger,
			Reason:    "run stopped in ask_user without awaiting input",
			Questions: state.PendingUserQuestions,
			Phase:     workflow.PhaseSelectStage,
		}
		if len(esc.Questions) == 0 {
			esc.Trigger = workflow.TriggerUnknownEscalation
		}
		return r.escalate(ctx, state, esc)
	case workflow.PhaseFinished:
		return r.finish(ctx, state, state.FinishReason)
	}
	return StepResult{}, types.Errorf(types.ErrInvalidTransition, "no step for phase %q", phase)
}

// =============================================================================
// 📋 规划
// =============================================================================

func (r *Runner) plan(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	if strings.TrimSpace(state.PaperText) == "" {
		return r.escalate(ctx, state, workflow.Escalation{
			Trigger: workflow.TriggerMissingPaperText,
			Reason:  "no paper text to plan from",
		})
	}

	req := planRequest(state)
	var plan *workflow.Plan
	err := r.call(ctx, "planner", func(ctx context.Context) error {
		var err error
		plan, err = r.collab.Planner.Plan(ctx, req)
		return err
	})
	if err != nil {
		return r.collaboratorFailed(ctx, state, "planner", err)
	}
	if plan == nil {
		return r.rejectPlan(ctx, state, "planner returned no plan")
	}
	if err := workflow.ValidatePlan(plan); err != nil {
		return r.rejectPlan(ctx, state, err.Error())
	}

	previous, progress := state.Plan, state.Progress
	if err := state.AcceptPlan(plan); err != nil {
		return r.escalate(ctx, state, workflow.Escalation{
			Trigger: workflow.TriggerProgressInitFailed,
			Reason:  err.Error(),
		})
	}
	kept := carryOverProgress(previous, progress, state)

	state.Verdicts.PlanReview = ""
	state.Phase = workflow.PhasePlanReview
	state.Record("plan drafted: %d stages (%d kept from previous plan)", len(plan.Stages), len(kept))
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) reviewPlan(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	if state.Plan == nil {
		state.Phase = workflow.PhasePlanning
		return StepResult{Status: StepContinue}, nil
	}
	review := Review{Verdict: workflow.ReviewApprove}
	if r.collab.PlanReviewer != nil {
		req := planRequest(state)
		err := r.call(ctx, "plan_reviewer", func(ctx context.Context) error {
			var err error
			review, err = r.collab.PlanReviewer.ReviewPlan(ctx, state.Plan, req)
			return err
		})
		if err != nil {
			return r.collaboratorFailed(ctx, state, "plan_reviewer", err)
		}
	}
	if !review.Verdict.Valid() {
		return r.invalidVerdict(ctx, state, "plan_reviewer", string(review.Verdict))
	}
	state.Verdicts.PlanReview = review.Verdict

	if review.Verdict == workflow.ReviewNeedsRevision {
		return r.rejectPlan(ctx, state, review.Notes)
	}
	state.ReviewNotes = ""
	state.Phase = workflow.PhaseSelectStage
	state.Record("plan approved")
	return StepResult{Status: StepContinue}, nil
}

// rejectPlan 计入 replan 闸门；计划评审与监督者 replan 共用该闸门.
func (r *Runner) rejectPlan(ctx context.Context, state *workflow.WorkflowState, notes string) (StepResult, error) {
	state.Phase = workflow.PhasePlanning
	return r.revise(ctx, state, workflow.GateReplan, notes, workflow.PhasePlanning)
}

// =============================================================================
// 🎯 阶段选择
// =============================================================================

func (r *Runner) selectStage(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	if state.Plan != nil && state.Progress == nil {
		return r.escalate(ctx, state, workflow.Escalation{
			Trigger: workflow.TriggerProgressInitFailed,
			Reason:  "plan has no progress record",
		})
	}

	sel := r.scheduler.Select(state.Plan, state.Progress)
	r.metrics.RecordStageSelection(string(sel.Kind))
	for _, id := range sel.Blocked {
		state.Record("stage %s blocked: invalid stage type", id)
	}
	for _, id := range sel.Promoted {
		state.Record("stage %s ready to rerun", id)
	}

	switch sel.Kind {
	case workflow.SelectDone:
		return r.finish(ctx, state, "all stages complete")
	case workflow.SelectEscalate:
		return r.escalate(ctx, state, *sel.Escalation())
	}

	if err := r.scheduler.Apply(state, sel); err != nil {
		return StepResult{}, err
	}
	r.logger.Info("stage selected",
		zap.String("run_id", state.RunID),
		zap.String("stage_id", sel.StageID),
		zap.String("stage_type", string(sel.StageType)),
	)
	return StepResult{Status: StepContinue, StageID: sel.StageID}, nil
}

// =============================================================================
// 🔧 阶段内流程
// =============================================================================

func (r *Runner) design(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	var design string
	err := r.call(ctx, "designer", func(ctx context.Context) error {
		var err error
		design, err = r.collab.Designer.Design(ctx, req)
		return err
	})
	if err != nil {
		return r.collaboratorFailed(ctx, state, "designer", err)
	}
	if strings.TrimSpace(design) == "" {
		return r.escalate(ctx, state, workflow.Escalation{
			Trigger: workflow.TriggerMissingDesign,
			Reason:  "designer returned an empty design",
		})
	}
	state.Design = design
	state.Phase = workflow.PhaseDesignReview
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) reviewDesign(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	if strings.TrimSpace(state.Design) == "" {
		return r.missingDesign(ctx, state)
	}
	review := Review{Verdict: workflow.ReviewApprove}
	if r.collab.DesignReviewer != nil {
		err := r.call(ctx, "design_reviewer", func(ctx context.Context) error {
			var err error
			review, err = r.collab.DesignReviewer.ReviewDesign(ctx, req)
			return err
		})
		if err != nil {
			return r.collaboratorFailed(ctx, state, "design_reviewer", err)
		}
	}
	if !review.Verdict.Valid() {
		return r.invalidVerdict(ctx, state, "design_reviewer", string(review.Verdict))
	}
	state.Verdicts.DesignReview = review.Verdict

	if review.Verdict == workflow.ReviewNeedsRevision {
		return r.revise(ctx, state, workflow.GateDesignReview, review.Notes, workflow.PhaseDesign)
	}
	state.ResetCounter(workflow.GateDesignReview)
	state.ReviewNotes = ""
	state.Phase = workflow.PhaseCodeGenerate
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) generateCode(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	if strings.TrimSpace(state.Design) == "" {
		return r.missingDesign(ctx, state)
	}
	var code string
	err := r.call(ctx, "code_generator", func(ctx context.Context) error {
		var err error
		code, err = r.collab.CodeGenerator.GenerateCode(ctx, req)
		return err
	})
	if err != nil {
		return r.collaboratorFailed(ctx, state, "code_generator", err)
	}
	if strings.TrimSpace(code) == "" {
		return r.collaboratorFailed(ctx, state, "code_generator", errors.New("no code returned"))
	}
	state.Code = code
	state.Phase = workflow.PhaseCodeReview
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) reviewCode(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	review := Review{Verdict: workflow.ReviewApprove}
	if r.collab.CodeReviewer != nil {
		err := r.call(ctx, "code_reviewer", func(ctx context.Context) error {
			var err error
			review, err = r.collab.CodeReviewer.ReviewCode(ctx, req)
			return err
		})
		if err != nil {
			return r.collaboratorFailed(ctx, state, "code_reviewer", err)
		}
	}
	if !review.Verdict.Valid() {
		return r.invalidVerdict(ctx, state, "code_reviewer", string(review.Verdict))
	}
	state.Verdicts.CodeReview = review.Verdict

	if review.Verdict == workflow.ReviewNeedsRevision {
		return r.revise(ctx, state, workflow.GateCodeReview, review.Notes, workflow.PhaseCodeGenerate)
	}
	state.ResetCounter(workflow.GateCodeReview)
	state.ReviewNotes = ""
	state.Phase = workflow.PhaseExecution
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) execute(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	var out ExecutionResult
	err := r.call(ctx, "executor", func(ctx context.Context) error {
		var err error
		out, err = r.collab.Executor.Execute(ctx, req)
		return err
	})
	if err != nil {
		return r.collaboratorFailed(ctx, state, "executor", err)
	}
	state.ExecutionLog = out.Log
	state.Phase = workflow.PhaseExecutionEval
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) checkExecution(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	check := ExecutionCheck{Verdict: workflow.ExecutionPass}
	if r.collab.ExecutionValidator != nil {
		err := r.call(ctx, "execution_validator", func(ctx context.Context) error {
			var err error
			check, err = r.collab.ExecutionValidator.ValidateExecution(ctx, req)
			return err
		})
		if err != nil {
			return r.collaboratorFailed(ctx, state, "execution_validator", err)
		}
	}
	if !check.Verdict.Valid() {
		return r.invalidVerdict(ctx, state, "execution_validator", string(check.Verdict))
	}
	state.Verdicts.Execution = check.Verdict

	if check.Verdict == workflow.ExecutionFail {
		return r.revise(ctx, state, workflow.GateExecution, check.Notes, workflow.PhaseCodeGenerate)
	}
	state.ResetCounter(workflow.GateExecution)
	state.ReviewNotes = check.Notes
	state.Phase = workflow.PhasePhysicsCheck
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) checkPhysics(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	check := PhysicsCheck{Verdict: workflow.PhysicsPass}
	if r.collab.PhysicsChecker != nil {
		err := r.call(ctx, "physics_checker", func(ctx context.Context) error {
			var err error
			check, err = r.collab.PhysicsChecker.CheckPhysics(ctx, req)
			return err
		})
		if err != nil {
			return r.collaboratorFailed(ctx, state, "physics_checker", err)
		}
	}
	if !check.Verdict.Valid() {
		return r.invalidVerdict(ctx, state, "physics_checker", string(check.Verdict))
	}
	state.Verdicts.Physics = check.Verdict

	switch check.Verdict {
	case workflow.PhysicsFail:
		return r.revise(ctx, state, workflow.GatePhysics, check.Notes, workflow.PhaseCodeGenerate)
	case workflow.PhysicsDesignFlaw:
		return r.revise(ctx, state, workflow.GatePhysics, check.Notes, workflow.PhaseDesign)
	}
	state.ResetCounter(workflow.GatePhysics)
	state.ReviewNotes = check.Notes
	state.Phase = workflow.PhaseAnalysis
	return StepResult{Status: StepContinue}, nil
}

// analyze 调用 Analyzer 后立即交给监督引擎，StageOutcome 不跨 Step 保存.
func (r *Runner) analyze(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	req, ok := stageRequest(state)
	if !ok {
		return r.missingStage(ctx, state)
	}
	var outcome workflow.StageOutcome
	err := r.call(ctx, "analyzer", func(ctx context.Context) error {
		var err error
		outcome, err = r.collab.Analyzer.Analyze(ctx, req)
		return err
	})
	if err != nil {
		return r.collaboratorFailed(ctx, state, "analyzer", err)
	}
	if outcome.Classification != "" && !outcome.Classification.Valid() {
		return r.invalidVerdict(ctx, state, "analyzer", string(outcome.Classification))
	}
	outcome.Execution = state.Verdicts.Execution
	outcome.Physics = state.Verdicts.Physics
	state.Verdicts.Analysis = outcome.Classification
	state.Verdicts.Comparison = outcome.Comparison

	state.Phase = workflow.PhaseSupervision
	d, err := r.supervisor.Decide(state, outcome)
	if err != nil {
		return StepResult{}, err
	}
	r.metrics.RecordSupervisorVerdict(string(d.Verdict))
	return r.applyDecision(ctx, state, d)
}

func (r *Runner) applyDecision(ctx context.Context, state *workflow.WorkflowState, d workflow.Decision) (StepResult, error) {
	if d.Suspends() {
		esc := *d.Escalation
		if esc.Trigger.IsLimit() && !d.Deferred {
			if gate, ok := gateFor(esc.Trigger); ok {
				r.metrics.RecordGateExceeded(string(gate))
			}
		}
		return r.escalate(ctx, state, esc)
	}

	switch d.Verdict {
	case workflow.SupervisorOKContinue:
		r.checkpoint(ctx, state, "stage_complete")
		state.Phase = workflow.PhaseSelectStage
	case workflow.SupervisorBacktrackToStage:
		r.metrics.RecordBacktrack("applied")
		r.checkpoint(ctx, state, "backtrack")
		state.Phase = workflow.PhaseSelectStage
	case workflow.SupervisorReplan:
		state.Phase = workflow.PhasePlanning
	case workflow.SupervisorFinish:
		return r.finish(ctx, state, "all stages complete")
	default:
		return StepResult{}, types.Errorf(types.ErrInvalidTransition, "unexpected supervisor verdict %q", d.Verdict)
	}
	return StepResult{Status: StepContinue, StageID: d.StageID}, nil
}

// =============================================================================
// 🧩 公共辅助
// =============================================================================

// revise 把一次拒绝计入闸门；未超限时回到 back 阶段，超限时升级.
func (r *Runner) revise(ctx context.Context, state *workflow.WorkflowState, gate workflow.GateName, notes string, back workflow.Phase) (StepResult, error) {
	res, err := state.Bump(gate, r.limits)
	if err != nil {
		return StepResult{}, err
	}
	if res.Exceeded {
		r.metrics.RecordGateExceeded(string(gate))
		return r.escalate(ctx, state, *res.Escalation(state.CurrentStageID))
	}
	state.ReviewNotes = notes
	state.Phase = back
	state.Record("%s rejected (%d/%d)", gate, res.Count, res.Max)
	return StepResult{Status: StepContinue}, nil
}

// escalate 通过协议挂起运行；缺少问题时按触发器生成.
func (r *Runner) escalate(ctx context.Context, state *workflow.WorkflowState, esc workflow.Escalation) (StepResult, error) {
	if esc.Phase == "" {
		esc.Phase = state.Phase
	}
	if esc.StageID == "" {
		esc.StageID = state.CurrentStageID
	}
	if len(esc.Questions) == 0 {
		esc.Questions = []string{QuestionFor(esc, state.Plan)}
	}

	interrupt, err := r.protocol.Suspend(ctx, state, esc)
	if err != nil {
		return StepResult{}, err
	}
	r.metrics.RecordEscalation(string(state.AskUserTrigger))
	r.logger.Info("run escalated",
		zap.String("run_id", state.RunID),
		zap.String("trigger", string(state.AskUserTrigger)),
		zap.String("stage_id", esc.StageID),
		zap.String("reason", esc.Reason),
	)
	return StepResult{
		Status:     StepSuspended,
		StageID:    esc.StageID,
		Escalation: state.LastEscalation,
		Interrupt:  interrupt,
	}, nil
}

func (r *Runner) finish(ctx context.Context, state *workflow.WorkflowState, reason string) (StepResult, error) {
	if reason == "" {
		reason = "finished"
	}
	state.Finish(reason)
	state.Record("run finished: %s", reason)
	r.metrics.RecordRunFinished(reason)
	r.checkpoint(ctx, state, "finished")
	r.logger.Info("run finished", zap.String("run_id", state.RunID), zap.String("reason", reason))
	return StepResult{Status: StepFinished}, nil
}

func (r *Runner) missingStage(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	return r.escalate(ctx, state, workflow.Escalation{
		Trigger: workflow.TriggerMissingStageID,
		Reason:  fmt.Sprintf("phase %s has no valid current stage (%q)", state.Phase, state.CurrentStageID),
		Phase:   workflow.PhaseSelectStage,
	})
}

func (r *Runner) missingDesign(ctx context.Context, state *workflow.WorkflowState) (StepResult, error) {
	return r.escalate(ctx, state, workflow.Escalation{
		Trigger: workflow.TriggerMissingDesign,
		Reason:  fmt.Sprintf("phase %s needs a design for stage %s", state.Phase, state.CurrentStageID),
		Phase:   workflow.PhaseDesign,
	})
}

func (r *Runner) invalidVerdict(ctx context.Context, state *workflow.WorkflowState, name, verdict string) (StepResult, error) {
	err := types.Errorf(types.ErrInvalidVerdict, "%s returned unknown verdict %q", name, verdict)
	return r.collaboratorFailed(ctx, state, name, err)
}

// call 包装一次协作者调用：子 span 与耗时指标.
func (r *Runner) call(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "reproflow.collaborator."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	r.metrics.RecordCollaborator(name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// collaboratorFailed 把协作者错误映射为升级；ctx 已结束时原样返回错误.
func (r *Runner) collaboratorFailed(ctx context.Context, state *workflow.WorkflowState, name string, err error) (StepResult, error) {
	if ctx.Err() != nil {
		return StepResult{}, err
	}
	trigger := workflow.TriggerLLMError
	if errors.Is(err, ErrContextOverflow) {
		trigger = workflow.TriggerContextOverflow
	}
	r.logger.Warn("collaborator failed",
		zap.String("run_id", state.RunID),
		zap.String("collaborator", name),
		zap.String("trigger", string(trigger)),
		zap.Error(err),
	)
	state.Record("%s failed: %v", name, err)
	return r.escalate(ctx, state, workflow.Escalation{
		Trigger: trigger,
		Reason:  fmt.Sprintf("%s failed: %v", name, err),
	})
}

func (r *Runner) checkpoint(ctx context.Context, state *workflow.WorkflowState, label string) {
	if r.checkpoints == nil {
		return
	}
	h, err := r.checkpoints.Save(ctx, state, label)
	r.metrics.RecordCheckpointSave(label, err)
	if err != nil {
		r.logger.Warn("checkpoint failed", zap.String("label", label), zap.Error(err))
		return
	}
	r.logger.Debug("checkpoint saved", zap.String("checkpoint", h.String()))
}

// interrupted 在取消时保存 interrupted 检查点，之后由新进程恢复.
func (r *Runner) interrupted(ctx context.Context, state *workflow.WorkflowState, cause error) {
	state.Record("interrupted: %v", cause)
	r.checkpoint(context.WithoutCancel(ctx), state, hitl.LabelInterrupted)
}

func planRequest(state *workflow.WorkflowState) PlanRequest {
	return PlanRequest{
		RunID:     state.RunID,
		PaperID:   state.PaperID,
		PaperText: state.PaperText,
		Feedback:  joinFeedback(state.ReviewNotes, state.SupervisorFeedback, state.UserGuidance),
		Previous:  state.Plan,
		Progress:  state.Progress,
	}
}

func stageRequest(state *workflow.WorkflowState) (StageRequest, bool) {
	if state.Plan == nil || state.CurrentStageID == "" {
		return StageRequest{}, false
	}
	spec, ok := state.Plan.Stage(state.CurrentStageID)
	if !ok {
		return StageRequest{}, false
	}
	return StageRequest{
		RunID:              state.RunID,
		PaperText:          state.PaperText,
		Stage:              spec,
		Design:             state.Design,
		Code:               state.Code,
		ExecutionLog:       state.ExecutionLog,
		Feedback:           joinFeedback(state.ReviewNotes, state.SupervisorFeedback, state.UserGuidance),
		ValidatedMaterials: state.ValidatedMaterials,
	}, true
}

func joinFeedback(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// carryOverProgress 在重新规划后保留未变化阶段的完成状态：阶段 ID、类型、
// 依赖与目标都一致时才保留.
func carryOverProgress(previous *workflow.Plan, progress *workflow.ProgressTracker, state *workflow.WorkflowState) []string {
	if previous == nil || progress == nil {
		return nil
	}
	var kept []string
	for _, st := range state.Plan.Stages {
		old, ok := previous.Stage(st.ID)
		if !ok || old.Type != st.Type ||
			!slices.Equal(old.Dependencies, st.Dependencies) || !slices.Equal(old.Targets, st.Targets) {
			continue
		}
		ps, ok := progress.Get(st.ID)
		if !ok || !ps.Status.IsCompleted() {
			continue
		}
		if err := state.Progress.SetStatus(st.ID, ps.Status); err == nil {
			state.Progress.SetSummary(st.ID, ps.Summary)
			kept = append(kept, st.ID)
		}
	}
	return kept
}

func gateFor(trigger workflow.Trigger) (workflow.GateName, bool) {
	for _, name := range []workflow.GateName{
		workflow.GateReplan, workflow.GateDesignReview, workflow.GateCodeReview,
		workflow.GateExecution, workflow.GatePhysics, workflow.GateBacktrack,
	} {
		if g, err := workflow.LookupGate(name); err == nil && g.Trigger == trigger {
			return name, true
		}
	}
	return "", false
}
