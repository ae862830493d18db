package agent

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/agent/hitl"
	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

// Resume 把用户答案交给 ask-user 协议。答案未通过校验时运行保持挂起，
// 返回的 StepResult 携带重问后的问题；接受后按触发器分派并推进状态.
func (r *Runner) Resume(ctx context.Context, state *workflow.WorkflowState, answers hitl.Answers) (StepResult, error) {
	if state == nil {
		return StepResult{}, workflow.ErrNoState
	}
	if !r.execMu.TryLock() {
		return StepResult{}, types.NewError(types.ErrRunnerBusy, "a step is already running")
	}
	defer r.execMu.Unlock()
	if state.Finished {
		return StepResult{}, types.Errorf(types.ErrRunFinished, "run %s already finished", state.RunID)
	}

	res, err := r.protocol.Resume(ctx, state, answers)
	if err != nil {
		return StepResult{}, err
	}
	return r.afterResolution(ctx, state, res)
}

// Interact 通过 prompter 同步收集答案直到被接受，再分派.
func (r *Runner) Interact(ctx context.Context, state *workflow.WorkflowState, prompter hitl.Prompter) (StepResult, error) {
	if state == nil {
		return StepResult{}, workflow.ErrNoState
	}
	if !r.execMu.TryLock() {
		return StepResult{}, types.NewError(types.ErrRunnerBusy, "a step is already running")
	}
	defer r.execMu.Unlock()
	if state.Finished {
		return StepResult{}, types.Errorf(types.ErrRunFinished, "run %s already finished", state.RunID)
	}

	res, err := r.protocol.Interact(ctx, state, prompter)
	if err != nil {
		return StepResult{}, err
	}
	return r.afterResolution(ctx, state, res)
}

func (r *Runner) afterResolution(ctx context.Context, state *workflow.WorkflowState, res *hitl.Resolution) (StepResult, error) {
	if !res.Accepted {
		r.metrics.RecordAnswer(string(res.Trigger), "reask")
		return StepResult{
			Status:     StepSuspended,
			Phase:      workflow.PhaseAskUser,
			Next:       workflow.PhaseAskUser,
			StageID:    res.StageID,
			Escalation: state.LastEscalation,
		}, nil
	}
	outcome := "accepted"
	if res.Forced {
		outcome = "forced"
	}
	r.metrics.RecordAnswer(string(res.Trigger), outcome)

	out, err := r.handleAnswer(ctx, state, res)
	if err != nil {
		return out, err
	}
	out.Phase = workflow.PhaseHandleAnswer
	out.Next = state.Phase
	if out.StageID == "" {
		out.StageID = state.CurrentStageID
	}
	return out, nil
}

// handleAnswer 根据触发器解释答案。强制接受的答案按最保守的选项处理.
func (r *Runner) handleAnswer(ctx context.Context, state *workflow.WorkflowState, res *hitl.Resolution) (StepResult, error) {
	answer := answerText(res)
	keyword, rest := parseCommand(answer)

	esc := workflow.Escalation{Trigger: res.Trigger, StageID: res.StageID}
	if state.LastEscalation != nil {
		esc = *state.LastEscalation
		esc.Trigger = res.Trigger
	}

	r.logger.Info("handling answer",
		zap.String("run_id", state.RunID),
		zap.String("trigger", string(res.Trigger)),
		zap.String("keyword", keyword),
		zap.Bool("forced", res.Forced),
	)

	if keyword == KeywordStop {
		return r.finish(ctx, state, fmt.Sprintf("stopped by user (%s)", res.Trigger))
	}

	t := res.Trigger
	switch {
	case t == workflow.TriggerMaterialCheckpoint:
		return r.answerMaterial(state, esc, keyword, rest, answer)
	case t == workflow.TriggerBacktrackApproval:
		return r.answerBacktrackApproval(ctx, state, keyword)
	case t.IsLimit():
		return r.answerLimit(ctx, state, esc, keyword, rest, answer, res.Forced)
	case isBacktrackTrouble(t):
		return r.answerBacktrackTarget(ctx, state, esc, keyword, rest)
	case isPlanTrouble(t):
		return r.replan(state, guidance(keyword, rest, answer, KeywordReplan))
	case t == workflow.TriggerMissingPaperText:
		state.PaperText = answer
		state.Phase = workflow.PhasePlanning
		state.Record("paper text provided (%d bytes)", len(answer))
		return StepResult{Status: StepContinue}, nil
	case t == workflow.TriggerMissingDesign:
		state.UserGuidance = guidance(keyword, rest, answer, KeywordRetry)
		state.Phase = workflow.PhaseDesign
		if state.CurrentStageID == "" {
			state.Phase = workflow.PhaseSelectStage
		}
		return StepResult{Status: StepContinue}, nil
	}
	return r.answerGeneric(state, esc, keyword, rest, answer)
}

func (r *Runner) answerMaterial(state *workflow.WorkflowState, esc workflow.Escalation, keyword, rest, answer string) (StepResult, error) {
	if keyword == KeywordApprove {
		// 批准结果替换旧集合；重跑材料阶段不会叠加上一轮的材料
		state.ValidatedMaterials = state.PendingValidatedMaterials
		state.Record("materials approved: %d", len(state.PendingValidatedMaterials))
		state.PendingValidatedMaterials = nil
		state.Phase = workflow.PhaseSelectStage
		return StepResult{Status: StepContinue}, nil
	}

	// REJECT，或强制接受的无效答案：不提升材料，重跑材料验证
	reason := rest
	if keyword != KeywordReject {
		reason = answer
	}
	state.PendingValidatedMaterials = nil
	if esc.StageID != "" && state.Progress != nil {
		if err := state.Progress.SetStatus(esc.StageID, workflow.StatusNeedsRerun); err != nil {
			return StepResult{}, err
		}
	}
	state.UserGuidance = reason
	state.Phase = workflow.PhaseSelectStage
	state.Record("materials rejected for %s: %s", esc.StageID, reason)
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) answerBacktrackApproval(ctx context.Context, state *workflow.WorkflowState, keyword string) (StepResult, error) {
	if keyword == KeywordApprove {
		d, err := r.supervisor.ApplyBacktrack(state)
		if err != nil {
			state.Phase = workflow.PhaseSupervision
			return r.escalate(ctx, state, workflow.Escalation{
				Trigger: workflow.TriggerInvalidBacktrackDecision,
				Reason:  err.Error(),
			})
		}
		return r.applyDecision(ctx, state, d)
	}

	// 拒绝或无法识别：保留结果，不做失效
	d := r.supervisor.RejectBacktrack(state)
	r.metrics.RecordBacktrack("rejected")
	return r.applyDecision(ctx, state, d)
}

func (r *Runner) answerLimit(ctx context.Context, state *workflow.WorkflowState, esc workflow.Escalation, keyword, rest, answer string, forced bool) (StepResult, error) {
	gate, ok := gateFor(esc.Trigger)
	if !ok {
		return r.answerGeneric(state, esc, keyword, rest, answer)
	}

	switch keyword {
	case KeywordSkip:
		state.ResetCounter(gate)
		if gate == workflow.GateReplan {
			state.Phase = workflow.PhaseSelectStage
			state.Record("replan limit: continuing with current plan")
			return StepResult{Status: StepContinue}, nil
		}
		return r.skipStage(state, esc.StageID)
	case KeywordReplan:
		if gate != workflow.GateReplan {
			state.ResetStageCounters()
			return r.replan(state, rest)
		}
	}

	// RETRY，或强制接受的无效答案：把整段答案作为指导重试
	text := rest
	if keyword != KeywordRetry && keyword != KeywordReplan {
		text = answer
	}
	state.ResetCounter(gate)
	state.UserGuidance = text
	state.Phase = retryPhase(gate)
	if state.Phase == workflow.PhaseAnalysis {
		state.BacktrackDecision = nil
	}
	state.Record("%s reset by user (forced=%t)", gate, forced)
	return StepResult{Status: StepContinue}, nil
}

func (r *Runner) answerBacktrackTarget(ctx context.Context, state *workflow.WorkflowState, esc workflow.Escalation, keyword, rest string) (StepResult, error) {
	if keyword == KeywordBacktrack {
		target := strings.Fields(rest)
		if len(target) > 0 {
			state.BacktrackDecision = &workflow.BacktrackDecision{
				FromStage:   esc.StageID,
				TargetStage: target[0],
				Reason:      "backtrack target chosen by user",
			}
			d, err := r.supervisor.ApplyBacktrack(state)
			if err == nil {
				return r.applyDecision(ctx, state, d)
			}
			state.BacktrackDecision = nil
			state.Phase = workflow.PhaseSupervision
			return r.escalate(ctx, state, workflow.Escalation{
				Trigger: workflow.TriggerInvalidBacktrackTarget,
				StageID: esc.StageID,
				Reason:  err.Error(),
			})
		}
	}
	// CONTINUE 或无法识别的答案
	state.BacktrackDecision = nil
	return r.skipStage(state, esc.StageID)
}

func (r *Runner) answerGeneric(state *workflow.WorkflowState, esc workflow.Escalation, keyword, rest, answer string) (StepResult, error) {
	if keyword == KeywordSkip && esc.StageID != "" {
		return r.skipStage(state, esc.StageID)
	}
	state.UserGuidance = guidance(keyword, rest, answer, KeywordRetry)

	back := esc.Phase
	switch back {
	case "", workflow.PhaseAskUser, workflow.PhaseHandleAnswer, workflow.PhaseFinished:
		back = workflow.PhaseSelectStage
	}
	if stageBound(back) && state.CurrentStageID == "" {
		back = workflow.PhaseSelectStage
	}
	state.Phase = back
	state.Record("resuming at %s after %s", back, esc.Trigger)
	return StepResult{Status: StepContinue}, nil
}

// skipStage 把阶段记为失败并回到调度.
func (r *Runner) skipStage(state *workflow.WorkflowState, stageID string) (StepResult, error) {
	if stageID == "" {
		stageID = state.CurrentStageID
	}
	if stageID != "" && state.Progress != nil {
		if err := state.Progress.SetStatus(stageID, workflow.StatusCompletedFailed); err != nil {
			return StepResult{}, err
		}
	}
	state.ResetStageCounters()
	state.Phase = workflow.PhaseSelectStage
	state.Record("stage %s skipped by user", stageID)
	return StepResult{Status: StepContinue, StageID: stageID}, nil
}

func (r *Runner) replan(state *workflow.WorkflowState, text string) (StepResult, error) {
	state.UserGuidance = text
	state.Phase = workflow.PhasePlanning
	state.Record("replan requested by user")
	return StepResult{Status: StepContinue}, nil
}

func retryPhase(gate workflow.GateName) workflow.Phase {
	switch gate {
	case workflow.GateDesignReview:
		return workflow.PhaseDesign
	case workflow.GateCodeReview, workflow.GateExecution, workflow.GatePhysics:
		return workflow.PhaseCodeGenerate
	case workflow.GateReplan:
		return workflow.PhasePlanning
	}
	return workflow.PhaseAnalysis
}

func stageBound(p workflow.Phase) bool {
	switch p {
	case workflow.PhasePlanning, workflow.PhasePlanReview, workflow.PhaseSelectStage:
		return false
	}
	return true
}

// guidance 去掉已识别的关键字，返回其余文本作为指导.
func guidance(keyword, rest, answer, expected string) string {
	if keyword == expected {
		return rest
	}
	return answer
}

// answerText 返回合并后的答案；全部无法匹配时退回原始答案.
func answerText(res *hitl.Resolution) string {
	if text := strings.TrimSpace(res.Answer()); text != "" {
		return text
	}
	keys := make([]string, 0, len(res.Unmatched))
	for k := range res.Unmatched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(res.Unmatched[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// ✅ 答案校验
// =============================================================================

func (r *Runner) registerValidators() {
	r.protocol.RegisterValidator(workflow.TriggerMaterialCheckpoint,
		keywordValidator([]string{KeywordApprove, KeywordReject, KeywordStop}, KeywordReject))
	r.protocol.RegisterValidator(workflow.TriggerBacktrackApproval,
		keywordValidator([]string{KeywordApprove, KeywordReject, KeywordStop}))

	limit := keywordValidator([]string{KeywordRetry, KeywordSkip, KeywordReplan, KeywordStop})
	for _, t := range workflow.Triggers() {
		switch {
		case t == workflow.TriggerReplanLimit:
			r.protocol.RegisterValidator(t, keywordValidator([]string{KeywordRetry, KeywordSkip, KeywordStop}))
		case t.IsLimit():
			r.protocol.RegisterValidator(t, limit)
		case isBacktrackTrouble(t):
			r.protocol.RegisterValidator(t, backtrackTargetValidator)
		case isPlanTrouble(t):
			r.protocol.RegisterValidator(t, keywordValidator([]string{KeywordReplan, KeywordStop}))
		}
	}
}

// keywordValidator 要求每个答案以 allowed 中的关键字开头；needReason 中的
// 关键字后面必须有说明.
func keywordValidator(allowed []string, needReason ...string) hitl.Validator {
	return func(_ *workflow.WorkflowState, answers map[string]string) []hitl.ValidationIssue {
		if len(answers) == 0 {
			return []hitl.ValidationIssue{{Message: "answer did not match the pending question"}}
		}
		var issues []hitl.ValidationIssue
		for q, a := range answers {
			keyword, rest := parseCommand(a)
			switch {
			case !slices.Contains(allowed, keyword):
				issues = append(issues, hitl.ValidationIssue{
					Question: q,
					Message:  fmt.Sprintf("expected one of %s, got %q", strings.Join(allowed, ", "), a),
				})
			case slices.Contains(needReason, keyword) && rest == "":
				issues = append(issues, hitl.ValidationIssue{
					Question: q,
					Message:  fmt.Sprintf("%s needs a reason", keyword),
				})
			}
		}
		sortIssues(issues)
		return issues
	}
}

func backtrackTargetValidator(state *workflow.WorkflowState, answers map[string]string) []hitl.ValidationIssue {
	if len(answers) == 0 {
		return []hitl.ValidationIssue{{Message: "answer did not match the pending question"}}
	}
	var issues []hitl.ValidationIssue
	for q, a := range answers {
		keyword, rest := parseCommand(a)
		switch keyword {
		case KeywordContinue, KeywordStop:
		case KeywordBacktrack:
			target := strings.Fields(rest)
			if len(target) == 0 {
				issues = append(issues, hitl.ValidationIssue{Question: q, Message: "BACKTRACK needs a stage id"})
				continue
			}
			if state.Plan == nil {
				continue
			}
			if _, ok := state.Plan.Stage(target[0]); !ok {
				issues = append(issues, hitl.ValidationIssue{
					Question: q,
					Message:  fmt.Sprintf("stage %q is not in the plan", target[0]),
				})
			}
		default:
			issues = append(issues, hitl.ValidationIssue{
				Question: q,
				Message:  fmt.Sprintf("expected BACKTRACK <stage_id>, CONTINUE or STOP, got %q", a),
			})
		}
	}
	sortIssues(issues)
	return issues
}

func sortIssues(issues []hitl.ValidationIssue) {
	sort.Slice(issues, func(i, j int) bool { return issues[i].Question < issues[j].Question })
}
