package workflow

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mismatch is the comparison collaborator's judgement that a stage's
// results cannot be fixed by revising the stage itself.
type Mismatch struct {
	Unrecoverable bool `json:"unrecoverable"`
	// SuggestedTarget optionally names the ancestor believed responsible
	SuggestedTarget string `json:"suggested_target,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// StageOutcome is everything the supervisor consumes for the current stage.
type StageOutcome struct {
	Execution      ExecutionVerdict `json:"execution,omitempty"`
	Physics        PhysicsVerdict   `json:"physics,omitempty"`
	Classification Classification   `json:"classification,omitempty"`
	Comparison     ReviewVerdict    `json:"comparison,omitempty"`
	Mismatch       *Mismatch        `json:"mismatch,omitempty"`
	// Materials extracted by a MATERIAL_VALIDATION stage
	Materials []Material `json:"materials,omitempty"`
	// ReplanReason, when set, asks for the plan to be regenerated
	ReplanReason string `json:"replan_reason,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// Decision is the supervisor's output.
type Decision struct {
	Verdict SupervisorVerdict `json:"verdict"`
	StageID string            `json:"stage_id,omitempty"`
	// StageStatus is the status recorded for the current stage, if any
	StageStatus StageStatus `json:"stage_status,omitempty"`
	TargetStage string      `json:"target_stage,omitempty"`
	Invalidated []string    `json:"invalidated,omitempty"`
	Escalation  *Escalation `json:"escalation,omitempty"`
	// Deferred is set when an exhausted gate already owns the escalation
	Deferred bool   `json:"deferred,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Suspends reports whether the decision requires human input.
func (d Decision) Suspends() bool {
	return d.Escalation != nil
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBacktrackStrategy replaces the default NearestAncestorStrategy.
func WithBacktrackStrategy(strategy BacktrackStrategy) SupervisorOption {
	return func(s *Supervisor) {
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

// Supervisor interprets stage outcomes and decides what happens next.
type Supervisor struct {
	limits    Limits
	strategy  BacktrackStrategy
	scheduler *Scheduler
	logger    *zap.Logger
}

// NewSupervisor creates a supervisor bound to limits.
func NewSupervisor(limits Limits, logger *zap.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		limits:    limits,
		strategy:  NearestAncestorStrategy{},
		scheduler: NewScheduler(zap.NewNop()),
		logger:    logger.With(zap.String("component", "supervisor")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strategy returns the configured backtrack strategy.
func (s *Supervisor) Strategy() BacktrackStrategy { return s.strategy }

// Decide applies the priority-ordered policy to the current stage:
//
//  1. a completed MATERIAL_VALIDATION stage always goes to material_checkpoint
//  2. an exhausted stage gate defers to that gate's escalation
//  3. an unrecoverable mismatch backtracks to an ancestor
//  4. backtracks are bounded by the backtrack gate
//  5. nothing left to schedule means finish
//  6. otherwise ok_continue
//
// A replan request from the analysis is honoured between 4 and 5, bounded by
// the replan gate. Decide mutates state.
func (s *Supervisor) Decide(state *WorkflowState, outcome StageOutcome) (Decision, error) {
	if state == nil {
		return Decision{}, ErrNoState
	}
	stageID := state.CurrentStageID
	if stageID == "" {
		return s.escalate(state, Decision{}, TriggerMissingStageID, "supervisor invoked without a current stage"), nil
	}
	graph, err := NewPlanGraph(state.Plan)
	if err != nil {
		return s.escalate(state, Decision{StageID: stageID}, TriggerNoStagesAvailable, err.Error()), nil
	}
	spec, ok := graph.Spec(stageID)
	if !ok {
		return s.escalate(state, Decision{StageID: stageID}, TriggerMissingStageID,
			fmt.Sprintf("current stage %q is not in the plan", stageID)), nil
	}

	d := Decision{StageID: stageID}
	completed := completionStatus(outcome)

	// 1. mandatory material checkpoint
	if spec.Type == StageTypeMaterialValidation {
		_ = state.Progress.SetStatus(stageID, completed)
		state.Progress.SetSummary(stageID, outcome.Summary)
		state.PendingValidatedMaterials = cloneMaterials(outcome.Materials)
		d.Verdict = SupervisorMaterialCheckpoint
		d.StageStatus = completed
		d.Escalation = &Escalation{
			Trigger:   TriggerMaterialCheckpoint,
			StageID:   stageID,
			Reason:    "material validation finished; extracted materials need approval",
			Questions: []string{MaterialCheckpointQuestion(stageID, outcome.Materials)},
		}
		return s.finalize(state, d), nil
	}

	// 2. an exhausted stage gate owns its own escalation
	for _, g := range StageScopedGates() {
		if state.IsExhausted(g) {
			def, _ := LookupGate(g)
			d.Verdict = SupervisorAskUser
			d.Deferred = true
			d.Escalation = &Escalation{
				Trigger: def.Trigger,
				StageID: stageID,
				Reason:  fmt.Sprintf("%s gate exhausted for stage %s", g, stageID),
			}
			return s.finalize(state, d), nil
		}
	}

	// 3 + 4. unrecoverable mismatch -> backtrack
	if outcome.Mismatch != nil && outcome.Mismatch.Unrecoverable {
		return s.decideBacktrack(state, graph, outcome, d), nil
	}

	if outcome.ReplanReason != "" {
		res, err := state.Bump(GateReplan, s.limits)
		if err != nil {
			return Decision{}, err
		}
		if res.Exceeded {
			return s.escalate(state, d, TriggerReplanLimit, fmt.Sprintf("replan limit reached: %s", outcome.ReplanReason)), nil
		}
		d.Verdict = SupervisorReplan
		d.Feedback = outcome.ReplanReason
		return s.finalize(state, d), nil
	}

	// 5 + 6. record completion then finish or continue
	_ = state.Progress.SetStatus(stageID, completed)
	state.Progress.SetSummary(stageID, outcome.Summary)
	d.StageStatus = completed
	d.Feedback = outcome.Summary

	if sel := s.scheduler.Select(state.Plan, state.Progress.Clone()); sel.Kind == SelectDone {
		d.Verdict = SupervisorFinish
		return s.finalize(state, d), nil
	}
	d.Verdict = SupervisorOKContinue
	return s.finalize(state, d), nil
}

func (s *Supervisor) decideBacktrack(state *WorkflowState, graph *PlanGraph, outcome StageOutcome, d Decision) Decision {
	stageID := d.StageID
	if state.Exceeded(GateBacktrack, s.limits) {
		return s.escalate(state, d, TriggerBacktrackLimit,
			fmt.Sprintf("backtrack limit reached (%d/%d)", state.Counters.Backtracks, s.limits.Max(GateBacktrack)))
	}

	target, err := s.strategy.ChooseTarget(BacktrackRequest{
		Graph:           graph,
		Progress:        state.Progress,
		FromStage:       stageID,
		SuggestedTarget: outcome.Mismatch.SuggestedTarget,
		Reason:          outcome.Mismatch.Reason,
	})
	if err == nil {
		err = ValidateBacktrackTarget(graph, stageID, target)
	}
	if err != nil {
		trigger := TriggerBacktrackTargetNotFound
		if errors.Is(err, ErrInvalidBacktrackTarget) {
			trigger = TriggerInvalidBacktrackTarget
		}
		s.logger.Warn("backtrack target rejected",
			zap.String("stage_id", stageID),
			zap.String("strategy", s.strategy.Name()),
			zap.Error(err),
		)
		return s.escalate(state, d, trigger, err.Error())
	}

	state.BacktrackDecision = &BacktrackDecision{
		FromStage:   stageID,
		TargetStage: target,
		Reason:      outcome.Mismatch.Reason,
	}
	d.TargetStage = target

	if s.limits.BacktrackNeedsApproval() {
		d.Verdict = SupervisorBacktrack
		d.Escalation = &Escalation{
			Trigger:   TriggerBacktrackApproval,
			StageID:   stageID,
			Reason:    outcome.Mismatch.Reason,
			Questions: []string{BacktrackApprovalQuestion(stageID, target, outcome.Mismatch.Reason, graph.Descendants(target))},
		}
		return s.finalize(state, d)
	}

	applied, err := s.ApplyBacktrack(state)
	if err != nil {
		return s.escalate(state, d, TriggerInvalidBacktrackDecision, err.Error())
	}
	return applied
}

// ApplyBacktrack executes the backtrack recorded in state.BacktrackDecision:
// the backtrack counter is bumped, the target is set NEEDS_RERUN and all its
// descendants INVALIDATED. Backtracking to a MATERIAL_VALIDATION stage drops
// the approved materials.
func (s *Supervisor) ApplyBacktrack(state *WorkflowState) (Decision, error) {
	bd := state.BacktrackDecision
	if bd == nil || bd.TargetStage == "" {
		return Decision{}, fmt.Errorf("%w: no backtrack decision recorded", ErrBacktrackTargetNotFound)
	}
	graph, err := NewPlanGraph(state.Plan)
	if err != nil {
		return Decision{}, err
	}
	if err := ValidateBacktrackTarget(graph, bd.FromStage, bd.TargetStage); err != nil {
		return Decision{}, err
	}
	res, err := state.Bump(GateBacktrack, s.limits)
	if err != nil {
		return Decision{}, err
	}
	if res.Exceeded {
		d := Decision{StageID: bd.FromStage, TargetStage: bd.TargetStage}
		return s.escalate(state, d, TriggerBacktrackLimit, res.Escalation(bd.FromStage).Reason), nil
	}

	invalidated, err := Invalidate(graph, state.Progress, bd.TargetStage)
	if err != nil {
		return Decision{}, err
	}
	bd.Approved = true
	bd.Invalidated = invalidated
	if spec, ok := graph.Spec(bd.TargetStage); ok && spec.Type == StageTypeMaterialValidation {
		// 材料阶段重跑，之前批准的材料作废
		state.ValidatedMaterials = nil
		state.PendingValidatedMaterials = nil
	}

	s.logger.Info("backtrack applied",
		zap.String("from_stage", bd.FromStage),
		zap.String("target_stage", bd.TargetStage),
		zap.Strings("invalidated", invalidated),
		zap.Int("backtrack_count", state.Counters.Backtracks),
	)

	d := Decision{
		Verdict:     SupervisorBacktrackToStage,
		StageID:     bd.FromStage,
		TargetStage: bd.TargetStage,
		Invalidated: invalidated,
		Feedback:    bd.Reason,
	}
	return s.finalize(state, d), nil
}

// RejectBacktrack discards a proposed backtrack and records the current
// stage as failed so the scheduler can move on.
func (s *Supervisor) RejectBacktrack(state *WorkflowState) Decision {
	bd := state.BacktrackDecision
	state.BacktrackDecision = nil
	d := Decision{Verdict: SupervisorOKContinue}
	if bd != nil {
		d.StageID = bd.FromStage
		_ = state.Progress.SetStatus(bd.FromStage, StatusCompletedFailed)
		d.StageStatus = StatusCompletedFailed
	}
	if sel := s.scheduler.Select(state.Plan, state.Progress.Clone()); sel.Kind == SelectDone {
		d.Verdict = SupervisorFinish
	}
	return s.finalize(state, d)
}

func (s *Supervisor) escalate(state *WorkflowState, d Decision, trigger Trigger, reason string) Decision {
	d.Verdict = SupervisorAskUser
	d.Escalation = &Escalation{Trigger: trigger, StageID: d.StageID, Reason: reason}
	return s.finalize(state, d)
}

func (s *Supervisor) finalize(state *WorkflowState, d Decision) Decision {
	state.Verdicts.Supervisor = d.Verdict
	if d.Feedback != "" {
		state.SupervisorFeedback = d.Feedback
	}
	state.Record("supervisor: %s", describeDecision(d))
	s.logger.Info("supervisor decision",
		zap.String("stage_id", d.StageID),
		zap.String("verdict", string(d.Verdict)),
		zap.String("target_stage", d.TargetStage),
		zap.Bool("escalates", d.Escalation != nil),
	)
	return d
}

func describeDecision(d Decision) string {
	var b strings.Builder
	b.WriteString(string(d.Verdict))
	if d.TargetStage != "" {
		fmt.Fprintf(&b, " -> %s", d.TargetStage)
	}
	if d.Escalation != nil {
		fmt.Fprintf(&b, " [%s]", d.Escalation.Trigger)
	}
	return b.String()
}

// completionStatus maps the outcome onto a completed status. Without a
// classification the execution verdict decides.
func completionStatus(o StageOutcome) StageStatus {
	if o.Classification.Valid() {
		return o.Classification.StageStatus()
	}
	if o.Execution == ExecutionFail {
		return StatusCompletedFailed
	}
	return StatusCompletedSuccess
}

// MaterialCheckpointQuestion renders the mandatory material approval question.
func MaterialCheckpointQuestion(stageID string, materials []Material) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage %s extracted the following materials:\n", stageID)
	if len(materials) == 0 {
		b.WriteString("  (none reported)\n")
	}
	for _, m := range materials {
		fmt.Fprintf(&b, "  - %s", m.Name)
		if m.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", m.Source)
		}
		b.WriteString("\n")
	}
	b.WriteString("Approve these materials for the remaining stages?\n")
	b.WriteString("Options:\n  APPROVE - use these materials\n  REJECT <reason> - rerun material validation\n  STOP - end the run")
	return b.String()
}

// BacktrackApprovalQuestion renders the backtrack approval question.
func BacktrackApprovalQuestion(from, target, reason string, invalidated []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage %s cannot be reproduced: %s\n", from, reason)
	fmt.Fprintf(&b, "Proposed backtrack to stage %s; this invalidates %v.\n", target, invalidated)
	b.WriteString("Options:\n  APPROVE - rerun from the target stage\n  REJECT - keep results and continue\n  STOP - end the run")
	return b.String()
}
