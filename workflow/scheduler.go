package workflow

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/types"
)

// SelectionKind distinguishes the three scheduler outcomes.
type SelectionKind string

const (
	// SelectStage means a stage was chosen
	SelectStage SelectionKind = "stage"
	// SelectDone means every stage is terminal
	SelectDone SelectionKind = "done"
	// SelectEscalate means the scheduler cannot proceed without a human
	SelectEscalate SelectionKind = "escalate"
)

// Selection is the result of Scheduler.Select.
type Selection struct {
	Kind      SelectionKind `json:"kind"`
	StageID   string        `json:"stage_id,omitempty"`
	StageType StageType     `json:"stage_type,omitempty"`
	Trigger   Trigger       `json:"trigger,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	// Blocked lists stages marked BLOCKED during this call
	Blocked []string `json:"blocked,omitempty"`
	// Promoted lists INVALIDATED stages moved back to NEEDS_RERUN
	Promoted []string `json:"promoted,omitempty"`
}

// Escalation converts an escalating selection into an Escalation.
func (s Selection) Escalation() *Escalation {
	if s.Kind != SelectEscalate {
		return nil
	}
	return &Escalation{Trigger: s.Trigger, Reason: s.Reason}
}

// Scheduler picks the next eligible stage from a plan and its progress.
type Scheduler struct {
	logger *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger.With(zap.String("component", "stage_scheduler"))}
}

// Select returns the next stage to run. It mutates progress in two cases
// only: stages with a missing or unknown stage type are marked BLOCKED, and
// INVALIDATED stages whose explicit dependencies have all completed again
// are promoted to NEEDS_RERUN.
func (s *Scheduler) Select(plan *Plan, progress *ProgressTracker) Selection {
	if plan == nil || len(plan.Stages) == 0 {
		return escalate(TriggerNoStagesAvailable, "plan is missing or has no stages")
	}
	graph, err := NewPlanGraph(plan)
	if err != nil {
		s.logger.Error("scheduler handed an invalid plan", zap.Error(err))
		return escalate(TriggerNoStagesAvailable, fmt.Sprintf("plan is structurally invalid: %v", err))
	}
	if !progress.Matches(plan) {
		return escalate(TriggerNoStagesAvailable, "progress does not mirror the plan")
	}

	var sel Selection

	for _, st := range plan.Stages {
		status, _ := progress.Status(st.ID)
		if !st.Type.Valid() && status != StatusBlocked && !status.IsCompleted() {
			_ = progress.SetStatus(st.ID, StatusBlocked)
			progress.SetSummary(st.ID, fmt.Sprintf("missing or unknown stage type %q", st.Type))
			sel.Blocked = append(sel.Blocked, st.ID)
			s.logger.Warn("stage blocked: invalid stage type",
				zap.String("stage_id", st.ID),
				zap.String("stage_type", string(st.Type)),
			)
		}
	}

	for _, st := range plan.Stages {
		status, _ := progress.Status(st.ID)
		if status != StatusInvalidated {
			continue
		}
		if dependenciesCompleted(graph, progress, st.ID) {
			_ = progress.SetStatus(st.ID, StatusNeedsRerun)
			sel.Promoted = append(sel.Promoted, st.ID)
		}
	}

	eligible := s.eligible(graph, progress)
	if len(eligible) == 0 {
		if progress.AllTerminal() {
			sel.Kind = SelectDone
			sel.Reason = "all stages are terminal"
			return sel
		}
		sel.Kind = SelectEscalate
		sel.Trigger = TriggerDeadlockDetected
		sel.Reason = fmt.Sprintf("no eligible stage; unresolved: %v", unresolved(progress))
		s.logger.Warn("deadlock detected", zap.Strings("unresolved", unresolved(progress)))
		return sel
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		ar, br := a.status == StatusNeedsRerun, b.status == StatusNeedsRerun
		if ar != br {
			return ar
		}
		if a.spec.Type.Rank() != b.spec.Type.Rank() {
			return a.spec.Type.Rank() < b.spec.Type.Rank()
		}
		return a.order < b.order
	})

	chosen := eligible[0]
	sel.Kind = SelectStage
	sel.StageID = chosen.spec.ID
	sel.StageType = chosen.spec.Type
	s.logger.Debug("stage selected",
		zap.String("stage_id", sel.StageID),
		zap.String("stage_type", string(sel.StageType)),
		zap.String("status", string(chosen.status)),
	)
	return sel
}

type candidate struct {
	spec   StageSpec
	status StageStatus
	order  int
}

func (s *Scheduler) eligible(graph *PlanGraph, progress *ProgressTracker) []candidate {
	var out []candidate
	for i, st := range graph.Plan().Stages {
		status, _ := progress.Status(st.ID)
		if !status.IsRunnable() || !st.Type.Valid() {
			continue
		}
		if !dependenciesCompleted(graph, progress, st.ID) {
			continue
		}
		if !lowerTiersResolved(graph, progress, st) {
			continue
		}
		out = append(out, candidate{spec: st, status: status, order: i})
	}
	return out
}

func dependenciesCompleted(graph *PlanGraph, progress *ProgressTracker, id string) bool {
	for _, dep := range graph.Dependencies(id) {
		status, _ := progress.Status(dep)
		if !status.IsCompleted() {
			return false
		}
	}
	return true
}

// lowerTiersResolved applies the hierarchy as an implicit dependency layer:
// every valid-typed stage ranked below st must be terminal.
func lowerTiersResolved(graph *PlanGraph, progress *ProgressTracker, st StageSpec) bool {
	rank := st.Type.Rank()
	for _, other := range graph.Plan().Stages {
		if other.ID == st.ID || !other.Type.Valid() || other.Type.Rank() >= rank {
			continue
		}
		status, _ := progress.Status(other.ID)
		if !status.IsTerminal() {
			return false
		}
	}
	return true
}

func unresolved(progress *ProgressTracker) []string {
	var out []string
	for _, st := range progress.Stages {
		if !st.Status.IsTerminal() {
			out = append(out, st.StageID)
		}
	}
	return out
}

func escalate(trigger Trigger, reason string) Selection {
	return Selection{Kind: SelectEscalate, Trigger: trigger, Reason: reason}
}

// Apply makes the selected stage current. Selecting a stage other than the
// previous current stage resets every stage-scoped counter and drops the
// previous stage's artifacts.
func (s *Scheduler) Apply(state *WorkflowState, sel Selection) error {
	if state == nil {
		return ErrNoState
	}
	if sel.Kind != SelectStage || sel.StageID == "" {
		return types.Errorf(types.ErrInvalidSelector, "cannot apply %s selection", sel.Kind)
	}
	if _, ok := state.Progress.Get(sel.StageID); !ok {
		return fmt.Errorf("%w: %s", ErrStageNotFound, sel.StageID)
	}

	if state.CurrentStageID != sel.StageID {
		state.ResetStageCounters()
		state.ClearStageArtifacts()
		state.SupervisorFeedback = ""
		state.UserGuidance = ""
	}
	state.CurrentStageID = sel.StageID
	state.CurrentStageType = sel.StageType
	state.Progress.markStarted(sel.StageID)
	state.Phase = PhaseDesign
	state.Record("selected stage %s (%s)", sel.StageID, sel.StageType)
	return nil
}
