package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase tags where the pipeline currently is. It is informational; the
// runner dispatches on it but the core invariants never depend on it.
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhasePlanReview    Phase = "plan_review"
	PhaseSelectStage   Phase = "select_stage"
	PhaseDesign        Phase = "design"
	PhaseDesignReview  Phase = "design_review"
	PhaseCodeGenerate  Phase = "code_generate"
	PhaseCodeReview    Phase = "code_review"
	PhaseExecution     Phase = "execution"
	PhaseExecutionEval Phase = "execution_check"
	PhasePhysicsCheck  Phase = "physics_check"
	PhaseAnalysis      Phase = "analysis"
	PhaseSupervision   Phase = "supervision"
	PhaseAskUser       Phase = "ask_user"
	PhaseHandleAnswer  Phase = "handle_answer"
	PhaseFinished      Phase = "finished"
)

// maxHistory bounds the in-state event log.
const maxHistory = 200

// Material is a material model extracted by a MATERIAL_VALIDATION stage.
type Material struct {
	Name   string            `json:"name"`
	Source string            `json:"source,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Escalation describes why the pipeline needs a human.
type Escalation struct {
	Trigger   Trigger  `json:"trigger"`
	StageID   string   `json:"stage_id,omitempty"`
	Reason    string   `json:"reason"`
	Questions []string `json:"questions,omitempty"`
	// Phase is where the run stood when it escalated; resumption returns there
	Phase Phase `json:"phase,omitempty"`
}

// BacktrackDecision records a backtrack proposal or an applied backtrack.
type BacktrackDecision struct {
	FromStage   string   `json:"from_stage"`
	TargetStage string   `json:"target_stage"`
	Reason      string   `json:"reason,omitempty"`
	Approved    bool     `json:"approved"`
	Invalidated []string `json:"invalidated,omitempty"`
}

// HistoryEvent is one entry of the run log.
type HistoryEvent struct {
	At      time.Time `json:"at"`
	Phase   Phase     `json:"phase"`
	StageID string    `json:"stage_id,omitempty"`
	Message string    `json:"message"`
}

// Counters groups the revision counters.
type Counters struct {
	DesignRevisions   int `json:"design_revision_count"`
	CodeRevisions     int `json:"code_revision_count"`
	ExecutionFailures int `json:"execution_failure_count"`
	PhysicsFailures   int `json:"physics_failure_count"`
	Replans           int `json:"replan_count"`
	Backtracks        int `json:"backtrack_count"`
}

// Verdicts holds the latest verdict per phase.
type Verdicts struct {
	PlanReview   ReviewVerdict     `json:"plan_review,omitempty"`
	DesignReview ReviewVerdict     `json:"design_review,omitempty"`
	CodeReview   ReviewVerdict     `json:"code_review,omitempty"`
	Execution    ExecutionVerdict  `json:"execution,omitempty"`
	Physics      PhysicsVerdict    `json:"physics,omitempty"`
	Analysis     Classification    `json:"analysis,omitempty"`
	Comparison   ReviewVerdict     `json:"comparison,omitempty"`
	Supervisor   SupervisorVerdict `json:"supervisor,omitempty"`
}

// WorkflowState is the complete state of one run. It has exactly one owner
// for the duration of a run.
type WorkflowState struct {
	RunID     string `json:"run_id"`
	PaperID   string `json:"paper_id"`
	PaperText string `json:"paper_text,omitempty"`

	Plan     *Plan            `json:"plan,omitempty"`
	Progress *ProgressTracker `json:"progress,omitempty"`

	CurrentStageID   string    `json:"current_stage_id,omitempty"`
	CurrentStageType StageType `json:"current_stage_type,omitempty"`
	Phase            Phase     `json:"phase"`

	Counters Counters `json:"counters"`
	// ExhaustedGates lists gates whose last Bump overflowed
	ExhaustedGates []GateName `json:"exhausted_gates,omitempty"`
	Verdicts       Verdicts   `json:"verdicts"`

	// Collaborator artifacts for the current stage
	Design       string `json:"design,omitempty"`
	Code         string `json:"code,omitempty"`
	ReviewNotes  string `json:"review_notes,omitempty"`
	ExecutionLog string `json:"execution_log,omitempty"`

	AskUserTrigger       Trigger           `json:"ask_user_trigger,omitempty"`
	PendingUserQuestions []string          `json:"pending_user_questions,omitempty"`
	AwaitingUserInput    bool              `json:"awaiting_user_input"`
	UserResponses        map[string]string `json:"user_responses,omitempty"`
	AskUserAttempts      int               `json:"ask_user_attempts"`
	LastEscalation       *Escalation       `json:"last_escalation,omitempty"`
	PendingInterruptID   string            `json:"pending_interrupt_id,omitempty"`

	PendingValidatedMaterials []Material `json:"pending_validated_materials,omitempty"`
	ValidatedMaterials        []Material `json:"validated_materials,omitempty"`

	SupervisorFeedback string             `json:"supervisor_feedback,omitempty"`
	UserGuidance       string             `json:"user_guidance,omitempty"`
	BacktrackDecision  *BacktrackDecision `json:"backtrack_decision,omitempty"`

	LastCheckpoint string `json:"last_checkpoint,omitempty"`
	Finished       bool   `json:"finished"`
	FinishReason   string `json:"finish_reason,omitempty"`

	History   []HistoryEvent `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewWorkflowState creates a fresh state for a paper.
func NewWorkflowState(paperID, paperText string) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		RunID:         uuid.New().String(),
		PaperID:       paperID,
		PaperText:     paperText,
		Phase:         PhasePlanning,
		UserResponses: make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AcceptPlan installs a validated plan and initialises progress.
func (s *WorkflowState) AcceptPlan(plan *Plan) error {
	progress, err := NewProgressTracker(plan)
	if err != nil {
		return err
	}
	s.Plan = plan.Clone()
	s.Progress = progress
	if s.PaperID == "" {
		s.PaperID = plan.PaperID
	}
	s.CurrentStageID = ""
	s.CurrentStageType = ""
	return nil
}

// Counter returns a pointer to the counter backing gate.
func (s *WorkflowState) Counter(gate GateName) *int {
	switch gate {
	case GateDesignReview:
		return &s.Counters.DesignRevisions
	case GateCodeReview:
		return &s.Counters.CodeRevisions
	case GateExecution:
		return &s.Counters.ExecutionFailures
	case GatePhysics:
		return &s.Counters.PhysicsFailures
	case GateReplan:
		return &s.Counters.Replans
	case GateBacktrack:
		return &s.Counters.Backtracks
	}
	return nil
}

// Bump increments the gate counter against limits and reports the result.
func (s *WorkflowState) Bump(gate GateName, limits Limits) (GateResult, error) {
	def, err := LookupGate(gate)
	if err != nil {
		return GateResult{}, err
	}
	counter := s.Counter(gate)
	max := limits.Max(gate)
	count, exceeded := Increment(*counter, max)
	*counter = count
	if exceeded && !s.IsExhausted(gate) {
		s.ExhaustedGates = append(s.ExhaustedGates, gate)
	}
	return GateResult{Gate: def, Count: count, Max: max, Exceeded: exceeded}, nil
}

// Exceeded reports whether the gate counter is already at its maximum.
func (s *WorkflowState) Exceeded(gate GateName, limits Limits) bool {
	c := s.Counter(gate)
	return c != nil && *c >= limits.Max(gate)
}

// IsExhausted reports whether a Bump on gate has overflowed since the last reset.
func (s *WorkflowState) IsExhausted(gate GateName) bool {
	for _, g := range s.ExhaustedGates {
		if g == gate {
			return true
		}
	}
	return false
}

// ResetCounter zeroes the counter for gate and clears its exhausted mark.
func (s *WorkflowState) ResetCounter(gate GateName) {
	if c := s.Counter(gate); c != nil {
		*c = 0
	}
	kept := s.ExhaustedGates[:0]
	for _, g := range s.ExhaustedGates {
		if g != gate {
			kept = append(kept, g)
		}
	}
	s.ExhaustedGates = kept
	if len(s.ExhaustedGates) == 0 {
		s.ExhaustedGates = nil
	}
}

// ResetStageCounters zeroes every stage-scoped counter.
func (s *WorkflowState) ResetStageCounters() {
	for _, g := range StageScopedGates() {
		s.ResetCounter(g)
	}
}

// ClearStageArtifacts drops per-stage collaborator output.
func (s *WorkflowState) ClearStageArtifacts() {
	s.Design = ""
	s.Code = ""
	s.ReviewNotes = ""
	s.ExecutionLog = ""
	s.Verdicts.DesignReview = ""
	s.Verdicts.CodeReview = ""
	s.Verdicts.Execution = ""
	s.Verdicts.Physics = ""
	s.Verdicts.Analysis = ""
	s.Verdicts.Comparison = ""
}

// Record appends an event to the bounded history.
func (s *WorkflowState) Record(format string, args ...any) {
	now := time.Now()
	s.History = append(s.History, HistoryEvent{
		At:      now,
		Phase:   s.Phase,
		StageID: s.CurrentStageID,
		Message: fmt.Sprintf(format, args...),
	})
	if len(s.History) > maxHistory {
		s.History = append([]HistoryEvent(nil), s.History[len(s.History)-maxHistory:]...)
	}
	s.UpdatedAt = now
}

// Finish marks the run as complete.
func (s *WorkflowState) Finish(reason string) {
	s.Finished = true
	s.FinishReason = reason
	s.Phase = PhaseFinished
	s.CurrentStageID = ""
	s.CurrentStageType = ""
}

// Clone returns a deep copy of the state.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s
	out.Plan = s.Plan.Clone()
	out.Progress = s.Progress.Clone()
	out.ExhaustedGates = append([]GateName(nil), s.ExhaustedGates...)
	out.PendingUserQuestions = append([]string(nil), s.PendingUserQuestions...)
	if s.UserResponses != nil {
		out.UserResponses = make(map[string]string, len(s.UserResponses))
		for k, v := range s.UserResponses {
			out.UserResponses[k] = v
		}
	}
	out.PendingValidatedMaterials = cloneMaterials(s.PendingValidatedMaterials)
	out.ValidatedMaterials = cloneMaterials(s.ValidatedMaterials)
	if s.LastEscalation != nil {
		e := *s.LastEscalation
		e.Questions = append([]string(nil), s.LastEscalation.Questions...)
		out.LastEscalation = &e
	}
	if s.BacktrackDecision != nil {
		d := *s.BacktrackDecision
		d.Invalidated = append([]string(nil), s.BacktrackDecision.Invalidated...)
		out.BacktrackDecision = &d
	}
	out.History = append([]HistoryEvent(nil), s.History...)
	return &out
}

func cloneMaterials(in []Material) []Material {
	if in == nil {
		return nil
	}
	out := make([]Material, len(in))
	for i, m := range in {
		out[i] = m
		if m.Params != nil {
			out[i].Params = make(map[string]string, len(m.Params))
			for k, v := range m.Params {
				out[i].Params[k] = v
			}
		}
	}
	return out
}
