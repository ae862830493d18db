package workflow

import "fmt"

// GateName identifies one of the bounded revision loops.
type GateName string

const (
	// GateReplan counts plan review rejections and supervisor replans
	GateReplan GateName = "replan"
	// GateDesignReview counts design review rejections for the current stage
	GateDesignReview GateName = "design_review"
	// GateCodeReview counts code review rejections for the current stage
	GateCodeReview GateName = "code_review"
	// GateExecution counts failed simulation runs for the current stage
	GateExecution GateName = "execution"
	// GatePhysics counts failed physics sanity checks for the current stage
	GatePhysics GateName = "physics"
	// GateBacktrack counts accepted backtracks over the whole run
	GateBacktrack GateName = "backtrack"
)

// Gate binds a counter to the trigger raised once it is exhausted.
type Gate struct {
	Name    GateName
	Trigger Trigger
	// StageScoped gates are reset whenever a different stage is selected
	StageScoped bool
}

var gates = map[GateName]Gate{
	GateReplan:       {Name: GateReplan, Trigger: TriggerReplanLimit},
	GateDesignReview: {Name: GateDesignReview, Trigger: TriggerDesignReviewLimit, StageScoped: true},
	GateCodeReview:   {Name: GateCodeReview, Trigger: TriggerCodeReviewLimit, StageScoped: true},
	GateExecution:    {Name: GateExecution, Trigger: TriggerExecutionFailureLimit, StageScoped: true},
	GatePhysics:      {Name: GatePhysics, Trigger: TriggerPhysicsFailureLimit, StageScoped: true},
	GateBacktrack:    {Name: GateBacktrack, Trigger: TriggerBacktrackLimit},
}

// LookupGate returns the gate definition for name.
func LookupGate(name GateName) (Gate, error) {
	g, ok := gates[name]
	if !ok {
		return Gate{}, fmt.Errorf("unknown revision gate: %s", name)
	}
	return g, nil
}

// StageScopedGates returns the gates reset on stage change.
func StageScopedGates() []GateName {
	return []GateName{GateDesignReview, GateCodeReview, GateExecution, GatePhysics}
}

// Increment advances a revision counter. While current is below max the
// count grows by one and exceeded is false. Once current has reached max the
// count is clamped at max and exceeded is true on every further call; the
// caller must escalate with the gate's trigger instead of retrying.
func Increment(current, max int) (count int, exceeded bool) {
	if max < 0 {
		max = 0
	}
	if current >= max {
		return max, true
	}
	if current < 0 {
		current = 0
	}
	return current + 1, false
}

// GateResult is returned by WorkflowState.Bump.
type GateResult struct {
	Gate     Gate
	Count    int
	Max      int
	Exceeded bool
}

// Escalation builds the escalation for an exhausted gate.
func (r GateResult) Escalation(stageID string) *Escalation {
	if !r.Exceeded {
		return nil
	}
	return &Escalation{
		Trigger: r.Gate.Trigger,
		StageID: stageID,
		Reason:  fmt.Sprintf("%s limit reached (%d/%d)", r.Gate.Name, r.Count, r.Max),
	}
}
