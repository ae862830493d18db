package workflow

// ReviewVerdict is the outcome of a plan, design or code review.
type ReviewVerdict string

const (
	ReviewApprove       ReviewVerdict = "approve"
	ReviewNeedsRevision ReviewVerdict = "needs_revision"
)

// Valid reports whether v is a known review verdict.
func (v ReviewVerdict) Valid() bool {
	return v == ReviewApprove || v == ReviewNeedsRevision
}

// ExecutionVerdict is the outcome of validating a simulation run.
type ExecutionVerdict string

const (
	ExecutionPass    ExecutionVerdict = "pass"
	ExecutionWarning ExecutionVerdict = "warning"
	ExecutionFail    ExecutionVerdict = "fail"
)

// Valid reports whether v is a known execution verdict.
func (v ExecutionVerdict) Valid() bool {
	switch v {
	case ExecutionPass, ExecutionWarning, ExecutionFail:
		return true
	}
	return false
}

// PhysicsVerdict is the outcome of the physics sanity check.
type PhysicsVerdict string

const (
	PhysicsPass       PhysicsVerdict = "pass"
	PhysicsWarning    PhysicsVerdict = "warning"
	PhysicsFail       PhysicsVerdict = "fail"
	PhysicsDesignFlaw PhysicsVerdict = "design_flaw"
)

// Valid reports whether v is a known physics verdict.
func (v PhysicsVerdict) Valid() bool {
	switch v {
	case PhysicsPass, PhysicsWarning, PhysicsFail, PhysicsDesignFlaw:
		return true
	}
	return false
}

// Classification grades how well a stage reproduced its targets.
type Classification string

const (
	ClassExcellentMatch  Classification = "excellent_match"
	ClassAcceptableMatch Classification = "acceptable_match"
	ClassPartialMatch    Classification = "partial_match"
	ClassPoorMatch       Classification = "poor_match"
	ClassFailed          Classification = "failed"
	ClassNoTargets       Classification = "no_targets"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassExcellentMatch, ClassAcceptableMatch, ClassPartialMatch,
		ClassPoorMatch, ClassFailed, ClassNoTargets:
		return true
	}
	return false
}

// StageStatus maps a classification onto the completed status it implies.
func (c Classification) StageStatus() StageStatus {
	switch c {
	case ClassExcellentMatch, ClassAcceptableMatch, ClassNoTargets:
		return StatusCompletedSuccess
	case ClassPartialMatch:
		return StatusCompletedPartial
	default:
		return StatusCompletedFailed
	}
}

// IsMismatch reports whether the classification signals the stage did not
// reproduce its targets.
func (c Classification) IsMismatch() bool {
	return c == ClassPoorMatch || c == ClassFailed
}

// SupervisorVerdict is the supervisor decision for the current stage.
type SupervisorVerdict string

const (
	SupervisorOKContinue         SupervisorVerdict = "ok_continue"
	SupervisorBacktrack          SupervisorVerdict = "backtrack"
	SupervisorBacktrackToStage   SupervisorVerdict = "backtrack_to_stage"
	SupervisorFinish             SupervisorVerdict = "finish"
	SupervisorMaterialCheckpoint SupervisorVerdict = "material_checkpoint"
	SupervisorReplan             SupervisorVerdict = "replan"
	// SupervisorAskUser carries an escalation raised by the supervisor itself
	SupervisorAskUser SupervisorVerdict = "ask_user"
)

// Valid reports whether v is a known supervisor verdict.
func (v SupervisorVerdict) Valid() bool {
	switch v {
	case SupervisorOKContinue, SupervisorBacktrack, SupervisorBacktrackToStage,
		SupervisorFinish, SupervisorMaterialCheckpoint, SupervisorReplan, SupervisorAskUser:
		return true
	}
	return false
}
