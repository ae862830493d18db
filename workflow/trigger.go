package workflow

// Trigger tags why the pipeline escalated to a human. The zero value means
// no escalation is active.
type Trigger string

const (
	TriggerNone                     Trigger = ""
	TriggerMaterialCheckpoint       Trigger = "material_checkpoint"
	TriggerCodeReviewLimit          Trigger = "code_review_limit"
	TriggerDesignReviewLimit        Trigger = "design_review_limit"
	TriggerExecutionFailureLimit    Trigger = "execution_failure_limit"
	TriggerPhysicsFailureLimit      Trigger = "physics_failure_limit"
	TriggerBacktrackApproval        Trigger = "backtrack_approval"
	TriggerBacktrackLimit           Trigger = "backtrack_limit"
	TriggerReplanLimit              Trigger = "replan_limit"
	TriggerContextOverflow          Trigger = "context_overflow"
	TriggerLLMError                 Trigger = "llm_error"
	TriggerMissingPaperText         Trigger = "missing_paper_text"
	TriggerMissingStageID           Trigger = "missing_stage_id"
	TriggerMissingDesign            Trigger = "missing_design"
	TriggerNoStagesAvailable        Trigger = "no_stages_available"
	TriggerDeadlockDetected         Trigger = "deadlock_detected"
	TriggerInvalidBacktrackDecision Trigger = "invalid_backtrack_decision"
	TriggerInvalidBacktrackTarget   Trigger = "invalid_backtrack_target"
	TriggerBacktrackTargetNotFound  Trigger = "backtrack_target_not_found"
	TriggerProgressInitFailed       Trigger = "progress_init_failed"
	TriggerUnknownEscalation        Trigger = "unknown_escalation"
)

var orderedTriggers = []Trigger{
	TriggerMaterialCheckpoint, TriggerCodeReviewLimit, TriggerDesignReviewLimit,
	TriggerExecutionFailureLimit, TriggerPhysicsFailureLimit, TriggerBacktrackApproval,
	TriggerBacktrackLimit, TriggerReplanLimit, TriggerContextOverflow, TriggerLLMError,
	TriggerMissingPaperText, TriggerMissingStageID, TriggerMissingDesign,
	TriggerNoStagesAvailable, TriggerDeadlockDetected, TriggerInvalidBacktrackDecision,
	TriggerInvalidBacktrackTarget, TriggerBacktrackTargetNotFound, TriggerProgressInitFailed,
	TriggerUnknownEscalation,
}

var knownTriggers = func() map[Trigger]bool {
	m := make(map[Trigger]bool, len(orderedTriggers))
	for _, t := range orderedTriggers {
		m[t] = true
	}
	return m
}()

// Valid reports whether t is a known, non-empty trigger.
func (t Trigger) Valid() bool {
	return knownTriggers[t]
}

// IsSet reports whether an escalation is active.
func (t Trigger) IsSet() bool {
	return t != TriggerNone
}

// IsLimit reports whether t was raised by an exhausted RevisionGate.
func (t Trigger) IsLimit() bool {
	switch t {
	case TriggerCodeReviewLimit, TriggerDesignReviewLimit, TriggerExecutionFailureLimit,
		TriggerPhysicsFailureLimit, TriggerBacktrackLimit, TriggerReplanLimit:
		return true
	}
	return false
}

// Triggers returns every known trigger.
func Triggers() []Trigger {
	return append([]Trigger(nil), orderedTriggers...)
}
