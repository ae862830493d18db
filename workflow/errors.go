package workflow

import "errors"

// Structural plan errors. They are wrapped in a *types.Error with code
// INVALID_PLAN by ValidatePlan.
var (
	ErrEmptyPlan         = errors.New("plan has no stages")
	ErrMissingStageID    = errors.New("stage has no stage_id")
	ErrDuplicateStage    = errors.New("duplicate stage_id")
	ErrSelfDependency    = errors.New("stage depends on itself")
	ErrUnknownDependency = errors.New("dependency references unknown stage")
	ErrCycle             = errors.New("dependency cycle detected")
	ErrUnknownStageType  = errors.New("unknown stage type")
	ErrTierInversion     = errors.New("stage depends on a higher-tier stage")
)

// Runtime errors.
var (
	ErrStageNotFound      = errors.New("stage not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNoState            = errors.New("workflow state is nil")
)
