package workflow

import (
	"fmt"
	"strings"
)

// StageType classifies a plan stage. The set is closed; the order of the
// constants below is the fixed hierarchy used by the scheduler.
type StageType string

const (
	// StageTypeMaterialValidation validates material models against the paper
	StageTypeMaterialValidation StageType = "MATERIAL_VALIDATION"
	// StageTypeSingleStructure reproduces a single isolated structure
	StageTypeSingleStructure StageType = "SINGLE_STRUCTURE"
	// StageTypeArraySystem reproduces coupled/array systems
	StageTypeArraySystem StageType = "ARRAY_SYSTEM"
	// StageTypeParameterSweep sweeps a parameter over a validated system
	StageTypeParameterSweep StageType = "PARAMETER_SWEEP"
	// StageTypeComplexPhysics covers everything built on the layers above
	StageTypeComplexPhysics StageType = "COMPLEX_PHYSICS"
)

var stageTypeRank = map[StageType]int{
	StageTypeMaterialValidation: 0,
	StageTypeSingleStructure:    1,
	StageTypeArraySystem:        2,
	StageTypeParameterSweep:     3,
	StageTypeComplexPhysics:     4,
}

// StageTypes returns the closed set of stage types in hierarchy order.
func StageTypes() []StageType {
	return []StageType{
		StageTypeMaterialValidation,
		StageTypeSingleStructure,
		StageTypeArraySystem,
		StageTypeParameterSweep,
		StageTypeComplexPhysics,
	}
}

// Valid reports whether t is one of the known stage types.
func (t StageType) Valid() bool {
	_, ok := stageTypeRank[t]
	return ok
}

// Rank returns the hierarchy position of t, or -1 for unknown types.
func (t StageType) Rank() int {
	if r, ok := stageTypeRank[t]; ok {
		return r
	}
	return -1
}

// ParseStageType normalises s (case-insensitive, '-' or ' ' allowed as
// separators) into a StageType.
func ParseStageType(s string) (StageType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	t := StageType(norm)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStageType, s)
	}
	return t, nil
}

// StageStatus is the progress status of a single stage.
type StageStatus string

const (
	StatusNotStarted       StageStatus = "not_started"
	StatusInProgress       StageStatus = "in_progress"
	StatusNeedsRerun       StageStatus = "needs_rerun"
	StatusBlocked          StageStatus = "blocked"
	StatusInvalidated      StageStatus = "invalidated"
	StatusCompletedSuccess StageStatus = "completed_success"
	StatusCompletedPartial StageStatus = "completed_partial"
	StatusCompletedFailed  StageStatus = "completed_failed"
)

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusNeedsRerun, StatusBlocked,
		StatusInvalidated, StatusCompletedSuccess, StatusCompletedPartial, StatusCompletedFailed:
		return true
	}
	return false
}

// IsCompleted reports whether the stage produced a usable result that
// dependent stages may build on.
func (s StageStatus) IsCompleted() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedPartial
}

// IsTerminal reports whether the scheduler will never pick the stage again
// without outside intervention.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StatusCompletedSuccess, StatusCompletedPartial, StatusCompletedFailed, StatusBlocked:
		return true
	}
	return false
}

// IsRunnable reports whether the status allows the stage to be scheduled.
func (s StageStatus) IsRunnable() bool {
	return s == StatusNotStarted || s == StatusNeedsRerun
}
