package workflow

import (
	"fmt"
	"time"

	"github.com/BaSui01/reproflow/types"
)

// ProgressStage is the mutable status record for one plan stage.
type ProgressStage struct {
	StageID   string      `json:"stage_id"`
	StageType StageType   `json:"stage_type"`
	Status    StageStatus `json:"status"`
	// Attempts counts how many times the stage has been selected
	Attempts int `json:"attempts"`
	// Summary is the latest supervisor note for this stage
	Summary string `json:"summary,omitempty"`
	// InvalidatedBy names the backtrack target that invalidated this stage
	InvalidatedBy string    `json:"invalidated_by,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProgressTracker holds one ProgressStage per plan stage, in plan order.
// Entries are created at plan acceptance and never deleted.
type ProgressTracker struct {
	Stages []ProgressStage `json:"stages"`
}

// NewProgressTracker creates a tracker with every stage NOT_STARTED.
func NewProgressTracker(plan *Plan) (*ProgressTracker, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, types.NewError(types.ErrProgressInit, "cannot initialise progress").WithCause(err)
	}
	now := time.Now()
	t := &ProgressTracker{Stages: make([]ProgressStage, len(plan.Stages))}
	for i, s := range plan.Stages {
		t.Stages[i] = ProgressStage{
			StageID:   s.ID,
			StageType: s.Type,
			Status:    StatusNotStarted,
			UpdatedAt: now,
		}
	}
	return t, nil
}

// Clone returns a deep copy.
func (t *ProgressTracker) Clone() *ProgressTracker {
	if t == nil {
		return nil
	}
	return &ProgressTracker{Stages: append([]ProgressStage(nil), t.Stages...)}
}

func (t *ProgressTracker) find(id string) int {
	if t == nil {
		return -1
	}
	for i := range t.Stages {
		if t.Stages[i].StageID == id {
			return i
		}
	}
	return -1
}

// Get returns the record for id.
func (t *ProgressTracker) Get(id string) (ProgressStage, bool) {
	i := t.find(id)
	if i < 0 {
		return ProgressStage{}, false
	}
	return t.Stages[i], true
}

// Status returns the status of id; unknown stages report NOT_STARTED and false.
func (t *ProgressTracker) Status(id string) (StageStatus, bool) {
	i := t.find(id)
	if i < 0 {
		return StatusNotStarted, false
	}
	return t.Stages[i].Status, true
}

// SetStatus updates the status of id.
func (t *ProgressTracker) SetStatus(id string, status StageStatus) error {
	if !status.Valid() {
		return types.Errorf(types.ErrInvalidStatus, "invalid status %q", status)
	}
	i := t.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStageNotFound, id)
	}
	t.Stages[i].Status = status
	t.Stages[i].UpdatedAt = time.Now()
	if status != StatusInvalidated {
		t.Stages[i].InvalidatedBy = ""
	}
	return nil
}

// SetSummary records a note for id.
func (t *ProgressTracker) SetSummary(id, summary string) {
	if i := t.find(id); i >= 0 {
		t.Stages[i].Summary = summary
	}
}

func (t *ProgressTracker) markStarted(id string) {
	if i := t.find(id); i >= 0 {
		t.Stages[i].Status = StatusInProgress
		t.Stages[i].Attempts++
		t.Stages[i].UpdatedAt = time.Now()
	}
}

func (t *ProgressTracker) markInvalidated(id, by string) {
	if i := t.find(id); i >= 0 {
		t.Stages[i].Status = StatusInvalidated
		t.Stages[i].InvalidatedBy = by
		t.Stages[i].UpdatedAt = time.Now()
	}
}

// AllTerminal reports whether every stage is in a terminal status.
func (t *ProgressTracker) AllTerminal() bool {
	if t == nil {
		return false
	}
	for _, s := range t.Stages {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of stages per status.
func (t *ProgressTracker) Counts() map[StageStatus]int {
	out := make(map[StageStatus]int)
	if t == nil {
		return out
	}
	for _, s := range t.Stages {
		out[s.Status]++
	}
	return out
}

// Matches reports whether the tracker mirrors the plan stage-for-stage.
func (t *ProgressTracker) Matches(plan *Plan) bool {
	if t == nil || plan == nil || len(t.Stages) != len(plan.Stages) {
		return false
	}
	for i, s := range plan.Stages {
		if t.Stages[i].StageID != s.ID {
			return false
		}
	}
	return true
}
