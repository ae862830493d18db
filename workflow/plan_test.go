package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reproflow/types"
)

func stage(id string, typ StageType, deps ...string) StageSpec {
	return StageSpec{ID: id, Type: typ, Dependencies: deps}
}

func newPlan(stages ...StageSpec) *Plan {
	return &Plan{PaperID: "paper-1", Stages: stages}
}

// twoStagePlan is A (MATERIAL_VALIDATION) <- B (SINGLE_STRUCTURE).
func twoStagePlan() *Plan {
	return newPlan(
		stage("A", StageTypeMaterialValidation),
		stage("B", StageTypeSingleStructure, "A"),
	)
}

func newTestState(t *testing.T, plan *Plan) *WorkflowState {
	t.Helper()
	st := NewWorkflowState("paper-1", "paper text")
	require.NoError(t, st.AcceptPlan(plan))
	return st
}

func TestValidatePlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		plan    *Plan
		wantErr error
	}{
		{"nil plan", nil, ErrEmptyPlan},
		{"empty plan", newPlan(), ErrEmptyPlan},
		{"missing id", newPlan(stage("", StageTypeSingleStructure)), ErrMissingStageID},
		{"duplicate", newPlan(stage("A", StageTypeMaterialValidation), stage("A", StageTypeSingleStructure)), ErrDuplicateStage},
		{"self dependency", newPlan(stage("A", StageTypeMaterialValidation, "A")), ErrSelfDependency},
		{"dangling", newPlan(stage("A", StageTypeMaterialValidation, "Z")), ErrUnknownDependency},
		{"cycle", newPlan(
			stage("A", StageTypeSingleStructure, "C"),
			stage("B", StageTypeSingleStructure, "A"),
			stage("C", StageTypeSingleStructure, "B"),
		), ErrCycle},
		{"tier inversion", newPlan(
			stage("A", StageTypeArraySystem),
			stage("B", StageTypeSingleStructure, "A"),
		), ErrTierInversion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.plan)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidPlan))
		})
	}
}

func TestValidatePlan_AcceptsUnknownTypes(t *testing.T) {
	plan := newPlan(stage("A", ""), stage("B", "QUANTUM", "A"))
	assert.NoError(t, ValidatePlan(plan))

	// 未知类型不参与层级比较
	plan = newPlan(stage("A", "QUANTUM"), stage("B", StageTypeMaterialValidation, "A"))
	assert.NoError(t, ValidatePlan(plan))
}

func TestValidatePlan_SameTierDependencyAllowed(t *testing.T) {
	plan := newPlan(
		stage("S1", StageTypeSingleStructure),
		stage("S2", StageTypeSingleStructure, "S1"),
	)
	assert.NoError(t, ValidatePlan(plan))
}

func TestParsePlan_YAML(t *testing.T) {
	doc := []byte(`
paper_id: arxiv-1234
title: Plasmonic dimers
stages:
  - stage_id: mat
    stage_type: material_validation
    targets: [fig1]
  - stage_id: dimer
    stage_type: single-structure
    dependencies: [mat]
`)
	plan, err := ParsePlan(doc)
	require.NoError(t, err)
	assert.Equal(t, "arxiv-1234", plan.PaperID)
	require.Len(t, plan.Stages, 2)
	assert.Equal(t, StageTypeMaterialValidation, plan.Stages[0].Type)
	assert.Equal(t, StageTypeSingleStructure, plan.Stages[1].Type)
	assert.Equal(t, []string{"mat"}, plan.Stages[1].Dependencies)
}

func TestParsePlan_Malformed(t *testing.T) {
	_, err := ParsePlan([]byte("stages: [unterminated"))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrPlanParse))
}

func TestLoadPlanFile_RejectsCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	doc := `
paper_id: p
stages:
  - {stage_id: a, stage_type: SINGLE_STRUCTURE, dependencies: [b]}
  - {stage_id: b, stage_type: SINGLE_STRUCTURE, dependencies: [a]}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadPlanFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestPlanGraph_AncestorsAndDescendants(t *testing.T) {
	// A <- B <- D
	// A <- C <- D
	plan := newPlan(
		stage("A", StageTypeMaterialValidation),
		stage("B", StageTypeSingleStructure, "A"),
		stage("C", StageTypeSingleStructure, "A"),
		stage("D", StageTypeArraySystem, "B", "C"),
		stage("E", StageTypeParameterSweep),
	)
	g, err := NewPlanGraph(plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C", "A"}, g.Ancestors("D"))
	assert.ElementsMatch(t, []string{"B", "C", "D"}, g.Descendants("A"))
	assert.Empty(t, g.Descendants("E"))
	assert.True(t, g.IsAncestor("A", "D"))
	assert.False(t, g.IsAncestor("D", "A"))
	assert.False(t, g.IsAncestor("E", "D"))
}

func TestStageType_Parse(t *testing.T) {
	typ, err := ParseStageType(" parameter sweep ")
	require.NoError(t, err)
	assert.Equal(t, StageTypeParameterSweep, typ)

	_, err = ParseStageType("GALAXY")
	assert.ErrorIs(t, err, ErrUnknownStageType)
}

func TestStageStatus_Classes(t *testing.T) {
	assert.True(t, StatusCompletedFailed.IsTerminal())
	assert.False(t, StatusCompletedFailed.IsCompleted())
	assert.True(t, StatusBlocked.IsTerminal())
	assert.False(t, StatusInvalidated.IsTerminal())
	assert.True(t, StatusNeedsRerun.IsRunnable())
	assert.False(t, StatusInProgress.IsRunnable())
}
