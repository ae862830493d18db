package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startStage completes every stage in done and makes id current.
func startStage(t *testing.T, state *WorkflowState, id string, done ...string) {
	t.Helper()
	for _, d := range done {
		require.NoError(t, state.Progress.SetStatus(d, StatusCompletedSuccess))
	}
	spec, ok := state.Plan.Stage(id)
	require.True(t, ok)
	require.NoError(t, NewScheduler(nil).Apply(state, Selection{Kind: SelectStage, StageID: id, StageType: spec.Type}))
}

func unrecoverable(target string) StageOutcome {
	return StageOutcome{
		Execution:      ExecutionPass,
		Classification: ClassPoorMatch,
		Comparison:     ReviewNeedsRevision,
		Mismatch:       &Mismatch{Unrecoverable: true, SuggestedTarget: target, Reason: "resonance shifted by 40 nm"},
	}
}

func TestSupervisor_BacktrackToDependency(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	startStage(t, state, "B", "A")
	sup := NewSupervisor(Limits{}, zap.NewNop())

	d, err := sup.Decide(state, unrecoverable(""))
	require.NoError(t, err)

	assert.Equal(t, SupervisorBacktrackToStage, d.Verdict)
	assert.Equal(t, "A", d.TargetStage)
	assert.Equal(t, []string{"B"}, d.Invalidated)
	assert.Nil(t, d.Escalation)

	a, _ := state.Progress.Get("A")
	b, _ := state.Progress.Get("B")
	assert.Equal(t, StatusNeedsRerun, a.Status)
	assert.Equal(t, StatusInvalidated, b.Status)
	assert.Equal(t, "A", b.InvalidatedBy)
	assert.Equal(t, 1, state.Counters.Backtracks)
	require.NotNil(t, state.BacktrackDecision)
	assert.True(t, state.BacktrackDecision.Approved)
	assert.Equal(t, SupervisorBacktrackToStage, state.Verdicts.Supervisor)

	// the scheduler picks the target next
	assert.Equal(t, "A", NewScheduler(nil).Select(state.Plan, state.Progress).StageID)
}

func TestSupervisor_MaterialCheckpointIsMandatory(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	startStage(t, state, "A")
	// even an exhausted gate does not bypass the checkpoint
	state.ExhaustedGates = []GateName{GateExecution}
	sup := NewSupervisor(Limits{}, nil)

	materials := []Material{{Name: "gold", Source: "Johnson & Christy"}}
	d, err := sup.Decide(state, StageOutcome{Classification: ClassAcceptableMatch, Materials: materials})
	require.NoError(t, err)

	assert.Equal(t, SupervisorMaterialCheckpoint, d.Verdict)
	require.NotNil(t, d.Escalation)
	assert.Equal(t, TriggerMaterialCheckpoint, d.Escalation.Trigger)
	require.Len(t, d.Escalation.Questions, 1)
	assert.Contains(t, d.Escalation.Questions[0], "gold")
	assert.Contains(t, d.Escalation.Questions[0], "Options:")
	assert.Equal(t, materials, state.PendingValidatedMaterials)
	assert.Empty(t, state.ValidatedMaterials, "materials stay pending until approved")
	st, _ := state.Progress.Status("A")
	assert.Equal(t, StatusCompletedSuccess, st)
}

func TestSupervisor_DefersToExhaustedGate(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	startStage(t, state, "B", "A")
	state.ExhaustedGates = []GateName{GatePhysics}

	d, err := NewSupervisor(Limits{}, nil).Decide(state, unrecoverable(""))
	require.NoError(t, err)

	assert.Equal(t, SupervisorAskUser, d.Verdict)
	assert.True(t, d.Deferred)
	require.NotNil(t, d.Escalation)
	assert.Equal(t, TriggerPhysicsFailureLimit, d.Escalation.Trigger)
	st, _ := state.Progress.Status("B")
	assert.Equal(t, StatusInProgress, st, "deferred decisions do not touch progress")
}

func TestSupervisor_CounterAtMaxWithoutOverflowDoesNotDefer(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	startStage(t, state, "B", "A")
	state.Counters.ExecutionFailures = DefaultMaxExecutionFailures

	d, err := NewSupervisor(Limits{}, nil).Decide(state, StageOutcome{Classification: ClassExcellentMatch})
	require.NoError(t, err)
	assert.Equal(t, SupervisorFinish, d.Verdict)
}

func TestSupervisor_BacktrackTargetErrors(t *testing.T) {
	plan := newPlan(
		stage("A", StageTypeMaterialValidation),
		stage("B", StageTypeSingleStructure, "A"),
		stage("C", StageTypeSingleStructure, "A"),
		stage("D", StageTypeArraySystem, "B"),
	)

	tests := []struct {
		name    string
		current string
		target  string
		want    Trigger
	}{
		{"unknown stage", "D", "Z", TriggerBacktrackTargetNotFound},
		{"sibling is not an ancestor", "D", "C", TriggerInvalidBacktrackTarget},
		{"descendant is not an ancestor", "B", "D", TriggerInvalidBacktrackTarget},
		{"self", "D", "D", TriggerInvalidBacktrackTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newTestState(t, plan)
			startStage(t, state, tt.current, "A", "B", "C")
			before := state.Progress.Clone()

			d, err := NewSupervisor(Limits{}, nil).Decide(state, unrecoverable(tt.target))
			require.NoError(t, err)

			assert.Equal(t, SupervisorAskUser, d.Verdict)
			require.NotNil(t, d.Escalation)
			assert.Equal(t, tt.want, d.Escalation.Trigger)
			assert.Zero(t, state.Counters.Backtracks)
			for _, st := range before.Stages {
				got, _ := state.Progress.Status(st.StageID)
				assert.Equal(t, st.Status, got, "stage %s", st.StageID)
			}
		})
	}
}

func TestSupervisor_RootStageHasNoBacktrackTarget(t *testing.T) {
	state := newTestState(t, newPlan(stage("S", StageTypeSingleStructure)))
	startStage(t, state, "S")

	d, err := NewSupervisor(Limits{}, nil).Decide(state, unrecoverable(""))
	require.NoError(t, err)
	require.NotNil(t, d.Escalation)
	assert.Equal(t, TriggerBacktrackTargetNotFound, d.Escalation.Trigger)
}

func TestSupervisor_BacktrackLimit(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	startStage(t, state, "B", "A")
	state.Counters.Backtracks = 2

	d, err := NewSupervisor(Limits{MaxBacktracks: IntPtr(2)}, nil).Decide(state, unrecoverable(""))
	require.NoError(t, err)
	require.NotNil(t, d.Escalation)
	assert.Equal(t, TriggerBacktrackLimit, d.Escalation.Trigger)
	st, _ := state.Progress.Status("A")
	assert.Equal(t, StatusCompletedSuccess, st)
}

func TestSupervisor_BacktrackApprovalFlow(t *testing.T) {
	limits := Limits{RequireBacktrackApproval: BoolPtr(true)}

	t.Run("approve", func(t *testing.T) {
		state := newTestState(t, twoStagePlan())
		startStage(t, state, "B", "A")
		sup := NewSupervisor(limits, nil)

		d, err := sup.Decide(state, unrecoverable("A"))
		require.NoError(t, err)
		assert.Equal(t, SupervisorBacktrack, d.Verdict)
		require.NotNil(t, d.Escalation)
		assert.Equal(t, TriggerBacktrackApproval, d.Escalation.Trigger)
		assert.Contains(t, d.Escalation.Questions[0], "Options:")
		require.NotNil(t, state.BacktrackDecision)
		assert.False(t, state.BacktrackDecision.Approved)
		st, _ := state.Progress.Status("A")
		assert.Equal(t, StatusCompletedSuccess, st, "nothing is invalidated before approval")

		applied, err := sup.ApplyBacktrack(state)
		require.NoError(t, err)
		assert.Equal(t, SupervisorBacktrackToStage, applied.Verdict)
		assert.Equal(t, []string{"B"}, applied.Invalidated)
		assert.True(t, state.BacktrackDecision.Approved)
		assert.Equal(t, 1, state.Counters.Backtracks)
	})

	t.Run("reject", func(t *testing.T) {
		state := newTestState(t, twoStagePlan())
		startStage(t, state, "B", "A")
		sup := NewSupervisor(limits, nil)
		_, err := sup.Decide(state, unrecoverable("A"))
		require.NoError(t, err)

		d := sup.RejectBacktrack(state)
		assert.Equal(t, SupervisorFinish, d.Verdict)
		assert.Nil(t, state.BacktrackDecision)
		st, _ := state.Progress.Status("B")
		assert.Equal(t, StatusCompletedFailed, st)
		assert.Zero(t, state.Counters.Backtracks)
	})
}

func TestSupervisor_Replan(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	startStage(t, state, "B", "A")
	sup := NewSupervisor(Limits{MaxReplans: IntPtr(1)}, nil)
	outcome := StageOutcome{Classification: ClassFailed, ReplanReason: "plan misses the substrate"}

	d, err := sup.Decide(state, outcome)
	require.NoError(t, err)
	assert.Equal(t, SupervisorReplan, d.Verdict)
	assert.Equal(t, "plan misses the substrate", state.SupervisorFeedback)
	assert.Equal(t, 1, state.Counters.Replans)

	d, err = sup.Decide(state, outcome)
	require.NoError(t, err)
	require.NotNil(t, d.Escalation)
	assert.Equal(t, TriggerReplanLimit, d.Escalation.Trigger)
	assert.Equal(t, 1, state.Counters.Replans)
}

func TestSupervisor_ContinueAndFinish(t *testing.T) {
	plan := newPlan(
		stage("A", StageTypeMaterialValidation),
		stage("B", StageTypeSingleStructure, "A"),
		stage("C", StageTypeArraySystem, "B"),
	)
	state := newTestState(t, plan)
	sup := NewSupervisor(Limits{}, nil)

	startStage(t, state, "B", "A")
	d, err := sup.Decide(state, StageOutcome{Classification: ClassPartialMatch, Summary: "peak within 5%"})
	require.NoError(t, err)
	assert.Equal(t, SupervisorOKContinue, d.Verdict)
	assert.Equal(t, StatusCompletedPartial, d.StageStatus)
	rec, _ := state.Progress.Get("B")
	assert.Equal(t, "peak within 5%", rec.Summary)

	startStage(t, state, "C")
	d, err = sup.Decide(state, StageOutcome{Execution: ExecutionFail})
	require.NoError(t, err)
	assert.Equal(t, SupervisorFinish, d.Verdict)
	assert.Equal(t, StatusCompletedFailed, d.StageStatus)
}

func TestSupervisor_MissingInputs(t *testing.T) {
	sup := NewSupervisor(Limits{}, nil)

	_, err := sup.Decide(nil, StageOutcome{})
	assert.ErrorIs(t, err, ErrNoState)

	state := newTestState(t, twoStagePlan())
	d, err := sup.Decide(state, StageOutcome{})
	require.NoError(t, err)
	require.NotNil(t, d.Escalation)
	assert.Equal(t, TriggerMissingStageID, d.Escalation.Trigger)
}

func TestSupervisor_RootAncestorStrategy(t *testing.T) {
	plan := newPlan(
		stage("A", StageTypeMaterialValidation),
		stage("B", StageTypeSingleStructure, "A"),
		stage("C", StageTypeArraySystem, "B"),
	)
	state := newTestState(t, plan)
	startStage(t, state, "C", "A", "B")
	sup := NewSupervisor(Limits{}, nil, WithBacktrackStrategy(RootAncestorStrategy{}))
	assert.Equal(t, "root_ancestor", sup.Strategy().Name())

	d, err := sup.Decide(state, unrecoverable(""))
	require.NoError(t, err)
	assert.Equal(t, "A", d.TargetStage)
	assert.Equal(t, []string{"B", "C"}, d.Invalidated)
}

func TestSupervisor_BacktrackToMaterialStageDropsMaterials(t *testing.T) {
	state := newTestState(t, twoStagePlan())
	state.ValidatedMaterials = []Material{{Name: "gold-jc"}}
	startStage(t, state, "B", "A")

	d, err := NewSupervisor(Limits{}, zap.NewNop()).Decide(state, unrecoverable("A"))
	require.NoError(t, err)

	assert.Equal(t, SupervisorBacktrackToStage, d.Verdict)
	assert.Empty(t, state.ValidatedMaterials)
	assert.Empty(t, state.PendingValidatedMaterials)
}

// diamondPlan is M1 <- (S1, S2) <- A1.
func diamondPlan() *Plan {
	return newPlan(
		stage("M1", StageTypeMaterialValidation),
		stage("S1", StageTypeSingleStructure, "M1"),
		stage("S2", StageTypeSingleStructure, "M1"),
		stage("A1", StageTypeArraySystem, "S1", "S2"),
	)
}

func TestSupervisor_BacktrackLeavesAncestorsAndSiblings(t *testing.T) {
	state := newTestState(t, diamondPlan())
	state.ValidatedMaterials = []Material{{Name: "gold-jc"}}
	startStage(t, state, "A1", "M1", "S1", "S2")

	d, err := NewSupervisor(Limits{}, zap.NewNop()).Decide(state, unrecoverable("S1"))
	require.NoError(t, err)

	require.Equal(t, SupervisorBacktrackToStage, d.Verdict)
	assert.Equal(t, "S1", d.TargetStage)
	assert.Equal(t, []string{"A1"}, d.Invalidated)

	statuses := map[string]StageStatus{}
	for _, st := range state.Progress.Stages {
		statuses[st.StageID] = st.Status
	}
	assert.Equal(t, StatusCompletedSuccess, statuses["M1"], "ancestor of the target")
	assert.Equal(t, StatusCompletedSuccess, statuses["S2"], "sibling branch")
	assert.Equal(t, StatusNeedsRerun, statuses["S1"])
	assert.Equal(t, StatusInvalidated, statuses["A1"])
	assert.Len(t, state.ValidatedMaterials, 1, "non-material target keeps materials")
}
