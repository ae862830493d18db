package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reproflow/testutil/fixtures"
	"github.com/BaSui01/reproflow/workflow"
)

func TestCarryOverProgress_RequiresIdenticalStage(t *testing.T) {
	previous := fixtures.LinearPlan(3)
	progress, err := workflow.NewProgressTracker(previous)
	require.NoError(t, err)
	for _, id := range []string{"S1", "S2", "S3"} {
		require.NoError(t, progress.SetStatus(id, workflow.StatusCompletedSuccess))
	}

	next := fixtures.LinearPlan(3)
	next.Stages[1].Targets = []string{"Fig2b"}
	next.Stages[2].Type = workflow.StageTypeParameterSweep
	state := workflow.NewWorkflowState(fixtures.PaperID, "paper")
	require.NoError(t, state.AcceptPlan(next))

	kept := carryOverProgress(previous, progress, state)
	assert.Equal(t, []string{"S1"}, kept)

	got := map[string]workflow.StageStatus{}
	for _, st := range state.Progress.Stages {
		got[st.StageID] = st.Status
	}
	assert.Equal(t, workflow.StatusCompletedSuccess, got["S1"])
	assert.Equal(t, workflow.StatusNotStarted, got["S2"], "targets changed")
	assert.Equal(t, workflow.StatusNotStarted, got["S3"], "type changed")
}
