package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/reproflow/agent"
	"github.com/BaSui01/reproflow/agent/hitl"
	"github.com/BaSui01/reproflow/internal/metrics"
	"github.com/BaSui01/reproflow/testutil"
	"github.com/BaSui01/reproflow/testutil/fixtures"
	"github.com/BaSui01/reproflow/testutil/mocks"
	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

func newRunner(t *testing.T, pipe *mocks.MockPipeline, opts ...agent.RunnerOption) (*agent.Runner, *workflow.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mgr := workflow.NewManager(workflow.NewInMemoryCheckpointStore(), logger)
	base := []agent.RunnerOption{
		agent.WithLogger(logger),
		agent.WithCheckpoints(mgr),
		agent.WithMetrics(metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry(), logger)),
	}
	r, err := agent.NewRunner(pipe.Collaborators(), append(base, opts...)...)
	require.NoError(t, err)
	return r, mgr
}

func newRun(text string) *workflow.WorkflowState {
	return workflow.NewWorkflowState(fixtures.PaperID, text)
}

// stepUntilPause 执行 Step 直到挂起或结束
func stepUntilPause(t *testing.T, ctx context.Context, r *agent.Runner, state *workflow.WorkflowState) agent.StepResult {
	t.Helper()
	for i := 0; i < 200; i++ {
		res, err := r.Step(ctx, state)
		require.NoError(t, err)
		if res.Status != agent.StepContinue {
			return res
		}
	}
	t.Fatal("run did not pause within 200 steps")
	return agent.StepResult{}
}

func checkpointLabels(t *testing.T, ctx context.Context, mgr *workflow.Manager, runID string) []string {
	t.Helper()
	cps, err := mgr.List(ctx, runID)
	require.NoError(t, err)
	labels := make([]string, len(cps))
	for i, cp := range cps {
		labels[i] = cp.Name
	}
	return labels
}

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	_, err := agent.NewRunner(agent.Collaborators{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrCollaboratorMissing)
	assert.Contains(t, err.Error(), "planner")
}

func TestRunner_HappyPath(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(3))
	r, mgr := newRunner(t, pipe)
	state := newRun("paper")

	require.NoError(t, r.Run(ctx, state, nil))

	assert.True(t, state.Finished)
	assert.Equal(t, "all stages complete", state.FinishReason)
	assert.Equal(t, []string{"S1", "S2", "S3"}, pipe.StageCalls(mocks.CallDesigner))
	for id, status := range testutil.StageStatuses(state) {
		assert.Equal(t, workflow.StatusCompletedSuccess, status, id)
	}
	assert.Contains(t, checkpointLabels(t, ctx, mgr, state.RunID), "none_finished")
}

func TestRunner_StepOnFinishedRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	r, _ := newRunner(t, mocks.NewMockPipeline(fixtures.LinearPlan(1)))
	state := newRun("paper")
	state.Finish("done")

	res, err := r.Step(ctx, state)
	require.NoError(t, err)
	assert.True(t, res.Finished())

	_, err = r.Resume(ctx, state, hitl.PositionalAnswers("APPROVE"))
	assert.True(t, types.IsErrorCode(err, types.ErrRunFinished))
}

func TestRunner_NilState(t *testing.T) {
	r, _ := newRunner(t, mocks.NewMockPipeline(fixtures.LinearPlan(1)))
	_, err := r.Step(context.Background(), nil)
	assert.ErrorIs(t, err, workflow.ErrNoState)
}

func TestRunner_InvalidPlanCountsAsReplan(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).WithPlans(fixtures.CyclicPlan())
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	res, err := r.Step(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhasePlanning, res.Next)
	assert.Equal(t, 1, state.Counters.Replans)

	res, err = r.Step(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhasePlanReview, res.Next)
	assert.Contains(t, pipe.LastFeedback(mocks.CallPlanner), "cycle")
}

func TestRunner_ReplanLimitThenSkip(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithPlanReviews(workflow.ReviewNeedsRevision, workflow.ReviewNeedsRevision)
	r, _ := newRunner(t, pipe, agent.WithLimits(workflow.Limits{MaxReplans: workflow.IntPtr(1)}))
	state := newRun("paper")

	res := stepUntilPause(t, ctx, r, state)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.TriggerReplanLimit, res.Escalation.Trigger)
	assert.Equal(t, 2, pipe.CallCount(mocks.CallPlanner))

	res, err := r.Resume(ctx, state, hitl.PositionalAnswers("SKIP"))
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseSelectStage, res.Next)
	assert.Zero(t, state.Counters.Replans)

	require.NoError(t, r.Run(ctx, state, nil))
	assert.True(t, state.Finished)
}

func TestRunner_DesignLimitRetryCarriesGuidance(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithDesignReviews(workflow.ReviewNeedsRevision, workflow.ReviewNeedsRevision)
	r, mgr := newRunner(t, pipe, agent.WithLimits(workflow.Limits{MaxDesignRevisions: workflow.IntPtr(1)}))
	state := newRun("paper")

	res := stepUntilPause(t, ctx, r, state)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.PhaseDesignReview, res.Phase)
	assert.Equal(t, workflow.TriggerDesignReviewLimit, state.AskUserTrigger)
	assert.Equal(t, "S1", res.StageID)
	require.Len(t, state.PendingUserQuestions, 1)
	assert.Contains(t, state.PendingUserQuestions[0], "RETRY")
	assert.Contains(t, checkpointLabels(t, ctx, mgr, state.RunID), "design_review_limit_awaiting_input")

	_, err := r.Step(ctx, state)
	assert.True(t, types.IsErrorCode(err, types.ErrAwaitingInput))

	res, err = r.Resume(ctx, state, hitl.PositionalAnswers("retry use a finer mesh"))
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseDesign, res.Next)
	assert.Zero(t, state.Counters.DesignRevisions)
	assert.Equal(t, "use a finer mesh", state.UserGuidance)

	_, err = r.Step(ctx, state)
	require.NoError(t, err)
	assert.Contains(t, pipe.LastFeedback(mocks.CallDesigner), "use a finer mesh")
}

func TestRunner_ReaskThenForcedAccept(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithCodeReviews(workflow.ReviewNeedsRevision, workflow.ReviewNeedsRevision)
	r, _ := newRunner(t, pipe, agent.WithLimits(workflow.Limits{MaxCodeRevisions: workflow.IntPtr(1)}))
	state := newRun("paper")

	res := stepUntilPause(t, ctx, r, state)
	require.Equal(t, workflow.TriggerCodeReviewLimit, res.Escalation.Trigger)

	res, err := r.Resume(ctx, state, hitl.PositionalAnswers("maybe later"))
	require.NoError(t, err)
	assert.True(t, res.Suspended())
	assert.Contains(t, state.PendingUserQuestions[0], "[attempt 2/3]")

	res, err = r.Resume(ctx, state, hitl.PositionalAnswers("no idea"))
	require.NoError(t, err)
	assert.True(t, res.Suspended())
	assert.Contains(t, state.PendingUserQuestions[0], "[attempt 3/3]")

	res, err = r.Resume(ctx, state, hitl.PositionalAnswers("just keep going"))
	require.NoError(t, err)
	assert.Equal(t, agent.StepContinue, res.Status)
	assert.Equal(t, workflow.PhaseCodeGenerate, res.Next)
	assert.False(t, state.AwaitingUserInput)
	assert.Equal(t, "just keep going", state.UserGuidance)
	assert.Contains(t, state.SupervisorFeedback, "CAVEAT")
}

func TestRunner_StopEndsRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithExecutionChecks(workflow.ExecutionFail, workflow.ExecutionFail)
	r, _ := newRunner(t, pipe, agent.WithLimits(workflow.Limits{MaxExecutionFailures: workflow.IntPtr(1)}))
	state := newRun("paper")

	res := stepUntilPause(t, ctx, r, state)
	require.Equal(t, workflow.TriggerExecutionFailureLimit, res.Escalation.Trigger)
	assert.Equal(t, 2, pipe.CallCount(mocks.CallCodeGenerator))

	res, err := r.Resume(ctx, state, hitl.PositionalAnswers("stop"))
	require.NoError(t, err)
	assert.True(t, res.Finished())
	assert.True(t, state.Finished)
	assert.Contains(t, state.FinishReason, "stopped by user")
}

func TestRunner_SkipMarksStageFailed(t *testing.T) {
	ctx := testutil.TestContext(t)
	plan := &workflow.Plan{PaperID: fixtures.PaperID, Stages: []workflow.StageSpec{
		{ID: "S1", Type: workflow.StageTypeSingleStructure},
		{ID: "S2", Type: workflow.StageTypeSingleStructure},
	}}
	pipe := mocks.NewMockPipeline(plan).
		WithPhysicsChecks(workflow.PhysicsFail, workflow.PhysicsFail)
	r, _ := newRunner(t, pipe, agent.WithLimits(workflow.Limits{MaxPhysicsFailures: workflow.IntPtr(1)}))
	state := newRun("paper")

	res := stepUntilPause(t, ctx, r, state)
	require.Equal(t, workflow.TriggerPhysicsFailureLimit, res.Escalation.Trigger)

	res, err := r.Resume(ctx, state, hitl.PositionalAnswers("SKIP"))
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseSelectStage, res.Next)
	assert.Equal(t, workflow.StatusCompletedFailed, testutil.StageStatuses(state)["S1"])

	require.NoError(t, r.Run(ctx, state, nil))
	assert.Equal(t, workflow.StatusCompletedSuccess, testutil.StageStatuses(state)["S2"])
}

func TestRunner_PhysicsDesignFlawReturnsToDesign(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithPhysicsChecks(workflow.PhysicsDesignFlaw)
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	require.NoError(t, r.Run(ctx, state, nil))
	assert.Equal(t, []string{"S1", "S1"}, pipe.StageCalls(mocks.CallDesigner))
	assert.Zero(t, state.Counters.PhysicsFailures)
}

func TestRunner_MaterialCheckpoint(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.MaterialPlan())
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	res := stepUntilPause(t, ctx, r, state)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.TriggerMaterialCheckpoint, res.Escalation.Trigger)
	require.Len(t, state.PendingValidatedMaterials, 1)
	assert.Empty(t, state.ValidatedMaterials)

	// REJECT 需要说明
	res, err := r.Resume(ctx, state, hitl.PositionalAnswers("REJECT"))
	require.NoError(t, err)
	assert.True(t, res.Suspended())

	res, err = r.Resume(ctx, state, hitl.PositionalAnswers("approve"))
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseSelectStage, res.Next)
	assert.Empty(t, state.PendingValidatedMaterials)
	require.Len(t, state.ValidatedMaterials, 1)
	assert.Equal(t, "material-M1", state.ValidatedMaterials[0].Name)

	require.NoError(t, r.Run(ctx, state, nil))
	assert.True(t, state.Finished)
}

func TestRunner_MaterialRejectReruns(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.MaterialPlan())
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	stepUntilPause(t, ctx, r, state)
	res, err := r.Resume(ctx, state, hitl.PositionalAnswers("REJECT use Palik data"))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusNeedsRerun, testutil.StageStatuses(state)["M1"])
	assert.Empty(t, state.PendingValidatedMaterials)
	assert.Empty(t, state.ValidatedMaterials)
	assert.Equal(t, "use Palik data", state.UserGuidance)

	res, err = r.Step(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "M1", res.StageID)
	assert.Equal(t, workflow.PhaseDesign, res.Next)
}

func TestRunner_BacktrackToMaterialStageReplacesMaterials(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.MaterialPlan()).
		WithOutcomes("S1", workflow.StageOutcome{
			Classification: workflow.ClassPoorMatch,
			Mismatch:       &workflow.Mismatch{Unrecoverable: true, SuggestedTarget: "M1", Reason: "permittivity off"},
		})
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	approveAll := hitl.PrompterFunc(func(_ context.Context, _ workflow.Trigger, questions []string) (hitl.Answers, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = "APPROVE"
		}
		return hitl.PositionalAnswers(answers...), nil
	})
	require.NoError(t, r.Run(ctx, state, approveAll))

	assert.True(t, state.Finished)
	assert.Equal(t, 1, state.Counters.Backtracks)
	assert.Equal(t, []string{"M1", "S1", "M1", "S1", "A1"}, pipe.StageCalls(mocks.CallDesigner))
	require.Len(t, state.ValidatedMaterials, 1)
	assert.Equal(t, "material-M1", state.ValidatedMaterials[0].Name)
}

func TestRunner_BacktrackInvalidatesDescendants(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(2)).
		WithOutcomes("S2", workflow.StageOutcome{
			Classification: workflow.ClassPoorMatch,
			Mismatch:       &workflow.Mismatch{Unrecoverable: true, Reason: "wrong substrate index"},
		})
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	require.NoError(t, r.Run(ctx, state, nil))

	assert.Equal(t, []string{"S1", "S2", "S1", "S2"}, pipe.StageCalls(mocks.CallDesigner))
	assert.Equal(t, 1, state.Counters.Backtracks)
	require.NotNil(t, state.BacktrackDecision)
	assert.Equal(t, "S1", state.BacktrackDecision.TargetStage)
	assert.Equal(t, []string{"S2"}, state.BacktrackDecision.Invalidated)
	assert.True(t, state.Finished)
}

func TestRunner_BacktrackApproval(t *testing.T) {
	limits := workflow.Limits{RequireBacktrackApproval: workflow.BoolPtr(true)}
	mismatch := workflow.StageOutcome{
		Classification: workflow.ClassFailed,
		Mismatch:       &workflow.Mismatch{Unrecoverable: true, Reason: "resonance shifted"},
	}

	t.Run("approve", func(t *testing.T) {
		ctx := testutil.TestContext(t)
		pipe := mocks.NewMockPipeline(fixtures.LinearPlan(2)).WithOutcomes("S2", mismatch)
		r, _ := newRunner(t, pipe, agent.WithLimits(limits))
		state := newRun("paper")

		res := stepUntilPause(t, ctx, r, state)
		require.Equal(t, workflow.TriggerBacktrackApproval, res.Escalation.Trigger)
		assert.Equal(t, workflow.StatusCompletedSuccess, testutil.StageStatuses(state)["S1"])

		res, err := r.Resume(ctx, state, hitl.PositionalAnswers("APPROVE"))
		require.NoError(t, err)
		assert.Equal(t, workflow.PhaseSelectStage, res.Next)
		statuses := testutil.StageStatuses(state)
		assert.Equal(t, workflow.StatusNeedsRerun, statuses["S1"])
		assert.Equal(t, workflow.StatusInvalidated, statuses["S2"])
	})

	t.Run("reject", func(t *testing.T) {
		ctx := testutil.TestContext(t)
		pipe := mocks.NewMockPipeline(fixtures.LinearPlan(2)).WithOutcomes("S2", mismatch)
		r, _ := newRunner(t, pipe, agent.WithLimits(limits))
		state := newRun("paper")

		stepUntilPause(t, ctx, r, state)
		res, err := r.Resume(ctx, state, hitl.PositionalAnswers("REJECT"))
		require.NoError(t, err)
		assert.True(t, res.Finished())
		assert.Equal(t, workflow.StatusCompletedFailed, testutil.StageStatuses(state)["S2"])
		assert.Zero(t, state.Counters.Backtracks)
	})
}

func TestRunner_CollaboratorErrors(t *testing.T) {
	tests := []struct {
		name    string
		call    string
		err     error
		trigger workflow.Trigger
		phase   workflow.Phase
	}{
		{"llm error", mocks.CallDesigner, errors.New("upstream 503"), workflow.TriggerLLMError, workflow.PhaseDesign},
		{"context overflow", mocks.CallCodeGenerator,
			fmt.Errorf("prompt too long: %w", agent.ErrContextOverflow), workflow.TriggerContextOverflow, workflow.PhaseCodeGenerate},
		{"analyzer", mocks.CallAnalyzer, errors.New("bad json"), workflow.TriggerLLMError, workflow.PhaseAnalysis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).WithError(tt.call, tt.err)
			r, _ := newRunner(t, pipe)
			state := newRun("paper")

			res := stepUntilPause(t, ctx, r, state)
			require.True(t, res.Suspended())
			assert.Equal(t, tt.trigger, res.Escalation.Trigger)
			assert.Equal(t, tt.phase, state.LastEscalation.Phase)

			res, err := r.Resume(ctx, state, hitl.PositionalAnswers("RETRY"))
			require.NoError(t, err)
			assert.Equal(t, tt.phase, res.Next)

			require.NoError(t, r.Run(ctx, state, nil))
			assert.True(t, state.Finished)
		})
	}
}

func TestRunner_MissingPaperText(t *testing.T) {
	ctx := testutil.TestContext(t)
	r, _ := newRunner(t, mocks.NewMockPipeline(fixtures.LinearPlan(1)))
	state := newRun("")

	res, err := r.Step(ctx, state)
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, workflow.TriggerMissingPaperText, res.Escalation.Trigger)

	res, err = r.Resume(ctx, state, hitl.PositionalAnswers("Abstract. We simulate a gold nanorod."))
	require.NoError(t, err)
	assert.Equal(t, workflow.PhasePlanning, res.Next)
	assert.Equal(t, "Abstract. We simulate a gold nanorod.", state.PaperText)
}

func TestRunner_NonInteractiveSavesAndResumesLater(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1))
	r, mgr := newRunner(t, pipe, agent.WithAskUserConfig(hitl.Config{NonInteractive: true}))
	state := newRun("")

	err := r.Run(ctx, state, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrNonInteractive))
	assert.True(t, state.AwaitingUserInput)
	assert.Contains(t, checkpointLabels(t, ctx, mgr, state.RunID), "missing_paper_text_interrupted")

	// 新进程：从最新检查点恢复
	restored, _, err := mgr.LoadLatest(ctx, state.RunID)
	require.NoError(t, err)
	require.True(t, restored.AwaitingUserInput)

	fresh, err := agent.NewRunner(pipe.Collaborators(), agent.WithCheckpoints(mgr))
	require.NoError(t, err)
	_, err = fresh.Resume(ctx, restored, hitl.PositionalAnswers("paper text"))
	require.NoError(t, err)
	require.NoError(t, fresh.Run(ctx, restored, nil))
	assert.True(t, restored.Finished)
}

func TestRunner_InteractWithPrompter(t *testing.T) {
	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.MaterialPlan())
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	var asked []workflow.Trigger
	prompter := hitl.PrompterFunc(func(_ context.Context, trigger workflow.Trigger, questions []string) (hitl.Answers, error) {
		asked = append(asked, trigger)
		if len(asked) == 1 {
			return hitl.PositionalAnswers("looks fine"), nil
		}
		return hitl.PositionalAnswers("APPROVE"), nil
	})

	require.NoError(t, r.Run(ctx, state, prompter))
	assert.Equal(t, []workflow.Trigger{workflow.TriggerMaterialCheckpoint, workflow.TriggerMaterialCheckpoint}, asked)
	assert.Len(t, state.ValidatedMaterials, 1)
	assert.True(t, state.Finished)
}

func TestRunner_CancelSavesInterruptedCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithHook(mocks.CallDesigner, func(context.Context) error {
			cancel()
			return context.Canceled
		})
	r, mgr := newRunner(t, pipe)
	state := newRun("paper")

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		_, err = r.Step(ctx, state)
	}
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.PhaseDesign, state.Phase)
	assert.False(t, state.AwaitingUserInput)
	assert.Contains(t, checkpointLabels(t, context.Background(), mgr, state.RunID), "none_interrupted")
}

func TestRunner_CancelBetweenStepsSavesInterruptedCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	r, mgr := newRunner(t, mocks.NewMockPipeline(fixtures.LinearPlan(2)))
	state := newRun("paper")

	// planning -> plan_review -> select_stage -> design
	for i := 0; i < 3; i++ {
		_, err := r.Step(ctx, state)
		require.NoError(t, err)
	}
	require.Equal(t, workflow.PhaseDesign, state.Phase)
	cancel()

	_, err := r.Step(ctx, state)
	require.ErrorIs(t, err, context.Canceled)

	restored, handle, err := mgr.LoadLatest(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.Equal(t, "none_interrupted", handle.Name)
	assert.Equal(t, workflow.PhaseDesign, restored.Phase)
	assert.Equal(t, "S1", restored.CurrentStageID)
}

func TestRunner_StepIsNotReentrant(t *testing.T) {
	ctx := testutil.TestContext(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(1)).
		WithHook(mocks.CallPlanner, func(context.Context) error {
			once.Do(func() { close(entered) })
			<-release
			return nil
		})
	r, _ := newRunner(t, pipe)
	state := newRun("paper")

	done := make(chan error, 1)
	go func() {
		_, err := r.Step(ctx, state)
		done <- err
	}()
	<-entered

	_, err := r.Step(ctx, newRun("other"))
	assert.True(t, types.IsErrorCode(err, types.ErrRunnerBusy))

	close(release)
	require.NoError(t, <-done)
}

func TestQuestionFor(t *testing.T) {
	plan := fixtures.LinearPlan(2)

	q := agent.QuestionFor(workflow.Escalation{
		Trigger: workflow.TriggerDesignReviewLimit, StageID: "S1", Reason: "design_review limit reached (3/3)",
	}, plan)
	assert.True(t, strings.HasPrefix(q, "Stage S1: design_review limit reached"))
	for _, kw := range []string{"RETRY", "SKIP", "REPLAN", "STOP"} {
		assert.Contains(t, q, kw)
	}

	q = agent.QuestionFor(workflow.Escalation{Trigger: workflow.TriggerBacktrackTargetNotFound, StageID: "S1"}, plan)
	assert.Contains(t, q, "BACKTRACK <stage_id>")
	assert.Contains(t, q, "S1, S2")

	q = agent.QuestionFor(workflow.Escalation{Trigger: workflow.TriggerDeadlockDetected, Reason: "stuck"}, nil)
	assert.Contains(t, q, "REPLAN")
	assert.NotContains(t, q, "RETRY")
}
