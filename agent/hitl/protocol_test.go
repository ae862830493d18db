package hitl

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

const materialQuestion = "Stage A extracted gold.\nApprove these materials?\nOptions:\n  APPROVE\n  REJECT <reason>"

func approveRejectValidator(state *workflow.WorkflowState, answers map[string]string) []ValidationIssue {
	for q, a := range answers {
		word := strings.ToUpper(strings.Fields(a + " x")[0])
		if word != "APPROVE" && word != "REJECT" {
			return []ValidationIssue{{Question: q, Message: "answer must start with APPROVE or REJECT"}}
		}
	}
	return nil
}

func newTestState(t *testing.T) *workflow.WorkflowState {
	t.Helper()
	state := workflow.NewWorkflowState("paper-1", "text")
	plan := &workflow.Plan{PaperID: "paper-1", Stages: []workflow.StageSpec{
		{ID: "A", Type: workflow.StageTypeMaterialValidation},
		{ID: "B", Type: workflow.StageTypeSingleStructure, Dependencies: []string{"A"}},
	}}
	require.NoError(t, state.AcceptPlan(plan))
	state.CurrentStageID = "A"
	return state
}

func newTestProtocol(cfg Config) (*Protocol, *workflow.Manager) {
	mgr := workflow.NewManager(workflow.NewInMemoryCheckpointStore(), zap.NewNop())
	p := NewProtocol(cfg, NewInMemoryInterruptStore(), mgr, zap.NewNop())
	p.RegisterValidator(workflow.TriggerMaterialCheckpoint, approveRejectValidator)
	return p, mgr
}

func suspendMaterial(t *testing.T, p *Protocol, state *workflow.WorkflowState) *Interrupt {
	t.Helper()
	interrupt, err := p.Suspend(context.Background(), state, workflow.Escalation{
		Trigger:   workflow.TriggerMaterialCheckpoint,
		StageID:   "A",
		Reason:    "material validation finished",
		Questions: []string{materialQuestion},
	})
	require.NoError(t, err)
	return interrupt
}

func TestProtocol_Suspend(t *testing.T) {
	ctx := context.Background()
	p, mgr := newTestProtocol(Config{})
	state := newTestState(t)

	interrupt := suspendMaterial(t, p, state)

	assert.True(t, state.AwaitingUserInput)
	assert.Equal(t, workflow.TriggerMaterialCheckpoint, state.AskUserTrigger)
	assert.Equal(t, []string{materialQuestion}, state.PendingUserQuestions)
	assert.Equal(t, workflow.PhaseAskUser, state.Phase)
	assert.Equal(t, interrupt.ID, state.PendingInterruptID)
	assert.Equal(t, state.RunID+"/material_checkpoint_awaiting_input", interrupt.CheckpointID)

	// the checkpoint already holds the suspended state
	loaded, err := mgr.Load(ctx, workflow.Handle{RunID: state.RunID, Name: "material_checkpoint_awaiting_input"})
	require.NoError(t, err)
	assert.True(t, loaded.AwaitingUserInput)
	assert.Equal(t, state.PendingUserQuestions, loaded.PendingUserQuestions)

	_, err = p.Suspend(ctx, state, workflow.Escalation{Trigger: workflow.TriggerLLMError})
	assert.True(t, types.IsErrorCode(err, types.ErrAwaitingInput))
}

func TestProtocol_ValidAnswerOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProtocol(Config{})
	state := newTestState(t)
	suspendMaterial(t, p, state)

	res, err := p.Resume(ctx, state, PositionalAnswers("looks fine"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, 1, state.AskUserAttempts)
	require.Len(t, state.PendingUserQuestions, 1)
	assert.True(t, strings.HasPrefix(state.PendingUserQuestions[0], "[attempt 2/3]"))
	assert.Contains(t, state.PendingUserQuestions[0], "1. answer must start with APPROVE or REJECT")
	assert.True(t, state.AwaitingUserInput)

	res, err = p.Resume(ctx, state, Answers{state.PendingUserQuestions[0]: "hmm"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, 2, state.AskUserAttempts)
	assert.True(t, strings.HasPrefix(state.PendingUserQuestions[0], "[attempt 3/3]"))

	// answer keyed by the augmented question still maps to the original
	res, err = p.Resume(ctx, state, Answers{state.PendingUserQuestions[0]: "APPROVE"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Forced)
	assert.Empty(t, res.Caveat)
	assert.Equal(t, workflow.TriggerMaterialCheckpoint, res.Trigger)
	assert.Equal(t, "APPROVE", res.Answers[materialQuestion])
	assert.Equal(t, "APPROVE", res.Answer())

	assert.Zero(t, state.AskUserAttempts)
	assert.False(t, state.AwaitingUserInput)
	assert.Empty(t, state.PendingUserQuestions)
	assert.Equal(t, workflow.TriggerNone, state.AskUserTrigger)
	assert.Equal(t, "APPROVE", state.UserResponses[materialQuestion])
	assert.Equal(t, workflow.PhaseHandleAnswer, state.Phase)

	stored, err := p.Store().Load(ctx, res.InterruptID)
	require.NoError(t, err)
	assert.Equal(t, InterruptStatusResolved, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

func TestProtocol_ForcedAcceptanceOnThirdFailure(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProtocol(Config{})
	state := newTestState(t)
	suspendMaterial(t, p, state)

	var res *Resolution
	var err error
	for i := 0; i < MaxAttempts; i++ {
		res, err = p.Resume(ctx, state, PositionalAnswers("garbage"))
		require.NoError(t, err)
	}

	assert.True(t, res.Accepted)
	assert.True(t, res.Forced)
	assert.Equal(t, 3, res.Attempt)
	assert.Contains(t, res.Caveat, "CAVEAT")
	assert.Contains(t, state.SupervisorFeedback, res.Caveat)
	assert.Equal(t, "garbage", state.UserResponses[materialQuestion])
	assert.Zero(t, state.AskUserAttempts)

	stored, err := p.Store().Load(ctx, res.InterruptID)
	require.NoError(t, err)
	assert.Equal(t, InterruptStatusForced, stored.Status)

	_, err = p.Resume(ctx, state, PositionalAnswers("again"))
	assert.True(t, types.IsErrorCode(err, types.ErrNotAwaitingInput))
}

func TestProtocol_ReaskOnlyTouchesOffendingQuestion(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProtocol(Config{})
	p.RegisterValidator(workflow.TriggerCodeReviewLimit, func(_ *workflow.WorkflowState, answers map[string]string) []ValidationIssue {
		if answers["Second?"] == "" {
			return []ValidationIssue{{Question: "Second?", Message: "second question needs an answer"}}
		}
		return nil
	})
	state := newTestState(t)
	_, err := p.Suspend(ctx, state, workflow.Escalation{
		Trigger:   workflow.TriggerCodeReviewLimit,
		Questions: []string{"First?", "Second?", "Third?"},
	})
	require.NoError(t, err)

	res, err := p.Resume(ctx, state, Answers{"First?": "RETRY"})
	require.NoError(t, err)
	require.False(t, res.Accepted)

	assert.Equal(t, "First?", state.PendingUserQuestions[0])
	assert.True(t, strings.HasPrefix(state.PendingUserQuestions[1], "[attempt 2/3]"))
	assert.True(t, strings.HasSuffix(state.PendingUserQuestions[1], "Second?"))
	assert.Equal(t, "Third?", state.PendingUserQuestions[2])

	res, err = p.Resume(ctx, state, PositionalAnswers("RETRY", "ok", "fine"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "ok", state.UserResponses["Second?"])
}

func TestProtocol_BlankAnswersAreRejected(t *testing.T) {
	p, _ := newTestProtocol(Config{})
	state := newTestState(t)
	_, err := p.Suspend(context.Background(), state, workflow.Escalation{Trigger: workflow.TriggerLLMError, Reason: "model unavailable"})
	require.NoError(t, err)
	require.Len(t, state.PendingUserQuestions, 1)
	assert.Contains(t, state.PendingUserQuestions[0], "model unavailable")

	res, err := p.Resume(context.Background(), state, Answers{})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "no answer was provided", res.Issues[0].Message)
}

func TestProtocol_EnsureTriggerRecoversMissingTrigger(t *testing.T) {
	p, _ := newTestProtocol(Config{})
	state := newTestState(t)
	state.AwaitingUserInput = true
	state.PendingUserQuestions = []string{"Execution failed twice for stage B.\nOptions:\n  RETRY <guidance>\n  SKIP\n  STOP"}

	changed := p.EnsureTrigger(state)

	assert.True(t, changed)
	assert.Equal(t, workflow.TriggerUnknownEscalation, state.AskUserTrigger)
	require.Len(t, state.PendingUserQuestions, 1)
	q := state.PendingUserQuestions[0]
	assert.Contains(t, q, "Execution failed twice for stage B.")
	assert.Contains(t, q, "did not record why")
	assert.NotContains(t, q, "Options:")
	assert.NotContains(t, q, "RETRY <guidance>")

	assert.False(t, p.EnsureTrigger(state), "a valid trigger is left alone")
}

func TestProtocol_EnsureTriggerIgnoresIdleState(t *testing.T) {
	p, _ := newTestProtocol(Config{})
	state := newTestState(t)
	assert.False(t, p.EnsureTrigger(state))
	assert.Equal(t, workflow.TriggerNone, state.AskUserTrigger)
}

func TestProtocol_SuspendWithoutTrigger(t *testing.T) {
	p, _ := newTestProtocol(Config{})
	state := newTestState(t)

	interrupt, err := p.Suspend(context.Background(), state, workflow.Escalation{
		Questions: []string{"What now?\nOptions:\n  A\n  B"},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.TriggerUnknownEscalation, interrupt.Trigger)
	assert.Equal(t, workflow.TriggerUnknownEscalation, state.LastEscalation.Trigger)
	assert.NotContains(t, interrupt.Questions[0], "Options:")
	assert.Contains(t, interrupt.CheckpointID, "unknown_escalation_awaiting_input")
}

func TestProtocol_ResumeInFreshProcess(t *testing.T) {
	ctx := context.Background()
	p, mgr := newTestProtocol(Config{})
	state := newTestState(t)
	suspendMaterial(t, p, state)
	_, err := p.Resume(ctx, state, PositionalAnswers("nope"))
	require.NoError(t, err)

	restored, _, err := mgr.LoadLatest(ctx, state.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.AskUserAttempts)

	// a new protocol with an empty interrupt store
	fresh := NewProtocol(Config{}, nil, mgr, nil)
	fresh.RegisterValidator(workflow.TriggerMaterialCheckpoint, approveRejectValidator)
	res, err := fresh.Resume(ctx, restored, PositionalAnswers("REJECT wrong dispersion model"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, "REJECT wrong dispersion model", restored.UserResponses[materialQuestion])
}

func TestProtocol_InteractNonInteractive(t *testing.T) {
	ctx := context.Background()
	p, mgr := newTestProtocol(Config{NonInteractive: true})
	state := newTestState(t)
	suspendMaterial(t, p, state)

	res, err := p.Interact(ctx, state, PrompterFunc(func(context.Context, workflow.Trigger, []string) (Answers, error) {
		t.Fatal("prompter must not be called in non-interactive mode")
		return nil, nil
	}))
	assert.Nil(t, res)
	assert.True(t, types.IsErrorCode(err, types.ErrNonInteractive))
	assert.True(t, state.AwaitingUserInput)

	cps, err := mgr.List(ctx, state.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "material_checkpoint_interrupted", cps[1].Name)
}

func TestProtocol_InteractLoopsUntilAccepted(t *testing.T) {
	p, _ := newTestProtocol(Config{ResponseTimeout: time.Second})
	state := newTestState(t)
	suspendMaterial(t, p, state)

	replies := []string{"maybe", "APPROVE"}
	calls := 0
	res, err := p.Interact(context.Background(), state, PrompterFunc(func(_ context.Context, trigger workflow.Trigger, questions []string) (Answers, error) {
		assert.Equal(t, workflow.TriggerMaterialCheckpoint, trigger)
		a := Answers{questions[0]: replies[calls]}
		calls++
		return a, nil
	}))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, calls)
}

func TestProtocol_InteractTimeout(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProtocol(Config{ResponseTimeout: 30 * time.Millisecond})
	state := newTestState(t)
	suspendMaterial(t, p, state)

	reader, writer := io.Pipe()
	defer writer.Close()

	res, err := p.Interact(ctx, state, NewConsolePrompter(reader, io.Discard))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, state.AwaitingUserInput)

	timedOut, err := p.Store().List(ctx, state.RunID, InterruptStatusTimeout)
	require.NoError(t, err)
	assert.Len(t, timedOut, 1)
}

func TestConsolePrompter(t *testing.T) {
	in := strings.NewReader("APPROVE\n<<\nline one\nline two\n.\n")
	var out strings.Builder
	c := NewConsolePrompter(in, &out)

	answers, err := c.Ask(context.Background(), workflow.TriggerMaterialCheckpoint, []string{"Q1?", "Q2?"})
	require.NoError(t, err)
	assert.Equal(t, "APPROVE", answers["Q1?"])
	assert.Equal(t, "line one\nline two", answers["Q2?"])
	assert.Contains(t, out.String(), "material_checkpoint")
	assert.Contains(t, out.String(), "[2/2]")

	_, err = c.Ask(context.Background(), workflow.TriggerLLMError, []string{"more?"})
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsolePrompter_TimedOutAskDoesNotSwallowInput(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsolePrompter(pr, io.Discard)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Ask(expired, workflow.TriggerMaterialCheckpoint, []string{"Q1?"})
	require.ErrorIs(t, err, context.Canceled)

	go func() { _, _ = io.WriteString(pw, "APPROVE\n") }()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	answers, err := c.Ask(ctx, workflow.TriggerMaterialCheckpoint, []string{"Q1?"})
	require.NoError(t, err)
	assert.Equal(t, "APPROVE", answers["Q1?"])
}
