package hitl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReaskQuestion_RoundTrip(t *testing.T) {
	q := "Approve the gold permittivity model?\nOptions:\n  APPROVE\n  REJECT <reason>"

	r1 := ReaskQuestion(q, 2, []string{"answer must start with APPROVE or REJECT"})
	assert.Contains(t, r1, "[attempt 2/3]")
	assert.Contains(t, r1, "  1. answer must start with APPROVE or REJECT")
	assert.Equal(t, q, OriginalQuestion(r1))

	// re-asking again replaces the prefix instead of stacking it
	r2 := ReaskQuestion(r1, 3, []string{"first", "second"})
	assert.Contains(t, r2, "[attempt 3/3]")
	assert.NotContains(t, r2, "attempt 2/3")
	assert.Contains(t, r2, "  2. second")
	assert.Equal(t, q, OriginalQuestion(r2))
}

func TestOriginalQuestion_Untouched(t *testing.T) {
	assert.Equal(t, "plain question", OriginalQuestion("plain question"))
	assert.Equal(t, "[attempt] no separator", OriginalQuestion("[attempt] no separator"))
}

func TestStripOptions(t *testing.T) {
	q := "Code review failed 3 times for stage B.\n\nOptions:\n  RETRY <guidance>\n  SKIP\n  STOP"
	assert.Equal(t, "Code review failed 3 times for stage B.", StripOptions(q))
	assert.Equal(t, "no options here", StripOptions("no options here\n"))
	assert.Equal(t, "lower", StripOptions("lower\n  options: a, b"))
}

func TestRecoveryQuestion(t *testing.T) {
	rq := RecoveryQuestion([]string{"Pick a mesh.\nOptions:\n  FINE\n  COARSE", "Second?"})
	assert.Contains(t, rq, "unknown escalation")
	assert.Contains(t, rq, "Pick a mesh.")
	assert.Contains(t, rq, "Second?")
	assert.NotContains(t, rq, "Options:")
	assert.NotContains(t, rq, "COARSE")
}

func TestMapAnswers(t *testing.T) {
	questions := []string{
		"Approve materials?",
		ReaskQuestion("Which solver?", 2, []string{"unknown solver"}),
	}

	t.Run("by displayed text", func(t *testing.T) {
		mapped, unmatched := MapAnswers(questions, Answers{questions[1]: "FDTD"})
		assert.Equal(t, map[string]string{"Which solver?": "FDTD"}, mapped)
		assert.Empty(t, unmatched)
	})

	t.Run("by original text", func(t *testing.T) {
		mapped, _ := MapAnswers(questions, Answers{"Which solver?": "FDTD", "Approve materials?": "APPROVE"})
		assert.Equal(t, "FDTD", mapped["Which solver?"])
		assert.Equal(t, "APPROVE", mapped["Approve materials?"])
	})

	t.Run("positional", func(t *testing.T) {
		mapped, _ := MapAnswers(questions, PositionalAnswers("APPROVE", "FEM"))
		assert.Equal(t, "APPROVE", mapped["Approve materials?"])
		assert.Equal(t, "FEM", mapped["Which solver?"])

		mapped, _ = MapAnswers(questions, Answers{"q2": "BEM"})
		assert.Equal(t, "BEM", mapped["Which solver?"])
	})

	t.Run("unmatched", func(t *testing.T) {
		mapped, unmatched := MapAnswers(questions, Answers{"something else": "x", "7": "y"})
		assert.Empty(t, mapped)
		assert.Equal(t, map[string]string{"something else": "x", "7": "y"}, unmatched)
	})

	t.Run("single question takes any key", func(t *testing.T) {
		mapped, unmatched := MapAnswers([]string{"Only?"}, Answers{"whatever": "yes"})
		assert.Equal(t, map[string]string{"Only?": "yes"}, mapped)
		assert.Empty(t, unmatched)
	})
}
