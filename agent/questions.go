package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/reproflow/workflow"
)

// Answer keywords. 答案的第一个单词（不区分大小写）决定处理方式.
const (
	KeywordApprove   = "APPROVE"
	KeywordReject    = "REJECT"
	KeywordRetry     = "RETRY"
	KeywordSkip      = "SKIP"
	KeywordReplan    = "REPLAN"
	KeywordBacktrack = "BACKTRACK"
	KeywordContinue  = "CONTINUE"
	KeywordStop      = "STOP"
)

type option struct {
	keyword string
	help    string
}

// QuestionFor 为没有自带问题的升级生成问题文本.
func QuestionFor(esc workflow.Escalation, plan *workflow.Plan) string {
	var head string
	if esc.StageID != "" {
		head = fmt.Sprintf("Stage %s: %s", esc.StageID, esc.Reason)
	} else {
		head = esc.Reason
	}

	switch t := esc.Trigger; {
	case t == workflow.TriggerReplanLimit:
		return render(head, "The plan has been regenerated too many times.", []option{
			{KeywordRetry + " [guidance]", "reset the replan counter and plan again"},
			{KeywordSkip, "keep the current plan and continue"},
			{KeywordStop, "end the run"},
		})
	case t == workflow.TriggerBacktrackLimit:
		return render(head, "The backtrack budget is spent.", []option{
			{KeywordRetry, "reset the backtrack counter and re-run the analysis"},
			{KeywordSkip, "record the stage as failed and move on"},
			{KeywordReplan + " [guidance]", "regenerate the plan"},
			{KeywordStop, "end the run"},
		})
	case t.IsLimit():
		return render(head, "The revision budget for this stage is spent.", []option{
			{KeywordRetry + " [guidance]", "reset the counter and try again"},
			{KeywordSkip, "record the stage as failed and move on"},
			{KeywordReplan + " [guidance]", "regenerate the plan"},
			{KeywordStop, "end the run"},
		})
	case isBacktrackTrouble(t):
		opts := []option{
			{KeywordBacktrack + " <stage_id>", "rerun from the given ancestor stage"},
			{KeywordContinue, "record the stage as failed and move on"},
			{KeywordStop, "end the run"},
		}
		note := "No valid backtrack target could be determined."
		if plan != nil {
			note += fmt.Sprintf(" Stages: %s.", strings.Join(plan.StageIDs(), ", "))
		}
		return render(head, note, opts)
	case isPlanTrouble(t):
		return render(head, "The plan cannot make progress.", []option{
			{KeywordReplan + " [guidance]", "regenerate the plan"},
			{KeywordStop, "end the run"},
		})
	case t == workflow.TriggerMissingPaperText:
		return "No paper text is available.\nPaste the paper text, or answer STOP to end the run."
	}
	return render(head, "", []option{
		{KeywordRetry + " [guidance]", "try the step again"},
		{KeywordSkip, "record the current stage as failed and move on"},
		{KeywordStop, "end the run"},
	})
}

func render(head, note string, opts []option) string {
	var b strings.Builder
	b.WriteString(head)
	if note != "" {
		b.WriteString("\n")
		b.WriteString(note)
	}
	b.WriteString("\nOptions:")
	for _, o := range opts {
		fmt.Fprintf(&b, "\n  %s - %s", o.keyword, o.help)
	}
	return b.String()
}

func isBacktrackTrouble(t workflow.Trigger) bool {
	switch t {
	case workflow.TriggerInvalidBacktrackTarget, workflow.TriggerBacktrackTargetNotFound,
		workflow.TriggerInvalidBacktrackDecision:
		return true
	}
	return false
}

func isPlanTrouble(t workflow.Trigger) bool {
	switch t {
	case workflow.TriggerDeadlockDetected, workflow.TriggerNoStagesAvailable,
		workflow.TriggerProgressInitFailed:
		return true
	}
	return false
}

// parseCommand 拆出关键字（大写）和剩余文本.
func parseCommand(answer string) (keyword, rest string) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", ""
	}
	fields := strings.Fields(answer)
	keyword = strings.ToUpper(strings.Trim(fields[0], ".,:;!"))
	rest = strings.TrimSpace(strings.TrimPrefix(answer, fields[0]))
	return keyword, rest
}
