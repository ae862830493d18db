package hitl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxAttempts 每次升级最多校验的次数，第三次失败后强制接受.
const MaxAttempts = 3

const (
	reaskPrefix    = "[attempt "
	reaskSeparator = "\n---\n"
)

// Answers 是用户给出的答案。键可以是问题原文、重问后的展示文本，或者
// 从 1 开始的序号.
type Answers map[string]string

// PositionalAnswers 按问题顺序构造答案.
func PositionalAnswers(values ...string) Answers {
	out := make(Answers, len(values))
	for i, v := range values {
		out[strconv.Itoa(i+1)] = v
	}
	return out
}

// ValidationIssue 描述一条校验失败；Question 为空时归到第一个问题.
type ValidationIssue struct {
	Question string `json:"question,omitempty"`
	Message  string `json:"message"`
}

// OriginalQuestion 去掉重问时添加的错误说明，返回原始问题.
func OriginalQuestion(q string) string {
	if !strings.HasPrefix(q, reaskPrefix) {
		return q
	}
	if idx := strings.Index(q, reaskSeparator); idx >= 0 {
		return q[idx+len(reaskSeparator):]
	}
	return q
}

// ReaskQuestion 为问题加上编号错误列表和 "attempt k/3" 标记；已有的前缀会被替换.
func ReaskQuestion(q string, attempt int, messages []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d/%d] Your previous answer could not be accepted:\n", reaskPrefix, attempt, MaxAttempts)
	for i, m := range messages {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, m)
	}
	// messages end with a newline, so this completes reaskSeparator
	b.WriteString("---\n")
	b.WriteString(OriginalQuestion(q))
	return b.String()
}

// StripOptions 删除问题末尾的 "Options:" 选项块.
func StripOptions(q string) string {
	lines := strings.Split(q, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "options:") {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\n")
}

// RecoveryQuestion 在触发器丢失时重新生成问题：保留原问题正文（去掉选项块），
// 并加上恢复说明.
func RecoveryQuestion(pending []string) string {
	var b strings.Builder
	b.WriteString("The workflow paused for input but did not record why (unknown escalation).\n")
	b.WriteString("The pending question is repeated below; its original answer options may no longer apply.\n\n")
	for i, q := range pending {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(StripOptions(OriginalQuestion(q)))
	}
	b.WriteString("\n\nReply with guidance for how to continue, or STOP to end the run.")
	return b.String()
}

// MapAnswers 把答案映射回原始问题。匹配顺序：展示文本完全一致、去掉重问前缀后
// 一致、序号、只有一个问题时直接对应。无法匹配的答案原样返回到 unmatched.
func MapAnswers(questions []string, answers Answers) (mapped map[string]string, unmatched map[string]string) {
	mapped = make(map[string]string, len(answers))
	unmatched = make(map[string]string)

	originals := make([]string, len(questions))
	for i, q := range questions {
		originals[i] = strings.TrimSpace(OriginalQuestion(q))
	}

	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		answer := answers[key]
		idx := matchQuestion(questions, originals, key)
		if idx < 0 {
			unmatched[key] = answer
			continue
		}
		mapped[originals[idx]] = answer
	}
	return mapped, unmatched
}

func matchQuestion(questions, originals []string, key string) int {
	for i, q := range questions {
		if key == q {
			return i
		}
	}
	stripped := strings.TrimSpace(OriginalQuestion(key))
	for i, o := range originals {
		if stripped == o {
			return i
		}
	}
	pos := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(key)), "q")
	if n, err := strconv.Atoi(pos); err == nil && n >= 1 && n <= len(questions) {
		return n - 1
	}
	if len(questions) == 1 {
		return 0
	}
	return -1
}
