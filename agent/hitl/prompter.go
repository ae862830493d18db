package hitl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/BaSui01/reproflow/workflow"
)

// Prompter 由宿主实现，负责把问题展示给人并收集答案.
type Prompter interface {
	Ask(ctx context.Context, trigger workflow.Trigger, questions []string) (Answers, error)
}

// PrompterFunc 把函数适配为 Prompter.
type PrompterFunc func(ctx context.Context, trigger workflow.Trigger, questions []string) (Answers, error)

// Ask 实现 Prompter.
func (f PrompterFunc) Ask(ctx context.Context, trigger workflow.Trigger, questions []string) (Answers, error) {
	return f(ctx, trigger, questions)
}

// ConsolePrompter 在终端上逐题提问，每个答案读取一行；单独一行 "." 结束多行答案.
// 同一输入只应对应一个 ConsolePrompter；超时的 Ask 不会吞掉之后输入的行.
type ConsolePrompter struct {
	in  *bufio.Reader
	out io.Writer

	once  sync.Once
	lines chan lineResult
}

// NewConsolePrompter 创建终端 Prompter.
func NewConsolePrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	return &ConsolePrompter{in: bufio.NewReader(in), out: out, lines: make(chan lineResult)}
}

type lineResult struct {
	line string
	err  error
}

// Ask 实现 Prompter。ctx 结束时返回 ctx.Err()，输入结束时返回 io.EOF.
func (c *ConsolePrompter) Ask(ctx context.Context, trigger workflow.Trigger, questions []string) (Answers, error) {
	fmt.Fprintf(c.out, "\n=== input required (%s) ===\n", trigger)
	answers := make(Answers, len(questions))
	for i, q := range questions {
		fmt.Fprintf(c.out, "\n[%d/%d]\n%s\n> ", i+1, len(questions), q)
		answer, err := c.readAnswer(ctx)
		if err != nil {
			return nil, err
		}
		answers[q] = answer
	}
	return answers, nil
}

func (c *ConsolePrompter) readAnswer(ctx context.Context) (string, error) {
	first, err := c.readLine(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(first) != "<<" {
		return strings.TrimSpace(first), nil
	}
	// "<<" opens a multi-line answer closed by a lone "."
	var lines []string
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) == "." {
			return strings.TrimSpace(strings.Join(lines, "\n")), nil
		}
		lines = append(lines, line)
	}
}

// readLines 是唯一读取输入的 goroutine，读到错误后关闭 lines
func (c *ConsolePrompter) readLines() {
	defer close(c.lines)
	for {
		line, err := c.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		c.lines <- lineResult{line: strings.TrimRight(line, "\r\n"), err: err}
		if err != nil {
			return
		}
	}
}

func (c *ConsolePrompter) readLine(ctx context.Context) (string, error) {
	c.once.Do(func() { go c.readLines() })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return r.line, r.err
	}
}
