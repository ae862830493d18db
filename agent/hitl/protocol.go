package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

// Checkpoint labels written by the protocol.
const (
	LabelAwaitingInput = "awaiting_input"
	LabelReask         = "reask"
	LabelInterrupted   = "interrupted"
)

// Validator 校验某个触发器下的答案；由发起升级的阶段注册，协议本身只计数.
type Validator func(state *workflow.WorkflowState, answers map[string]string) []ValidationIssue

// Config 配置 ask-user 协议.
type Config struct {
	// ResponseTimeout 等待人工输入的时长，0 表示不限
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
	// NonInteractive 为 true 时挂起后立即保存检查点并退出
	NonInteractive bool `json:"non_interactive" yaml:"non_interactive"`
}

// Resolution 是一次 Resume 的结果.
type Resolution struct {
	InterruptID string           `json:"interrupt_id,omitempty"`
	Trigger     workflow.Trigger `json:"trigger"`
	StageID     string           `json:"stage_id,omitempty"`
	// Accepted 为 false 时需要重问，Questions 为新的待答问题
	Accepted  bool              `json:"accepted"`
	Forced    bool              `json:"forced,omitempty"`
	Caveat    string            `json:"caveat,omitempty"`
	Attempt   int               `json:"attempt"`
	Answers   map[string]string `json:"answers,omitempty"`
	Unmatched map[string]string `json:"unmatched,omitempty"`
	Issues    []ValidationIssue `json:"issues,omitempty"`
	Questions []string          `json:"questions,omitempty"`
}

// Answer 返回合并后的答案文本；多个答案按原始问题排序后换行拼接.
func (r *Resolution) Answer() string {
	if r == nil || len(r.Answers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.Answers))
	for k := range r.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = r.Answers[k]
	}
	return strings.Join(parts, "\n")
}

// Protocol 实现挂起 / 恢复状态机.
type Protocol struct {
	cfg         Config
	store       InterruptStore
	checkpoints *workflow.Manager
	logger      *zap.Logger

	validators map[workflow.Trigger]Validator
	mu         sync.RWMutex
}

// NewProtocol 创建协议实例。checkpoints 为 nil 时不写检查点.
func NewProtocol(cfg Config, store InterruptStore, checkpoints *workflow.Manager, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryInterruptStore()
	}
	return &Protocol{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		logger:      logger.With(zap.String("component", "ask_user")),
		validators:  make(map[workflow.Trigger]Validator),
	}
}

// Config 返回当前配置.
func (p *Protocol) Config() Config { return p.cfg }

// Store 返回中断存储.
func (p *Protocol) Store() InterruptStore { return p.store }

// RegisterValidator 为触发器注册答案校验器，重复注册会覆盖.
func (p *Protocol) RegisterValidator(trigger workflow.Trigger, v Validator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validators[trigger] = v
}

func (p *Protocol) validator(trigger workflow.Trigger) Validator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators[trigger]
}

// Suspend 进入 AWAITING_INPUT：记录问题和触发器、写检查点、登记中断.
func (p *Protocol) Suspend(ctx context.Context, state *workflow.WorkflowState, esc workflow.Escalation) (*Interrupt, error) {
	if state == nil {
		return nil, workflow.ErrNoState
	}
	if state.AwaitingUserInput {
		return nil, types.Errorf(types.ErrAwaitingInput, "run %s is already waiting for input (%s)", state.RunID, state.AskUserTrigger)
	}

	questions := append([]string(nil), esc.Questions...)
	if len(questions) == 0 {
		questions = []string{defaultQuestion(esc)}
	}

	state.AskUserTrigger = esc.Trigger
	state.PendingUserQuestions = questions
	state.AwaitingUserInput = true
	state.AskUserAttempts = 0
	state.Phase = workflow.PhaseAskUser
	e := esc
	e.Questions = append([]string(nil), questions...)
	state.LastEscalation = &e
	p.EnsureTrigger(state)

	interrupt := &Interrupt{
		ID:        generateInterruptID(),
		RunID:     state.RunID,
		StageID:   esc.StageID,
		Trigger:   state.AskUserTrigger,
		Status:    InterruptStatusPending,
		Reason:    esc.Reason,
		Questions: append([]string(nil), state.PendingUserQuestions...),
		CreatedAt: time.Now(),
	}
	state.PendingInterruptID = interrupt.ID
	state.Record("awaiting input: %s", state.AskUserTrigger)

	if handle, err := p.checkpoint(ctx, state, LabelAwaitingInput); err != nil {
		return nil, err
	} else if handle != "" {
		interrupt.CheckpointID = handle
	}

	if err := p.store.Save(ctx, interrupt); err != nil {
		return nil, fmt.Errorf("failed to save interrupt: %w", err)
	}

	p.logger.Info("run suspended",
		zap.String("run_id", state.RunID),
		zap.String("interrupt_id", interrupt.ID),
		zap.String("trigger", string(interrupt.Trigger)),
		zap.Int("questions", len(interrupt.Questions)),
		zap.String("checkpoint", interrupt.CheckpointID),
	)
	return interrupt, nil
}

// EnsureTrigger 是兜底逻辑：有待答问题却没有（合法的）触发器时，改为
// unknown_escalation 并重新生成带恢复说明的问题.
func (p *Protocol) EnsureTrigger(state *workflow.WorkflowState) bool {
	if state == nil {
		return false
	}
	if len(state.PendingUserQuestions) == 0 && !state.AwaitingUserInput {
		return false
	}
	if state.AskUserTrigger.Valid() {
		return false
	}

	previous := state.AskUserTrigger
	state.AskUserTrigger = workflow.TriggerUnknownEscalation
	state.PendingUserQuestions = []string{RecoveryQuestion(state.PendingUserQuestions)}
	if state.LastEscalation != nil {
		state.LastEscalation.Trigger = workflow.TriggerUnknownEscalation
		state.LastEscalation.Questions = append([]string(nil), state.PendingUserQuestions...)
	}

	p.logger.Warn("pending questions without a trigger; using unknown_escalation",
		zap.String("run_id", state.RunID),
		zap.String("previous_trigger", string(previous)),
	)
	return true
}

// Resume 处理用户答案。校验失败且未满 3 次时重问；第 3 次失败强制接受并记录告诫；
// 成功时合并答案、清空待答问题并回到运行态.
func (p *Protocol) Resume(ctx context.Context, state *workflow.WorkflowState, answers Answers) (*Resolution, error) {
	if state == nil {
		return nil, workflow.ErrNoState
	}
	if !state.AwaitingUserInput {
		return nil, types.Errorf(types.ErrNotAwaitingInput, "run %s is not waiting for input", state.RunID)
	}
	p.EnsureTrigger(state)

	interrupt := p.loadInterrupt(ctx, state)
	questions := state.PendingUserQuestions
	mapped, unmatched := MapAnswers(questions, answers)
	issues := p.validate(state, questions, mapped, unmatched)
	attempt := state.AskUserAttempts + 1

	res := &Resolution{
		InterruptID: interrupt.ID,
		Trigger:     state.AskUserTrigger,
		StageID:     interrupt.StageID,
		Attempt:     attempt,
		Answers:     mapped,
		Unmatched:   unmatched,
		Issues:      issues,
	}

	if len(issues) > 0 && attempt < MaxAttempts {
		p.reask(ctx, state, interrupt, res)
		return res, nil
	}

	res.Accepted = true
	status := InterruptStatusResolved
	if len(issues) > 0 {
		res.Forced = true
		res.Caveat = caveat(state.AskUserTrigger, attempt, issues)
		status = InterruptStatusForced
		if state.SupervisorFeedback != "" {
			state.SupervisorFeedback += "\n"
		}
		state.SupervisorFeedback += res.Caveat
	}

	if state.UserResponses == nil {
		state.UserResponses = make(map[string]string)
	}
	for k, v := range mapped {
		state.UserResponses[k] = v
	}
	for k, v := range unmatched {
		state.UserResponses[k] = v
	}

	state.PendingUserQuestions = nil
	state.AskUserTrigger = workflow.TriggerNone
	state.AwaitingUserInput = false
	state.AskUserAttempts = 0
	state.PendingInterruptID = ""
	state.Phase = workflow.PhaseHandleAnswer
	state.Record("input accepted for %s (attempt %d, forced=%t)", res.Trigger, attempt, res.Forced)

	interrupt.Answers = mapped
	interrupt.Attempts = attempt
	interrupt.Caveat = res.Caveat
	interrupt.resolve(status)
	p.update(ctx, interrupt)

	p.logger.Info("input accepted",
		zap.String("run_id", state.RunID),
		zap.String("trigger", string(res.Trigger)),
		zap.Int("attempt", attempt),
		zap.Bool("forced", res.Forced),
	)
	return res, nil
}

func (p *Protocol) reask(ctx context.Context, state *workflow.WorkflowState, interrupt *Interrupt, res *Resolution) {
	questions := append([]string(nil), state.PendingUserQuestions...)
	idx := offendingIndex(questions, res.Issues)
	messages := make([]string, len(res.Issues))
	for i, issue := range res.Issues {
		messages[i] = issue.Message
	}
	questions[idx] = ReaskQuestion(questions[idx], res.Attempt+1, messages)

	state.PendingUserQuestions = questions
	state.AskUserAttempts = res.Attempt
	state.Record("answer rejected for %s (attempt %d/%d)", state.AskUserTrigger, res.Attempt, MaxAttempts)
	res.Questions = append([]string(nil), questions...)

	if handle, err := p.checkpoint(ctx, state, LabelReask); err != nil {
		p.logger.Warn("failed to checkpoint re-ask", zap.Error(err))
	} else if handle != "" {
		interrupt.CheckpointID = handle
	}
	interrupt.Questions = res.Questions
	interrupt.Attempts = res.Attempt
	p.update(ctx, interrupt)

	p.logger.Info("answer rejected; re-asking",
		zap.String("run_id", state.RunID),
		zap.String("trigger", string(state.AskUserTrigger)),
		zap.Int("attempt", res.Attempt),
		zap.Int("issues", len(res.Issues)),
	)
}

// Cancel 在超时、输入结束或非交互模式下保存 interrupted 检查点。状态保持等待
// 输入，以便之后从检查点恢复.
func (p *Protocol) Cancel(ctx context.Context, state *workflow.WorkflowState, reason string, status InterruptStatus) (string, error) {
	if state == nil {
		return "", workflow.ErrNoState
	}
	state.Record("input cancelled: %s", reason)
	handle, err := p.checkpoint(context.WithoutCancel(ctx), state, LabelInterrupted)
	if err != nil {
		return "", err
	}
	if state.PendingInterruptID != "" {
		if interrupt, err := p.store.Load(ctx, state.PendingInterruptID); err == nil {
			interrupt.CheckpointID = handle
			interrupt.resolve(status)
			p.update(ctx, interrupt)
		}
	}
	p.logger.Warn("ask-user cancelled",
		zap.String("run_id", state.RunID),
		zap.String("reason", reason),
		zap.String("checkpoint", handle),
	)
	return handle, nil
}

// Interact 使用 Prompter 同步收集答案，直到答案被接受。非交互模式、超时或
// 输入结束时保存检查点并返回错误.
func (p *Protocol) Interact(ctx context.Context, state *workflow.WorkflowState, prompter Prompter) (*Resolution, error) {
	if p.cfg.NonInteractive || prompter == nil {
		handle, err := p.Cancel(ctx, state, "non-interactive mode", InterruptStatusCanceled)
		if err != nil {
			return nil, err
		}
		return nil, types.NewError(types.ErrNonInteractive, "input required; run saved for later resume").
			WithDetail("checkpoint", handle)
	}

	for {
		askCtx := ctx
		cancel := func() {}
		if p.cfg.ResponseTimeout > 0 {
			askCtx, cancel = context.WithTimeout(ctx, p.cfg.ResponseTimeout)
		}
		answers, err := prompter.Ask(askCtx, state.AskUserTrigger, state.PendingUserQuestions)
		cancel()
		if err != nil {
			status := InterruptStatusCanceled
			if errors.Is(err, context.DeadlineExceeded) {
				status = InterruptStatusTimeout
			}
			handle, cerr := p.Cancel(ctx, state, err.Error(), status)
			if cerr != nil {
				return nil, errors.Join(err, cerr)
			}
			return nil, fmt.Errorf("waiting for input (saved %s): %w", handle, err)
		}

		res, err := p.Resume(ctx, state, answers)
		if err != nil {
			return nil, err
		}
		if res.Accepted {
			return res, nil
		}
	}
}

func (p *Protocol) validate(state *workflow.WorkflowState, questions []string, mapped, unmatched map[string]string) []ValidationIssue {
	blank := true
	for _, v := range mapped {
		if strings.TrimSpace(v) != "" {
			blank = false
		}
	}
	for _, v := range unmatched {
		if strings.TrimSpace(v) != "" {
			blank = false
		}
	}
	if blank {
		return []ValidationIssue{{Message: "no answer was provided"}}
	}

	v := p.validator(state.AskUserTrigger)
	if v == nil {
		return nil
	}
	return v(state, mapped)
}

func (p *Protocol) loadInterrupt(ctx context.Context, state *workflow.WorkflowState) *Interrupt {
	if state.PendingInterruptID != "" {
		if interrupt, err := p.store.Load(ctx, state.PendingInterruptID); err == nil {
			return interrupt
		}
	}
	// resumed in a fresh process: rebuild the record from the checkpointed state
	interrupt := &Interrupt{
		ID:           state.PendingInterruptID,
		RunID:        state.RunID,
		StageID:      state.CurrentStageID,
		Trigger:      state.AskUserTrigger,
		Status:       InterruptStatusPending,
		Questions:    append([]string(nil), state.PendingUserQuestions...),
		Attempts:     state.AskUserAttempts,
		CheckpointID: state.LastCheckpoint,
		CreatedAt:    time.Now(),
	}
	if state.LastEscalation != nil {
		interrupt.StageID = state.LastEscalation.StageID
		interrupt.Reason = state.LastEscalation.Reason
	}
	if interrupt.ID == "" {
		interrupt.ID = generateInterruptID()
		state.PendingInterruptID = interrupt.ID
	}
	if err := p.store.Save(ctx, interrupt); err != nil {
		p.logger.Warn("failed to record recovered interrupt", zap.Error(err))
	}
	return interrupt
}

func (p *Protocol) update(ctx context.Context, interrupt *Interrupt) {
	if err := p.store.Update(ctx, interrupt); err != nil {
		p.logger.Warn("failed to update interrupt", zap.String("interrupt_id", interrupt.ID), zap.Error(err))
	}
}

func (p *Protocol) checkpoint(ctx context.Context, state *workflow.WorkflowState, label string) (string, error) {
	if p.checkpoints == nil {
		return "", nil
	}
	h, err := p.checkpoints.Save(ctx, state, label)
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", label, err)
	}
	return h.String(), nil
}

func offendingIndex(questions []string, issues []ValidationIssue) int {
	originals := make([]string, len(questions))
	for i, q := range questions {
		originals[i] = strings.TrimSpace(OriginalQuestion(q))
	}
	for _, issue := range issues {
		if issue.Question == "" {
			continue
		}
		if idx := matchQuestion(questions, originals, issue.Question); idx >= 0 {
			return idx
		}
	}
	return 0
}

func caveat(trigger workflow.Trigger, attempt int, issues []ValidationIssue) string {
	messages := make([]string, len(issues))
	for i, issue := range issues {
		messages[i] = issue.Message
	}
	return fmt.Sprintf("CAVEAT: answer for %s accepted without passing validation after %d attempts (%s)",
		trigger, attempt, strings.Join(messages, "; "))
}

func defaultQuestion(esc workflow.Escalation) string {
	reason := esc.Reason
	if reason == "" {
		reason = "The workflow needs your input."
	}
	return reason + "\nHow should the run proceed?"
}
