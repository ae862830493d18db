// MockPipeline 是 Runner 协作者的脚本化测试实现。
//
// 每个协作者维护一个结果队列：队列非空时按顺序弹出，耗尽后返回默认结果。
// 默认结果让阶段一次通过，测试只需排队关心的那几步。
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/reproflow/agent"
	"github.com/BaSui01/reproflow/workflow"
)

// Collaborator names used for call recording and error injection.
const (
	CallPlanner            = "planner"
	CallPlanReviewer       = "plan_reviewer"
	CallDesigner           = "designer"
	CallDesignReviewer     = "design_reviewer"
	CallCodeGenerator      = "code_generator"
	CallCodeReviewer       = "code_reviewer"
	CallExecutor           = "executor"
	CallExecutionValidator = "execution_validator"
	CallPhysicsChecker     = "physics_checker"
	CallAnalyzer           = "analyzer"
)

// Call 记录单次调用
type Call struct {
	Name    string
	StageID string
	// Feedback 为调用时收到的反馈文本
	Feedback string
}

type step[T any] struct {
	value T
	err   error
}

// --- MockPipeline 结构 ---

// MockPipeline 实现 agent 包的全部协作者接口
type MockPipeline struct {
	mu sync.Mutex

	plan  *workflow.Plan
	plans []step[*workflow.Plan]

	planReviews   []step[agent.Review]
	designs       []step[string]
	designReviews []step[agent.Review]
	codes         []step[string]
	codeReviews   []step[agent.Review]
	executions    []step[agent.ExecutionResult]
	execChecks    []step[agent.ExecutionCheck]
	physics       []step[agent.PhysicsCheck]
	outcomes      map[string][]step[workflow.StageOutcome]

	// errs 为按协作者排队的一次性错误，优先于脚本结果
	errs  map[string][]error
	hooks map[string]func(ctx context.Context) error

	calls []Call
}

// --- 构造函数和 Builder 方法 ---

// NewMockPipeline 创建 MockPipeline，Planner 默认返回 plan 的副本
func NewMockPipeline(plan *workflow.Plan) *MockPipeline {
	return &MockPipeline{
		plan:     plan,
		outcomes: make(map[string][]step[workflow.StageOutcome]),
		errs:     make(map[string][]error),
		hooks:    make(map[string]func(ctx context.Context) error),
	}
}

// WithPlans 按顺序排队 Planner 的返回值
func (m *MockPipeline) WithPlans(plans ...*workflow.Plan) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range plans {
		m.plans = append(m.plans, step[*workflow.Plan]{value: p})
	}
	return m
}

// WithPlanReviews 排队计划评审结论
func (m *MockPipeline) WithPlanReviews(verdicts ...workflow.ReviewVerdict) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planReviews = appendReviews(m.planReviews, verdicts)
	return m
}

// WithDesigns 排队设计文本
func (m *MockPipeline) WithDesigns(designs ...string) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range designs {
		m.designs = append(m.designs, step[string]{value: d})
	}
	return m
}

// WithDesignReviews 排队设计评审结论
func (m *MockPipeline) WithDesignReviews(verdicts ...workflow.ReviewVerdict) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.designReviews = appendReviews(m.designReviews, verdicts)
	return m
}

// WithCodeReviews 排队代码评审结论
func (m *MockPipeline) WithCodeReviews(verdicts ...workflow.ReviewVerdict) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeReviews = appendReviews(m.codeReviews, verdicts)
	return m
}

// WithExecutionChecks 排队执行校验结论
func (m *MockPipeline) WithExecutionChecks(verdicts ...workflow.ExecutionVerdict) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range verdicts {
		m.execChecks = append(m.execChecks, step[agent.ExecutionCheck]{
			value: agent.ExecutionCheck{Verdict: v, Notes: "execution " + string(v)},
		})
	}
	return m
}

// WithPhysicsChecks 排队物理检查结论
func (m *MockPipeline) WithPhysicsChecks(verdicts ...workflow.PhysicsVerdict) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range verdicts {
		m.physics = append(m.physics, step[agent.PhysicsCheck]{
			value: agent.PhysicsCheck{Verdict: v, Notes: "physics " + string(v)},
		})
	}
	return m
}

// WithOutcomes 为 stageID 排队分析结果
func (m *MockPipeline) WithOutcomes(stageID string, outcomes ...workflow.StageOutcome) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range outcomes {
		m.outcomes[stageID] = append(m.outcomes[stageID], step[workflow.StageOutcome]{value: o})
	}
	return m
}

// WithError 为协作者排队一次性错误
func (m *MockPipeline) WithError(name string, err error) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[name] = append(m.errs[name], err)
	return m
}

// WithHook 在协作者被调用时先执行 fn；fn 返回错误时作为调用结果
func (m *MockPipeline) WithHook(name string, fn func(ctx context.Context) error) *MockPipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[name] = fn
	return m
}

// Collaborators 返回全部由 m 实现的协作者集合
func (m *MockPipeline) Collaborators() agent.Collaborators {
	return agent.Collaborators{
		Planner:            m,
		PlanReviewer:       m,
		Designer:           m,
		DesignReviewer:     m,
		CodeGenerator:      m,
		CodeReviewer:       m,
		Executor:           m,
		ExecutionValidator: m,
		PhysicsChecker:     m,
		Analyzer:           m,
	}
}

// --- 调用记录 ---

// Calls 返回调用记录的副本
func (m *MockPipeline) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount 返回协作者 name 被调用的次数
func (m *MockPipeline) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// StageCalls 返回协作者 name 在各阶段上的调用顺序
func (m *MockPipeline) StageCalls(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Name == name {
			out = append(out, c.StageID)
		}
	}
	return out
}

// LastFeedback 返回协作者 name 最近一次收到的反馈
func (m *MockPipeline) LastFeedback(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Name == name {
			return m.calls[i].Feedback
		}
	}
	return ""
}

// begin 记录调用并返回注入的错误
func (m *MockPipeline) begin(ctx context.Context, name, stageID, feedback string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Name: name, StageID: stageID, Feedback: feedback})
	hook := m.hooks[name]
	var err error
	if q := m.errs[name]; len(q) > 0 {
		err, m.errs[name] = q[0], q[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// --- 协作者实现 ---

// Plan 实现 agent.Planner
func (m *MockPipeline) Plan(ctx context.Context, req agent.PlanRequest) (*workflow.Plan, error) {
	if err := m.begin(ctx, CallPlanner, "", req.Feedback); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(&m.plans); ok {
		return s.value, s.err
	}
	if m.plan == nil {
		return nil, fmt.Errorf("mock pipeline has no plan")
	}
	return m.plan.Clone(), nil
}

// ReviewPlan 实现 agent.PlanReviewer
func (m *MockPipeline) ReviewPlan(ctx context.Context, _ *workflow.Plan, req agent.PlanRequest) (agent.Review, error) {
	if err := m.begin(ctx, CallPlanReviewer, "", req.Feedback); err != nil {
		return agent.Review{}, err
	}
	return m.review(&m.planReviews)
}

// Design 实现 agent.Designer
func (m *MockPipeline) Design(ctx context.Context, req agent.StageRequest) (string, error) {
	if err := m.begin(ctx, CallDesigner, req.Stage.ID, req.Feedback); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(&m.designs); ok {
		return s.value, s.err
	}
	return "design for " + req.Stage.ID, nil
}

// ReviewDesign 实现 agent.DesignReviewer
func (m *MockPipeline) ReviewDesign(ctx context.Context, req agent.StageRequest) (agent.Review, error) {
	if err := m.begin(ctx, CallDesignReviewer, req.Stage.ID, req.Feedback); err != nil {
		return agent.Review{}, err
	}
	return m.review(&m.designReviews)
}

// GenerateCode 实现 agent.CodeGenerator
func (m *MockPipeline) GenerateCode(ctx context.Context, req agent.StageRequest) (string, error) {
	if err := m.begin(ctx, CallCodeGenerator, req.Stage.ID, req.Feedback); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(&m.codes); ok {
		return s.value, s.err
	}
	return "code for " + req.Stage.ID, nil
}

// ReviewCode 实现 agent.CodeReviewer
func (m *MockPipeline) ReviewCode(ctx context.Context, req agent.StageRequest) (agent.Review, error) {
	if err := m.begin(ctx, CallCodeReviewer, req.Stage.ID, req.Feedback); err != nil {
		return agent.Review{}, err
	}
	return m.review(&m.codeReviews)
}

// Execute 实现 agent.Executor
func (m *MockPipeline) Execute(ctx context.Context, req agent.StageRequest) (agent.ExecutionResult, error) {
	if err := m.begin(ctx, CallExecutor, req.Stage.ID, req.Feedback); err != nil {
		return agent.ExecutionResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(&m.executions); ok {
		return s.value, s.err
	}
	return agent.ExecutionResult{Log: "ran " + req.Stage.ID}, nil
}

// ValidateExecution 实现 agent.ExecutionValidator
func (m *MockPipeline) ValidateExecution(ctx context.Context, req agent.StageRequest) (agent.ExecutionCheck, error) {
	if err := m.begin(ctx, CallExecutionValidator, req.Stage.ID, req.Feedback); err != nil {
		return agent.ExecutionCheck{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(&m.execChecks); ok {
		return s.value, s.err
	}
	return agent.ExecutionCheck{Verdict: workflow.ExecutionPass}, nil
}

// CheckPhysics 实现 agent.PhysicsChecker
func (m *MockPipeline) CheckPhysics(ctx context.Context, req agent.StageRequest) (agent.PhysicsCheck, error) {
	if err := m.begin(ctx, CallPhysicsChecker, req.Stage.ID, req.Feedback); err != nil {
		return agent.PhysicsCheck{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(&m.physics); ok {
		return s.value, s.err
	}
	return agent.PhysicsCheck{Verdict: workflow.PhysicsPass}, nil
}

// Analyze 实现 agent.Analyzer。材料验证阶段默认报告一种材料
func (m *MockPipeline) Analyze(ctx context.Context, req agent.StageRequest) (workflow.StageOutcome, error) {
	if err := m.begin(ctx, CallAnalyzer, req.Stage.ID, req.Feedback); err != nil {
		return workflow.StageOutcome{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.outcomes[req.Stage.ID]
	if s, ok := pop(&q); ok {
		m.outcomes[req.Stage.ID] = q
		return s.value, s.err
	}
	out := workflow.StageOutcome{
		Classification: workflow.ClassExcellentMatch,
		Comparison:     workflow.ReviewApprove,
		Summary:        req.Stage.ID + " reproduced",
	}
	if req.Stage.Type == workflow.StageTypeMaterialValidation {
		out.Materials = []workflow.Material{{Name: "material-" + req.Stage.ID}}
	}
	return out, nil
}

func (m *MockPipeline) review(q *[]step[agent.Review]) (agent.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := pop(q); ok {
		return s.value, s.err
	}
	return agent.Review{Verdict: workflow.ReviewApprove}, nil
}

func appendReviews(q []step[agent.Review], verdicts []workflow.ReviewVerdict) []step[agent.Review] {
	for _, v := range verdicts {
		q = append(q, step[agent.Review]{value: agent.Review{Verdict: v, Notes: "review: " + string(v)}})
	}
	return q
}

func pop[T any](q *[]step[T]) (step[T], bool) {
	if len(*q) == 0 {
		var zero step[T]
		return zero, false
	}
	s := (*q)[0]
	*q = (*q)[1:]
	return s, true
}
