package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/reproflow/agent"
	"github.com/BaSui01/reproflow/workflow"
)

// =============================================================================
// 📜 脚本化协作者
// =============================================================================
// run 命令不接 LLM：计划来自 --plan 文件，各阶段的评审 / 执行 / 分析结果
// 来自 --script 文件中的队列，队列耗尽后全部通过。用于演练闸门、回溯与
// 人工介入流程。
//
//	plan_reviews: [needs_revision, approve]
//	stages:
//	  S1:
//	    design_reviews: [needs_revision, approve]
//	    execution: [fail, pass]
//	    analysis:
//	      - classification: poor_match
//	        comparison: needs_revision
//	        mismatch: {unrecoverable: true, suggested_target: M1}
// =============================================================================

// Script 协作者输出脚本
type Script struct {
	PlanReviews []workflow.ReviewVerdict `yaml:"plan_reviews"`
	Stages      map[string]*StageScript  `yaml:"stages"`
}

// StageScript 单个阶段的输出队列
type StageScript struct {
	DesignReviews []workflow.ReviewVerdict    `yaml:"design_reviews"`
	CodeReviews   []workflow.ReviewVerdict    `yaml:"code_reviews"`
	Execution     []workflow.ExecutionVerdict `yaml:"execution"`
	Physics       []workflow.PhysicsVerdict   `yaml:"physics"`
	Analysis      []ScriptedOutcome           `yaml:"analysis"`
}

// ScriptedOutcome 一次分析结果
type ScriptedOutcome struct {
	Classification workflow.Classification `yaml:"classification"`
	Comparison     workflow.ReviewVerdict  `yaml:"comparison"`
	Summary        string                  `yaml:"summary"`
	ReplanReason   string                  `yaml:"replan_reason"`
	Mismatch       *struct {
		Unrecoverable   bool   `yaml:"unrecoverable"`
		SuggestedTarget string `yaml:"suggested_target"`
		Reason          string `yaml:"reason"`
	} `yaml:"mismatch"`
	Materials []workflow.Material `yaml:"materials"`
}

func (o ScriptedOutcome) outcome() workflow.StageOutcome {
	out := workflow.StageOutcome{
		Classification: o.Classification,
		Comparison:     o.Comparison,
		Summary:        o.Summary,
		ReplanReason:   o.ReplanReason,
		Materials:      o.Materials,
	}
	if out.Classification == "" {
		out.Classification = workflow.ClassExcellentMatch
	}
	if out.Comparison == "" {
		out.Comparison = workflow.ReviewApprove
	}
	if o.Mismatch != nil {
		out.Mismatch = &workflow.Mismatch{
			Unrecoverable:   o.Mismatch.Unrecoverable,
			SuggestedTarget: o.Mismatch.SuggestedTarget,
			Reason:          o.Mismatch.Reason,
		}
	}
	return out
}

// LoadScript 读取脚本文件；path 为空时返回空脚本
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return &Script{}, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return &s, nil
}

// ScriptedPipeline 按脚本回放的协作者集合
type ScriptedPipeline struct {
	planPath string
	script   *Script
	logger   *zap.Logger

	mu     sync.Mutex
	cursor map[string]int
}

// NewScriptedPipeline 创建脚本化协作者
func NewScriptedPipeline(planPath string, script *Script, logger *zap.Logger) *ScriptedPipeline {
	if script == nil {
		script = &Script{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptedPipeline{
		planPath: planPath,
		script:   script,
		logger:   logger.With(zap.String("component", "scripted_pipeline")),
		cursor:   make(map[string]int),
	}
}

// Collaborators 返回 Runner 需要的协作者
func (p *ScriptedPipeline) Collaborators() agent.Collaborators {
	return agent.Collaborators{
		Planner:            p,
		PlanReviewer:       p,
		Designer:           p,
		DesignReviewer:     p,
		CodeGenerator:      p,
		CodeReviewer:       p,
		Executor:           p,
		ExecutionValidator: p,
		PhysicsChecker:     p,
		Analyzer:           p,
	}
}

// next 取队列中的下一项；队列耗尽返回 false
func next[T any](p *ScriptedPipeline, key string, queue []T) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.cursor[key]
	if i >= len(queue) {
		var zero T
		return zero, false
	}
	p.cursor[key] = i + 1
	return queue[i], true
}

func (p *ScriptedPipeline) stage(id string) *StageScript {
	if st, ok := p.script.Stages[id]; ok && st != nil {
		return st
	}
	return &StageScript{}
}

// Plan 读取计划文件
func (p *ScriptedPipeline) Plan(ctx context.Context, req agent.PlanRequest) (*workflow.Plan, error) {
	if p.planPath == "" {
		if req.Previous != nil {
			return req.Previous.Clone(), nil
		}
		return nil, fmt.Errorf("no plan file configured")
	}
	plan, err := workflow.LoadPlanFile(p.planPath)
	if err != nil {
		return nil, err
	}
	if plan.PaperID == "" {
		plan.PaperID = req.PaperID
	}
	p.logger.Info("plan loaded", zap.String("path", p.planPath), zap.Int("stages", len(plan.Stages)))
	return plan, nil
}

// ReviewPlan 回放计划评审
func (p *ScriptedPipeline) ReviewPlan(ctx context.Context, plan *workflow.Plan, req agent.PlanRequest) (agent.Review, error) {
	v, ok := next(p, "plan_review", p.script.PlanReviews)
	if !ok {
		v = workflow.ReviewApprove
	}
	return agent.Review{Verdict: v, Notes: notes("plan review", v)}, nil
}

// Design 返回占位设计
func (p *ScriptedPipeline) Design(ctx context.Context, req agent.StageRequest) (string, error) {
	return fmt.Sprintf("design for %s (%s) targets=%v", req.Stage.ID, req.Stage.Type, req.Stage.Targets), nil
}

// ReviewDesign 回放设计评审
func (p *ScriptedPipeline) ReviewDesign(ctx context.Context, req agent.StageRequest) (agent.Review, error) {
	v, ok := next(p, req.Stage.ID+"/design_review", p.stage(req.Stage.ID).DesignReviews)
	if !ok {
		v = workflow.ReviewApprove
	}
	return agent.Review{Verdict: v, Notes: notes("design review", v)}, nil
}

// GenerateCode 返回占位代码
func (p *ScriptedPipeline) GenerateCode(ctx context.Context, req agent.StageRequest) (string, error) {
	return fmt.Sprintf("# simulation for %s\n", req.Stage.ID), nil
}

// ReviewCode 回放代码评审
func (p *ScriptedPipeline) ReviewCode(ctx context.Context, req agent.StageRequest) (agent.Review, error) {
	v, ok := next(p, req.Stage.ID+"/code_review", p.stage(req.Stage.ID).CodeReviews)
	if !ok {
		v = workflow.ReviewApprove
	}
	return agent.Review{Verdict: v, Notes: notes("code review", v)}, nil
}

// Execute 不运行任何仿真
func (p *ScriptedPipeline) Execute(ctx context.Context, req agent.StageRequest) (agent.ExecutionResult, error) {
	return agent.ExecutionResult{Log: "scripted run of " + req.Stage.ID}, nil
}

// ValidateExecution 回放执行校验
func (p *ScriptedPipeline) ValidateExecution(ctx context.Context, req agent.StageRequest) (agent.ExecutionCheck, error) {
	v, ok := next(p, req.Stage.ID+"/execution", p.stage(req.Stage.ID).Execution)
	if !ok {
		v = workflow.ExecutionPass
	}
	return agent.ExecutionCheck{Verdict: v, Notes: fmt.Sprintf("execution %s", v)}, nil
}

// CheckPhysics 回放物理检查
func (p *ScriptedPipeline) CheckPhysics(ctx context.Context, req agent.StageRequest) (agent.PhysicsCheck, error) {
	v, ok := next(p, req.Stage.ID+"/physics", p.stage(req.Stage.ID).Physics)
	if !ok {
		v = workflow.PhysicsPass
	}
	return agent.PhysicsCheck{Verdict: v, Notes: fmt.Sprintf("physics %s", v)}, nil
}

// Analyze 回放分析结果
func (p *ScriptedPipeline) Analyze(ctx context.Context, req agent.StageRequest) (workflow.StageOutcome, error) {
	o, _ := next(p, req.Stage.ID+"/analysis", p.stage(req.Stage.ID).Analysis)
	out := o.outcome()
	if req.Stage.Type == workflow.StageTypeMaterialValidation && len(out.Materials) == 0 {
		out.Materials = []workflow.Material{{Name: "material-" + req.Stage.ID}}
	}
	return out, nil
}

func notes(what string, v workflow.ReviewVerdict) string {
	if v == workflow.ReviewApprove {
		return ""
	}
	return fmt.Sprintf("scripted %s: %s", what, v)
}
