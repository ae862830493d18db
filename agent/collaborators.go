package agent

import (
	"context"
	"fmt"

	"github.com/BaSui01/reproflow/workflow"
)

// PlanRequest 是 Planner 的输入.
type PlanRequest struct {
	RunID     string `json:"run_id"`
	PaperID   string `json:"paper_id"`
	PaperText string `json:"paper_text"`
	// Feedback 来自计划评审、监督者或用户的意见
	Feedback string `json:"feedback,omitempty"`
	// Previous 为重新规划时的上一版计划
	Previous *workflow.Plan `json:"previous,omitempty"`
	// Progress 为重新规划时的当前进度
	Progress *workflow.ProgressTracker `json:"progress,omitempty"`
}

// StageRequest 是阶段内各协作者的只读输入.
type StageRequest struct {
	RunID     string             `json:"run_id"`
	PaperText string             `json:"paper_text"`
	Stage     workflow.StageSpec `json:"stage"`
	Design    string             `json:"design,omitempty"`
	Code      string             `json:"code,omitempty"`
	// ExecutionLog 为最近一次执行的输出
	ExecutionLog string `json:"execution_log,omitempty"`
	// Feedback 是评审意见与用户指导的合并文本
	Feedback           string              `json:"feedback,omitempty"`
	ValidatedMaterials []workflow.Material `json:"validated_materials,omitempty"`
}

// Review 是计划 / 设计 / 代码评审结果.
type Review struct {
	Verdict workflow.ReviewVerdict `json:"verdict"`
	Notes   string                 `json:"notes,omitempty"`
}

// ExecutionResult 是一次仿真运行的输出.
type ExecutionResult struct {
	Log string `json:"log"`
	// Artifacts 为输出文件名到路径的映射
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// ExecutionCheck 是执行结果校验.
type ExecutionCheck struct {
	Verdict workflow.ExecutionVerdict `json:"verdict"`
	Notes   string                    `json:"notes,omitempty"`
}

// PhysicsCheck 是物理合理性检查.
type PhysicsCheck struct {
	Verdict workflow.PhysicsVerdict `json:"verdict"`
	Notes   string                  `json:"notes,omitempty"`
}

// =============================================================================
// 🤝 协作者接口
// =============================================================================
// 协作者都是不透明的阻塞调用；超时与重试由实现方负责.

// Planner 从论文生成计划.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*workflow.Plan, error)
}

// PlanReviewer 评审计划.
type PlanReviewer interface {
	ReviewPlan(ctx context.Context, plan *workflow.Plan, req PlanRequest) (Review, error)
}

// Designer 为当前阶段产出仿真设计.
type Designer interface {
	Design(ctx context.Context, req StageRequest) (string, error)
}

// DesignReviewer 评审设计.
type DesignReviewer interface {
	ReviewDesign(ctx context.Context, req StageRequest) (Review, error)
}

// CodeGenerator 根据设计生成仿真代码.
type CodeGenerator interface {
	GenerateCode(ctx context.Context, req StageRequest) (string, error)
}

// CodeReviewer 评审代码.
type CodeReviewer interface {
	ReviewCode(ctx context.Context, req StageRequest) (Review, error)
}

// Executor 运行仿真.
type Executor interface {
	Execute(ctx context.Context, req StageRequest) (ExecutionResult, error)
}

// ExecutionValidator 校验执行输出.
type ExecutionValidator interface {
	ValidateExecution(ctx context.Context, req StageRequest) (ExecutionCheck, error)
}

// PhysicsChecker 检查结果的物理合理性.
type PhysicsChecker interface {
	CheckPhysics(ctx context.Context, req StageRequest) (PhysicsCheck, error)
}

// Analyzer 将结果与论文目标比较。返回值中的 Execution / Physics 由 Runner 填充.
type Analyzer interface {
	Analyze(ctx context.Context, req StageRequest) (workflow.StageOutcome, error)
}

// Collaborators 汇总 Runner 使用的协作者。评审与校验类协作者可为 nil，
// 此时视为通过.
type Collaborators struct {
	Planner            Planner
	PlanReviewer       PlanReviewer
	Designer           Designer
	DesignReviewer     DesignReviewer
	CodeGenerator      CodeGenerator
	CodeReviewer       CodeReviewer
	Executor           Executor
	ExecutionValidator ExecutionValidator
	PhysicsChecker     PhysicsChecker
	Analyzer           Analyzer
}

// Validate 检查必需的协作者.
func (c Collaborators) Validate() error {
	var missing []string
	if c.Planner == nil {
		missing = append(missing, "planner")
	}
	if c.Designer == nil {
		missing = append(missing, "designer")
	}
	if c.CodeGenerator == nil {
		missing = append(missing, "code generator")
	}
	if c.Executor == nil {
		missing = append(missing, "executor")
	}
	if c.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrCollaboratorMissing, missing)
	}
	return nil
}
