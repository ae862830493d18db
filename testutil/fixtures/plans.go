// =============================================================================
// 📦 测试数据工厂 - 计划
// =============================================================================
// 提供预定义的复现计划，用于调度、监督与 Runner 测试
// =============================================================================
package fixtures

import (
	"fmt"

	"github.com/BaSui01/reproflow/workflow"
)

// PaperID 是测试计划使用的论文 ID
const PaperID = "paper-001"

// LinearPlan 返回 n 个 SINGLE_STRUCTURE 阶段组成的链：S1 <- S2 <- ... <- Sn
func LinearPlan(n int) *workflow.Plan {
	plan := &workflow.Plan{PaperID: PaperID, Title: "linear"}
	for i := 1; i <= n; i++ {
		st := workflow.StageSpec{
			ID:      fmt.Sprintf("S%d", i),
			Type:    workflow.StageTypeSingleStructure,
			Targets: []string{fmt.Sprintf("Fig%d", i)},
		}
		if i > 1 {
			st.Dependencies = []string{fmt.Sprintf("S%d", i-1)}
		}
		plan.Stages = append(plan.Stages, st)
	}
	return plan
}

// MaterialPlan 返回材料验证 + 单结构 + 阵列三个阶段
func MaterialPlan() *workflow.Plan {
	return &workflow.Plan{
		PaperID: PaperID,
		Title:   "material",
		Stages: []workflow.StageSpec{
			{ID: "M1", Type: workflow.StageTypeMaterialValidation, Targets: []string{"Fig1a"}},
			{ID: "S1", Type: workflow.StageTypeSingleStructure, Dependencies: []string{"M1"}, Targets: []string{"Fig2"}},
			{ID: "A1", Type: workflow.StageTypeArraySystem, Dependencies: []string{"S1"}, Targets: []string{"Fig3"}},
		},
	}
}

// DiamondPlan 返回菱形依赖：M1 <- (S1, S2) <- A1
func DiamondPlan() *workflow.Plan {
	return &workflow.Plan{
		PaperID: PaperID,
		Title:   "diamond",
		Stages: []workflow.StageSpec{
			{ID: "M1", Type: workflow.StageTypeMaterialValidation},
			{ID: "S1", Type: workflow.StageTypeSingleStructure, Dependencies: []string{"M1"}},
			{ID: "S2", Type: workflow.StageTypeSingleStructure, Dependencies: []string{"M1"}},
			{ID: "A1", Type: workflow.StageTypeArraySystem, Dependencies: []string{"S1", "S2"}},
		},
	}
}

// CyclicPlan 返回带环的非法计划
func CyclicPlan() *workflow.Plan {
	return &workflow.Plan{
		PaperID: PaperID,
		Stages: []workflow.StageSpec{
			{ID: "S1", Type: workflow.StageTypeSingleStructure, Dependencies: []string{"S2"}},
			{ID: "S2", Type: workflow.StageTypeSingleStructure, Dependencies: []string{"S1"}},
		},
	}
}

// Materials 返回材料验证阶段提取的样例材料
func Materials() []workflow.Material {
	return []workflow.Material{
		{Name: "gold", Source: "Johnson-Christy", Params: map[string]string{"model": "drude"}},
		{Name: "SiO2", Source: "Palik"},
	}
}
