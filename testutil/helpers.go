// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	state := testutil.NewState(t, fixtures.LinearPlan(3))
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reproflow/workflow"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 📋 状态辅助
// =============================================================================

// NewState 创建一个已接受 plan 的运行状态，阶段为 select_stage
func NewState(t *testing.T, plan *workflow.Plan) *workflow.WorkflowState {
	t.Helper()
	state := workflow.NewWorkflowState(plan.PaperID, "paper text for "+plan.PaperID)
	require.NoError(t, state.AcceptPlan(plan))
	state.Phase = workflow.PhaseSelectStage
	return state
}

// StageStatuses 返回阶段 ID 到状态的映射
func StageStatuses(state *workflow.WorkflowState) map[string]workflow.StageStatus {
	out := make(map[string]workflow.StageStatus)
	if state.Progress == nil {
		return out
	}
	for _, st := range state.Progress.Stages {
		out[st.StageID] = st.Status
	}
	return out
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// WaitFor 轮询条件直到满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
