// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 reproflow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现相似的
测试基础设施。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor
  - 状态辅助: NewState / StageStatuses，快速构造带计划的运行状态

# 子包

  - testutil/mocks: MockPipeline，按脚本返回结果的协作者实现，
    支持逐次排队、错误注入与调用记录
  - testutil/fixtures: 测试计划工厂，提供线性、菱形和材料验证计划

# 使用示例

	ctx := testutil.TestContext(t)
	pipe := mocks.NewMockPipeline(fixtures.LinearPlan(2)).
		WithDesignReviews(workflow.ReviewNeedsRevision, workflow.ReviewApprove)
	runner, err := agent.NewRunner(pipe.Collaborators())
*/
package testutil
