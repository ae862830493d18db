// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供论文复现流水线的编排核心。

# 概述

workflow 包实现了复现流程的确定性控制层：阶段依赖调度、通用修订计数门、
监督决策引擎（继续 / 重新规划 / 回溯 / 结束 / 强制检查点）以及检查点的
保存与恢复。LLM 调用与仿真执行不在本包内，由 agent 包以协作者接口注入。

# 核心接口与类型

  - Plan / StageSpec：复现计划与阶段定义（YAML / JSON）
  - PlanGraph：已校验的依赖图（DFS 环检测、祖先 / 后代查询）
  - ProgressTracker：按计划顺序记录每个阶段的状态
  - Scheduler：Select 选择下一个可执行阶段，Apply 切换当前阶段
  - Gate / Limits：有界修订计数器，超限后以对应 Trigger 升级
  - Supervisor：按优先级解释阶段结果并给出 SupervisorVerdict
  - BacktrackStrategy：可插拔的回溯目标选择策略
  - Manager：检查点管理（<trigger>_<label> 确定性命名）
  - CheckpointStore：检查点存储接口（内存实现见本包，其余见 agent/persistence）

# 阶段层级

MATERIAL_VALIDATION < SINGLE_STRUCTURE < ARRAY_SYSTEM < PARAMETER_SWEEP <
COMPLEX_PHYSICS。层级作为隐式依赖：低层级阶段全部进入终态之前，高层级阶段
不会被调度。
*/
package workflow
