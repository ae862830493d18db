// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的工作流指标采集。

# 概述

Collector 通过 promauto.With(registry) 在独立的 Registry 上注册指标，
CLI 通过 promhttp 暴露该 Registry。所有 Record* 方法在 nil 接收者上
为空操作，调用方无需判空。

# 指标

  - stage_selections_total{kind}：调度结果（stage / done / escalate）。
  - supervisor_verdicts_total{verdict}、backtracks_total{outcome}、
    revision_gate_exceeded_total{gate}。
  - escalations_total{trigger}、ask_user_answers_total{trigger,result}、
    awaiting_input。
  - checkpoint_saves_total{label,status}。
  - step_duration_seconds{phase}、collaborator_duration_seconds、
    runs_finished_total{reason}。
*/
package metrics
