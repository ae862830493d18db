// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供工作流检查点的持久化后端。

# 概述

所有后端都实现 workflow.CheckpointStore（Save / Load / LoadLatest / List /
Delete）以及 Store（Close / Ping），由 workflow.Manager 负责命名与快照，
本包只负责可靠地存取。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - File: 每个检查点一个 JSON 文件（<dir>/<run_id>/<name>.json），
    原子写入（临时文件 + 重命名），新进程可直接恢复。
  - Redis: JSON 字符串 + 每个运行一个按序号排序的 Sorted Set 索引，
    写入与删除使用事务 Pipeline。
  - SQL: GORM 模型，支持 postgres / mysql / sqlite，启动时自动迁移，
    写入走带重试的事务。

# 使用方式

	store, err := persistence.NewCheckpointStore(config, logger)
	manager := workflow.NewManager(store, logger)
*/
package persistence
