// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 reproflow 命令行入口。

# 概述

cmd/reproflow 是复现流水线的宿主程序：加载 YAML 配置、打开检查点存储、
构建 Runner，并在终端上完成人工问答。协作者由脚本化实现
ScriptedPipeline 提供，计划来自 --plan 文件，评审与分析结果来自
--script 文件，便于在不接入模型的情况下演练闸门、回溯与挂起恢复。

# 子命令

  - run：从计划文件开始新的运行
  - resume：从检查点恢复，--answer 直接回答待答问题
  - checkpoints：列出某次运行的检查点
  - migrate：postgres / mysql 检查点表的版本化迁移
  - version / help

# 运行模型

Runner、信号监听与可选的运维服务器（/metrics、/healthz、/readyz）
由 errgroup 统一管理；收到 SIGINT/SIGTERM 时 Runner 保存 interrupted
检查点后退出。非交互模式下需要人工输入时以退出码 3 结束，并打印
resume 命令。Version、BuildTime、GitCommit 通过 ldflags 注入。
*/
package main
