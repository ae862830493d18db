// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 reproflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、agent、
persistence 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系（Code + Message + Cause + Details）

# 主要能力

  - 错误工具链：NewError / WithCause / WithDetail / GetErrorCode / IsErrorCode
*/
package types
