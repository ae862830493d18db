// Package config 提供 reproflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 REPROFLOW_）的顺序叠加，
// 并提供到 workflow.Limits、hitl.Config 和 persistence.StoreConfig 的转换。
package config
