package agent

import "errors"

var (
	// ErrContextOverflow 由协作者返回，表示输入超出模型上下文窗口.
	// Runner 将其映射为 context_overflow 升级，其它错误映射为 llm_error.
	ErrContextOverflow = errors.New("collaborator context window exceeded")

	// ErrCollaboratorMissing 必需的协作者未设置
	ErrCollaboratorMissing = errors.New("required collaborator not set")
)
