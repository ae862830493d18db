// Package hitl 提供 Human-in-the-Loop 挂起与恢复协议（ask-user）。
//
// 流水线需要人工介入时，Protocol.Suspend 记录待答问题和触发器、写入检查点并
// 返回中断记录；宿主可以同步等待输入（Interact），也可以保存后退出，由新进程
// 从检查点恢复（Resume）。答案校验最多 3 次，第 3 次失败后强制接受并在反馈中
// 记录告诫。
package hitl
