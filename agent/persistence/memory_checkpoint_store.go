package persistence

import (
	"context"
	"sync/atomic"

	"github.com/BaSui01/reproflow/workflow"
)

// MemoryCheckpointStore 是进程内检查点存储，用于开发与测试，重启后数据丢失.
type MemoryCheckpointStore struct {
	*workflow.InMemoryCheckpointStore
	closed atomic.Bool
}

// NewMemoryCheckpointStore 创建内存检查点存储
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{InMemoryCheckpointStore: workflow.NewInMemoryCheckpointStore()}
}

// Close 关闭存储
func (s *MemoryCheckpointStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Ping 检查存储是否可用
func (s *MemoryCheckpointStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// Save 保存检查点
func (s *MemoryCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := checkCheckpoint(cp); err != nil {
		return err
	}
	return s.InMemoryCheckpointStore.Save(ctx, cp)
}
