package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/workflow"
)

// FileCheckpointStore 是基于文件的检查点存储.
// 目录布局: <base_dir>/<run_id>/<name>.json，每个检查点一个文件.
// 适合单节点部署；新进程可以直接从目录恢复.
type FileCheckpointStore struct {
	baseDir string
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewFileCheckpointStore 创建文件检查点存储
func NewFileCheckpointStore(config StoreConfig, logger *zap.Logger) (*FileCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDir := config.BaseDir
	if baseDir == "" {
		baseDir = DefaultStoreConfig().BaseDir
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "file_checkpoint_store")),
	}, nil
}

// Dir 返回检查点根目录
func (s *FileCheckpointStore) Dir() string { return s.baseDir }

// Close 关闭存储
func (s *FileCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping 检查目录是否仍可访问
func (s *FileCheckpointStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileCheckpointStore) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *FileCheckpointStore) path(runID, name string) string {
	return filepath.Join(s.runDir(runID), name+".json")
}

// Save 持久化检查点
func (s *FileCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if err := checkCheckpoint(cp); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := os.MkdirAll(s.runDir(cp.RunID), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	// 原子写: 写入临时文件后重命名
	path := s.path(cp.RunID, cp.Name)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	s.logger.Debug("checkpoint written", zap.String("path", path))
	return nil
}

// Load 读取指定检查点
func (s *FileCheckpointStore) Load(ctx context.Context, runID, name string) (*workflow.Checkpoint, error) {
	if checkRunID(runID) != nil || checkRunID(name) != nil {
		return nil, fmt.Errorf("%w: %s/%s", workflow.ErrCheckpointNotFound, runID, name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readFile(s.path(runID, name), runID, name)
}

func (s *FileCheckpointStore) readFile(path, runID, name string) (*workflow.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", workflow.ErrCheckpointNotFound, runID, name)
	}
	if err != nil {
		return nil, err
	}
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s/%s: %w", runID, name, err)
	}
	return &cp, nil
}

// LoadLatest 返回序号最大的检查点
func (s *FileCheckpointStore) LoadLatest(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	cps, err := s.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for run %s", workflow.ErrCheckpointNotFound, runID)
	}
	return cps[len(cps)-1], nil
}

// List 按序号列出运行的全部检查点；损坏的文件会被跳过并记录日志
func (s *FileCheckpointStore) List(ctx context.Context, runID string) ([]*workflow.Checkpoint, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.runDir(runID))
	if errors.Is(err, os.ErrNotExist) {
		return []*workflow.Checkpoint{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]*workflow.Checkpoint, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		cp, err := s.readFile(filepath.Join(s.runDir(runID), e.Name()), runID, name)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	workflow.SortCheckpoints(out)
	return out, nil
}

// Delete 删除检查点，不存在时不报错
func (s *FileCheckpointStore) Delete(ctx context.Context, runID, name string) error {
	if checkRunID(runID) != nil || checkRunID(name) != nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	err := os.Remove(s.path(runID, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Runs 列出目录中有检查点的运行 ID
func (s *FileCheckpointStore) Runs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	return runs, nil
}
