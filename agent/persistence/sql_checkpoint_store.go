package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/reproflow/internal/database"
	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

// checkpointRecord 检查点表行
type checkpointRecord struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"size:64;not null;uniqueIndex:idx_checkpoint_run_name,priority:1;index:idx_checkpoint_run_seq,priority:1"`
	Name      string    `gorm:"size:191;not null;uniqueIndex:idx_checkpoint_run_name,priority:2"`
	Trigger   string    `gorm:"column:escalation_trigger;size:64;index:idx_checkpoint_trigger"`
	Label     string    `gorm:"size:191"`
	Sequence  int       `gorm:"not null;index:idx_checkpoint_run_seq,priority:2"`
	State     string    `gorm:"type:text;not null"` // WorkflowState JSON
	CreatedAt time.Time `gorm:"not null"`
}

// TableName 表名
func (checkpointRecord) TableName() string { return "reproflow_checkpoints" }

func (r *checkpointRecord) toCheckpoint() (*workflow.Checkpoint, error) {
	var state workflow.WorkflowState
	if err := json.Unmarshal([]byte(r.State), &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s/%s: %w", r.RunID, r.Name, err)
	}
	return &workflow.Checkpoint{
		Name:      r.Name,
		RunID:     r.RunID,
		Trigger:   workflow.Trigger(r.Trigger),
		Label:     r.Label,
		Sequence:  r.Sequence,
		CreatedAt: r.CreatedAt,
		State:     &state,
	}, nil
}

// SQLCheckpointStore 基于 GORM 的检查点存储，支持 postgres / mysql / sqlite.
type SQLCheckpointStore struct {
	pool       *database.PoolManager
	maxRetries int
	ownsPool   bool
	logger     *zap.Logger
}

// NewSQLCheckpointStore 打开数据库并迁移检查点表
func NewSQLCheckpointStore(config StoreConfig, logger *zap.Logger) (*SQLCheckpointStore, error) {
	pool, err := database.Open(config.Database, logger)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLCheckpointStoreWithPool(pool, config.Retry.MaxRetries, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	store.ownsPool = true
	return store, nil
}

// NewSQLCheckpointStoreWithPool 复用已有连接池；调用方负责关闭连接池
func NewSQLCheckpointStoreWithPool(pool *database.PoolManager, maxRetries int, logger *zap.Logger) (*SQLCheckpointStore, error) {
	if pool == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLCheckpointStore{
		pool:       pool,
		maxRetries: maxRetries,
		logger:     logger.With(zap.String("component", "sql_checkpoint_store")),
	}, nil
}

// Close 关闭存储；只关闭自己打开的连接池
func (s *SQLCheckpointStore) Close() error {
	if s.ownsPool {
		return s.pool.Close()
	}
	return nil
}

// Ping 检查数据库连接
func (s *SQLCheckpointStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "sql checkpoint store unreachable").WithCause(err)
	}
	return nil
}

// Save 写入检查点；同名检查点整体覆盖
func (s *SQLCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if err := checkCheckpoint(cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	rec := &checkpointRecord{
		RunID:     cp.RunID,
		Name:      cp.Name,
		Trigger:   string(cp.Trigger),
		Label:     cp.Label,
		Sequence:  cp.Sequence,
		State:     string(data),
		CreatedAt: cp.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	return s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"escalation_trigger", "label", "sequence", "state", "created_at"}),
		}).Create(rec).Error
	})
}

// Load 读取指定检查点
func (s *SQLCheckpointStore) Load(ctx context.Context, runID, name string) (*workflow.Checkpoint, error) {
	var rec checkpointRecord
	err := s.pool.DB().WithContext(ctx).
		Where("run_id = ? AND name = ?", runID, name).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", workflow.ErrCheckpointNotFound, runID, name)
	}
	if err != nil {
		return nil, err
	}
	return rec.toCheckpoint()
}

// LoadLatest 读取序号最大的检查点
func (s *SQLCheckpointStore) LoadLatest(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	var rec checkpointRecord
	err := s.pool.DB().WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no checkpoints for run %s", workflow.ErrCheckpointNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return rec.toCheckpoint()
}

// List 按序号列出运行的全部检查点
func (s *SQLCheckpointStore) List(ctx context.Context, runID string) ([]*workflow.Checkpoint, error) {
	var recs []checkpointRecord
	err := s.pool.DB().WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").Order("name ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Checkpoint, 0, len(recs))
	for i := range recs {
		cp, err := recs[i].toCheckpoint()
		if err != nil {
			s.logger.Warn("skipping undecodable checkpoint", zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete 删除检查点
func (s *SQLCheckpointStore) Delete(ctx context.Context, runID, name string) error {
	return s.pool.DB().WithContext(ctx).
		Where("run_id = ? AND name = ?", runID, name).
		Delete(&checkpointRecord{}).Error
}
