package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/types"
	"github.com/BaSui01/reproflow/workflow"
)

// RedisCheckpointStore is a Redis-based implementation of workflow.CheckpointStore.
// Each checkpoint is a JSON string; a sorted set per run, scored by
// sequence, indexes the run's checkpoint names.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisCheckpointStore connects to Redis and creates a checkpoint store
func NewRedisCheckpointStore(config StoreConfig, logger *zap.Logger) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password:        config.Redis.Password,
		DB:              config.Redis.DB,
		PoolSize:        config.Redis.PoolSize,
		MaxRetries:      config.Retry.MaxRetries,
		MinRetryBackoff: config.Retry.InitialBackoff,
		MaxRetryBackoff: config.Retry.MaxBackoff,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCheckpointStoreWithClient(client, config.Redis.KeyPrefix, logger), nil
}

// NewRedisCheckpointStoreWithClient wraps an existing client
func NewRedisCheckpointStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "reproflow:"
	}
	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		logger:    logger.With(zap.String("component", "redis_checkpoint_store")),
	}
}

// Close closes the store
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis checkpoint store unreachable").WithCause(err)
	}
	return nil
}

// dataKey returns the Redis key holding one checkpoint
func (s *RedisCheckpointStore) dataKey(runID, name string) string {
	return s.keyPrefix + "data:" + runID + ":" + name
}

// runKey returns the Redis key for a run's checkpoint index
func (s *RedisCheckpointStore) runKey(runID string) string {
	return s.keyPrefix + "run:" + runID
}

// Save persists a checkpoint and indexes it under its run
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if err := checkCheckpoint(cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(cp.RunID, cp.Name), data, 0)
	pipe.ZAdd(ctx, s.runKey(cp.RunID), redis.Z{Score: float64(cp.Sequence), Member: cp.Name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by run and name
func (s *RedisCheckpointStore) Load(ctx context.Context, runID, name string) (*workflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(runID, name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", workflow.ErrCheckpointNotFound, runID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// LoadLatest retrieves the checkpoint with the highest sequence
func (s *RedisCheckpointStore) LoadLatest(ctx context.Context, runID string) (*workflow.Checkpoint, error) {
	names, err := s.client.ZRevRange(ctx, s.runKey(runID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for run %s", workflow.ErrCheckpointNotFound, runID)
	}
	return s.Load(ctx, runID, names[0])
}

// List returns all checkpoints of a run ordered by sequence
func (s *RedisCheckpointStore) List(ctx context.Context, runID string) ([]*workflow.Checkpoint, error) {
	names, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	if len(names) == 0 {
		return []*workflow.Checkpoint{}, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = s.dataKey(runID, name)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoints: %w", err)
	}

	out := make([]*workflow.Checkpoint, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry without data, left behind by an interrupted delete
			s.logger.Warn("dangling checkpoint index entry", zap.String("run_id", runID), zap.String("name", names[i]))
			continue
		}
		cp, err := decodeCheckpoint([]byte(str))
		if err != nil {
			s.logger.Warn("skipping undecodable checkpoint", zap.String("name", names[i]), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	workflow.SortCheckpoints(out)
	return out, nil
}

// Delete removes a checkpoint and its index entry
func (s *RedisCheckpointStore) Delete(ctx context.Context, runID, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(runID, name))
	pipe.ZRem(ctx, s.runKey(runID), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func decodeCheckpoint(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
