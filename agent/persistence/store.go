package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/reproflow/internal/database"
	"github.com/BaSui01/reproflow/workflow"
)

// Common errors
var (
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// RetryConfig defines client-side retry behaviour for remote backends
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration (default: 100ms)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 2s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// StoreConfig is the configuration for checkpoint stores
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the checkpoint directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"DIR"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// Database configuration (only used when Type is "sql")
	Database database.Config `json:"database" yaml:"database"`

	// Retry configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host" env:"HOST"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port" env:"PORT"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password" env:"PASSWORD"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db" env:"DB"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeFile,
		BaseDir: "./checkpoints",
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "reproflow:",
		},
		Database: database.DefaultConfig(),
		Retry:    DefaultRetryConfig(),
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// CheckpointStore is a workflow checkpoint store with a lifecycle.
type CheckpointStore interface {
	workflow.CheckpointStore
	Store
}

// checkRunID rejects run ids that cannot safely be used as a key or directory name.
func checkRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." {
		return ErrInvalidInput
	}
	for _, r := range runID {
		if r == '/' || r == '\\' || r == 0 {
			return ErrInvalidInput
		}
	}
	return nil
}

func checkCheckpoint(cp *workflow.Checkpoint) error {
	if cp == nil || cp.State == nil || cp.Name == "" {
		return ErrInvalidInput
	}
	if err := checkRunID(cp.RunID); err != nil {
		return err
	}
	return checkRunID(cp.Name)
}
