// =============================================================================
// 📦 reproflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"github.com/BaSui01/reproflow/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Workflow:   DefaultWorkflowConfig(),
		AskUser:    DefaultAskUserConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultWorkflowConfig 返回默认闸门上限
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxDesignRevisions:       workflow.DefaultMaxDesignRevisions,
		MaxCodeRevisions:         workflow.DefaultMaxCodeRevisions,
		MaxExecutionFailures:     workflow.DefaultMaxExecutionFailures,
		MaxPhysicsFailures:       workflow.DefaultMaxPhysicsFailures,
		MaxReplans:               workflow.DefaultMaxReplans,
		MaxBacktracks:            workflow.DefaultMaxBacktracks,
		RequireBacktrackApproval: false,
		BacktrackStrategy:        workflow.StrategyNearestAncestor,
	}
}

// DefaultAskUserConfig 返回默认人工介入配置
func DefaultAskUserConfig() AskUserConfig {
	return AskUserConfig{
		ResponseTimeout: 0,
		NonInteractive:  false,
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Store:      "file",
		Dir:        "./checkpoints",
		KeyPrefix:  "reproflow:",
		MaxRetries: 3,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "reproflow",
		Password:        "",
		Name:            "./data/reproflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 0,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "reproflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "reproflow",
	}
}
