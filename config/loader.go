// =============================================================================
// 📦 reproflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("reproflow.yaml").
//	    WithEnvPrefix("REPROFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/reproflow/agent/hitl"
	"github.com/BaSui01/reproflow/agent/persistence"
	"github.com/BaSui01/reproflow/internal/database"
	"github.com/BaSui01/reproflow/workflow"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 reproflow 的完整配置结构
type Config struct {
	// Workflow 修订闸门与回溯策略
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// AskUser 人工介入配置
	AskUser AskUserConfig `yaml:"ask_user" env:"ASK_USER"`

	// Checkpoint 检查点存储
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Redis 检查点存储为 redis 时使用
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 检查点存储为 sql 时使用
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标暴露
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// WorkflowConfig 修订闸门上限，对应 workflow.Limits
type WorkflowConfig struct {
	MaxDesignRevisions   int `yaml:"max_design_revisions" env:"MAX_DESIGN_REVISIONS"`
	MaxCodeRevisions     int `yaml:"max_code_revisions" env:"MAX_CODE_REVISIONS"`
	MaxExecutionFailures int `yaml:"max_execution_failures" env:"MAX_EXECUTION_FAILURES"`
	MaxPhysicsFailures   int `yaml:"max_physics_failures" env:"MAX_PHYSICS_FAILURES"`
	MaxReplans           int `yaml:"max_replans" env:"MAX_REPLANS"`
	MaxBacktracks        int `yaml:"max_backtracks" env:"MAX_BACKTRACKS"`
	// 回溯前是否需要人工批准
	RequireBacktrackApproval bool `yaml:"require_backtrack_approval" env:"REQUIRE_BACKTRACK_APPROVAL"`
	// 回溯目标策略: nearest_ancestor, root_ancestor
	BacktrackStrategy string `yaml:"backtrack_strategy" env:"BACKTRACK_STRATEGY"`
}

// AskUserConfig 人工介入配置
type AskUserConfig struct {
	// 等待输入超时，0 表示不限
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"RESPONSE_TIMEOUT"`
	// 非交互模式：挂起时保存检查点并退出
	NonInteractive bool `yaml:"non_interactive" env:"NON_INTERACTIVE"`
}

// CheckpointConfig 检查点存储配置
type CheckpointConfig struct {
	// 存储类型: memory, file, redis, sql
	Store string `yaml:"store" env:"STORE"`
	// 文件存储目录
	Dir string `yaml:"dir" env:"DIR"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 远程后端的客户端重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 不使用 TLS 连接端点
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否暴露 /metrics
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "REPROFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// time.Duration 之外的结构体递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := parseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// parseDuration 接受 Go 时长字符串，纯数字按秒处理
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	w := c.Workflow
	for name, v := range map[string]int{
		"max_design_revisions":   w.MaxDesignRevisions,
		"max_code_revisions":     w.MaxCodeRevisions,
		"max_execution_failures": w.MaxExecutionFailures,
		"max_physics_failures":   w.MaxPhysicsFailures,
		"max_replans":            w.MaxReplans,
		"max_backtracks":         w.MaxBacktracks,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("workflow.%s must not be negative", name))
		}
	}
	switch w.BacktrackStrategy {
	case "", workflow.StrategyNearestAncestor, workflow.StrategyRootAncestor:
	default:
		errs = append(errs, fmt.Sprintf("unknown backtrack strategy %q", w.BacktrackStrategy))
	}

	if c.AskUser.ResponseTimeout < 0 {
		errs = append(errs, "ask_user.response_timeout must not be negative")
	}

	switch persistence.StoreType(c.Checkpoint.Store) {
	case persistence.StoreTypeMemory, persistence.StoreTypeFile:
	case persistence.StoreTypeRedis:
		if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid redis addr %q", c.Redis.Addr))
		}
	case persistence.StoreTypeSQL:
		if err := c.databaseConfig().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown checkpoint store %q", c.Checkpoint.Store))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Limits 返回对应的 workflow.Limits
func (c *Config) Limits() workflow.Limits {
	w := c.Workflow
	return workflow.Limits{
		MaxDesignRevisions:       workflow.IntPtr(w.MaxDesignRevisions),
		MaxCodeRevisions:         workflow.IntPtr(w.MaxCodeRevisions),
		MaxExecutionFailures:     workflow.IntPtr(w.MaxExecutionFailures),
		MaxPhysicsFailures:       workflow.IntPtr(w.MaxPhysicsFailures),
		MaxReplans:               workflow.IntPtr(w.MaxReplans),
		MaxBacktracks:            workflow.IntPtr(w.MaxBacktracks),
		RequireBacktrackApproval: workflow.BoolPtr(w.RequireBacktrackApproval),
	}
}

// BacktrackStrategy 返回配置的回溯策略
func (c *Config) BacktrackStrategy() workflow.BacktrackStrategy {
	return workflow.StrategyByName(c.Workflow.BacktrackStrategy)
}

// HITL 返回 ask-user 协议配置
func (c *Config) HITL() hitl.Config {
	return hitl.Config{
		ResponseTimeout: c.AskUser.ResponseTimeout,
		NonInteractive:  c.AskUser.NonInteractive,
	}
}

// StoreConfig 返回检查点存储配置
func (c *Config) StoreConfig() persistence.StoreConfig {
	sc := persistence.DefaultStoreConfig()
	sc.Type = persistence.StoreType(c.Checkpoint.Store)
	if c.Checkpoint.Dir != "" {
		sc.BaseDir = c.Checkpoint.Dir
	}
	if c.Checkpoint.MaxRetries > 0 {
		sc.Retry.MaxRetries = c.Checkpoint.MaxRetries
	}

	if host, port, err := net.SplitHostPort(c.Redis.Addr); err == nil {
		sc.Redis.Host = host
		if p, err := strconv.Atoi(port); err == nil {
			sc.Redis.Port = p
		}
	}
	sc.Redis.Password = c.Redis.Password
	sc.Redis.DB = c.Redis.DB
	if c.Redis.PoolSize > 0 {
		sc.Redis.PoolSize = c.Redis.PoolSize
	}
	if c.Checkpoint.KeyPrefix != "" {
		sc.Redis.KeyPrefix = c.Checkpoint.KeyPrefix
	}

	sc.Database = c.databaseConfig()
	return sc
}

func (c *Config) databaseConfig() database.Config {
	d := c.Database
	pool := database.DefaultPoolConfig()
	if d.MaxOpenConns > 0 {
		pool.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		pool.MaxIdleConns = d.MaxIdleConns
	}
	if d.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return database.Config{
		Driver: database.Driver(d.Driver),
		DSN:    d.DSN(),
		Pool:   pool,
	}
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
