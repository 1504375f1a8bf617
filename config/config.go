// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

// Package config 统一配置：默认值 → YAML 文件 → 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("pipeflow.yaml").
//	    WithEnvPrefix("PIPEFLOW").
//	    Load()
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config 是 PipeFlow 的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Checkpoint 检查点存储配置
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// CircuitBreaker 熔断器配置
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`

	// Retry 重试策略配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Executor 执行器配置
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Pipeline 交付流水线配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
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
}

// CheckpointConfig 检查点存储配置
type CheckpointConfig struct {
	// 后端类型: memory, redis, database
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// 数据库后端配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
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

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// 连续失败阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 熔断冷却时间
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	// 最大尝试次数（含首次调用）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 初始延迟
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 延迟倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 随机抖动比例
	JitterFraction float64 `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	// 单步调用超时
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// 单次驱动最大节点执行数
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
	// 并发驱动实例上限
	DriverConcurrency int `yaml:"driver_concurrency" env:"DRIVER_CONCURRENCY"`
}

// PipelineConfig 交付流水线配置
type PipelineConfig struct {
	// 反思质量阈值
	QualityThreshold float64 `yaml:"quality_threshold" env:"QUALITY_THRESHOLD"`
	// 反思回环上界
	ReflectionRetryMax int `yaml:"reflection_retry_max" env:"REFLECTION_RETRY_MAX"`
	// 质量门返工回环上界
	QAReworkMax int `yaml:"qa_rework_max" env:"QA_REWORK_MAX"`
	// 审批请求有效期
	ApprovalTTL time.Duration `yaml:"approval_ttl" env:"APPROVAL_TTL"`
	// report 积压文件路径（留空则只存内存）
	BacklogPath string `yaml:"backlog_path" env:"BACKLOG_PATH"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用 Prometheus 采集
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标端口
	Port int `yaml:"port" env:"PORT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "pipeflow",
				PoolSize:  10,
			},
			Database: DatabaseConfig{
				Driver: "sqlite",
				Name:   "pipeflow.db",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.3,
		},
		Executor: ExecutorConfig{
			StepTimeout:       5 * time.Minute,
			MaxSteps:          256,
			DriverConcurrency: 4,
		},
		Pipeline: PipelineConfig{
			QualityThreshold:   0.8,
			ReflectionRetryMax: 2,
			QAReworkMax:        3,
			ApprovalTTL:        24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "pipeflow",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Checkpoint.Backend {
	case "memory", "redis", "database":
	default:
		errs = append(errs, fmt.Sprintf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}
	if c.Checkpoint.Backend == "database" {
		switch c.Checkpoint.Database.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Checkpoint.Database.Driver))
		}
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, "circuit breaker failure_threshold must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry multiplier must be at least 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		errs = append(errs, "retry jitter_fraction must be in [0, 1)")
	}
	if c.Executor.StepTimeout <= 0 {
		errs = append(errs, "executor step_timeout must be positive")
	}
	if c.Pipeline.QualityThreshold <= 0 || c.Pipeline.QualityThreshold > 1 {
		errs = append(errs, "pipeline quality_threshold must be in (0, 1]")
	}
	if c.Pipeline.ReflectionRetryMax < 0 || c.Pipeline.QAReworkMax < 0 {
		errs = append(errs, "pipeline loop bounds must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
