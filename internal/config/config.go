// Package config 协调服务配置
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	envconfig "github.com/tileworks/platform/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// PostgreSQL (job run ledger)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Broker
	StreamPrefix  string
	ConsumerGroup string
	ConsumerName  string
	StreamMaxLen  int64
	ReplyChannel  string
	BrokerRetries int
	ClaimMinIdle  time.Duration

	Saga      SagaConfig
	Retry     RetryConfig
	Scheduler SchedulerConfig
	Provider  ProviderConfig
}

// SagaConfig saga 存储与执行
type SagaConfig struct {
	TTL         time.Duration
	KeyPrefix   string
	StepTimeout time.Duration
	MaxDuration time.Duration
}

// RetryConfig 退避参数
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxRequeueAttempts 0 drops a rate-limited job on its first exhaustion.
	MaxRequeueAttempts int
	// ProviderRPS paces provider calls client side; 0 disables.
	ProviderRPS   float64
	ProviderBurst int
}

// SchedulerConfig 周期任务
type SchedulerConfig struct {
	Enabled bool
	Spec    string
	JobID   string
	Pattern string
	LockTTL time.Duration
	Await   bool
	RPCWait time.Duration
	// Regions 每个周期同步的区域
	Regions []string
	Zoom    int
	// StaleAfter marks the scheduler unready when no cycle fired for this long.
	StaleAfter time.Duration
}

// ProviderConfig 外部瓦片提供方
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "tileworks-coordinator"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		DBHost:     envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     envconfig.GetEnv("DB_USER", "tileworks"),
		DBPassword: envconfig.GetEnv("DB_PASSWORD", ""),
		DBName:     envconfig.GetEnv("DB_NAME", "tileworks"),
		DBSSLMode:  envconfig.GetEnv("DB_SSLMODE", "disable"),

		StreamPrefix:  envconfig.GetEnv("BROKER_STREAM_PREFIX", "tileworks:"),
		ConsumerGroup: envconfig.GetEnv("BROKER_CONSUMER_GROUP", "coordinator"),
		ConsumerName:  envconfig.GetEnv("BROKER_CONSUMER_NAME", "coordinator-1"),
		StreamMaxLen:  int64(envconfig.GetEnvInt("BROKER_STREAM_MAXLEN", 100000)),
		ReplyChannel:  envconfig.GetEnv("BROKER_REPLY_PREFIX", "rpc:reply:"),
		BrokerRetries: envconfig.GetEnvInt("BROKER_MAX_DELIVERIES", 3),
		ClaimMinIdle:  envconfig.GetEnvDuration("BROKER_CLAIM_MIN_IDLE", 30*time.Second),

		Saga: SagaConfig{
			TTL:         envconfig.GetEnvDuration("SAGA_TTL", time.Hour),
			KeyPrefix:   envconfig.GetEnv("SAGA_KEY_PREFIX", "saga:"),
			StepTimeout: envconfig.GetEnvDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
			MaxDuration: envconfig.GetEnvDuration("SAGA_MAX_DURATION", 10*time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:        envconfig.GetEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:          envconfig.GetEnvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:           envconfig.GetEnvDuration("RETRY_MAX_DELAY", 5*time.Minute),
			MaxRequeueAttempts: envconfig.GetEnvInt("RETRY_MAX_REQUEUE_ATTEMPTS", 3),
			ProviderRPS:        envconfig.GetEnvFloat64("PROVIDER_RPS", 0),
			ProviderBurst:      envconfig.GetEnvInt("PROVIDER_BURST", 1),
		},
		Scheduler: SchedulerConfig{
			Enabled:    envconfig.GetEnvBool("SCHEDULER_ENABLED", true),
			Spec:       envconfig.GetEnv("SCHEDULER_SPEC", "@every 5m"),
			JobID:      envconfig.GetEnv("SCHEDULER_JOB_ID", "tiles-sync"),
			Pattern:    envconfig.GetEnv("SCHEDULER_PATTERN", "tiles.sync"),
			LockTTL:    envconfig.GetEnvDuration("SCHEDULER_LOCK_TTL", 4*time.Minute),
			Await:      envconfig.GetEnvBool("SCHEDULER_AWAIT_RESULT", false),
			RPCWait:    envconfig.GetEnvDuration("SCHEDULER_RPC_TIMEOUT", 30*time.Second),
			Regions:    envconfig.GetEnvSlice("SCHEDULER_REGIONS", []string{"default"}),
			Zoom:       envconfig.GetEnvInt("SCHEDULER_ZOOM", 12),
			StaleAfter: envconfig.GetEnvDuration("SCHEDULER_STALE_AFTER", 15*time.Minute),
		},
		Provider: ProviderConfig{
			BaseURL: envconfig.GetEnv("PROVIDER_BASE_URL", "http://localhost:9000"),
			APIKey:  envconfig.GetEnv("PROVIDER_API_KEY", ""),
			Timeout: envconfig.GetEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort))
	}
	if strings.TrimSpace(c.StreamPrefix) == "" {
		errs = append(errs, errors.New("BROKER_STREAM_PREFIX must not be empty"))
	}
	if c.Saga.TTL <= 0 {
		errs = append(errs, errors.New("SAGA_TTL must be positive"))
	}
	if c.Saga.StepTimeout <= 0 {
		errs = append(errs, errors.New("SAGA_STEP_TIMEOUT must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be positive"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY"))
	}
	if c.Retry.MaxRequeueAttempts < 0 {
		errs = append(errs, errors.New("RETRY_MAX_REQUEUE_ATTEMPTS must not be negative"))
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Spec); err != nil {
			errs = append(errs, fmt.Errorf("SCHEDULER_SPEC: %w", err))
		}
		if c.Scheduler.LockTTL <= 0 {
			errs = append(errs, errors.New("SCHEDULER_LOCK_TTL must be positive"))
		}
		if len(c.Scheduler.Regions) == 0 {
			errs = append(errs, errors.New("SCHEDULER_REGIONS must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
