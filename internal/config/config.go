// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	LockStoreEtcd   = "etcd"
	LockStoreRedis  = "redis"
	LockStoreMemory = "memory"
)

// Config holds all configuration for guardd.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	// Admission control.
	MaxConcurrentUnits int64         `mapstructure:"max_concurrent_units" validate:"gt=0"`
	MaxQueueDepth      int64         `mapstructure:"max_queue_depth" validate:"gt=0"`
	WindowDuration     time.Duration `mapstructure:"window_duration" validate:"gt=0"`
	MaxWindowCount     int64         `mapstructure:"max_window_count" validate:"gt=0"`

	// Lock coordination.
	DefaultWaitTime      time.Duration `mapstructure:"default_wait_time" validate:"gte=0"`
	DefaultLeaseTime     time.Duration `mapstructure:"default_lease_time" validate:"gt=0"`
	LockRetryInterval    time.Duration `mapstructure:"lock_retry_interval" validate:"gt=0"`
	LockMaxRetryInterval time.Duration `mapstructure:"lock_max_retry_interval" validate:"gtefield=LockRetryInterval"`
	LockAttemptTimeout   time.Duration `mapstructure:"lock_attempt_timeout" validate:"gt=0"`
	LockStore            string        `mapstructure:"lock_store" validate:"oneof=etcd redis memory"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints" validate:"required_if=LockStore etcd,dive,required"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`

	RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=LockStore redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	// Circuit breaker in front of the lock store.
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures" validate:"gt=0"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout" validate:"gt=0"`

	// AuditSqlitePath stores force release audit records in SQLite when the
	// lock store is not etcd. Empty keeps them in memory.
	AuditSqlitePath string `mapstructure:"audit_sqlite_path"`

	// Serving.
	HttpListenAddr string        `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr string        `mapstructure:"grpc_listen_addr" validate:"required"`
	ReportSchedule string        `mapstructure:"report_schedule" validate:"required,cron"`
	InstanceTTL    time.Duration `mapstructure:"instance_ttl" validate:"gte=1s"`
	TraceStdout    bool          `mapstructure:"trace_stdout"`
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a report schedule the same way it is validated.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	// A .env file in the working directory is optional.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")    // name of config file (without extension)
	v.SetConfigType("yaml")      // or "json", "toml"
	v.AddConfigPath("./configs") // path to look for the config file in
	v.AddConfigPath(".")         // optionally look for config in the working directory

	// GUARD_MAX_CONCURRENT_UNITS overrides max_concurrent_units, etc.
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and env vars are enough.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its validation rules.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_units", 100)
	v.SetDefault("max_queue_depth", 1000)
	v.SetDefault("window_duration", "1m")
	v.SetDefault("max_window_count", 1000)

	v.SetDefault("default_wait_time", "5s")
	v.SetDefault("default_lease_time", "30s")
	v.SetDefault("lock_retry_interval", "10ms")
	v.SetDefault("lock_max_retry_interval", "200ms")
	v.SetDefault("lock_attempt_timeout", "1s")
	v.SetDefault("lock_store", LockStoreEtcd)

	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("breaker_max_failures", 5)
	v.SetDefault("breaker_open_timeout", "10s")
	v.SetDefault("audit_sqlite_path", "")

	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":50051")
	v.SetDefault("report_schedule", "@every 5s")
	v.SetDefault("instance_ttl", "10s")
	v.SetDefault("trace_stdout", false)
}

func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := ParseSchedule(fl.Field().String())
		return err == nil
	})
	return validate
}
