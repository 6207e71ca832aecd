package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"labforge/internal/common/db"
	"labforge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// LoggerConfig mirrors logger.Config.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	ErrorPath  string `yaml:"errorPath"`
}

func (c LoggerConfig) toLogger() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format, OutputPath: c.OutputPath, ErrorPath: c.ErrorPath}
}

// DatabaseConfig selects the SQL driver and pool.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// RedisConfig enables shared rate limiting, machine caching, token revocation
// and the reaper lock. An empty addr runs without Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig configures the Kafka notification sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// NATSConfig configures the NATS notification sink.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// NotifyConfig lists the enabled sinks: log, kafka, nats.
type NotifyConfig struct {
	Sinks []string `yaml:"sinks"`
}

// RuntimeConfig selects the instance runtime.
type RuntimeConfig struct {
	Kind         string        `yaml:"kind"` // simulated or agent
	Latency      time.Duration `yaml:"latency"`
	AgentURL     string        `yaml:"agentURL"`
	AgentToken   string        `yaml:"agentToken"`
	StartTimeout time.Duration `yaml:"startTimeout"`
	StopTimeout  time.Duration `yaml:"stopTimeout"`
}

// InstanceConfig holds lifetime policy.
type InstanceConfig struct {
	DefaultLifetime time.Duration `yaml:"defaultLifetime"`
	MaxLifetime     time.Duration `yaml:"maxLifetime"`
	ExtendStep      time.Duration `yaml:"extendStep"`
	DBTimeout       time.Duration `yaml:"dbTimeout"`
}

// FlagConfig holds submission policy.
type FlagConfig struct {
	RateLimitWindow      time.Duration `yaml:"rateLimitWindow"`
	RateLimitMaxAttempts int           `yaml:"rateLimitMaxAttempts"`
	RateLimitBackend     string        `yaml:"rateLimitBackend"` // memory or redis
	Pepper               string        `yaml:"pepper"`
	FirstBloodMultiplier float64       `yaml:"firstBloodMultiplier"`
}

// ReaperConfig holds expiration sweep settings.
type ReaperConfig struct {
	Disabled  bool          `yaml:"disabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
	StopRate  float64       `yaml:"stopRate"`
	StopBurst int           `yaml:"stopBurst"`
	UseLock   bool          `yaml:"useLock"`
}

// ArchiveConfig stores sweep reports in S3-compatible storage. An empty
// endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
}

// AuthConfig validates access tokens from the identity service.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// SeedMachine is a machine inserted at startup when missing. Flag is hashed
// with the configured pepper; FlagHash is stored verbatim when Flag is empty.
type SeedMachine struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Flag     string `yaml:"flag"`
	FlagHash string `yaml:"flagHash"`
	XPReward int    `yaml:"xpReward"`
}

// AppConfig holds lab-service configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	NATS     NATSConfig     `yaml:"nats"`
	Notify   NotifyConfig   `yaml:"notify"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Instance InstanceConfig `yaml:"instance"`
	Flag     FlagConfig     `yaml:"flag"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Auth     AuthConfig     `yaml:"auth"`
	Machines []SeedMachine  `yaml:"machines"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stdout"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = db.DriverSQLite
	}
	if cfg.Database.DSN == "" {
		if cfg.Database.Driver != db.DriverSQLite {
			return fmt.Errorf("database dsn is required")
		}
		cfg.Database.DSN = "labforge.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "lab.notifications"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "lab.notify"
	}
	if len(cfg.Notify.Sinks) == 0 {
		cfg.Notify.Sinks = []string{"log"}
	}

	if cfg.Runtime.Kind == "" {
		cfg.Runtime.Kind = "simulated"
	}
	if cfg.Runtime.StartTimeout == 0 {
		cfg.Runtime.StartTimeout = 90 * time.Second
	}
	if cfg.Runtime.StopTimeout == 0 {
		cfg.Runtime.StopTimeout = 30 * time.Second
	}

	if cfg.Instance.DBTimeout == 0 {
		cfg.Instance.DBTimeout = 3 * time.Second
	}

	if cfg.Flag.RateLimitBackend == "" {
		cfg.Flag.RateLimitBackend = "memory"
		if cfg.Redis.Addr != "" {
			cfg.Flag.RateLimitBackend = "redis"
		}
	}
	cfg.Flag.RateLimitBackend = strings.ToLower(cfg.Flag.RateLimitBackend)
	if cfg.Flag.RateLimitBackend == "redis" && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis rate limit backend requires redis.addr")
	}

	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = time.Minute
	}
	if cfg.Reaper.BatchSize == 0 {
		cfg.Reaper.BatchSize = 100
	}
	if cfg.Reaper.StopRate == 0 {
		cfg.Reaper.StopRate = 10
	}
	if cfg.Reaper.StopBurst == 0 {
		cfg.Reaper.StopBurst = 5
	}
	if cfg.Reaper.UseLock && cfg.Redis.Addr == "" {
		return fmt.Errorf("reaper lock requires redis.addr")
	}

	if cfg.Archive.Endpoint != "" && cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = "lab-audit"
	}

	for _, seed := range cfg.Machines {
		if seed.ID == "" {
			return fmt.Errorf("seed machine id is required")
		}
		if seed.Flag == "" && seed.FlagHash == "" {
			return fmt.Errorf("seed machine %s needs flag or flagHash", seed.ID)
		}
	}

	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = os.Getenv("LAB_JWT_SECRET")
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	return nil
}
