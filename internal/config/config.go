package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	Batch   BatchConfig   `yaml:"batch" mapstructure:"batch"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite | memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`

	// Circuit breaker around store calls.
	BreakerFailures    int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeoutSecs int `yaml:"breaker_timeout_secs" mapstructure:"breaker_timeout_secs"`

	// Retries of transient store errors (total attempts).
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// RedisConfig configures the archive lookup cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// EngineConfig configures scoring policy knobs.
type EngineConfig struct {
	Weights           WeightsConfig `yaml:"weights" mapstructure:"weights"`
	HistoryWindowDays int           `yaml:"history_window_days" mapstructure:"history_window_days"`
	HistoryLimit      int           `yaml:"history_limit" mapstructure:"history_limit"`
	PolicyFile        string        `yaml:"policy_file" mapstructure:"policy_file"`
	FallbackScore     float64       `yaml:"fallback_score" mapstructure:"fallback_score"`
}

// WeightsConfig holds the sub-score blend weights. They must sum to 1.
type WeightsConfig struct {
	Spotter    float64 `yaml:"spotter" mapstructure:"spotter"`
	Community  float64 `yaml:"community" mapstructure:"community"`
	Velocity   float64 `yaml:"velocity" mapstructure:"velocity"`
	Platform   float64 `yaml:"platform" mapstructure:"platform"`
	Similarity float64 `yaml:"similarity" mapstructure:"similarity"`
}

// BatchConfig configures batch recomputation.
type BatchConfig struct {
	Size       int     `yaml:"size" mapstructure:"size"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port          int      `yaml:"port" mapstructure:"port"`
	APIKey        string   `yaml:"api_key" mapstructure:"api_key"`
	WebhookSecret string   `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	FailOpen      bool     `yaml:"fail_open" mapstructure:"fail_open"`
	CORSOrigins   []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ALPHASCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "alphascore.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.timeout_secs", 5)
	v.SetDefault("store.breaker_failures", 5)
	v.SetDefault("store.breaker_timeout_secs", 30)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("redis.ttl_secs", 300)
	v.SetDefault("redis.prefix", "alphascore:")
	v.SetDefault("engine.weights.spotter", 0.25)
	v.SetDefault("engine.weights.community", 0.20)
	v.SetDefault("engine.weights.velocity", 0.25)
	v.SetDefault("engine.weights.platform", 0.15)
	v.SetDefault("engine.weights.similarity", 0.15)
	v.SetDefault("engine.history_window_days", 30)
	v.SetDefault("engine.history_limit", 10)
	v.SetDefault("engine.fallback_score", 0)
	v.SetDefault("batch.size", 5)
	v.SetDefault("batch.rate_per_sec", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.fail_open", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Keys without a meaningful default still need registering so that
	// AutomaticEnv picks them up during Unmarshal.
	for _, key := range []string{
		"store.database_url",
		"redis.addr",
		"redis.password",
		"engine.policy_file",
		"server.api_key",
		"server.webhook_secret",
		"log.file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.cors_origins", []string{})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
	case "sqlite", "memory":
	default:
		errs = append(errs, "store.driver must be postgres, sqlite or memory")
	}
	if c.Batch.Size < 1 {
		errs = append(errs, "batch.size must be >= 1")
	}
	if c.Batch.RatePerSec < 0 {
		errs = append(errs, "batch.rate_per_sec must be >= 0")
	}
	if c.Engine.FallbackScore < 0 || c.Engine.FallbackScore > 100 {
		errs = append(errs, "engine.fallback_score must be between 0 and 100")
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger. When cfg.File is set, log
// lines also go to a size-rotated file.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)
	return nil
}
