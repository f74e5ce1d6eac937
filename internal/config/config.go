package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	API          APIConfig                 `yaml:"api" mapstructure:"api"`
	Retry        RetryConfig               `yaml:"retry" mapstructure:"retry"`
	Breaker      BreakerConfig             `yaml:"breaker" mapstructure:"breaker"`
	Batch        BatchConfig               `yaml:"batch" mapstructure:"batch"`
	Store        StoreConfig               `yaml:"store" mapstructure:"store"`
	Server       ServerConfig              `yaml:"server" mapstructure:"server"`
	Log          LogConfig                 `yaml:"log" mapstructure:"log"`
	WorkflowsDir string                    `yaml:"workflows_dir" mapstructure:"workflows_dir"`
	Workflows    map[string]WorkflowConfig `yaml:"workflows" mapstructure:"workflows" validate:"dive"`
}

// APIConfig holds the contract API credentials and transport settings.
type APIConfig struct {
	TokenURL        string  `yaml:"token_url" mapstructure:"token_url" validate:"omitempty,url"`
	ClientID        string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret    string  `yaml:"client_secret" mapstructure:"client_secret"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
	TokenTTLSecs    int     `yaml:"token_ttl_secs" mapstructure:"token_ttl_secs" validate:"gt=0"`
	TokenMarginSecs int     `yaml:"token_margin_secs" mapstructure:"token_margin_secs" validate:"gte=0"`
	RateLimit       float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst       int     `yaml:"rate_burst" mapstructure:"rate_burst" validate:"gte=0"`
}

// Timeout returns the per-request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryConfig configures retries of transient API failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=0"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// BreakerConfig configures the per-host circuit breaker. A zero threshold disables it.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs" validate:"gte=0"`
}

// BatchConfig configures the worker pool.
type BatchConfig struct {
	MaxWorkers      int `yaml:"max_workers" mapstructure:"max_workers" validate:"gt=0"`
	TaskTimeoutSecs int `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs" validate:"gt=0"`
	ProgressEvery   int `yaml:"progress_every" mapstructure:"progress_every" validate:"gte=0"`
}

// TaskTimeout returns the per-entity time budget.
func (c BatchConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres none"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the run history API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// WorkflowConfig holds the per-workflow file paths, endpoints and constants.
type WorkflowConfig struct {
	Input      string            `yaml:"input" mapstructure:"input"`
	Output     string            `yaml:"output" mapstructure:"output"`
	Format     string            `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=xlsx excel csv parquet"`
	KeyColumns []string          `yaml:"key_columns" mapstructure:"key_columns"`
	MaxWorkers int               `yaml:"max_workers" mapstructure:"max_workers" validate:"gte=0"`
	Endpoints  map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	Vars       map[string]any    `yaml:"vars" mapstructure:"vars"`
}

// Workflow returns the settings for the named workflow, or an empty value.
func (c *Config) Workflow(name string) WorkflowConfig {
	if c.Workflows == nil {
		return WorkflowConfig{}
	}
	return c.Workflows[strings.ToLower(name)]
}

// Load reads configuration from file and environment. An empty path searches
// the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CONTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("api.timeout_secs", 10)
	v.SetDefault("api.token_ttl_secs", 3600)
	v.SetDefault("api.token_margin_secs", 60)
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.rate_burst", 0)
	v.SetDefault("api.client_id", "")
	v.SetDefault("api.client_secret", "")
	v.SetDefault("api.token_url", "")
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("breaker.failure_threshold", 0)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("batch.max_workers", 10)
	v.SetDefault("batch.task_timeout_secs", 30)
	v.SetDefault("batch.progress_every", 100)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "runs.db")
	v.SetDefault("server.port", 8080)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks field constraints on a loaded configuration.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed '"+fe.Tag()+"'")
			}
			return eris.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return eris.Wrap(err, "config: validate")
	}
	return nil
}

// InitLogger initializes the global zap logger.
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
	zap.ReplaceGlobals(logger)

	return nil
}
