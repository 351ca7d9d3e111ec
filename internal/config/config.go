package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Import  ImportConfig  `yaml:"import" mapstructure:"import"`
	Match   MatchConfig   `yaml:"match" mapstructure:"match"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL      string  `yaml:"database_url" mapstructure:"database_url"`
	MaxConns         int32   `yaml:"max_conns" mapstructure:"max_conns"`
	MaxCommitsPerSec float64 `yaml:"max_commits_per_sec" mapstructure:"max_commits_per_sec"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ImportConfig configures the CSV importers.
type ImportConfig struct {
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size"`
	CompaniesFile string `yaml:"companies_file" mapstructure:"companies_file"`
	TitlesDir     string `yaml:"titles_dir" mapstructure:"titles_dir"`
	Encoding      string `yaml:"encoding" mapstructure:"encoding"`
}

// TierConfig toggles and weights a name-only match tier.
type TierConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
}

// MatchConfig configures the batch matcher.
type MatchConfig struct {
	ChunkSize        int        `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers          int        `yaml:"workers" mapstructure:"workers"`
	SourceFallback   bool       `yaml:"source_fallback" mapstructure:"source_fallback"`
	NameTier         TierConfig `yaml:"name_tier" mapstructure:"name_tier"`
	PreviousNameTier TierConfig `yaml:"previous_name_tier" mapstructure:"previous_name_tier"`
}

// HistoryConfig configures the ownership history rebuild.
type HistoryConfig struct {
	ChunkSize         int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers           int    `yaml:"workers" mapstructure:"workers"`
	DisposalFlagScope string `yaml:"disposal_flag_scope" mapstructure:"disposal_flag_scope"`
}

// RetryConfig configures retries of transient store failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// MetricsConfig configures Prometheus export. Addr serves /metrics while a
// command runs; Textfile is written when a command finishes.
type MetricsConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// Validate checks the settings a command mode depends on. Modes are
// "store" (anything touching Postgres) and "offline" (pure diagnostics).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "offline":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.History.DisposalFlagScope {
	case "title", "terminal":
	default:
		errs = append(errs, fmt.Sprintf("history.disposal_flag_scope must be title or terminal, got %q", c.History.DisposalFlagScope))
	}
	if c.Match.NameTier.Confidence < 0 || c.Match.NameTier.Confidence > 1 {
		errs = append(errs, "match.name_tier.confidence must be between 0 and 1")
	}
	if c.Match.PreviousNameTier.Confidence < 0 || c.Match.PreviousNameTier.Confidence > 1 {
		errs = append(errs, "match.previous_name_tier.confidence must be between 0 and 1")
	}
	if c.Match.ChunkSize <= 0 || c.History.ChunkSize <= 0 || c.Import.BatchSize <= 0 {
		errs = append(errs, "chunk and batch sizes must be > 0")
	}
	if c.Match.Workers <= 0 || c.History.Workers <= 0 {
		errs = append(errs, "worker counts must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ESTATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.max_commits_per_sec", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("import.batch_size", 5000)
	v.SetDefault("import.companies_file", "")
	v.SetDefault("import.titles_dir", "")
	v.SetDefault("import.encoding", "utf-8")
	v.SetDefault("match.chunk_size", 10000)
	v.SetDefault("match.workers", 4)
	v.SetDefault("match.source_fallback", false)
	v.SetDefault("match.name_tier.enabled", true)
	v.SetDefault("match.name_tier.confidence", 0.7)
	v.SetDefault("match.previous_name_tier.enabled", true)
	v.SetDefault("match.previous_name_tier.confidence", 0.5)
	v.SetDefault("history.chunk_size", 10000)
	v.SetDefault("history.workers", 4)
	v.SetDefault("history.disposal_flag_scope", "title")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.textfile", "")

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

	return &cfg, nil
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
