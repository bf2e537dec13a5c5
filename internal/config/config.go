package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Recon      ReconConfig      `yaml:"recon" mapstructure:"recon"`
	Settle     SettleConfig     `yaml:"settle" mapstructure:"settle"`
	Dag        DagConfig        `yaml:"dag" mapstructure:"dag"`
	Feeds      FeedsConfig      `yaml:"feeds" mapstructure:"feeds"`
	Sim        SimConfig        `yaml:"sim" mapstructure:"sim"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MatchConfig configures coupon matching and suspense aging.
type MatchConfig struct {
	SuspenseAfterDays int `yaml:"suspense_after_days" mapstructure:"suspense_after_days"`
	EscalateAfterDays int `yaml:"escalate_after_days" mapstructure:"escalate_after_days"`
}

// ReconConfig configures reconciliation tolerances and severity bands.
type ReconConfig struct {
	AmountTolerance   float64 `yaml:"amount_tolerance" mapstructure:"amount_tolerance"`
	SeverityLowMax    float64 `yaml:"severity_low_max" mapstructure:"severity_low_max"`
	SeverityHighMin   float64 `yaml:"severity_high_min" mapstructure:"severity_high_min"`
	TimingWindowHours int     `yaml:"timing_window_hours" mapstructure:"timing_window_hours"`
}

// SettleConfig configures the settlement saga.
type SettleConfig struct {
	DisputeTolerance float64 `yaml:"dispute_tolerance" mapstructure:"dispute_tolerance"`
}

// DagConfig configures workflow execution.
type DagConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// FeedsConfig configures the source channels.
type FeedsConfig struct {
	DataDir         string          `yaml:"data_dir" mapstructure:"data_dir"`
	HTTPTimeoutSecs int             `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
	PSS             PSSFeedConfig   `yaml:"pss" mapstructure:"pss"`
	DCS             URLFeedConfig   `yaml:"dcs" mapstructure:"dcs"`
	GDS             URLFeedConfig   `yaml:"gds" mapstructure:"gds"`
	OTA             URLFeedConfig   `yaml:"ota" mapstructure:"ota"`
	Interline       InterlineConfig `yaml:"interline" mapstructure:"interline"`
}

// HTTPTimeout returns the per-request timeout for feed downloads.
func (c FeedsConfig) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// PSSFeedConfig configures the reservation system batch drop. When FTPURL is
// empty the adapter reads the drop file from DataDir instead.
type PSSFeedConfig struct {
	FTPURL      string `yaml:"ftp_url" mapstructure:"ftp_url"`
	FTPUser     string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword string `yaml:"ftp_password" mapstructure:"ftp_password"`
}

// URLFeedConfig configures a feed pulled over HTTP, with DataDir fallback.
type URLFeedConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// InterlineConfig configures the partner-carrier REST endpoint.
type InterlineConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// SimConfig configures the scenario simulator.
type SimConfig struct {
	Seed         int64  `yaml:"seed" mapstructure:"seed"`
	ScenarioPath string `yaml:"scenario_path" mapstructure:"scenario_path"`
}

// RetryConfig configures feed fetch retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the circuit breaker on the interline endpoint.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures the health checker and alerter.
type MonitoringConfig struct {
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MaxHighBreaks     int    `yaml:"max_high_breaks" mapstructure:"max_high_breaks"`
	MaxEscalated      int    `yaml:"max_escalated" mapstructure:"max_escalated"`
	MaxDeadLetters    int    `yaml:"max_dead_letters" mapstructure:"max_dead_letters"`
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REVLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "revledger.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("match.suspense_after_days", 30)
	v.SetDefault("match.escalate_after_days", 90)
	v.SetDefault("recon.amount_tolerance", 0.01)
	v.SetDefault("recon.severity_low_max", 1.00)
	v.SetDefault("recon.severity_high_min", 10.00)
	v.SetDefault("recon.timing_window_hours", 168)
	v.SetDefault("settle.dispute_tolerance", 0.01)
	v.SetDefault("dag.concurrency", 4)
	v.SetDefault("feeds.data_dir", "./feeds")
	v.SetDefault("feeds.http_timeout_secs", 30)
	v.SetDefault("feeds.interline.rate_limit", 5.0)
	v.SetDefault("feeds.interline.burst", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.max_high_breaks", 5)
	v.SetDefault("monitoring.max_escalated", 10)
	v.SetDefault("monitoring.max_dead_letters", 25)

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
