package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the fathom service.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Research ResearchConfig `mapstructure:"research"`
	Session  SessionConfig  `mapstructure:"session"`
	Progress ProgressConfig `mapstructure:"progress"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Search   SearchConfig   `mapstructure:"search"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServiceConfig contains basic service configuration.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// ResearchConfig holds the workflow engine knobs.
type ResearchConfig struct {
	MaxLoops              int           `mapstructure:"max_loops"`
	InitialQueryCount     int           `mapstructure:"initial_query_count"`
	Timeout               time.Duration `mapstructure:"timeout"`
	MaxConcurrentSearches int           `mapstructure:"max_concurrent_searches"`
	MaxTopicLength        int           `mapstructure:"max_topic_length"`
	PlannerModel          string        `mapstructure:"planner_model"`
	ReflectionModel       string        `mapstructure:"reflection_model"`
	SynthesisModel        string        `mapstructure:"synthesis_model"`
	PromptFile            string        `mapstructure:"prompt_file"`
}

// SessionConfig controls the session store and its TTL sweeper.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxHistory    int           `mapstructure:"max_history"`
}

// ProgressConfig controls the progress notifier.
type ProgressConfig struct {
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	CleanupGrace     time.Duration `mapstructure:"cleanup_grace"`
	MessageLimit     int           `mapstructure:"message_limit"` // platform text cap in characters
	PlatformURL      string        `mapstructure:"platform_url"`  // chat platform base URL, empty disables
}

// LLMConfig points at the structured completion service.
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SearchConfig points at the grounded search service.
type SearchConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`   // requests per second, 0 disables
	RateBurst   int           `mapstructure:"rate_burst"`   // bucket size when rate limiting
	MaxSnippets int           `mapstructure:"max_snippets"` // cap on grounding chunks per result
}

// PolicyConfig controls the OPA admission gate.
type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"` // directory of .rego files
	FailClosed bool   `mapstructure:"fail_closed"`
}

// JournalConfig controls the Redis Streams event mirror.
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	MaxLen    int64         `mapstructure:"max_len"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ArchiveConfig controls run persistence.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // postgres, sqlite3
	DSN     string `mapstructure:"dsn"`
}

// AuthConfig controls the HTTP API bearer auth.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SkipAuth  bool   `mapstructure:"skip_auth"` // development mode
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from the given file (or CONFIG_PATH, or built-in
// defaults when neither exists) with FATHOM_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FATHOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8081)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("research.max_loops", 2)
	v.SetDefault("research.initial_query_count", 3)
	v.SetDefault("research.timeout", 5*time.Minute)
	v.SetDefault("research.max_concurrent_searches", 5)
	v.SetDefault("research.max_topic_length", 2000)
	v.SetDefault("research.planner_model", "gemini-2.0-flash")
	v.SetDefault("research.reflection_model", "gemini-2.5-flash")
	v.SetDefault("research.synthesis_model", "gemini-2.5-pro")

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.sweep_interval", time.Hour)
	v.SetDefault("session.max_history", 50)

	v.SetDefault("progress.debounce_interval", 1500*time.Millisecond)
	v.SetDefault("progress.cleanup_grace", 30*time.Second)
	v.SetDefault("progress.message_limit", 2000)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("search.base_url", "http://search-service:8090")
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.rate_limit", 5.0)
	v.SetDefault("search.rate_burst", 5)
	v.SetDefault("search.max_snippets", 10)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", "dry-run")
	v.SetDefault("policy.path", "config/policies")
	v.SetDefault("policy.fail_closed", false)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.redis_addr", "localhost:6379")
	v.SetDefault("journal.max_len", 1000)
	v.SetDefault("journal.ttl", 24*time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "postgres")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.skip_auth", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fathom")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Validate fails fast on knobs that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.Research.MaxLoops < 1 {
		return fmt.Errorf("research.max_loops must be >= 1, got %d", c.Research.MaxLoops)
	}
	if c.Research.InitialQueryCount < 1 {
		return fmt.Errorf("research.initial_query_count must be >= 1, got %d", c.Research.InitialQueryCount)
	}
	if c.Research.Timeout <= 0 {
		return fmt.Errorf("research.timeout must be positive, got %s", c.Research.Timeout)
	}
	if c.Research.MaxConcurrentSearches < 1 {
		return fmt.Errorf("research.max_concurrent_searches must be >= 1, got %d", c.Research.MaxConcurrentSearches)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Progress.MessageLimit < 64 {
		return fmt.Errorf("progress.message_limit must be >= 64, got %d", c.Progress.MessageLimit)
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy.mode must be off, dry-run or enforce, got %q", c.Policy.Mode)
	}
	if c.Archive.Enabled {
		switch c.Archive.Driver {
		case "postgres", "sqlite3":
		default:
			return fmt.Errorf("archive.driver must be postgres or sqlite3, got %q", c.Archive.Driver)
		}
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn is required when archive is enabled")
		}
	}
	if c.Auth.Enabled && !c.Auth.SkipAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enforced")
	}
	return nil
}
