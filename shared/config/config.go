package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override (PERSONASHIFT_DECEPTION_EVAL_INTERVAL, ...).
const EnvPrefix = "PERSONASHIFT"

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type Config struct {
	Deception DeceptionConfig `mapstructure:"deception"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type DeceptionConfig struct {
	EvalInterval      int     `mapstructure:"eval_interval"`
	WindowSize        int     `mapstructure:"window_size"`
	ContextSize       int     `mapstructure:"context_size"`
	RetainAfterSwitch int     `mapstructure:"retain_after_switch"`
	InitialPersona    string  `mapstructure:"initial_persona"`
	PersonaFile       string  `mapstructure:"persona_file"`
	BiasMode          string  `mapstructure:"bias_mode"`
	BiasTolerance     float64 `mapstructure:"bias_tolerance"`
}

type OracleConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Model            string        `mapstructure:"model"`
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type LearningConfig struct {
	Decay         float64 `mapstructure:"decay"`
	Alpha         float64 `mapstructure:"alpha"`
	Attribution   string  `mapstructure:"attribution"`
	LogsDir       string  `mapstructure:"logs_dir"`
	LegacyLogsDir string  `mapstructure:"legacy_logs_dir"`
	MaxRetries    int     `mapstructure:"max_retries"`
}

type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	JSONPath      string        `mapstructure:"json_path"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	LedgerPath     string        `mapstructure:"ledger_path"`
	SessionLogsDir string        `mapstructure:"session_logs_dir"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	// RateLimit is the per-client request budget per RateWindow; 0 disables it.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

var (
	validBackends    = []string{"sqlite", "postgres", "redis", "json", "memory"}
	validBiasModes   = []string{"off", "advisory", "prefer-learned"}
	validAttribution = []string{"proportional", "final", "full"}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("deception.eval_interval", 3)
	v.SetDefault("deception.window_size", 25)
	v.SetDefault("deception.context_size", 10)
	v.SetDefault("deception.retain_after_switch", 3)
	v.SetDefault("deception.initial_persona", "Linux Dev Server")
	v.SetDefault("deception.persona_file", "")
	v.SetDefault("deception.bias_mode", "advisory")
	v.SetDefault("deception.bias_tolerance", 0.5)

	v.SetDefault("oracle.enabled", true)
	v.SetDefault("oracle.model", "gpt-4")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.timeout", 8*time.Second)
	v.SetDefault("oracle.failure_threshold", 5)
	v.SetDefault("oracle.cooldown", 30*time.Second)

	v.SetDefault("learning.decay", 0.98)
	v.SetDefault("learning.alpha", 0.2)
	v.SetDefault("learning.attribution", "proportional")
	v.SetDefault("learning.logs_dir", "logs/sessions")
	v.SetDefault("learning.legacy_logs_dir", "logs")
	v.SetDefault("learning.max_retries", 3)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "data/personashift.db")
	v.SetDefault("store.json_path", "data/strategy_config.json")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "personashift:")
	v.SetDefault("store.lock_ttl", 10*time.Minute)

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.ledger_path", "data/ledger-persona.log")
	v.SetDefault("server.session_logs_dir", "logs/sessions")
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_window", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
}

// Load reads .env (when present), the optional config file at path, and
// PERSONASHIFT_* environment overrides, in increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without consulting the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Deception.EvalInterval < 1 {
		errs = append(errs, fmt.Errorf("deception.eval_interval must be >= 1, got %d", c.Deception.EvalInterval))
	}
	if c.Deception.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("deception.window_size must be >= 1, got %d", c.Deception.WindowSize))
	}
	if c.Deception.RetainAfterSwitch < 0 || c.Deception.RetainAfterSwitch > c.Deception.WindowSize {
		errs = append(errs, fmt.Errorf("deception.retain_after_switch must be within [0, window_size], got %d", c.Deception.RetainAfterSwitch))
	}
	if !oneOf(c.Deception.BiasMode, validBiasModes) {
		errs = append(errs, fmt.Errorf("deception.bias_mode %q not in %v", c.Deception.BiasMode, validBiasModes))
	}
	if c.Deception.BiasTolerance < 0 {
		errs = append(errs, fmt.Errorf("deception.bias_tolerance must be >= 0"))
	}
	if c.Oracle.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("oracle.timeout must be positive"))
	}
	if c.Learning.Decay < 0 || c.Learning.Alpha < 0 {
		errs = append(errs, fmt.Errorf("learning.decay and learning.alpha must be non-negative"))
	}
	if !oneOf(c.Learning.Attribution, validAttribution) {
		errs = append(errs, fmt.Errorf("learning.attribution %q not in %v", c.Learning.Attribution, validAttribution))
	}
	if c.Learning.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("learning.max_retries must be >= 0"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must be >= 0"))
	}
	if !oneOf(c.Store.Backend, validBackends) {
		errs = append(errs, fmt.Errorf("store.backend %q not in %v", c.Store.Backend, validBackends))
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("store.postgres_dsn is required for the postgres backend"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
