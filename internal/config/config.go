// Package config loads the service configuration: defaults, optional YAML
// file, and MIRAGE_-prefixed environment overrides, in ascending precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
	"github.com/TedBerlin/MIRAGE-v2/internal/tracing"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval"`
	Cache        CacheConfig        `mapstructure:"cache"`
	HumanLoop    HumanLoopConfig    `mapstructure:"human_loop"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      tracing.Config     `mapstructure:"tracing"`
	Prompts      prompts.Overrides  `mapstructure:"prompts"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	AdminToken  string `mapstructure:"admin_token"`
}

type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
}

type RetrievalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
}

type HumanLoopConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type OrchestratorConfig struct {
	MaxIterations            int           `mapstructure:"max_iterations"`
	VerifierApproveThreshold float64       `mapstructure:"verifier_approve_threshold"`
	VerifierRejectThreshold  float64       `mapstructure:"verifier_reject_threshold"`
	WorkflowTimeout          time.Duration `mapstructure:"workflow_timeout"`
	EnableHumanLoopDefault   bool          `mapstructure:"enable_human_loop_default"`
}

type AuditConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)

	v.SetDefault("llm.base_url", "http://localhost:8001")
	v.SetDefault("llm.call_timeout", 30*time.Second)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", time.Second)
	v.SetDefault("llm.rate_per_second", 0)

	v.SetDefault("retrieval.base_url", "http://localhost:8002")
	v.SetDefault("retrieval.timeout", 10*time.Second)

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)
	v.SetDefault("cache.redis_addr", "")

	v.SetDefault("human_loop.timeout", time.Hour)

	v.SetDefault("orchestrator.max_iterations", 3)
	v.SetDefault("orchestrator.verifier_approve_threshold", 0.7)
	v.SetDefault("orchestrator.verifier_reject_threshold", 0.3)
	v.SetDefault("orchestrator.workflow_timeout", 120*time.Second)
	v.SetDefault("orchestrator.enable_human_loop_default", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MIRAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("MIRAGE_CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the configuration. path may be empty, in which case only
// defaults, MIRAGE_CONFIG_PATH and env overrides apply.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator.max_iterations must be >= 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.VerifierRejectThreshold >= c.Orchestrator.VerifierApproveThreshold {
		return fmt.Errorf("verifier thresholds inverted: reject %.2f >= approve %.2f",
			c.Orchestrator.VerifierRejectThreshold, c.Orchestrator.VerifierApproveThreshold)
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be >= 1, got %d", c.LLM.MaxRetries)
	}
	return nil
}
