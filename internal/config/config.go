package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when neither the config file nor the environment sets a value.
const (
	DefaultHTTPPort               = 4000
	DefaultMemoryCap              = 100_000
	DefaultEmbeddingDim           = 256
	DefaultConsolidationThreshold = 0.7
	DefaultRateLimitPerMinute     = 60
	DefaultWorkingMemoryTTL       = 5 * time.Minute
	DefaultConsolidationInterval  = time.Minute
	DefaultDecayInterval          = time.Hour
	DefaultCleanupInterval        = time.Minute
	DefaultHealthInterval         = 5 * time.Minute
	DefaultIOTimeout              = 30 * time.Second
	DefaultMemoryReadTimeout      = 5 * time.Second
	DefaultBrowserTimeout         = 120 * time.Second
	DefaultSnapshotRetentionDays  = 7
	DefaultMaxSkillProcesses      = 32
	DefaultMaxInFlightPerSkill    = 16
	DefaultInjectionThreshold     = 0.75
)

// FeatureFlags toggles optional subsystems.
type FeatureFlags struct {
	ApproximateIndex bool `mapstructure:"approximate_index"`
	TemporalChains   bool `mapstructure:"temporal_chains"`
	Emergence        bool `mapstructure:"emergence"`
	Analyzer         bool `mapstructure:"analyzer"`
}

// Config captures every recognised option for both binaries.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	HTTPPort    int    `mapstructure:"http_port"`
	APIKey      string `mapstructure:"api_key"`
	SandboxRoot string `mapstructure:"sandbox_root"`
	DataDir     string `mapstructure:"data_dir"`

	EmbeddingURL  string `mapstructure:"embedding_url"`
	CompletionURL string `mapstructure:"completion_url"`
	EmbeddingDim  int    `mapstructure:"embedding_dim"`

	MemoryCap              int     `mapstructure:"memory_cap"`
	ConsolidationThreshold float64 `mapstructure:"consolidation_threshold"`

	ConsolidationInterval time.Duration `mapstructure:"consolidation_interval"`
	DecayInterval         time.Duration `mapstructure:"decay_interval"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	HealthInterval        time.Duration `mapstructure:"health_interval"`

	IOTimeout         time.Duration `mapstructure:"io_timeout"`
	MemoryReadTimeout time.Duration `mapstructure:"memory_read_timeout"`
	BrowserTimeout    time.Duration `mapstructure:"browser_timeout"`

	RateLimitPerMinute int  `mapstructure:"rate_limit_per_minute"`
	Sandbox            bool `mapstructure:"sandbox"`

	KnowledgeInjectionThreshold float64 `mapstructure:"knowledge_injection_threshold"`

	FeatureFlags FeatureFlags `mapstructure:"feature_flags"`

	SkillsFile               string   `mapstructure:"skills_file"`
	SkillCommandWhitelist    []string `mapstructure:"skill_command_whitelist"`
	TerminalCommandWhitelist []string `mapstructure:"terminal_command_whitelist"`
	EnvAllowlist             []string `mapstructure:"env_allowlist"`
	MaxSkillProcesses        int      `mapstructure:"max_skill_processes"`
	MaxInFlightPerSkill      int      `mapstructure:"max_in_flight_per_skill"`

	ExposeDeprecated      bool `mapstructure:"expose_deprecated"`
	SnapshotRetentionDays int  `mapstructure:"snapshot_retention_days"`
}

// Load reads configuration from an optional YAML file plus MIMO_* environment
// overrides, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MIMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if strings.TrimSpace(path) != "" {
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
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", DefaultHTTPPort)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("embedding_dim", DefaultEmbeddingDim)
	v.SetDefault("memory_cap", DefaultMemoryCap)
	v.SetDefault("consolidation_threshold", DefaultConsolidationThreshold)
	v.SetDefault("consolidation_interval", DefaultConsolidationInterval)
	v.SetDefault("decay_interval", DefaultDecayInterval)
	v.SetDefault("cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("health_interval", DefaultHealthInterval)
	v.SetDefault("io_timeout", DefaultIOTimeout)
	v.SetDefault("memory_read_timeout", DefaultMemoryReadTimeout)
	v.SetDefault("browser_timeout", DefaultBrowserTimeout)
	v.SetDefault("rate_limit_per_minute", DefaultRateLimitPerMinute)
	v.SetDefault("knowledge_injection_threshold", DefaultInjectionThreshold)
	v.SetDefault("snapshot_retention_days", DefaultSnapshotRetentionDays)
	v.SetDefault("max_skill_processes", DefaultMaxSkillProcesses)
	v.SetDefault("max_in_flight_per_skill", DefaultMaxInFlightPerSkill)
}

func defaultDataDir() string {
	return filepath.Join(".", "mimo-data")
}

// IsProduction reports whether the gateway runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Validate rejects configurations the gateway cannot run with. A validation
// failure is fatal at startup (exit code 2).
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.IsProduction() && strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("api_key is required in production")
	}
	if c.SandboxRoot != "" && !filepath.IsAbs(c.SandboxRoot) {
		return fmt.Errorf("sandbox_root must be an absolute path, got %q", c.SandboxRoot)
	}
	if c.MemoryCap <= 0 {
		return fmt.Errorf("memory_cap must be positive, got %d", c.MemoryCap)
	}
	if c.ConsolidationThreshold < 0 || c.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidation_threshold %v outside [0,1]", c.ConsolidationThreshold)
	}
	if c.EmbeddingDim <= 0 || c.EmbeddingDim%64 != 0 {
		return fmt.Errorf("embedding_dim must be a positive multiple of 64, got %d", c.EmbeddingDim)
	}
	for _, name := range c.SkillCommandWhitelist {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("skill_command_whitelist contains an empty entry")
		}
		if strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("skill_command_whitelist entries must be basenames, got %q", name)
		}
	}
	return nil
}
