// Package config loads agentry settings from viper (config file, AGENTRY_*
// environment variables and bound CLI flags) into a typed Config.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// Config is the full set of tunables.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Tiers       TiersConfig       `mapstructure:"tiers"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Classifier  ClassifierConfig  `mapstructure:"classifier"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Server      ServerConfig      `mapstructure:"server"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File receives log output instead of stderr when set.
	File string `mapstructure:"file"`
}

// TiersConfig controls where tier directories are looked up.
type TiersConfig struct {
	// AgentDirName is joined onto the current directory and every ancestor.
	AgentDirName string `mapstructure:"agent_dir_name"`
	// UserDir is the user-home agent directory.
	UserDir string `mapstructure:"user_dir"`
	// SystemDir overrides the embedded built-in agents when it exists.
	SystemDir string `mapstructure:"system_dir"`
}

type DiscoveryConfig struct {
	Patterns    []string      `mapstructure:"patterns"`
	Exclude     []string      `mapstructure:"exclude"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type CacheConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	MaxMemoryBytes  int64         `mapstructure:"max_memory_bytes"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// WeightsConfig holds the validation checklist points.
type WeightsConfig struct {
	Readable       float64 `mapstructure:"readable"`
	WellFormed     float64 `mapstructure:"well_formed"`
	Description    float64 `mapstructure:"description"`
	Capabilities   float64 `mapstructure:"capabilities"`
	Specialization float64 `mapstructure:"specialization"`
	Signal         float64 `mapstructure:"signal"`
	HybridBonus    float64 `mapstructure:"hybrid_bonus"`
}

type ClassifierConfig struct {
	Weights     WeightsConfig `mapstructure:"weights"`
	MinScore    float64       `mapstructure:"min_score"`
	HybridRatio float64       `mapstructure:"hybrid_ratio"`
	MinStrength int           `mapstructure:"min_strength"`
	// ExtraPatterns adds keywords per type on top of the built-in tables.
	ExtraPatterns map[string][]string `mapstructure:"extra_patterns"`
}

type TrackerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Debounce        time.Duration `mapstructure:"debounce"`
	QueueSize       int           `mapstructure:"queue_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	HistoryMaxAge   time.Duration `mapstructure:"history_max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	DBPath          string        `mapstructure:"db_path"`
}

type PersistenceConfig struct {
	BackupDir       string                      `mapstructure:"backup_dir"`
	BackupRetention int                         `mapstructure:"backup_retention"`
	RetryAttempts   uint                        `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration               `mapstructure:"retry_delay"`
	Strategy        agenttypes.WriteStrategy    `mapstructure:"strategy"`
	Conflict        agenttypes.ConflictStrategy `mapstructure:"conflict"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
}

// BasePath is the per-user state directory, overridable with AGENTRY_BASE_PATH.
func BasePath() (string, error) {
	if basePath := os.Getenv("AGENTRY_BASE_PATH"); basePath != "" {
		return basePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get user home directory")
	}
	return filepath.Join(home, ".agentry"), nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	base, err := BasePath()
	if err != nil {
		base = ".agentry"
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "fmt")
	v.SetDefault("log.file", "")

	v.SetDefault("tiers.agent_dir_name", filepath.Join(".agentry", "agents"))
	v.SetDefault("tiers.user_dir", filepath.Join(base, "agents"))
	v.SetDefault("tiers.system_dir", "")

	v.SetDefault("discovery.patterns", []string{"*.md", "*/*.md"})
	v.SetDefault("discovery.exclude", []string{"README.md", "**/README.md", ".*", "**/.*"})
	v.SetDefault("discovery.read_timeout", 2*time.Second)
	v.SetDefault("discovery.snapshot_ttl", 5*time.Minute)

	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.max_memory_bytes", int64(32<<20))
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.janitor_interval", time.Minute)

	v.SetDefault("classifier.weights.readable", 10.0)
	v.SetDefault("classifier.weights.well_formed", 20.0)
	v.SetDefault("classifier.weights.description", 10.0)
	v.SetDefault("classifier.weights.capabilities", 10.0)
	v.SetDefault("classifier.weights.specialization", 15.0)
	v.SetDefault("classifier.weights.signal", 15.0)
	v.SetDefault("classifier.weights.hybrid_bonus", 10.0)
	v.SetDefault("classifier.min_score", 50.0)
	v.SetDefault("classifier.hybrid_ratio", 0.6)
	v.SetDefault("classifier.min_strength", 2)

	v.SetDefault("tracker.enabled", true)
	v.SetDefault("tracker.debounce", 25*time.Millisecond)
	v.SetDefault("tracker.queue_size", 256)
	v.SetDefault("tracker.poll_interval", 2*time.Second)
	v.SetDefault("tracker.history_max_age", 30*24*time.Hour)
	v.SetDefault("tracker.cleanup_interval", time.Hour)
	v.SetDefault("tracker.db_path", filepath.Join(base, "storage.db"))

	v.SetDefault("persistence.backup_dir", filepath.Join(base, "backups"))
	v.SetDefault("persistence.backup_retention", 10)
	v.SetDefault("persistence.retry_attempts", uint(3))
	v.SetDefault("persistence.retry_delay", 50*time.Millisecond)
	v.SetDefault("persistence.strategy", string(agenttypes.StrategyTierSpecific))
	v.SetDefault("persistence.conflict", string(agenttypes.ConflictManual))

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8741)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampler", "ratio")
	v.SetDefault("tracing.ratio", 1.0)
}

// Default returns the configuration with nothing but defaults applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return cfg
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if name := v.GetString("profile"); name != "" && name != "default" {
		profile, ok := v.GetStringMap("profiles")[name]
		if !ok {
			return cfg, errors.Errorf("profile '%s' not found", name)
		}
		if err := applyProfile(&cfg, profile); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// applyProfile merges a named profile on top of cfg. Keys absent from the
// profile keep their current value.
func applyProfile(cfg *Config, profile any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create profile decoder")
	}

	if err := decoder.Decode(profile); err != nil {
		return errors.Wrap(err, "failed to apply profile configuration")
	}
	return nil
}

// FromViper loads the configuration from the global viper instance.
func FromViper() (Config, error) {
	SetDefaults(viper.GetViper())
	return Load(viper.GetViper())
}

// Validate rejects values the components cannot work with.
func (c Config) Validate() error {
	if c.Tiers.AgentDirName == "" {
		return errors.New("tiers.agent_dir_name cannot be empty")
	}
	if len(c.Discovery.Patterns) == 0 {
		return errors.New("discovery.patterns must list at least one pattern")
	}
	if c.Discovery.ReadTimeout <= 0 {
		return errors.Errorf("discovery.read_timeout must be positive, got %s", c.Discovery.ReadTimeout)
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxMemoryBytes <= 0 {
		return errors.Errorf("cache.max_memory_bytes must be positive, got %d", c.Cache.MaxMemoryBytes)
	}
	if c.Classifier.MinScore < 0 || c.Classifier.MinScore > 100 {
		return errors.Errorf("classifier.min_score must be within [0, 100], got %.1f", c.Classifier.MinScore)
	}
	if c.Classifier.HybridRatio <= 0 || c.Classifier.HybridRatio > 1 {
		return errors.Errorf("classifier.hybrid_ratio must be within (0, 1], got %.2f", c.Classifier.HybridRatio)
	}
	if c.Tracker.QueueSize <= 0 {
		return errors.Errorf("tracker.queue_size must be positive, got %d", c.Tracker.QueueSize)
	}
	if c.Tracker.Debounce < 0 {
		return errors.Errorf("tracker.debounce cannot be negative: %s", c.Tracker.Debounce)
	}
	if c.Persistence.BackupRetention <= 0 {
		return errors.Errorf("persistence.backup_retention must be positive, got %d", c.Persistence.BackupRetention)
	}
	switch c.Persistence.Strategy {
	case agenttypes.StrategyTierSpecific, agenttypes.StrategyPreferUser, agenttypes.StrategyDistribute:
	default:
		return errors.Errorf("unknown persistence.strategy '%s'", c.Persistence.Strategy)
	}
	switch c.Persistence.Conflict {
	case agenttypes.ConflictTierPrecedence, agenttypes.ConflictMostRecent, agenttypes.ConflictHighestScore, agenttypes.ConflictManual:
	default:
		return errors.Errorf("unknown persistence.conflict '%s'", c.Persistence.Conflict)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}
