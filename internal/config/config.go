// Package config loads the Context Manager facade's configuration
// (SPEC_FULL §6) from a YAML file, environment variables, and flags.
//
// Grounded on cmd/root.go's viper/cobra wiring (PersistentFlags bound
// via viper.BindPFlag, a config file searched in $HOME, AutomaticEnv for
// overrides) but scoped to the option set SPEC_FULL §6 names plus a
// provider-backend group and log settings — CCME carries no
// provider-registry or UI configuration of its own.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ccme-project/ccme/internal/ccme/compression"
	"github.com/ccme-project/ccme/internal/ccme/manager"
	"github.com/ccme-project/ccme/internal/ccme/memoryguard"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

// Config is the root configuration document, unmarshaled from YAML/env
// under the keys SPEC_FULL §6 names.
type Config struct {
	Context      ContextConfig      `mapstructure:"context"`
	Compression  CompressionConfig  `mapstructure:"compression"`
	Snapshots    SnapshotsConfig    `mapstructure:"snapshots"`
	MemoryGuard  MemoryGuardConfig  `mapstructure:"memoryGuard"`
	ToolSupport  ToolSupportConfig  `mapstructure:"toolSupport"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Log          LogConfig          `mapstructure:"log"`
}

// ContextConfig is SPEC_FULL §6's `context.*` group.
type ContextConfig struct {
	TargetSize     int    `mapstructure:"targetSize"`
	MinSize        int    `mapstructure:"minSize"`
	MaxSize        int    `mapstructure:"maxSize"`
	AutoSize       bool   `mapstructure:"autoSize"`
	VRAMBuffer     uint64 `mapstructure:"vramBuffer"`
	KVQuantization string `mapstructure:"kvQuantization"`
}

// CompressionConfig is SPEC_FULL §6's `compression.*` group.
type CompressionConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Threshold        float64 `mapstructure:"threshold"`
	Strategy         string  `mapstructure:"strategy"`
	PreserveRecent   int     `mapstructure:"preserveRecent"`
	SummaryMaxTokens int     `mapstructure:"summaryMaxTokens"`
}

// SnapshotsConfig is SPEC_FULL §6's `snapshots.*` group.
type SnapshotsConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	AutoCreate    bool    `mapstructure:"autoCreate"`
	AutoThreshold float64 `mapstructure:"autoThreshold"`
	MaxCount      int     `mapstructure:"maxCount"`
}

// MemoryGuardConfig is SPEC_FULL §6's `memoryGuard.*` group.
type MemoryGuardConfig struct {
	Thresholds struct {
		Soft     float64 `mapstructure:"soft"`
		Hard     float64 `mapstructure:"hard"`
		Critical float64 `mapstructure:"critical"`
	} `mapstructure:"thresholds"`
	EmergencyKeepRecent int `mapstructure:"emergencyKeepRecent"`
}

// ToolSupportConfig is SPEC_FULL §6's `toolSupport.*` group.
type ToolSupportConfig struct {
	SessionTTLSec     int `mapstructure:"sessionTtlSec"`
	PromptDebounceSec int `mapstructure:"promptDebounceSec"`
}

// ProviderConfig selects and configures the Provider Adapter backend.
// Not named directly in SPEC_FULL §6's option list (that section
// enumerates context-engine tuning, not provider credentials) but
// required for the engine to actually reach a summarizer/tool-detector;
// kept as its own top-level group rather than folded into compression.*
// so a deployment can change backends without touching tuning.
type ProviderConfig struct {
	Backend string       `mapstructure:"backend"` // "bedrock" | "local"
	Model   string       `mapstructure:"model"`
	Bedrock BedrockConfig `mapstructure:"bedrock"`
	Local   LocalConfig   `mapstructure:"local"`
}

type BedrockConfig struct {
	Region                  string `mapstructure:"region"`
	CrossRegionInferenceARN string `mapstructure:"crossRegionInferenceArn"`
	CacheToolDefinitions    bool   `mapstructure:"cacheToolDefinitions"`
}

type LocalConfig struct {
	ServerHost    string        `mapstructure:"serverHost"`
	ServerPort    int           `mapstructure:"serverPort"`
	ServerTimeout time.Duration `mapstructure:"serverTimeout"`
}

// LogConfig mirrors cmd/root.go's --debug/--log-level flags.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Debug bool   `mapstructure:"debug"`
}

// Defaults returns the configuration document's baseline values, applied
// before the file/env/flag layers in Load.
func Defaults() Config {
	guardThresholds := memoryguard.DefaultThresholds()
	var cfg Config
	cfg.Context = ContextConfig{
		TargetSize:     32000,
		MinSize:        4000,
		MaxSize:        128000,
		AutoSize:       true,
		VRAMBuffer:     512 * 1024 * 1024,
		KVQuantization: string(model.KVQuantF16),
	}
	cfg.Compression = CompressionConfig{
		Enabled:          true,
		Threshold:        0.8,
		Strategy:         string(compression.StrategyHybrid),
		PreserveRecent:   6,
		SummaryMaxTokens: 512,
	}
	cfg.Snapshots = SnapshotsConfig{
		Enabled:       true,
		AutoCreate:    true,
		AutoThreshold: 0.9,
		MaxCount:      20,
	}
	cfg.MemoryGuard.Thresholds.Soft = guardThresholds.Soft
	cfg.MemoryGuard.Thresholds.Hard = guardThresholds.Hard
	cfg.MemoryGuard.Thresholds.Critical = guardThresholds.Critical
	cfg.MemoryGuard.EmergencyKeepRecent = 4
	cfg.ToolSupport = ToolSupportConfig{SessionTTLSec: 3600, PromptDebounceSec: 60}
	cfg.Provider = ProviderConfig{Backend: "local", Bedrock: BedrockConfig{CacheToolDefinitions: true}, Local: LocalConfig{ServerHost: "127.0.0.1", ServerPort: 8080, ServerTimeout: 60 * time.Second}}
	cfg.Log = LogConfig{Level: "info"}
	return cfg
}

// BindFlags registers the --config/--debug/--log-level flags on cmd and
// binds them into v, matching cmd/root.go's persistent-flag wiring.
func BindFlags(cmd *cobra.Command, v *viper.Viper) (cfgFile *string) {
	var path string
	cmd.PersistentFlags().StringVar(&path, "config", "", "config file (default $HOME/.ccme.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	_ = v.BindPFlag("log.debug", cmd.PersistentFlags().Lookup("debug"))
	_ = v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	return &path
}

// Load reads cfgFile (or $HOME/.ccme.yaml if empty), overlays
// environment variables (CCME_ prefix, nested keys joined by
// underscore), and returns the merged Config seeded from Defaults.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	def := Defaults()
	setDefaultsOnViper(v, def)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".ccme")
	}

	v.SetEnvPrefix("CCME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaultsOnViper(v *viper.Viper, def Config) {
	v.SetDefault("context.targetSize", def.Context.TargetSize)
	v.SetDefault("context.minSize", def.Context.MinSize)
	v.SetDefault("context.maxSize", def.Context.MaxSize)
	v.SetDefault("context.autoSize", def.Context.AutoSize)
	v.SetDefault("context.vramBuffer", def.Context.VRAMBuffer)
	v.SetDefault("context.kvQuantization", def.Context.KVQuantization)

	v.SetDefault("compression.enabled", def.Compression.Enabled)
	v.SetDefault("compression.threshold", def.Compression.Threshold)
	v.SetDefault("compression.strategy", def.Compression.Strategy)
	v.SetDefault("compression.preserveRecent", def.Compression.PreserveRecent)
	v.SetDefault("compression.summaryMaxTokens", def.Compression.SummaryMaxTokens)

	v.SetDefault("snapshots.enabled", def.Snapshots.Enabled)
	v.SetDefault("snapshots.autoCreate", def.Snapshots.AutoCreate)
	v.SetDefault("snapshots.autoThreshold", def.Snapshots.AutoThreshold)
	v.SetDefault("snapshots.maxCount", def.Snapshots.MaxCount)

	v.SetDefault("memoryGuard.thresholds.soft", def.MemoryGuard.Thresholds.Soft)
	v.SetDefault("memoryGuard.thresholds.hard", def.MemoryGuard.Thresholds.Hard)
	v.SetDefault("memoryGuard.thresholds.critical", def.MemoryGuard.Thresholds.Critical)
	v.SetDefault("memoryGuard.emergencyKeepRecent", def.MemoryGuard.EmergencyKeepRecent)

	v.SetDefault("toolSupport.sessionTtlSec", def.ToolSupport.SessionTTLSec)
	v.SetDefault("toolSupport.promptDebounceSec", def.ToolSupport.PromptDebounceSec)

	v.SetDefault("provider.backend", def.Provider.Backend)
	v.SetDefault("provider.bedrock.cacheToolDefinitions", true)
	v.SetDefault("provider.local.serverHost", def.Provider.Local.ServerHost)
	v.SetDefault("provider.local.serverPort", def.Provider.Local.ServerPort)
	v.SetDefault("provider.local.serverTimeout", def.Provider.Local.ServerTimeout)

	v.SetDefault("log.level", def.Log.Level)
}

// Validate rejects configuration combinations the facade cannot act on.
func (c Config) Validate() error {
	if c.Context.MinSize <= 0 || c.Context.MaxSize < c.Context.MinSize || c.Context.TargetSize < c.Context.MinSize || c.Context.TargetSize > c.Context.MaxSize {
		return fmt.Errorf("context sizes must satisfy 0 < minSize <= targetSize <= maxSize")
	}
	if c.Compression.Threshold <= 0 || c.Compression.Threshold > 1 {
		return fmt.Errorf("compression.threshold must be in (0, 1]")
	}
	switch compression.Strategy(c.Compression.Strategy) {
	case compression.StrategyTruncate, compression.StrategySummarize, compression.StrategyHybrid:
	default:
		return fmt.Errorf("unknown compression.strategy: %s", c.Compression.Strategy)
	}
	switch model.KVQuantization(c.Context.KVQuantization) {
	case model.KVQuantF16, model.KVQuantQ8, model.KVQuantQ4:
	default:
		return fmt.Errorf("unknown context.kvQuantization: %s", c.Context.KVQuantization)
	}
	t := c.MemoryGuard.Thresholds
	if !(0 < t.Soft && t.Soft < 1 && 0 < t.Hard && t.Hard < t.Soft && 0 < t.Critical && t.Critical < t.Hard) {
		return fmt.Errorf("memoryGuard.thresholds must satisfy 0 < critical < hard < soft < 1")
	}
	return nil
}

// ToManagerConfig projects the document into manager.Config, the shape
// the Context Manager facade actually consumes.
func (c Config) ToManagerConfig() manager.Config {
	return manager.Config{
		ContextTargetSize:     c.Context.TargetSize,
		ContextMinSize:        c.Context.MinSize,
		ContextMaxSize:        c.Context.MaxSize,
		ContextAutoSize:       c.Context.AutoSize,
		ContextVRAMBuffer:     c.Context.VRAMBuffer,
		ContextKVQuantization: model.KVQuantization(c.Context.KVQuantization),
		Compression: compression.Config{
			Strategy:         compression.Strategy(c.Compression.Strategy),
			Threshold:        c.Compression.Threshold,
			PreserveRecent:   c.Compression.PreserveRecent,
			SummaryMaxTokens: c.Compression.SummaryMaxTokens,
		},
		SnapshotsEnabled:       c.Snapshots.Enabled,
		SnapshotsAutoCreate:    c.Snapshots.AutoCreate,
		SnapshotsAutoThreshold: c.Snapshots.AutoThreshold,
		SnapshotsMaxCount:      c.Snapshots.MaxCount,
		MemoryGuardThresholds: memoryguard.Thresholds{
			Soft:     c.MemoryGuard.Thresholds.Soft,
			Hard:     c.MemoryGuard.Thresholds.Hard,
			Critical: c.MemoryGuard.Thresholds.Critical,
		},
		GuardEmergencyKeepRecent:     c.MemoryGuard.EmergencyKeepRecent,
		ToolSupportSessionTTLSec:     c.ToolSupport.SessionTTLSec,
		ToolSupportPromptDebounceSec: c.ToolSupport.PromptDebounceSec,
		VRAMPollInterval:             2 * time.Second,
	}
}
