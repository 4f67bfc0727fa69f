// Package config resolves engine-wide configuration: the storage
// root, the summarizer deadline, default compression settings, and
// the tier preset table. Sources are an optional helix-memory.yaml
// plus environment variables, resolved through viper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dev.helix.memory/internal/model"
)

// TierPresetTable maps a named tier preset to its concrete tier list.
type TierPresetTable map[model.TierPreset][]model.Tier

// DefaultTierPresets is the built-in tier table used when no override
// is configured.
func DefaultTierPresets() TierPresetTable {
	return TierPresetTable{
		model.TierGentle: {
			{EndPercent: 50, CompactionRatio: 2, Aggressiveness: model.AggressivenessMinimal},
			{EndPercent: 100, CompactionRatio: 4, Aggressiveness: model.AggressivenessModerate},
		},
		model.TierStandard: {
			{EndPercent: 30, CompactionRatio: 3, Aggressiveness: model.AggressivenessMinimal},
			{EndPercent: 70, CompactionRatio: 8, Aggressiveness: model.AggressivenessModerate},
			{EndPercent: 100, CompactionRatio: 15, Aggressiveness: model.AggressivenessAggressive},
		},
		model.TierAggressive: {
			{EndPercent: 20, CompactionRatio: 5, Aggressiveness: model.AggressivenessModerate},
			{EndPercent: 100, CompactionRatio: 25, Aggressiveness: model.AggressivenessAggressive},
		},
	}
}

// Config is the engine's resolved configuration.
type Config struct {
	Root               string            `mapstructure:"root"`
	SummarizerDeadline time.Duration     `mapstructure:"summarizer_deadline"`
	LockStaleAfter     time.Duration     `mapstructure:"lock_stale_after"`
	DefaultSettings    model.Settings    `mapstructure:"default_settings"`
	TierPresets        TierPresetTable   `mapstructure:"-"`
}

// Load resolves configuration from (in increasing priority): built-in
// defaults, an optional helix-memory.yaml in the working directory,
// and environment variables MEMORY_ROOT / SUMMARIZER_DEADLINE_MS.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("helix-memory")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	home, err := os.UserHomeDir()
	if err == nil {
		v.SetDefault("root", filepath.Join(home, ".helix-memory"))
	} else {
		v.SetDefault("root", ".helix-memory")
	}
	v.SetDefault("summarizer_deadline", 5*time.Minute)
	v.SetDefault("lock_stale_after", 30*time.Second)
	v.SetDefault("default_settings.default_compression_preset", string(model.PresetStandard))
	v.SetDefault("default_settings.auto_register", false)
	v.SetDefault("default_settings.keepit_decay_enabled", true)

	v.SetEnvPrefix("") // env vars below are read verbatim, no prefix
	_ = v.BindEnv("root", "MEMORY_ROOT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{TierPresets: DefaultTierPresets()}
	cfg.Root = v.GetString("root")
	cfg.SummarizerDeadline = v.GetDuration("summarizer_deadline")
	cfg.LockStaleAfter = v.GetDuration("lock_stale_after")
	cfg.DefaultSettings = model.Settings{
		DefaultCompressionPreset: model.CompressionPreset(v.GetString("default_settings.default_compression_preset")),
		AutoRegister:             v.GetBool("default_settings.auto_register"),
		KeepitDecayEnabled:       v.GetBool("default_settings.keepit_decay_enabled"),
	}

	if ms, ok := os.LookupEnv("SUMMARIZER_DEADLINE_MS"); ok {
		if d, perr := time.ParseDuration(ms + "ms"); perr == nil {
			cfg.SummarizerDeadline = d
		}
	}

	// Tier preset overrides are nested lists, which viper's flat key
	// model handles poorly; decode that one section from the config
	// file directly.
	if file := v.ConfigFileUsed(); file != "" {
		raw, rerr := os.ReadFile(file)
		if rerr == nil {
			overrides, perr := ParseTierPresetOverrides(raw)
			if perr != nil {
				return nil, perr
			}
			for preset, tiers := range overrides {
				cfg.TierPresets[preset] = tiers
			}
		}
	}

	return cfg, nil
}

// tierOverrideDoc is the yaml shape of the optional tier_presets
// section of helix-memory.yaml.
type tierOverrideDoc struct {
	TierPresets map[string][]struct {
		EndPercent      int    `yaml:"end_percent"`
		CompactionRatio int    `yaml:"compaction_ratio"`
		Aggressiveness  string `yaml:"aggressiveness"`
	} `yaml:"tier_presets"`
}

// ParseTierPresetOverrides decodes the tier_presets section of a
// config file, returning only the presets it names.
func ParseTierPresetOverrides(raw []byte) (TierPresetTable, error) {
	var doc tierOverrideDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	out := TierPresetTable{}
	for name, tiers := range doc.TierPresets {
		converted := make([]model.Tier, 0, len(tiers))
		for _, t := range tiers {
			converted = append(converted, model.Tier{
				EndPercent:      t.EndPercent,
				CompactionRatio: t.CompactionRatio,
				Aggressiveness:  model.Aggressiveness(t.Aggressiveness),
			})
		}
		out[model.TierPreset(name)] = converted
	}
	return out, nil
}
