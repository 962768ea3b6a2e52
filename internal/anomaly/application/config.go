package application

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"equipment-ops/internal/anomaly/rules"
	contracts "equipment-ops/internal/contracts/domain"
)

// DefaultLookback is the telemetry window evaluated by window rules.
const DefaultLookback = time.Hour

// SiteConfig is a per-contract geofence.
type SiteConfig struct {
	Lat      float64 `yaml:"lat"`
	Long     float64 `yaml:"long"`
	RadiusKm float64 `yaml:"radius_km"`
	Timezone string  `yaml:"timezone"`
}

// Config defines rule thresholds and per-contract overrides.
// Contracts holds fully resolved thresholds: each override is decoded over the defaults.
type Config struct {
	Defaults  rules.Thresholds
	Contracts map[string]rules.Thresholds
	Sites     map[string]SiteConfig
	Lookback  time.Duration
}

type fileConfig struct {
	Defaults                 yaml.Node             `yaml:"defaults"`
	Contracts                map[string]yaml.Node  `yaml:"contracts"`
	Sites                    map[string]SiteConfig `yaml:"sites"`
	Lookback                 time.Duration         `yaml:"lookback"`
	MaintenanceIntervalHours *float64              `yaml:"maintenance_interval_hours"`
}

// DefaultConfig returns the stock rule configuration.
func DefaultConfig() Config {
	return Config{
		Defaults: rules.DefaultThresholds(),
		Lookback: DefaultLookback,
	}
}

// LoadConfig reads a YAML rule config. An empty path yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of the defaults. Keys present in the file win,
// zero values included; absent keys keep the value they override.
func ParseConfig(data []byte) (Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return DefaultConfig(), err
	}
	cfg := DefaultConfig()
	if raw.Lookback < 0 {
		return cfg, errors.New("anomaly config: negative lookback")
	}
	if raw.Lookback > 0 {
		cfg.Lookback = raw.Lookback
	}

	defaults, err := decodeThresholds(cfg.Defaults, raw.Defaults)
	if err != nil {
		return cfg, fmt.Errorf("anomaly config: defaults: %w", err)
	}
	if raw.MaintenanceIntervalHours != nil {
		defaults.MaintenanceIntervalHours = *raw.MaintenanceIntervalHours
	}
	if err := defaults.Validate(); err != nil {
		return cfg, fmt.Errorf("anomaly config: defaults: %w", err)
	}
	cfg.Defaults = defaults

	if len(raw.Contracts) > 0 {
		cfg.Contracts = make(map[string]rules.Thresholds, len(raw.Contracts))
		for contractID, node := range raw.Contracts {
			th, err := decodeThresholds(defaults, node)
			if err != nil {
				return cfg, fmt.Errorf("anomaly config: contract %s: %w", contractID, err)
			}
			if err := th.Validate(); err != nil {
				return cfg, fmt.Errorf("anomaly config: contract %s: %w", contractID, err)
			}
			cfg.Contracts[contractID] = th
		}
	}
	cfg.Sites = raw.Sites
	return cfg, nil
}

func decodeThresholds(base rules.Thresholds, node yaml.Node) (rules.Thresholds, error) {
	if node.Kind == 0 {
		return base, nil
	}
	th := base
	if err := node.Decode(&th); err != nil {
		return base, err
	}
	return th, nil
}

// ThresholdsForContract returns thresholds for a contract.
func (c Config) ThresholdsForContract(contractID string) rules.Thresholds {
	if th, ok := c.Contracts[contractID]; ok {
		return th
	}
	if c.Defaults == (rules.Thresholds{}) {
		return rules.DefaultThresholds()
	}
	return c.Defaults
}

// SiteFor returns the configured site of a contract, falling back to the line's own site.
func (c Config) SiteFor(contractID string, fallback *contracts.Site) *contracts.Site {
	if c.Sites != nil {
		if site, ok := c.Sites[contractID]; ok {
			return &contracts.Site{
				Lat:      site.Lat,
				Long:     site.Long,
				RadiusKm: site.RadiusKm,
				Timezone: site.Timezone,
			}
		}
	}
	return fallback
}

func (c Config) lookback() time.Duration {
	if c.Lookback <= 0 {
		return DefaultLookback
	}
	return c.Lookback
}
