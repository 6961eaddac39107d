// Package config loads and validates Chain Pulse's TOML configuration
// file: the set of chains to monitor, where to persist observations, and
// how the metrics endpoint should be exposed.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/informalsystems/chainpulse/pkg/types"
)

// Config is the root of chainpulse.toml.
type Config struct {
	Database   DatabaseConfig          `toml:"database"`
	Metrics    MetricsConfig           `toml:"metrics"`
	Supervisor SupervisorConfig        `toml:"supervisor"`
	Chains     map[string]ChainSection `toml:"chains"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig controls the Prometheus exposition server.
type MetricsConfig struct {
	Enabled         bool `toml:"enabled"`
	Port            int  `toml:"port"`
	PopulateOnStart bool `toml:"populate_on_start"`

	// StuckPacketsIntervalSeconds controls how often the stuck-packets gauge is
	// recomputed, as seconds. The spec left the recompute cadence an open
	// question; we make it operator-configurable rather than fixed.
	StuckPacketsIntervalSeconds int `toml:"stuck_packets_interval_seconds"`
}

// SupervisorConfig controls process-level shutdown behavior.
type SupervisorConfig struct {
	// ShutdownGraceSeconds bounds how long the Supervisor waits for Chain
	// Workers to stop after a shutdown signal before giving up.
	ShutdownGraceSeconds int `toml:"shutdown_grace"`
}

// ChainSection is one [chains.<name>] table.
type ChainSection struct {
	URL           string   `toml:"url"`
	Comet         string   `toml:"comet_version"`
	ChannelFilter []string `toml:"channel_filter"`
}

const (
	defaultMetricsPort          = 3000
	defaultStuckPacketsInterval = 60
	defaultShutdownGrace        = 10

	// defaultCometVersion is applied when a [chains.<id>] section omits
	// comet_version (spec.md §6).
	defaultCometVersion = "0.34"
)

// cometVersions maps the comet_version strings spec.md §6 documents
// ("0.34", "0.37") to the internal protocol-generation tags the Decoder
// dispatches on.
var cometVersions = map[string]types.ProtocolGeneration{
	"0.34": types.CometV034,
	"0.37": types.CometV037,
}

// Load reads and parses the TOML file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.Metrics.StuckPacketsIntervalSeconds == 0 {
		c.Metrics.StuckPacketsIntervalSeconds = defaultStuckPacketsInterval
	}
	if c.Supervisor.ShutdownGraceSeconds == 0 {
		c.Supervisor.ShutdownGraceSeconds = defaultShutdownGrace
	}
	for id, ch := range c.Chains {
		if ch.Comet == "" {
			ch.Comet = defaultCometVersion
			c.Chains[id] = ch
		}
	}
}

// Validate checks the config for the fatal-on-startup conditions named in
// spec.md §7: a missing database.path, an empty chain set, a chain with no
// URL, or an unrecognized protocol generation tag.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one [chains.<id>] section must be configured")
	}
	for id, ch := range c.Chains {
		if ch.URL == "" {
			return fmt.Errorf("chain %q: url must be set", id)
		}
		if _, ok := cometVersions[ch.Comet]; !ok {
			return fmt.Errorf("chain %q: comet_version must be %q or %q, got %q", id, "0.34", "0.37", ch.Comet)
		}
	}
	return nil
}

// ChainConfigs converts the parsed [chains] table into the types package's
// ChainConfig values, in no particular order.
func (c Config) ChainConfigs() []types.ChainConfig {
	out := make([]types.ChainConfig, 0, len(c.Chains))
	for id, ch := range c.Chains {
		filter := make(map[string]bool, len(ch.ChannelFilter))
		for _, ch := range ch.ChannelFilter {
			filter[ch] = true
		}
		out = append(out, types.ChainConfig{
			ChainID:       types.ChainID(id),
			URL:           ch.URL,
			Comet:         cometVersions[ch.Comet],
			ChannelFilter: filter,
		})
	}
	return out
}

// ShutdownGrace is the Supervisor's shutdown grace period.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Supervisor.ShutdownGraceSeconds) * time.Second
}

// StuckPacketsInterval is how often the stuck-packets gauge is recomputed.
func (c Config) StuckPacketsInterval() time.Duration {
	return time.Duration(c.Metrics.StuckPacketsIntervalSeconds) * time.Second
}
