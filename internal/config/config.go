// Package config loads and validates the trellisd configuration from
// defaults, a TOML file, and TRELLISD_ environment variables, plus an
// optional circuits file declaring the circuits this node participates in.
package config

import (
	"path/filepath"
	"time"
)

// Config is the complete trellisd configuration.
type Config struct {
	Node      NodeConfig      `toml:"node" mapstructure:"node"`
	Network   NetworkConfig   `toml:"network" mapstructure:"network"`
	Storage   StorageConfig   `toml:"storage" mapstructure:"storage"`
	Consensus ConsensusConfig `toml:"consensus" mapstructure:"consensus"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`

	// CircuitsFile points to the circuits file, relative to the main
	// config file when not absolute.
	CircuitsFile string `toml:"circuits_file" mapstructure:"circuits_file"`

	// Circuits is loaded from the circuits file, not the main config.
	Circuits []CircuitConfig `toml:"-" mapstructure:"-"`

	configPath   string `toml:"-" mapstructure:"-"`
	circuitsPath string `toml:"-" mapstructure:"-"`
}

// NodeConfig identifies this node on the network.
type NodeConfig struct {
	// ID is the node's identity, presented to peers during the trust
	// handshake.
	ID string `toml:"id" mapstructure:"id"`
}

// NetworkConfig holds the listen endpoint and the peers to dial at startup.
type NetworkConfig struct {
	// Endpoint is the listen address, e.g. "tcp://0.0.0.0:8044".
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`
	// Peers are endpoints dialed and authorized at startup.
	Peers []string `toml:"peers" mapstructure:"peers"`
	// HeartbeatIntervalSeconds is the idle heartbeat period. Zero
	// disables heartbeats.
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// ConnectTimeoutSeconds bounds outbound connection attempts.
	ConnectTimeoutSeconds int `toml:"connect_timeout" mapstructure:"connect_timeout"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	// Backend names a registered storage backend, "pebble" or "memory".
	Backend string `toml:"backend" mapstructure:"backend"`
	// Path is the on-disk location for persistent backends.
	Path string `toml:"path" mapstructure:"path"`
	// CacheSize is the read-through cache capacity in entries. Zero
	// disables the cache.
	CacheSize int `toml:"cache_size" mapstructure:"cache_size"`
}

// ConsensusConfig tunes the two-phase engine.
type ConsensusConfig struct {
	// CoordinatorTimeoutSeconds is how long a participant waits on a
	// stalled coordinator before rejecting the proposal.
	CoordinatorTimeoutSeconds int `toml:"coordinator_timeout" mapstructure:"coordinator_timeout"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" mapstructure:"level"`
	// Format is "json" or "console".
	Format string `toml:"format" mapstructure:"format"`
}

// CircuitConfig declares one circuit from the circuits file.
type CircuitConfig struct {
	ID      string                 `toml:"id" mapstructure:"id"`
	Members []CircuitMemberConfig  `toml:"members" mapstructure:"members"`
	Roster  []CircuitServiceConfig `toml:"roster" mapstructure:"roster"`
}

// CircuitMemberConfig declares one member node of a circuit.
type CircuitMemberConfig struct {
	ID        string   `toml:"id" mapstructure:"id"`
	Endpoints []string `toml:"endpoints" mapstructure:"endpoints"`
}

// CircuitServiceConfig declares one roster entry of a circuit.
type CircuitServiceConfig struct {
	ServiceID    string   `toml:"service_id" mapstructure:"service_id"`
	ServiceType  string   `toml:"service_type" mapstructure:"service_type"`
	AllowedNodes []string `toml:"allowed_nodes" mapstructure:"allowed_nodes"`
}

// Paths holds the configuration file locations.
type Paths struct {
	// Main is the main config file (trellisd.toml).
	Main string
	// Circuits is the circuits file. Empty falls back to the main
	// config's circuits_file setting.
	Circuits string
}

// DefaultPaths returns the default configuration file locations.
func DefaultPaths() Paths {
	return Paths{
		Main:     "trellisd.toml",
		Circuits: "",
	}
}

// PathsFromDir returns configuration locations inside a directory.
func PathsFromDir(dir string) Paths {
	return Paths{
		Main:     filepath.Join(dir, "trellisd.toml"),
		Circuits: filepath.Join(dir, "circuits.toml"),
	}
}

// ConfigPath returns the path the main config was loaded from.
func (c *Config) ConfigPath() string { return c.configPath }

// CircuitsPath returns the path the circuits were loaded from, or empty if
// no circuits file was found.
func (c *Config) CircuitsPath() string { return c.circuitsPath }

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Network.HeartbeatIntervalSeconds) * time.Second
}

// ConnectTimeout returns the outbound connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Network.ConnectTimeoutSeconds) * time.Second
}

// CoordinatorTimeout returns the consensus coordinator timeout as a
// duration.
func (c *Config) CoordinatorTimeout() time.Duration {
	return time.Duration(c.Consensus.CoordinatorTimeoutSeconds) * time.Second
}

// LocalCircuits returns the configured circuits that list this node as a
// member.
func (c *Config) LocalCircuits() []CircuitConfig {
	var local []CircuitConfig
	for _, circuit := range c.Circuits {
		for _, member := range circuit.Members {
			if member.ID == c.Node.ID {
				local = append(local, circuit)
				break
			}
		}
	}
	return local
}
