package config

import "github.com/spf13/viper"

// setDefaults sets the built-in defaults applied before any file or
// environment value.
func setDefaults(v *viper.Viper) {
	// Network defaults
	v.SetDefault("network.endpoint", "tcp://127.0.0.1:8044")
	v.SetDefault("network.peers", []string{})
	v.SetDefault("network.heartbeat_interval", 30)
	v.SetDefault("network.connect_timeout", 10)

	// Storage defaults
	v.SetDefault("storage.backend", "pebble")
	v.SetDefault("storage.path", "/var/lib/trellisd/db")
	v.SetDefault("storage.cache_size", 1024)

	// Consensus defaults
	v.SetDefault("consensus.coordinator_timeout", 30)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("circuits_file", "circuits.toml")
}
