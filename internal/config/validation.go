package config

import (
	"fmt"
	"strings"

	"github.com/trellisnet/trellisd/internal/circuit"
	"github.com/trellisnet/trellisd/internal/storage"
)

// Validate checks the complete configuration.
func Validate(config *Config) error {
	if err := validateNode(&config.Node); err != nil {
		return fmt.Errorf("node config validation failed: %w", err)
	}
	if err := validateNetwork(&config.Network); err != nil {
		return fmt.Errorf("network config validation failed: %w", err)
	}
	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if err := validateConsensus(&config.Consensus); err != nil {
		return fmt.Errorf("consensus config validation failed: %w", err)
	}
	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log config validation failed: %w", err)
	}
	for _, circuitConfig := range config.Circuits {
		if err := validateCircuit(&circuitConfig); err != nil {
			return fmt.Errorf("circuit %q validation failed: %w", circuitConfig.ID, err)
		}
	}
	return nil
}

func validateNode(node *NodeConfig) error {
	if node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	return nil
}

func validateNetwork(network *NetworkConfig) error {
	if err := validateEndpoint(network.Endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	for _, peer := range network.Peers {
		if err := validateEndpoint(peer); err != nil {
			return fmt.Errorf("invalid peer endpoint %q: %w", peer, err)
		}
	}
	if network.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("heartbeat_interval cannot be negative")
	}
	if network.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "tcp://") && !strings.HasPrefix(endpoint, "inproc://") {
		return fmt.Errorf("endpoint %q must use the tcp:// or inproc:// scheme", endpoint)
	}
	return nil
}

func validateStorage(cfg *StorageConfig) error {
	known := storage.Backends()
	for _, backend := range known {
		if cfg.Backend == backend {
			if cfg.Backend == "pebble" && cfg.Path == "" {
				return fmt.Errorf("storage path is required for the pebble backend")
			}
			if cfg.CacheSize < 0 {
				return fmt.Errorf("cache_size cannot be negative")
			}
			return nil
		}
	}
	return fmt.Errorf("unknown storage backend %q (available: %s)",
		cfg.Backend, strings.Join(known, ", "))
}

func validateConsensus(cfg *ConsensusConfig) error {
	if cfg.CoordinatorTimeoutSeconds <= 0 {
		return fmt.Errorf("coordinator_timeout must be positive")
	}
	return nil
}

func validateLog(cfg *LogConfig) error {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}
	switch cfg.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}

func validateCircuit(cfg *CircuitConfig) error {
	if err := circuit.ValidateCircuitID(cfg.ID); err != nil {
		return err
	}
	if len(cfg.Members) == 0 {
		return fmt.Errorf("circuit must have at least one member")
	}

	members := make(map[string]bool, len(cfg.Members))
	for _, member := range cfg.Members {
		if member.ID == "" {
			return fmt.Errorf("member id cannot be empty")
		}
		if members[member.ID] {
			return fmt.Errorf("duplicate member %q", member.ID)
		}
		members[member.ID] = true
	}

	seen := make(map[string]bool, len(cfg.Roster))
	for _, svc := range cfg.Roster {
		if err := circuit.ValidateServiceID(svc.ServiceID); err != nil {
			return err
		}
		if seen[svc.ServiceID] {
			return fmt.Errorf("duplicate service %q", svc.ServiceID)
		}
		seen[svc.ServiceID] = true

		if len(svc.AllowedNodes) == 0 {
			return fmt.Errorf("service %q must allow at least one node", svc.ServiceID)
		}
		for _, node := range svc.AllowedNodes {
			if !members[node] {
				return fmt.Errorf("service %q allows non-member node %q", svc.ServiceID, node)
			}
		}
	}
	return nil
}
