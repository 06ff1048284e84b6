package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from sources in priority order:
// 1. Default values
// 2. Main configuration file (trellisd.toml)
// 3. Environment variables (TRELLISD_ prefix)
// 4. Circuits file (circuits.toml)
func Load(paths Paths) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := loadMainConfig(v, paths.Main); err != nil {
		return nil, fmt.Errorf("failed to load main config: %w", err)
	}

	v.SetEnvPrefix("TRELLISD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.configPath = paths.Main

	circuitsPath := resolveCircuitsPath(paths, config.CircuitsFile)
	circuits, found, err := loadCircuitsConfig(circuitsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load circuits config: %w", err)
	}
	config.Circuits = circuits
	if found {
		config.circuitsPath = circuitsPath
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadFromDir loads configuration from a directory containing both files.
func LoadFromDir(dir string) (*Config, error) {
	return Load(PathsFromDir(dir))
}

func loadMainConfig(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("config path cannot be empty")
	}

	v.SetConfigFile(configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	return nil
}

// resolveCircuitsPath picks the circuits file: an explicit path wins, then
// the main config's circuits_file setting, resolved against the main
// config's directory when relative.
func resolveCircuitsPath(paths Paths, circuitsFile string) string {
	if paths.Circuits != "" {
		return paths.Circuits
	}
	if circuitsFile == "" {
		circuitsFile = "circuits.toml"
	}
	if filepath.IsAbs(circuitsFile) {
		return circuitsFile
	}
	return filepath.Join(filepath.Dir(paths.Main), circuitsFile)
}

// loadCircuitsConfig reads the circuits file. A missing file is not an
// error; a node may start with no circuits and receive them later.
func loadCircuitsConfig(path string) ([]CircuitConfig, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, false, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, false, fmt.Errorf("failed to read circuits file %s: %w", path, err)
	}

	var wrapper struct {
		Circuits []CircuitConfig `mapstructure:"circuits"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal circuits config: %w", err)
	}
	return wrapper.Circuits, true, nil
}
