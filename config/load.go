package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the qcore configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}

// Default returns a Config populated purely from defaults, ignoring any
// config files or environment. Useful for tests and embedded use.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always unmarshal; a failure here is a programming error.
		panic(err)
	}
	return cfg
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("QCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Merge config files in precedence order: user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for qcore.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "qcore.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges configuration files, lowest precedence first
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	configPaths := []string{
		filepath.Join(homeDir, ".qcore", "config.toml"), // User config
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err == nil {
			for key, value := range tempViper.AllSettings() {
				v.Set(key, value)
			}
		}
	}
}
