// Package config provides configuration loading and management for
// mtnormalise. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mtnormalise/pkg/normalise"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Normalisation parameters
	Normalise struct {
		// Order is the maximum order of the polynomial basis used to
		// fit the normalisation field in the log-domain (0-3)
		Order int `yaml:"order"`

		// MaxIterations bounds the outer field-refinement loop
		MaxIterations int `yaml:"maxIterations"`

		// MaxBalanceIterations bounds the inner balance/rejection loop
		MaxBalanceIterations int `yaml:"maxBalanceIterations"`

		// ReferenceValue is the target value the summed tissue
		// compartments are normalised to
		ReferenceValue float64 `yaml:"referenceValue"`

		// Balanced incorporates the per-tissue balance factors into
		// the scaling of the output images
		Balanced bool `yaml:"balanced"`
	} `yaml:"normalise"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Codec selects the payload compression of written volumes:
		// "gzip", "lz4" or "none"
		Codec string `yaml:"codec"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default normalisation parameters
	cfg.Normalise.Order = normalise.DefaultPolyOrder
	cfg.Normalise.MaxIterations = normalise.DefaultMaxIterations
	cfg.Normalise.MaxBalanceIterations = normalise.DefaultMaxBalanceIter
	cfg.Normalise.ReferenceValue = normalise.DefaultReferenceValue
	cfg.Normalise.Balanced = false

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.Codec = "gzip"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
