// Package config provides configuration loading and management for anatflow.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Pipeline parameters
	Pipeline struct {
		// Workers bounds how many subjects are processed concurrently
		Workers int `yaml:"workers"`

		// OutputDir is the root directory for published subject outputs
		OutputDir string `yaml:"outputDir"`
	} `yaml:"pipeline"`

	// FSL toolkit parameters
	FSL struct {
		// Dir is the FSL installation root; tools are resolved under Dir/bin.
		// It is read from the FSLDIR environment variable only when building
		// defaults, and passed explicitly everywhere else.
		Dir string `yaml:"dir"`
	} `yaml:"fsl"`

	// Precrop transform-chain parameters
	Precrop struct {
		// NoiseFraction scales the 90th-percentile intensity into the noise
		// standard deviation used to regularize field-of-view estimation
		NoiseFraction float64 `yaml:"noiseFraction"`

		// Seed seeds the noise generator; 0 derives a seed from the clock
		Seed uint64 `yaml:"seed"`
	} `yaml:"precrop"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// JSON switches log output from text to JSON
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.Workers = 1
	cfg.Pipeline.OutputDir = "out"

	cfg.FSL.Dir = os.Getenv("FSLDIR")

	cfg.Precrop.NoiseFraction = 0.005
	cfg.Precrop.Seed = 0

	cfg.Logging.Level = "info"
	cfg.Logging.JSON = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
