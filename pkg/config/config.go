// Package config provides configuration loading and management for tractconv.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tractconv/pkg/tck"
	"tractconv/pkg/trk"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is how many goroutines map streamlines in parallel
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// DataType of values written to the generic streamline format: float32 or float64
		DataType string `yaml:"dataType"`

		// VoxelOrder overrides the voxel order written to .trk headers, e.g. "LAS".
		// Empty derives it from the image orientation.
		VoxelOrder string `yaml:"voxelOrder"`

		// GzipLevel is the compression level for .gz outputs (1-9, 0 for default)
		GzipLevel int `yaml:"gzipLevel"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// JSON switches the log output to JSON lines
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.DataType = "float32"
	cfg.Output.VoxelOrder = ""
	cfg.Output.GzipLevel = 0

	cfg.Logging.Level = "info"
	cfg.Logging.JSON = false

	return cfg
}

// Validate clamps out-of-range values and rejects settings that cannot be used.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers <= 0 {
		c.Processing.NumWorkers = runtime.NumCPU()
	}
	if _, err := tck.ParseDataType(c.Output.DataType); err != nil {
		return fmt.Errorf("output.dataType: %w", err)
	}
	if c.Output.VoxelOrder != "" {
		c.Output.VoxelOrder = strings.ToUpper(c.Output.VoxelOrder)
		if err := trk.ValidateVoxelOrder(c.Output.VoxelOrder); err != nil {
			return fmt.Errorf("output.voxelOrder: %w", err)
		}
	}
	if c.Output.GzipLevel < 0 || c.Output.GzipLevel > 9 {
		c.Output.GzipLevel = 0
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// DataType returns the parsed output data type. Call Validate first.
func (c *Config) DataType() tck.DataType {
	dt, err := tck.ParseDataType(c.Output.DataType)
	if err != nil {
		return tck.Float32
	}
	return dt
}

// ConfigureLogger applies the logging section to the standard logrus logger.
func (c *Config) ConfigureLogger() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.Logging.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
