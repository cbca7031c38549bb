// Package config provides configuration loading and management for tractrec.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Diffusion controls b-value handling and the kurtosis pipelines
	Diffusion struct {
		// TargetBvals are the shells measured b-values are snapped to
		TargetBvals []float64 `yaml:"targetBvals"`

		// BvalMaxCutoff is the b-value cutoff of the in-process kurtosis pipeline
		BvalMaxCutoff float64 `yaml:"bvalMaxCutoff"`

		// DKECutoff is the b-value cutoff of the DKE preparation
		DKECutoff float64 `yaml:"dkeCutoff"`

		// SmoothMultiplier scales the voxel size into the smoothing FWHM
		SmoothMultiplier float64 `yaml:"smoothMultiplier"`

		// ExpectedDirections is the number of gradient directions DKE requires
		ExpectedDirections int `yaml:"expectedDirections"`

		DKEModule    string `yaml:"dkeModule"`
		DKEBuildPath string `yaml:"dkeBuildPath"`

		// FitCommand, when set, fits each slice with an external program instead
		// of the built-in least squares fit
		FitCommand []string `yaml:"fitCommand"`
	} `yaml:"diffusion"`

	// Queue parameters for Grid Engine submission
	Queue struct {
		Threads     int     `yaml:"threads"`
		MemGB       float64 `yaml:"memGB"`
		Description string  `yaml:"description"`

		// User is whose jobs are polled when waiting for the queue
		User string `yaml:"user"`

		PollInterval time.Duration `yaml:"pollInterval"`

		// TemplateFile replaces the built-in submission template
		TemplateFile string `yaml:"templateFile"`
	} `yaml:"queue"`

	// Stats controls region statistics extraction
	Stats struct {
		ThreshVal  float64 `yaml:"threshVal"`
		ThreshType string  `yaml:"threshType"`

		// MaxVal excludes metric voxels above it; zero keeps every voxel
		MaxVal float64 `yaml:"maxVal"`

		LabelTag string `yaml:"labelTag"`
		Zfill    int    `yaml:"zfill"`
	} `yaml:"stats"`

	// Labels controls voxel labelling and coordinate output
	Labels struct {
		MaxLabelsPerMask int    `yaml:"maxLabelsPerMask"`
		Decimals         int    `yaml:"decimals"`
		CoordinateSpace  string `yaml:"coordinateSpace"`
		StartIndex       uint64 `yaml:"startIndex"`
	} `yaml:"labels"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Diffusion.TargetBvals = []float64{0, 1000, 2000, 3000}
	cfg.Diffusion.BvalMaxCutoff = 3500
	cfg.Diffusion.DKECutoff = 2500
	cfg.Diffusion.SmoothMultiplier = 1.25
	cfg.Diffusion.ExpectedDirections = 90
	cfg.Diffusion.DKEModule = "DKE/2015.10.28"
	cfg.Diffusion.DKEBuildPath = "/opt/quarantine/DKE/2015.10.28/build/v717"

	cfg.Queue.Threads = 8
	cfg.Queue.MemGB = 1.75
	cfg.Queue.Description = "tractrec job"
	cfg.Queue.User = os.Getenv("USER")
	cfg.Queue.PollInterval = 5 * time.Minute

	cfg.Stats.ThreshVal = 0.35
	cfg.Stats.ThreshType = "upper"
	cfg.Stats.MaxVal = 1
	cfg.Stats.LabelTag = "label_"
	cfg.Stats.Zfill = 3

	cfg.Labels.MaxLabelsPerMask = 1000
	cfg.Labels.Decimals = 2
	cfg.Labels.CoordinateSpace = "scanner"
	cfg.Labels.StartIndex = 1

	cfg.Output.LogFormat = "text"

	return cfg
}

// Validate reports values no command can run with
func (c *Config) Validate() error {
	switch {
	case c.Processing.NumCores < 1:
		return fmt.Errorf("processing.numCores must be positive, got %d", c.Processing.NumCores)
	case c.Labels.MaxLabelsPerMask < 2:
		return fmt.Errorf("labels.maxLabelsPerMask must be at least 2, got %d", c.Labels.MaxLabelsPerMask)
	case c.Queue.PollInterval <= 0:
		return fmt.Errorf("queue.pollInterval must be positive, got %s", c.Queue.PollInterval)
	}
	switch c.Output.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("output.logFormat must be text or json, got %q", c.Output.LogFormat)
	}
	return nil
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
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
	return SaveConfig(DefaultConfig(), configPath)
}
