package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvVar overrides the configuration file location.
	EnvVar            = "PHOTCAL_CONFIG"
	defaultConfigPath = "~/.config/photcal/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for calibration runs.
type Config struct {
	Processing  Processing  `json:"processing"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Calibration Calibration `json:"calibration"`
	Server      Server      `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations. Empty reference paths
// select the tables compiled into the binary.
type Paths struct {
	DatabasePath string `json:"database_path"`
	ReferenceDir string `json:"reference_dir"` // HST aperture and zero-point tables
	FilterDir    string `json:"filter_dir"`    // <survey>/<survey>_<filter>.dat transmission curves
	SurveyConfig string `json:"survey_config"` // YAML survey table
	OutputDir    string `json:"output_dir"`
}

// Calibration tunes the engine.
type Calibration struct {
	// PixelScaleFallback picks the first registered pixel scale, with a
	// warning, when a filter does not select one.
	PixelScaleFallback bool    `json:"pixel_scale_fallback"`
	ApertureGridStep   float64 `json:"aperture_grid_step"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Path returns the configuration file location, honouring PHOTCAL_CONFIG.
func Path() string {
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the configuration at path over the defaults. A missing
// file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Calibration.ApertureGridStep <= 0 {
		return fmt.Errorf("calibration.aperture_grid_step must be positive, got %v", c.Calibration.ApertureGridStep)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "photcal.db"),
			OutputDir:    "./output",
		},
		Calibration: Calibration{
			PixelScaleFallback: false,
			ApertureGridStep:   0.01,
		},
		Server: Server{
			Addr: "127.0.0.1:8080",
		},
	}
}

// ExpandUser resolves a leading ~ to the home directory.
func ExpandUser(path string) (string, error) {
	return expandUser(path)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
