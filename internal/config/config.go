// Package config loads the command line tool's settings from a YAML file and
// BINBRIDGE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/binbridge/sig"
)

// Machine backends.
const (
	BackendAuto     = "auto"
	BackendNative   = "native"
	BackendEmulator = "emulator"
)

// Config is the complete tool configuration.
type Config struct {
	Log         LogConfig     `yaml:"log"`
	Machine     MachineConfig `yaml:"machine"`
	Definitions []string      `yaml:"definitions,omitempty" env:"BINBRIDGE_DEFINITIONS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"BINBRIDGE_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"BINBRIDGE_LOG_PRETTY"`
}

// MachineConfig selects where generated code runs.
type MachineConfig struct {
	// Backend is auto, native or emulator. Auto prefers native.
	Backend string `yaml:"backend" env:"BINBRIDGE_MACHINE"`
	// Platform overrides the ABI flavour: windows or elf. Empty means host.
	Platform string `yaml:"platform,omitempty" env:"BINBRIDGE_PLATFORM"`
	// StepLimit bounds emulated instructions per top-level call.
	StepLimit int `yaml:"step_limit" env:"BINBRIDGE_STEP_LIMIT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Machine: MachineConfig{
			Backend:   BackendAuto,
			StepLimit: 1_000_000,
		},
	}
}

// Load reads path from fs over the defaults, then applies the environment.
// An empty path skips the file; a missing file is an error.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Machine.Backend {
	case BackendAuto, BackendNative, BackendEmulator:
	default:
		errs = append(errs, fmt.Errorf("machine.backend: unknown backend %q", c.Machine.Backend))
	}
	if c.Machine.Platform != "" {
		if _, err := sig.ParsePlatform(c.Machine.Platform); err != nil {
			errs = append(errs, fmt.Errorf("machine.platform: %w", err))
		}
	}
	if c.Machine.StepLimit < 0 {
		errs = append(errs, errors.New("machine.step_limit: must not be negative"))
	}
	return errors.Join(errs...)
}

// Platform returns the configured platform, or the host's.
func (c *Config) Platform() sig.Platform {
	if p, err := sig.ParsePlatform(c.Machine.Platform); err == nil {
		return p
	}
	return sig.HostPlatform()
}

// Path returns the config file named by BINBRIDGE_CONFIG, if any.
func Path() string {
	return os.Getenv("BINBRIDGE_CONFIG")
}
