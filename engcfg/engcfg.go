// Package engcfg holds ambient engine configuration: error limits, expansion
// and sandbox bounds, and disassembly heuristics. This is distinct from the
// per-ISA domain description in package isa, which is the spec-mandated
// JSON-shaped wire format.
package engcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config is the engine-wide tunable configuration.
type Config struct {
	Errors struct {
		MaxErrors int `toml:"max_errors"`
	} `toml:"errors"`

	Assembler struct {
		MaxExpansionDepth int  `toml:"max_expansion_depth"`
		CaseInsensitive   bool `toml:"case_insensitive_override"`
	} `toml:"assembler"`

	Sandbox struct {
		MaxCallDepth      int `toml:"max_call_depth"`
		MaxLoopIterations int `toml:"max_loop_iterations"`
		MaxFuel           int `toml:"max_fuel"`
	} `toml:"sandbox"`

	Disassembly struct {
		MaxConsecutiveNOPs int  `toml:"max_consecutive_nops"`
		DefaultSmart       bool `toml:"default_smart"`
	} `toml:"disassembly"`
}

// DefaultConfig returns a Config with the spec's defaults: 100 max errors
// (§5/§7), expansion depth 4 (§4.5), sandbox recursion depth 32 and loop
// iteration cap 65536 (§4.7), and 8 consecutive NOPs before a CODE->DATA
// mode switch (§4.6).
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Errors.MaxErrors = 100

	cfg.Assembler.MaxExpansionDepth = 4
	cfg.Assembler.CaseInsensitive = false

	cfg.Sandbox.MaxCallDepth = 32
	cfg.Sandbox.MaxLoopIterations = 65536
	cfg.Sandbox.MaxFuel = 1_000_000

	cfg.Disassembly.MaxConsecutiveNOPs = 8
	cfg.Disassembly.DefaultSmart = false

	return cfg
}

// GetConfigPath returns the platform-specific config file path, following
// the same per-OS convention as other tools in this family.
func GetConfigPath() string {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		configDir = filepath.Join(configDir, "isaforge")

	case "darwin", "linux":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "isaforge.toml"
		}
		configDir = filepath.Join(homeDir, ".config", "isaforge")

	default:
		return "isaforge.toml"
	}

	if err := os.MkdirAll(configDir, 0750); err != nil {
		return "isaforge.toml"
	}

	return filepath.Join(configDir, "isaforge.toml")
}

// Load loads configuration from the default config file, falling back to
// defaults if the file does not exist.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom loads configuration from the specified file, falling back to
// defaults if the file does not exist.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}

	return cfg, nil
}
