package vmd

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultConfig is what the daemon runs with when no config file exists.
func DefaultConfig() Config {
	return Config{
		SeaBIOSPath: "/System/shared/corevm/bios/seabios.bin",
		VgaBIOSPath: "/System/shared/corevm/bios/vgabios.bin",
		VMsDir:      "/System/shared/vmmanager/vms",
		BatchSize:   BatchSize,
	}
}

// LoadConfig parses the daemon's yaml config body. Unset fields keep
// their defaults.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("vmd config: %w", err)
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = BatchSize
	}

	return cfg, nil
}
