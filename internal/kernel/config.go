package kernel

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the kernel's boot-time configuration: physical memory
// layout, core count, and the user address space window every process
// is constructed with. Populated by cmd/kernel from flags, a config
// file, or KERNEL_-prefixed environment variables via viper, the same
// layered-config shape as the pack's container-orchestration repos
// (canonical/lxd, moby/moby, k3s-io/k3s all load viper/cobra together).
type Config struct {
	NumCores          int    `mapstructure:"num_cores"`
	PhysBase          uint64 `mapstructure:"phys_base"`
	NumFrames         uint64 `mapstructure:"num_frames"`
	UserAddrMin       uint64 `mapstructure:"user_addr_min"`
	UserAddrMax       uint64 `mapstructure:"user_addr_max"`
	SecondaryEntryPtr uint64 `mapstructure:"secondary_entry_ptr"`
}

// DefaultConfig mirrors the constants original_source/crates/kernel/src/main.rs
// hardcodes (four cores, the 0xFFFF_FFFF_FE20_0000-region heap placeholder
// reinterpreted here as the physical frame pool base).
func DefaultConfig() Config {
	return Config{
		NumCores:    4,
		PhysBase:    0x2000_0000,
		NumFrames:   0x10000,
		UserAddrMin: 0x1_0000,
		UserAddrMax: 0x0000_8000_0000_0000,
	}
}

// LoadConfig reads configuration via v, falling back to DefaultConfig
// for anything left unset. v is expected to already have its config
// file path, env prefix, and flag bindings configured by the caller
// (cmd/kernel): this function only applies defaults and unmarshals.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	v.SetDefault("num_cores", cfg.NumCores)
	v.SetDefault("phys_base", cfg.PhysBase)
	v.SetDefault("num_frames", cfg.NumFrames)
	v.SetDefault("user_addr_min", cfg.UserAddrMin)
	v.SetDefault("user_addr_max", cfg.UserAddrMax)
	v.SetDefault("secondary_entry_ptr", cfg.SecondaryEntryPtr)

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("kernel: decoding config: %w", err)
	}
	if cfg.NumCores < 1 {
		return Config{}, fmt.Errorf("kernel: num_cores must be at least 1, got %d", cfg.NumCores)
	}
	return cfg, nil
}
