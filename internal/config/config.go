// Package config loads guest descriptions from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/trap"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	BackendSoft = "soft"
	BackendKVM  = "kvm"
)

// Config describes the guests to create and the limit they share. Backend
// selects the memory set behind every guest and defaults to "soft".
type Config struct {
	MaxGuests int           `yaml:"max_guests"`
	Backend   string        `yaml:"backend,omitempty"`
	Guests    []GuestConfig `yaml:"guests"`
}

type GuestConfig struct {
	Name    string         `yaml:"name"`
	Regions []RegionConfig `yaml:"regions"`
	Traps   []TrapConfig   `yaml:"traps"`
	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

// RegionConfig is one guest RAM region. HostAddr pins the region to a fixed
// host range; without it the region is backed by anonymous memory.
type RegionConfig struct {
	GuestAddr uint64  `yaml:"guest_addr"`
	Size      uint64  `yaml:"size"`
	HostAddr  *uint64 `yaml:"host_addr,omitempty"`
}

type TrapConfig struct {
	Kind string `yaml:"kind"`
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
	Key  uint64 `yaml:"key"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document. Integers may be written in
// hex (0x1000).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the config that do not depend on guest state.
// Range and alignment rules are left to the guest.
func (c *Config) Validate() error {
	if c.MaxGuests < 0 {
		return fmt.Errorf("%w: max_guests is negative", ErrInvalidConfig)
	}
	switch c.Backend {
	case "", BackendSoft, BackendKVM:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.MaxGuests > 0 && len(c.Guests) > c.MaxGuests {
		return fmt.Errorf("%w: %d guests exceed max_guests %d", ErrInvalidConfig, len(c.Guests), c.MaxGuests)
	}
	names := make(map[string]bool, len(c.Guests))
	for i, g := range c.Guests {
		if g.Name == "" {
			return fmt.Errorf("%w: guest %d has no name", ErrInvalidConfig, i)
		}
		if names[g.Name] {
			return fmt.Errorf("%w: duplicate guest %q", ErrInvalidConfig, g.Name)
		}
		names[g.Name] = true
		for j, t := range g.Traps {
			if _, err := trap.ParseKindName(t.Kind); err != nil {
				return fmt.Errorf("%w: guest %q trap %d: %w", ErrInvalidConfig, g.Name, j, err)
			}
		}
		devices := make(map[string]bool, len(g.Devices))
		for _, d := range g.Devices {
			if err := d.validate(); err != nil {
				return fmt.Errorf("%w: guest %q: %w", ErrInvalidConfig, g.Name, err)
			}
			if devices[d.Name] {
				return fmt.Errorf("%w: guest %q: duplicate device %q", ErrInvalidConfig, g.Name, d.Name)
			}
			devices[d.Name] = true
		}
	}
	return nil
}

// Apply adds the configured regions and then the traps to guest. It stops at
// the first error; the guest should then be discarded.
func (g *GuestConfig) Apply(guest *hv.Guest) error {
	for _, r := range g.Regions {
		var hpa *hv.HostPhysAddr
		if r.HostAddr != nil {
			addr := hv.HostPhysAddr(*r.HostAddr)
			hpa = &addr
		}
		if err := guest.AddMemoryRegion(hv.GuestPhysAddr(r.GuestAddr), r.Size, hpa); err != nil {
			return fmt.Errorf("guest %q: %w", g.Name, err)
		}
	}
	for _, t := range g.Traps {
		kind, err := trap.ParseKindName(t.Kind)
		if err != nil {
			return fmt.Errorf("guest %q: %w", g.Name, err)
		}
		if err := guest.RegisterTrap(kind, t.Addr, t.Size, t.Key); err != nil {
			return fmt.Errorf("guest %q: %w", g.Name, err)
		}
	}
	return nil
}
