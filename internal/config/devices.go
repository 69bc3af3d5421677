package config

import (
	"fmt"
	"io"

	"github.com/tinyrange/rvm/internal/chipset"
	"github.com/tinyrange/rvm/internal/devices/resetport"
	"github.com/tinyrange/rvm/internal/devices/uart"
	"github.com/tinyrange/rvm/internal/hv"
)

const (
	DeviceUART      = "uart"
	DeviceUARTMMIO  = "uart-mmio"
	DeviceResetPort = "resetport"
)

// DeviceConfig is one emulated device. Port applies to "uart"; Addr and
// RegShift apply to "uart-mmio", where a zero Addr places the window above
// guest RAM.
type DeviceConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Port     uint16 `yaml:"port,omitempty"`
	Addr     uint64 `yaml:"addr,omitempty"`
	RegShift uint   `yaml:"reg_shift,omitempty"`
}

func (d DeviceConfig) validate() error {
	switch d.Type {
	case DeviceUART, DeviceUARTMMIO, DeviceResetPort:
	default:
		return fmt.Errorf("unknown device type %q", d.Type)
	}
	if d.Name == "" {
		return fmt.Errorf("%s device has no name", d.Type)
	}
	return nil
}

func (d DeviceConfig) build(out io.Writer) chipset.Device {
	switch d.Type {
	case DeviceUART:
		return uart.NewPort(d.Port, out)
	case DeviceUARTMMIO:
		return uart.NewMMIO(d.Addr, d.RegShift, out)
	default:
		return resetport.New()
	}
}

// ramEnd returns the end of the highest configured RAM region.
func (g *GuestConfig) ramEnd() uint64 {
	var end uint64
	for _, r := range g.Regions {
		if e := r.GuestAddr + r.Size; e > end {
			end = e
		}
	}
	return end
}

// Chipset registers the configured devices on guest and builds the
// dispatch tables. UART output goes to out.
func (g *GuestConfig) Chipset(guest *hv.Guest, out io.Writer) (*chipset.Chipset, error) {
	b := chipset.NewBuilder(guest, hv.NewAddressSpace(0, g.ramEnd()))
	for _, d := range g.Devices {
		if err := b.RegisterDevice(d.Name, d.build(out)); err != nil {
			return nil, fmt.Errorf("guest %q: %w", g.Name, err)
		}
	}
	return b.Build()
}
