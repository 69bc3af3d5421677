package chipset

import (
	"context"

	"github.com/tinyrange/rvm/internal/hv"
)

// PortIOHandler handles reads and writes to I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortRange is Count consecutive ports starting at Base.
type PortRange struct {
	Base  uint16
	Count uint16
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ranges  []PortRange
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioRegion is a window a device serves. A zero Address asks the builder to
// place the window above guest RAM.
type MmioRegion struct {
	Name      string
	Address   uint64
	Size      uint64
	Alignment uint64
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MmioRegion
	Handler MmioHandler
}

// MmioPlacer is implemented by devices that need to learn where their
// windows were placed.
type MmioPlacer interface {
	PlaceMmio(index int, window hv.MMIOAllocation)
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is the unified interface all chipset devices must implement.
type Device interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}
