// Package resetport emulates the PC reset control register at port 0xcf9
// and the POST diagnostic port at 0x80.
package resetport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/rvm/internal/chipset"
)

const (
	ResetControlPort = 0xcf9
	PostCodePort     = 0x80

	resetCPU = 1 << 2
)

// ErrResetRequested is returned from a write that asks for a system reset.
var ErrResetRequested = errors.New("guest requested reset")

// Device holds the last reset control value and the POST codes the guest
// has written.
type Device struct {
	mu    sync.Mutex
	last  byte
	codes []byte
}

func New() *Device {
	return &Device{}
}

func (d *Device) Start() error { return nil }
func (d *Device) Stop() error  { return nil }

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = 0
	d.codes = nil
	return nil
}

func (d *Device) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ranges: []chipset.PortRange{
			{Base: PostCodePort, Count: 1},
			{Base: ResetControlPort, Count: 1},
		},
		Handler: d,
	}
}

func (d *Device) SupportsMmio() *chipset.MmioIntercept    { return nil }
func (d *Device) SupportsPollDevice() *chipset.PollDevice { return nil }

func (d *Device) ReadIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var value byte
	switch port {
	case ResetControlPort:
		value = d.last
	case PostCodePort:
		if n := len(d.codes); n > 0 {
			value = d.codes[n-1]
		}
	}
	for i := range data {
		data[i] = value
	}
	return nil
}

func (d *Device) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("resetport: empty write to port 0x%x", port)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch port {
	case PostCodePort:
		d.codes = append(d.codes, data[0])
	case ResetControlPort:
		d.last = data[0]
		if data[0]&resetCPU != 0 {
			return ErrResetRequested
		}
	}
	return nil
}

// PostCodes returns the POST codes written so far.
func (d *Device) PostCodes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.codes...)
}

var _ chipset.Device = (*Device)(nil)
