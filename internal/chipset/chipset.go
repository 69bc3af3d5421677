package chipset

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/rvm/internal/trap"
)

// ErrNoHandler is returned for accesses that no registered trap covers.
var ErrNoHandler = errors.New("no handler for access")

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Close drops the chipset's reference on the guest.
func (c *Chipset) Close() error {
	return c.guest.Close()
}

// Resolve returns the trap covering the whole access [addr, addr+n).
func (c *Chipset) Resolve(kind trap.Kind, addr uint64, n int) (trap.Trap, bool) {
	t, ok := c.guest.LookupTrap(kind, addr)
	if !ok {
		return trap.Trap{}, false
	}
	end := addr + uint64(n)
	if end < addr || end > t.End() {
		return trap.Trap{}, false
	}
	return t, true
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	t, ok := c.Resolve(trap.KindIO, uint64(port), len(data))
	if !ok {
		return fmt.Errorf("chipset: %w: I/O port 0x%04x", ErrNoHandler, port)
	}
	handler := c.bindings[t.Key].pio
	if handler == nil {
		return fmt.Errorf("chipset: %w: I/O port 0x%04x trap key %d", ErrNoHandler, port, t.Key)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	t, ok := c.Resolve(trap.KindMem, addr, len(data))
	if !ok {
		return fmt.Errorf("chipset: %w: MMIO address 0x%016x", ErrNoHandler, addr)
	}
	handler := c.bindings[t.Key].mmio
	if handler == nil {
		return fmt.Errorf("chipset: %w: MMIO address 0x%016x trap key %d", ErrNoHandler, addr, t.Key)
	}
	if isWrite {
		return handler.WriteMMIO(addr, data)
	}
	return handler.ReadMMIO(addr, data)
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
