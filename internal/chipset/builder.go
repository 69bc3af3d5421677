// Package chipset routes trapped guest accesses to emulated devices. Devices
// declare the ports and MMIO windows they serve; the builder registers those
// ranges as traps on a guest and keys each trap to the serving handler.
package chipset

import (
	"fmt"

	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/trap"
)

type binding struct {
	device string
	pio    PortIOHandler
	mmio   MmioHandler
}

// Builder registers devices and their intercepts before creating a Chipset.
//
// Traps cannot be withdrawn from a guest, so a failed registration leaves the
// guest with traps that no handler serves; callers should tear the guest down.
type Builder struct {
	guest    *hv.Guest
	layout   *hv.AddressSpace
	devices  map[string]Device
	bindings map[uint64]binding
	nextKey  uint64
	polls    []PollHandler
}

// NewBuilder returns a builder registering traps on guest. Dynamic MMIO
// windows are placed through layout, which may be nil if every window has a
// fixed address.
func NewBuilder(guest *hv.Guest, layout *hv.AddressSpace) *Builder {
	return &Builder{
		guest:    guest,
		layout:   layout,
		devices:  make(map[string]Device),
		bindings: make(map[uint64]binding),
		nextKey:  1,
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if b == nil || b.guest == nil {
		return fmt.Errorf("chipset builder has no guest")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	// Bindings are committed only once every intercept is registered, so a
	// failed device leaves no handler reachable through the chipset.
	pending := make(map[uint64]binding)

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ranges with nil handler", name)
		}
		for _, r := range intercept.Ranges {
			if _, err := b.bindPio(pending, name, r.Base, r.Count, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for i, region := range intercept.Regions {
			window, err := b.place(name, region)
			if err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
			if _, err := b.bindMmio(pending, name, window.Base, window.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
			if placer, ok := dev.(MmioPlacer); ok {
				placer.PlaceMmio(i, window)
			}
		}
	}

	if poll := dev.SupportsPollDevice(); poll != nil {
		if poll.Handler == nil {
			return fmt.Errorf("device %q provided poll handler nil", name)
		}
		b.polls = append(b.polls, poll.Handler)
	}

	for key, bnd := range pending {
		b.bindings[key] = bnd
	}

	b.devices[name] = dev
	return nil
}

func (b *Builder) place(device string, region MmioRegion) (hv.MMIOAllocation, error) {
	name := region.Name
	if name == "" {
		name = device
	}
	if region.Address != 0 {
		if b.layout != nil {
			if err := b.layout.RegisterFixed(name, region.Address, region.Size); err != nil {
				return hv.MMIOAllocation{}, err
			}
		}
		return hv.MMIOAllocation{Name: name, Base: region.Address, Size: region.Size}, nil
	}
	if b.layout == nil {
		return hv.MMIOAllocation{}, fmt.Errorf("MMIO region %q has no address and no layout to place it", name)
	}
	return b.layout.Allocate(hv.MMIOAllocationRequest{
		Name:      name,
		Size:      region.Size,
		Alignment: region.Alignment,
	})
}

// WithPioRange registers a handler for count ports starting at base and
// returns the trap key that routes to it.
func (b *Builder) WithPioRange(base, count uint16, handler PortIOHandler) (uint64, error) {
	return b.bindPio(b.bindings, "", base, count, handler)
}

// WithMmioRegion registers a memory-mapped region handler and returns the
// trap key that routes to it.
func (b *Builder) WithMmioRegion(base, size uint64, handler MmioHandler) (uint64, error) {
	return b.bindMmio(b.bindings, "", base, size, handler)
}

func (b *Builder) bindPio(into map[uint64]binding, device string, base, count uint16, handler PortIOHandler) (uint64, error) {
	if handler == nil {
		return 0, fmt.Errorf("PIO handler for port 0x%x is nil", base)
	}
	key := b.nextKey
	if err := b.guest.RegisterTrap(trap.KindIO, uint64(base), uint64(count), key); err != nil {
		return 0, err
	}
	b.nextKey++
	into[key] = binding{device: device, pio: handler}
	return key, nil
}

func (b *Builder) bindMmio(into map[uint64]binding, device string, base, size uint64, handler MmioHandler) (uint64, error) {
	if handler == nil {
		return 0, fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	key := b.nextKey
	if err := b.guest.RegisterTrap(trap.KindMem, base, size, key); err != nil {
		return 0, err
	}
	b.nextKey++
	into[key] = binding{device: device, mmio: handler}
	return key, nil
}

// Build finalizes the chipset. The chipset holds its own reference on the
// guest until Close.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil || b.guest == nil {
		return nil, fmt.Errorf("chipset builder has no guest")
	}

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	bindings := make(map[uint64]binding, len(b.bindings))
	for key, bnd := range b.bindings {
		bindings[key] = bnd
	}

	polls := make([]PollHandler, len(b.polls))
	copy(polls, b.polls)

	return &Chipset{
		guest:    b.guest.Ref(),
		devices:  devices,
		bindings: bindings,
		polls:    polls,
	}, nil
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	guest    *hv.Guest
	devices  map[string]Device
	bindings map[uint64]binding
	polls    []PollHandler
}
