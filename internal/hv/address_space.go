package hv

import (
	"fmt"
	"sort"
	"sync"
)

// MMIOAllocationRequest asks for an MMIO window of at least Size bytes.
// Alignment defaults to PageSize and is never smaller than it, since the
// window is claimed as a memory trap.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a window of guest-physical space reserved for a device.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) End() uint64 { return a.Base + a.Size }

// AddressSpace places MMIO windows for a guest. Dynamic windows are handed
// out above RAM; fixed windows are checked against RAM and each other.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextMMIO is the next candidate address for a dynamic window.
	nextMMIO uint64

	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates an allocator for a guest whose RAM occupies
// [ramBase, ramBase+ramSize).
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, PageSize),
	}
}

// Allocate reserves the next free window satisfying req.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address space: %w: zero-size window for %s", ErrInvalidParam, req.Name)
	}
	alignment := req.Alignment
	if alignment < PageSize {
		alignment = PageSize
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address space: %w: alignment 0x%x for %s is not a power of 2",
			ErrInvalidParam, alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, PageSize)
	noRoom := fmt.Errorf("address space: %w: no room for %s (0x%x bytes)", ErrOutOfRange, req.Name, req.Size)
	if base < a.nextMMIO || base+size < base {
		return MMIOAllocation{}, noRoom
	}
	for {
		conflict, ok := a.overlapping(base, size)
		if !ok {
			break
		}
		next := alignUp(conflict.End(), alignment)
		if next <= base || next+size < next {
			return MMIOAllocation{}, noRoom
		}
		base = next
	}

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = alloc.End()
	return alloc, nil
}

// RegisterFixed reserves a window at a predetermined address.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address space: %w: zero-size fixed window %s", ErrInvalidParam, name)
	}
	if base+size < base {
		return fmt.Errorf("address space: %w: fixed window %s at 0x%x wraps", ErrOutOfRange, name, base)
	}
	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && base+size > a.ramBase {
		return fmt.Errorf("address space: %w: fixed window %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			ErrInvalidParam, name, base, base+size, a.ramBase, ramEnd)
	}
	if conflict, ok := a.overlapping(base, size); ok {
		return fmt.Errorf("address space: %w: fixed window %s [0x%x-0x%x) overlaps %s",
			ErrDuplicateRange, name, base, base+size, conflict.Name)
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

func (a *AddressSpace) overlapping(base, size uint64) (MMIOAllocation, bool) {
	for _, list := range [][]MMIOAllocation{a.fixedRegions, a.allocations} {
		for _, r := range list {
			if base < r.End() && r.Base < base+size {
				return r, true
			}
		}
	}
	return MMIOAllocation{}, false
}

// Windows returns every reserved window ordered by base address.
func (a *AddressSpace) Windows() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]MMIOAllocation, 0, len(a.allocations)+len(a.fixedRegions))
	out = append(out, a.fixedRegions...)
	out = append(out, a.allocations...)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + a.ramSize }

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
