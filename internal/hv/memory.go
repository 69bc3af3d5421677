package hv

import (
	"fmt"
	"io"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the granule for guest memory regions and memory traps.
const PageSize = hostarch.PageSize

// GuestPhysAddr is an address in the guest's view of physical memory.
type GuestPhysAddr uint64

// HostPhysAddr is an address of memory backing the guest on the host side.
type HostPhysAddr uint64

func (a GuestPhysAddr) IsPageAligned() bool { return hostarch.Addr(a).IsPageAligned() }
func (a HostPhysAddr) IsPageAligned() bool  { return hostarch.Addr(a).IsPageAligned() }

// GuestPhysMemorySet owns the guest-physical to host-physical translation of
// one guest, typically a set of nested or extended page tables.
//
// AddMap installs [gpa, gpa+size). When hpa is nil the implementation backs
// the range with freshly allocated memory, otherwise with the fixed host
// range starting at *hpa. RemoveMap drops any translation in [gpa, gpa+size).
// Each call must be atomic with respect to other calls.
type GuestPhysMemorySet interface {
	TablePhys() HostPhysAddr
	AddMap(gpa GuestPhysAddr, size uint64, hpa *HostPhysAddr) error
	RemoveMap(gpa GuestPhysAddr, size uint64) error
}

// MemoryHandle shares one GuestPhysMemorySet between several owners. The set
// is closed, if it implements io.Closer, when the last owner releases it.
type MemoryHandle struct {
	set  GuestPhysMemorySet
	refs atomic.Int64
}

// NewMemoryHandle wraps set with a single reference held by the caller.
func NewMemoryHandle(set GuestPhysMemorySet) *MemoryHandle {
	h := &MemoryHandle{set: set}
	h.refs.Store(1)
	return h
}

// Set returns the wrapped memory set.
func (h *MemoryHandle) Set() GuestPhysMemorySet { return h.set }

// Refs returns the current number of owners.
func (h *MemoryHandle) Refs() int64 { return h.refs.Load() }

// Ref adds an owner and returns h.
func (h *MemoryHandle) Ref() *MemoryHandle {
	if !h.tryRef() {
		panic("hv: Ref on released memory handle")
	}
	return h
}

// tryRef adds an owner unless the handle has already been released.
func (h *MemoryHandle) tryRef() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one owner. Dropping the last owner closes the set.
func (h *MemoryHandle) Release() error {
	n := h.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic(fmt.Sprintf("hv: memory handle released %d times too often", -n))
	}
	if c, ok := h.set.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
