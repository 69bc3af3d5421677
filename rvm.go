// Package rvm manages guests of a hypervisor: their guest-physical memory and
// the port I/O and MMIO traps that route guest accesses back to the host.
package rvm

import (
	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/trap"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/hv and internal/trap
// -----------------------------------------------------------------------------

// Guest is one virtual machine. It is shared by reference: Ref adds an
// owner, Close drops one, and the last Close frees the guest slot.
type Guest = hv.Guest

// GuestOption configures a Guest at construction.
type GuestOption = hv.GuestOption

// GuestPhysMemorySet is the guest-physical to host-physical translation a
// Guest is built on.
type GuestPhysMemorySet = hv.GuestPhysMemorySet

// MemoryHandle shares a GuestPhysMemorySet between owners.
type MemoryHandle = hv.MemoryHandle

// Limiter caps the number of live guests.
type Limiter = hv.Limiter

// GuestCounter is the process-wide Limiter implementation.
type GuestCounter = hv.GuestCounter

type (
	GuestPhysAddr = hv.GuestPhysAddr
	HostPhysAddr  = hv.HostPhysAddr
)

// Trap is a registered interception of a guest address range.
type Trap = trap.Trap

// TrapKind selects the address space a trap lives in.
type TrapKind = trap.Kind

// Error carries the operation and range of a failed guest call.
type Error = hv.Error

// Trap kinds.
const (
	TrapBell = trap.KindBell
	TrapMem  = trap.KindMem
	TrapIO   = trap.KindIO
)

// PageSize is the alignment required for memory regions and memory traps.
const PageSize = hv.PageSize

// Common sentinel errors. Use errors.Is to test for them.
var (
	ErrInvalidParam      = hv.ErrInvalidParam
	ErrOutOfRange        = hv.ErrOutOfRange
	ErrNotSupported      = hv.ErrNotSupported
	ErrResourceExhausted = hv.ErrResourceExhausted
	ErrDuplicateRange    = hv.ErrDuplicateRange
	ErrGuestClosed       = hv.ErrGuestClosed
)

// -----------------------------------------------------------------------------
// Guest Options
// -----------------------------------------------------------------------------

// WithName labels the guest in log output.
var WithName = hv.WithName

// WithLogger sets the slog logger used by the guest.
var WithLogger = hv.WithLogger

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewGuestCounter returns a Limiter allowing max live guests.
func NewGuestCounter(max int) *GuestCounter {
	return hv.NewGuestCounter(max)
}

// NewMemoryHandle wraps set with one reference held by the caller.
func NewMemoryHandle(set GuestPhysMemorySet) *MemoryHandle {
	return hv.NewMemoryHandle(set)
}

// NewGuest creates a guest on memory, taking one slot from limiter. It fails
// with ErrResourceExhausted, and creates nothing, when the limit is reached.
//
// The caller must call Close when finished to release the slot.
func NewGuest(limiter Limiter, memory *MemoryHandle, opts ...GuestOption) (*Guest, error) {
	return hv.NewGuest(limiter, memory, opts...)
}
