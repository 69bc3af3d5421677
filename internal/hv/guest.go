package hv

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/rvm/internal/trap"
)

// MaxPort is the highest address of the port I/O space.
const MaxPort = 0xFFFF

var guestIDs atomic.Uint64

// Guest is one virtual machine: its guest-physical memory set and the traps
// registered against it. A Guest is shared by reference; see Ref and Close.
type Guest struct {
	id      uint64
	name    string
	log     *slog.Logger
	limiter Limiter
	memory  *MemoryHandle
	gpm     GuestPhysMemorySet

	mu    sync.RWMutex
	traps *trap.Map

	refs atomic.Int64
}

type GuestOption func(*Guest)

// WithLogger sets the logger used for guest lifecycle and trap events.
func WithLogger(log *slog.Logger) GuestOption {
	return func(g *Guest) {
		if log != nil {
			g.log = log
		}
	}
}

// WithName labels the guest in log output.
func WithName(name string) GuestOption {
	return func(g *Guest) {
		if name != "" {
			g.name = name
		}
	}
}

// NewGuest takes one reference on memory and one slot from limiter. If either
// is unavailable nothing is created and nothing is held: a released handle
// fails with ErrInvalidParam, an exhausted limiter with ErrResourceExhausted.
func NewGuest(limiter Limiter, memory *MemoryHandle, opts ...GuestOption) (*Guest, error) {
	if limiter == nil || memory == nil {
		return nil, &Error{Op: "create guest", Err: fmt.Errorf("%w: nil limiter or memory", ErrInvalidParam)}
	}
	if !memory.tryRef() {
		return nil, &Error{Op: "create guest", Err: fmt.Errorf("%w: memory handle already released", ErrInvalidParam)}
	}
	if err := limiter.Acquire(); err != nil {
		memory.Release()
		return nil, &Error{Op: "create guest", Err: err}
	}

	id := guestIDs.Add(1)
	g := &Guest{
		id:      id,
		name:    fmt.Sprintf("guest-%d", id),
		log:     slog.Default(),
		limiter: limiter,
		memory:  memory,
		gpm:     memory.Set(),
		traps:   trap.NewMap(),
	}
	g.refs.Store(1)
	for _, opt := range opts {
		opt(g)
	}

	g.log.Debug("guest created", "guest", g.name, "page_table", fmt.Sprintf("%#x", g.PageTableRoot()))
	return g, nil
}

func (g *Guest) ID() uint64   { return g.id }
func (g *Guest) Name() string { return g.name }

// Ref adds an owner and returns g.
func (g *Guest) Ref() *Guest {
	for {
		n := g.refs.Load()
		if n <= 0 {
			panic("hv: Ref on closed guest")
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return g
		}
	}
}

// Close drops one owner. When the last owner is gone the guest slot is handed
// back to the limiter and the memory reference is released; this happens
// exactly once. Closing an already released guest returns ErrGuestClosed.
func (g *Guest) Close() error {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return &Error{Op: "close guest", Err: ErrGuestClosed}
		}
		if g.refs.CompareAndSwap(n, n-1) {
			if n > 1 {
				return nil
			}
			break
		}
	}

	g.mu.RLock()
	ioTraps, memTraps := g.traps.Len(trap.KindIO), g.traps.Len(trap.KindMem)
	g.mu.RUnlock()
	g.log.Debug("guest freed", "guest", g.name, "io_traps", ioTraps, "mem_traps", memTraps)
	g.limiter.Release()
	if err := g.memory.Release(); err != nil {
		return &Error{Op: "close guest", Err: err}
	}
	return nil
}

// PageTableRoot returns the host-physical address of the top-level
// translation table of the guest.
func (g *Guest) PageTableRoot() HostPhysAddr {
	return g.gpm.TablePhys()
}

// AddMemoryRegion maps [gpa, gpa+size) into the guest, backed by anonymous
// memory or by the host range at *hpa.
func (g *Guest) AddMemoryRegion(gpa GuestPhysAddr, size uint64, hpa *HostPhysAddr) error {
	fail := func(err error) error {
		return &Error{Op: "add memory region", Addr: uint64(gpa), Size: size, Err: err}
	}
	if !gpa.IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		return fail(fmt.Errorf("%w: region not page aligned", ErrInvalidParam))
	}
	if hpa != nil && !hpa.IsPageAligned() {
		return fail(fmt.Errorf("%w: host address 0x%x not page aligned", ErrInvalidParam, uint64(*hpa)))
	}
	if err := g.gpm.AddMap(gpa, size, hpa); err != nil {
		return fail(err)
	}
	g.log.Debug("memory region added", "guest", g.name,
		"gpa", fmt.Sprintf("%#x", uint64(gpa)), "size", fmt.Sprintf("%#x", size), "fixed", hpa != nil)
	return nil
}

// RegisterTrap intercepts guest accesses of the given kind to
// [addr, addr+size) and associates them with key.
//
// Memory traps take the range away from the guest's memory set so that every
// access faults into the hypervisor. Doorbell traps are not implemented.
func (g *Guest) RegisterTrap(kind trap.Kind, addr, size, key uint64) error {
	if err := g.registerTrap(kind, addr, size, key); err != nil {
		return &Error{Op: "register " + kind.String() + " trap", Addr: addr, Size: size, Err: err}
	}
	g.log.Debug("trap registered", "guest", g.name, "kind", kind.String(),
		"addr", fmt.Sprintf("%#x", addr), "size", fmt.Sprintf("%#x", size), "key", key)
	return nil
}

func (g *Guest) registerTrap(kind trap.Kind, addr, size, key uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-length trap", ErrInvalidParam)
	}
	end, ok := hostarch.Addr(addr).AddLength(size)
	if !ok {
		return ErrOutOfRange
	}

	switch kind {
	case trap.KindBell:
		return ErrNotSupported
	case trap.KindIO:
		if uint64(end) > MaxPort {
			return fmt.Errorf("%w: ports end at 0x%x", ErrOutOfRange, uint64(end))
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.traps.Insert(kind, addr, size, key)
	case trap.KindMem:
		if !hostarch.Addr(addr).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
			return fmt.Errorf("%w: memory trap not page aligned", ErrInvalidParam)
		}
		return g.claimMemory(addr, size, key)
	default:
		return fmt.Errorf("%w: trap kind %d", ErrInvalidParam, uint32(kind))
	}
}

// claimMemory records a memory trap and unmaps its range. The trap is
// inserted first so a rejected trap never leaves a hole in guest memory, and
// it is removed again if the unmap fails.
func (g *Guest) claimMemory(addr, size, key uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.traps.Insert(trap.KindMem, addr, size, key); err != nil {
		return err
	}
	if err := g.gpm.RemoveMap(GuestPhysAddr(addr), size); err != nil {
		g.traps.Remove(trap.KindMem, addr)
		return fmt.Errorf("unmap trapped range: %w", err)
	}
	return nil
}

// LookupTrap returns the trap of the given kind whose range contains addr.
func (g *Guest) LookupTrap(kind trap.Kind, addr uint64) (trap.Trap, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.traps.Find(kind, addr)
}

// Traps returns a snapshot of the traps sharing kind's address space.
func (g *Guest) Traps(kind trap.Kind) []trap.Trap {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.traps.Traps(kind)
}
