// Package trap keeps the set of address ranges a guest intercepts and resolves
// faulting addresses back to the trap that owns them.
package trap

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKind    = errors.New("invalid trap kind")
	ErrInvalidRange   = errors.New("invalid trap range")
	ErrDuplicateRange = errors.New("trap range already registered")
)

// Trap describes one intercepted address range. Key is opaque to this package
// and is handed back to whoever resolves an access inside [Addr, Addr+Size).
type Trap struct {
	Kind Kind
	Addr uint64
	Size uint64
	Key  uint64
}

// Contains reports whether addr falls inside the trapped range.
func (t Trap) Contains(addr uint64) bool {
	return t.Addr <= addr && addr-t.Addr < t.Size
}

// End returns the first address after the range. It saturates instead of
// wrapping for ranges that reach the top of the address space.
func (t Trap) End() uint64 {
	end := t.Addr + t.Size
	if end < t.Addr {
		return ^uint64(0)
	}
	return end
}

func (t Trap) overlaps(addr, size uint64) bool {
	other := Trap{Addr: addr, Size: size}
	return t.Addr < other.End() && addr < t.End()
}

func (t Trap) String() string {
	return fmt.Sprintf("%s trap [0x%x-0x%x) key=%d", t.Kind, t.Addr, t.End(), t.Key)
}
