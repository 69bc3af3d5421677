package trap

import (
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 8

func byAddr(a, b Trap) bool { return a.Addr < b.Addr }

// Map holds the registered traps of one guest, split by address space.
// Port I/O traps and memory traps (including doorbells) are tracked in
// independent trees, so ranges may coincide across the two.
//
// Map is not safe for concurrent use; the owning guest serialises access.
type Map struct {
	io  *btree.BTreeG[Trap]
	mem *btree.BTreeG[Trap]
}

// NewMap returns an empty trap map.
func NewMap() *Map {
	return &Map{
		io:  btree.NewG(btreeDegree, byAddr),
		mem: btree.NewG(btreeDegree, byAddr),
	}
}

func (m *Map) tree(kind Kind) *btree.BTreeG[Trap] {
	switch kind {
	case KindIO:
		return m.io
	case KindMem, KindBell:
		return m.mem
	default:
		return nil
	}
}

// Find returns the trap of the given kind containing addr.
func (m *Map) Find(kind Kind, addr uint64) (Trap, bool) {
	traps := m.tree(kind)
	if traps == nil {
		return Trap{}, false
	}
	var (
		found Trap
		ok    bool
	)
	// Ranges never overlap, so only the entry starting closest below addr
	// can contain it.
	traps.DescendLessOrEqual(Trap{Addr: addr}, func(t Trap) bool {
		found, ok = t, t.Contains(addr)
		return false
	})
	if !ok {
		return Trap{}, false
	}
	return found, true
}

// Insert records a new trap. It fails with ErrDuplicateRange if a trap already
// starts at addr or if [addr, addr+size) overlaps any trap in the same address
// space.
func (m *Map) Insert(kind Kind, addr, size, key uint64) error {
	traps := m.tree(kind)
	if traps == nil {
		return fmt.Errorf("%w: %d", ErrInvalidKind, uint32(kind))
	}
	if size == 0 || addr+size < addr {
		return fmt.Errorf("%w: 0x%x size 0x%x", ErrInvalidRange, addr, size)
	}

	if existing, ok := traps.Get(Trap{Addr: addr}); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRange, existing)
	}

	var conflict *Trap
	traps.DescendLessOrEqual(Trap{Addr: addr}, func(t Trap) bool {
		if t.overlaps(addr, size) {
			conflict = &t
		}
		return false
	})
	if conflict == nil {
		traps.AscendGreaterOrEqual(Trap{Addr: addr}, func(t Trap) bool {
			if t.overlaps(addr, size) {
				conflict = &t
			}
			return false
		})
	}
	if conflict != nil {
		return fmt.Errorf("%w: [0x%x-0x%x) overlaps %s",
			ErrDuplicateRange, addr, addr+size, *conflict)
	}

	traps.ReplaceOrInsert(Trap{
		Kind: kind,
		Addr: addr,
		Size: size,
		Key:  key,
	})
	return nil
}

// Remove deletes the trap of the given kind that starts exactly at addr.
func (m *Map) Remove(kind Kind, addr uint64) (Trap, bool) {
	traps := m.tree(kind)
	if traps == nil {
		return Trap{}, false
	}
	return traps.Delete(Trap{Addr: addr})
}

// Len returns the number of traps in the address space used by kind.
func (m *Map) Len(kind Kind) int {
	traps := m.tree(kind)
	if traps == nil {
		return 0
	}
	return traps.Len()
}

// Traps returns the traps sharing kind's address space in ascending order.
func (m *Map) Traps(kind Kind) []Trap {
	traps := m.tree(kind)
	if traps == nil {
		return nil
	}
	out := make([]Trap, 0, traps.Len())
	traps.Ascend(func(t Trap) bool {
		out = append(out, t)
		return true
	})
	return out
}
