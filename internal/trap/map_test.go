package trap

import (
	"errors"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMapFindMemTrap(t *testing.T) {
	m := NewMap()
	if err := m.Insert(KindMem, 0x1000, 0x1000, 7); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	want := Trap{Kind: KindMem, Addr: 0x1000, Size: 0x1000, Key: 7}
	for _, addr := range []uint64{0x1000, 0x1800, 0x1fff} {
		got, ok := m.Find(KindMem, addr)
		if !ok {
			t.Fatalf("Find(mem, 0x%x): not found", addr)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Find(mem, 0x%x) mismatch (-want +got):\n%s", addr, diff)
		}
	}
	for _, addr := range []uint64{0, 0xfff, 0x2000, ^uint64(0)} {
		if got, ok := m.Find(KindMem, addr); ok {
			t.Fatalf("Find(mem, 0x%x) = %v, want nothing", addr, got)
		}
	}
}

func TestMapKindsAreIndependent(t *testing.T) {
	m := NewMap()
	if err := m.Insert(KindIO, 0x60, 0x10, 1); err != nil {
		t.Fatalf("Insert io: %v", err)
	}
	if err := m.Insert(KindMem, 0x60, 0x10, 2); err != nil {
		t.Fatalf("Insert mem over io range: %v", err)
	}

	io, ok := m.Find(KindIO, 0x64)
	if !ok || io.Key != 1 {
		t.Fatalf("Find(io, 0x64) = %v, %v; want key 1", io, ok)
	}
	mem, ok := m.Find(KindMem, 0x64)
	if !ok || mem.Key != 2 {
		t.Fatalf("Find(mem, 0x64) = %v, %v; want key 2", mem, ok)
	}
	// Doorbells share the memory address space.
	bell, ok := m.Find(KindBell, 0x64)
	if !ok || bell.Key != 2 {
		t.Fatalf("Find(bell, 0x64) = %v, %v; want key 2", bell, ok)
	}
	if err := m.Insert(KindBell, 0x60, 0x10, 3); !errors.Is(err, ErrDuplicateRange) {
		t.Fatalf("Insert bell over mem range: got %v, want ErrDuplicateRange", err)
	}
}

func TestMapDuplicateStart(t *testing.T) {
	m := NewMap()
	if err := m.Insert(KindMem, 0x3000, 0x1000, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(KindMem, 0x3000, 0x1000, 2); !errors.Is(err, ErrDuplicateRange) {
		t.Fatalf("second Insert: got %v, want ErrDuplicateRange", err)
	}
	got, ok := m.Find(KindMem, 0x3000)
	if !ok || got.Key != 1 {
		t.Fatalf("Find after duplicate = %v, %v; want key 1", got, ok)
	}
	if m.Len(KindMem) != 1 {
		t.Fatalf("Len = %d, want 1", m.Len(KindMem))
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	m := NewMap()
	if err := m.Insert(KindIO, 0x100, 0x20, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tests := []struct {
		name       string
		addr, size uint64
		wantErr    error
	}{
		{"tail overlap", 0x110, 0x20, ErrDuplicateRange},
		{"head overlap", 0xf0, 0x20, ErrDuplicateRange},
		{"enclosing", 0x80, 0x100, ErrDuplicateRange},
		{"enclosed", 0x104, 0x4, ErrDuplicateRange},
		{"adjacent below", 0xf0, 0x10, nil},
		{"adjacent above", 0x120, 0x10, nil},
		{"zero size", 0x400, 0, ErrInvalidRange},
		{"wraps", ^uint64(0) - 1, 4, ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Insert(KindIO, tt.addr, tt.size, 9)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Insert(0x%x, 0x%x): %v", tt.addr, tt.size, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Insert(0x%x, 0x%x): got %v, want %v", tt.addr, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestMapInvalidKind(t *testing.T) {
	m := NewMap()
	if err := m.Insert(Kind(3), 0, 1, 0); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("Insert with kind 3: got %v, want ErrInvalidKind", err)
	}
	if _, ok := m.Find(Kind(3), 0); ok {
		t.Fatalf("Find with kind 3 returned a trap")
	}
	if n := m.Len(Kind(3)); n != 0 {
		t.Fatalf("Len(kind 3) = %d", n)
	}
}

func TestMapRemove(t *testing.T) {
	m := NewMap()
	if err := m.Insert(KindMem, 0x5000, 0x2000, 4); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := m.Remove(KindMem, 0x6000); ok {
		t.Fatalf("Remove by interior address succeeded")
	}
	removed, ok := m.Remove(KindMem, 0x5000)
	if !ok || removed.Key != 4 {
		t.Fatalf("Remove = %v, %v; want key 4", removed, ok)
	}
	if _, ok := m.Find(KindMem, 0x5000); ok {
		t.Fatalf("Find after Remove still matches")
	}
	if err := m.Insert(KindMem, 0x5000, 0x1000, 5); err != nil {
		t.Fatalf("re-Insert after Remove: %v", err)
	}
}

func TestMapTopOfAddressSpace(t *testing.T) {
	m := NewMap()
	top := ^uint64(0) - 0x1000
	if err := m.Insert(KindMem, top, 0x1000, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := m.Find(KindMem, ^uint64(0)-1); !ok {
		t.Fatalf("Find(last byte) not found")
	}
	if got, ok := m.Find(KindMem, ^uint64(0)); ok {
		t.Fatalf("Find(max address) = %v, want nothing", got)
	}
	if err := m.Insert(KindMem, ^uint64(0)-0xfff, 0x1000, 2); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("Insert wrapping range: got %v, want ErrInvalidRange", err)
	}
}

// randomDisjoint builds n disjoint ranges with random gaps and sizes.
func randomDisjoint(r *rand.Rand, n int) []Trap {
	traps := make([]Trap, 0, n)
	addr := uint64(r.IntN(64))
	for i := 0; i < n; i++ {
		size := uint64(1 + r.IntN(256))
		traps = append(traps, Trap{Kind: KindMem, Addr: addr, Size: size, Key: uint64(i)})
		addr += size + uint64(r.IntN(64))
	}
	r.Shuffle(len(traps), func(i, j int) { traps[i], traps[j] = traps[j], traps[i] })
	return traps
}

func linearFind(traps []Trap, addr uint64) (Trap, bool) {
	for _, t := range traps {
		if t.Contains(addr) {
			return t, true
		}
	}
	return Trap{}, false
}

func TestMapFindMatchesLinearScan(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 50; round++ {
		traps := randomDisjoint(r, 1+r.IntN(200))
		m := NewMap()
		for _, tr := range traps {
			if err := m.Insert(tr.Kind, tr.Addr, tr.Size, tr.Key); err != nil {
				t.Fatalf("round %d: Insert(%s): %v", round, tr, err)
			}
		}

		var queries []uint64
		for _, tr := range traps {
			queries = append(queries, tr.Addr, tr.Addr+tr.Size-1, tr.Addr+tr.Size)
			if tr.Addr > 0 {
				queries = append(queries, tr.Addr-1)
			}
		}
		for i := 0; i < 500; i++ {
			queries = append(queries, uint64(r.IntN(1<<16)))
		}

		for _, q := range queries {
			want, wantOK := linearFind(traps, q)
			got, gotOK := m.Find(KindMem, q)
			if wantOK != gotOK {
				t.Fatalf("round %d: Find(0x%x) ok = %v, want %v", round, q, gotOK, wantOK)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("round %d: Find(0x%x) mismatch (-want +got):\n%s", round, q, diff)
			}
		}
	}
}

func TestMapSuccessfulInsertsStayDisjoint(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	m := NewMap()
	for i := 0; i < 2000; i++ {
		_ = m.Insert(KindIO, uint64(r.IntN(0x1000)), uint64(1+r.IntN(0x40)), uint64(i))
	}

	traps := m.Traps(KindIO)
	if !sort.SliceIsSorted(traps, func(i, j int) bool { return traps[i].Addr < traps[j].Addr }) {
		t.Fatalf("Traps not in ascending order")
	}
	for i := 1; i < len(traps); i++ {
		if traps[i-1].End() > traps[i].Addr {
			t.Fatalf("overlapping traps %s and %s", traps[i-1], traps[i])
		}
	}
}

func TestParseKind(t *testing.T) {
	for v, want := range map[uint32]Kind{0: KindBell, 1: KindMem, 2: KindIO} {
		got, err := ParseKind(v)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%d) = %v, %v; want %v", v, got, err, want)
		}
	}
	if _, err := ParseKind(3); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("ParseKind(3): got %v, want ErrInvalidKind", err)
	}
	if k, err := ParseKindName(" MMIO "); err != nil || k != KindMem {
		t.Fatalf("ParseKindName(MMIO) = %v, %v", k, err)
	}
	if _, err := ParseKindName("dma"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("ParseKindName(dma): got %v, want ErrInvalidKind", err)
	}
}
