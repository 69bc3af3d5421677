//go:build linux || darwin

// Package memset is a GuestPhysMemorySet that keeps guest-physical to host
// translations in a software page table, backing guest RAM with anonymous
// host mappings or caller supplied host ranges.
package memset

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/rvm/internal/hv"
)

var (
	ErrOverlap = errors.New("range already mapped")
	ErrClosed  = errors.New("memory set closed")
)

// backing is one anonymous host allocation. It is unmapped once none of its
// pages remain mapped into the guest.
type backing struct {
	mem   []byte
	pages uint64
}

type region struct {
	gpa     uint64
	size    uint64
	hpa     uint64
	backing *backing
}

func (r *region) end() uint64 { return r.gpa + r.size }

// Region describes one contiguous guest mapping.
type Region struct {
	GPA       hv.GuestPhysAddr
	Size      uint64
	HPA       hv.HostPhysAddr
	Anonymous bool
}

// MemorySet implements hv.GuestPhysMemorySet.
type MemorySet struct {
	mu      sync.Mutex
	pt      *pageTables
	regions *btree.BTreeG[*region]
	closed  bool
}

var _ hv.GuestPhysMemorySet = (*MemorySet)(nil)

// New returns an empty memory set with an allocated root table.
func New() (*MemorySet, error) {
	pt, err := newPageTables()
	if err != nil {
		return nil, err
	}
	return &MemorySet{
		pt:      pt,
		regions: btree.NewG(8, func(a, b *region) bool { return a.gpa < b.gpa }),
	}, nil
}

// TablePhys returns the address of the root translation table.
func (s *MemorySet) TablePhys() hv.HostPhysAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pt == nil {
		return 0
	}
	return hv.HostPhysAddr(s.pt.rootPhys)
}

func checkRange(gpa hv.GuestPhysAddr, size uint64) (uint64, error) {
	if size == 0 || !gpa.IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		return 0, fmt.Errorf("%w: [0x%x+0x%x] not page aligned", hv.ErrInvalidParam, uint64(gpa), size)
	}
	end, ok := hostarch.Addr(gpa).AddLength(size)
	if !ok || uint64(end) > maxGuestPhys {
		return 0, fmt.Errorf("%w: [0x%x+0x%x] beyond guest physical limit 0x%x",
			hv.ErrOutOfRange, uint64(gpa), size, maxGuestPhys)
	}
	return uint64(end), nil
}

// overlapping returns the regions intersecting [start, end) in address order.
func (s *MemorySet) overlapping(start, end uint64) []*region {
	var out []*region
	s.regions.DescendLessOrEqual(&region{gpa: start}, func(r *region) bool {
		if r.end() > start {
			out = append(out, r)
		}
		return false
	})
	s.regions.AscendRange(&region{gpa: start + 1}, &region{gpa: end}, func(r *region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// AddMap maps [gpa, gpa+size) to fresh anonymous memory, or to the host range
// starting at *hpa when hpa is not nil. The range must not already be mapped.
func (s *MemorySet) AddMap(gpa hv.GuestPhysAddr, size uint64, hpa *hv.HostPhysAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	end, err := checkRange(gpa, size)
	if err != nil {
		return err
	}
	if hpa != nil {
		if !hpa.IsPageAligned() {
			return fmt.Errorf("%w: host address 0x%x not page aligned", hv.ErrInvalidParam, uint64(*hpa))
		}
		hend, ok := hostarch.Addr(*hpa).AddLength(size)
		if !ok || uint64(hend) > maxHostPhys {
			return fmt.Errorf("%w: host range [0x%x+0x%x] beyond 0x%x",
				hv.ErrOutOfRange, uint64(*hpa), size, maxHostPhys)
		}
	}
	if existing := s.overlapping(uint64(gpa), end); len(existing) > 0 {
		return fmt.Errorf("%w: [0x%x-0x%x) overlaps [0x%x-0x%x)",
			ErrOverlap, uint64(gpa), end, existing[0].gpa, existing[0].end())
	}

	r := &region{gpa: uint64(gpa), size: size}
	if hpa != nil {
		r.hpa = uint64(*hpa)
	} else {
		mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return fmt.Errorf("allocate guest memory: %w", err)
		}
		r.backing = &backing{mem: mem, pages: size / hv.PageSize}
		r.hpa = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}

	for off := uint64(0); off < size; off += hv.PageSize {
		if err := s.pt.mapPage(r.gpa+off, r.hpa+off); err != nil {
			for undo := uint64(0); undo < off; undo += hv.PageSize {
				s.pt.unmapPage(r.gpa + undo)
			}
			if r.backing != nil {
				if uerr := unix.Munmap(r.backing.mem); uerr != nil {
					return errors.Join(err, fmt.Errorf("release guest memory: %w", uerr))
				}
			}
			return err
		}
	}
	s.regions.ReplaceOrInsert(r)
	return nil
}

// RemoveMap drops every translation in [gpa, gpa+size). Parts of the range
// that are not mapped are ignored, so a device window that never had RAM
// behind it can be claimed the same way as one carved out of RAM.
func (s *MemorySet) RemoveMap(gpa hv.GuestPhysAddr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	end, err := checkRange(gpa, size)
	if err != nil {
		return err
	}

	start := uint64(gpa)
	for _, r := range s.overlapping(start, end) {
		cutStart, cutEnd := max(r.gpa, start), min(r.end(), end)
		for addr := cutStart; addr < cutEnd; addr += hv.PageSize {
			s.pt.unmapPage(addr)
		}

		s.regions.Delete(r)
		if r.gpa < cutStart {
			s.regions.ReplaceOrInsert(&region{gpa: r.gpa, size: cutStart - r.gpa, hpa: r.hpa, backing: r.backing})
		}
		if cutEnd < r.end() {
			s.regions.ReplaceOrInsert(&region{
				gpa:     cutEnd,
				size:    r.end() - cutEnd,
				hpa:     r.hpa + (cutEnd - r.gpa),
				backing: r.backing,
			})
		}

		if b := r.backing; b != nil {
			b.pages -= (cutEnd - cutStart) / hv.PageSize
			if b.pages == 0 {
				if err := unix.Munmap(b.mem); err != nil {
					return fmt.Errorf("release guest memory: %w", err)
				}
				b.mem = nil
			}
		}
	}
	return nil
}

// Translate returns the host address backing gpa.
func (s *MemorySet) Translate(gpa hv.GuestPhysAddr) (hv.HostPhysAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	hpa, ok := s.pt.translate(uint64(gpa))
	return hv.HostPhysAddr(hpa), ok
}

// Regions returns the current mappings in address order.
func (s *MemorySet) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Region, 0, s.regions.Len())
	s.regions.Ascend(func(r *region) bool {
		out = append(out, Region{
			GPA:       hv.GuestPhysAddr(r.gpa),
			Size:      r.size,
			HPA:       hv.HostPhysAddr(r.hpa),
			Anonymous: r.backing != nil,
		})
		return true
	})
	return out
}

// Close releases all guest memory and page table nodes.
func (s *MemorySet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	seen := make(map[*backing]bool)
	s.regions.Ascend(func(r *region) bool {
		if b := r.backing; b != nil && !seen[b] {
			seen[b] = true
			if err := unix.Munmap(b.mem); err != nil && first == nil {
				first = err
			}
		}
		return true
	})
	s.regions.Clear(false)
	if err := s.pt.release(); err != nil && first == nil {
		first = err
	}
	s.pt = nil
	return first
}
