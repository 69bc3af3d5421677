//go:build linux

// Package kvm backs a guest's memory set with KVM memory slots. Guest RAM is
// tracked by a software memset and every change is mirrored into the slots
// of a KVM virtual machine.
package kvm

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/memset"
)

const defaultMemslots = 32

// MemorySet implements hv.GuestPhysMemorySet on a KVM VM.
type MemorySet struct {
	mu sync.Mutex

	sysFd int
	vmFd  int

	soft     *memset.MemorySet
	slots    map[memset.Region]uint32
	free     []uint32
	nextSlot uint32
	maxSlots uint32
}

var _ hv.GuestPhysMemorySet = (*MemorySet)(nil)

// Open creates a KVM virtual machine with an empty memory set.
func Open() (*MemorySet, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	vmFd, err := createVm(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create KVM VM: %w", err)
	}

	maxSlots := defaultMemslots
	if n, err := checkExtension(fd, kvmCapNrMemslots); err == nil && n > 0 {
		maxSlots = n
	}

	soft, err := memset.New()
	if err != nil {
		unix.Close(vmFd)
		unix.Close(fd)
		return nil, err
	}

	return &MemorySet{
		sysFd:    fd,
		vmFd:     vmFd,
		soft:     soft,
		slots:    make(map[memset.Region]uint32),
		maxSlots: uint32(maxSlots),
	}, nil
}

// VMFd returns the KVM VM file descriptor.
func (m *MemorySet) VMFd() int { return m.vmFd }

// TablePhys returns the root of the software translation table. KVM keeps
// its own second level tables private.
func (m *MemorySet) TablePhys() hv.HostPhysAddr {
	return m.soft.TablePhys()
}

// AddMap maps anonymous memory at [gpa, gpa+size). KVM slots need a userspace
// mapping, so fixed host backing is not supported.
func (m *MemorySet) AddMap(gpa hv.GuestPhysAddr, size uint64, hpa *hv.HostPhysAddr) error {
	if hpa != nil {
		return fmt.Errorf("kvm: %w: fixed host backing", hv.ErrNotSupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.soft.AddMap(gpa, size, nil); err != nil {
		return err
	}
	if err := m.sync(); err != nil {
		return errors.Join(err, m.soft.RemoveMap(gpa, size), m.sync())
	}
	return nil
}

// RemoveMap drops [gpa, gpa+size) from the guest, splitting slots as needed.
//
// The KVM slots covering the range are deleted before the software mapping
// is touched, so guest memory is never freed while a slot still points at
// it. If anything fails before the software mapping changes, the deleted
// slots are restored.
func (m *MemorySet) RemoveMap(gpa hv.GuestPhysAddr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := uint64(gpa)
	end, ok := hostarch.Addr(start).AddLength(size)
	if !ok || size == 0 || !gpa.IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		// Let the software set report the invalid range.
		return m.soft.RemoveMap(gpa, size)
	}

	var affected []memset.Region
	pieces := 0
	for r := range m.slots {
		rEnd := uint64(r.GPA) + r.Size
		if uint64(r.GPA) >= uint64(end) || rEnd <= start {
			continue
		}
		affected = append(affected, r)
		if uint64(r.GPA) < start {
			pieces++
		}
		if rEnd > uint64(end) {
			pieces++
		}
	}
	if pieces > m.availableSlots()+len(affected) {
		return fmt.Errorf("kvm: %w: splitting [0x%x+0x%x] needs %d memory slots",
			hv.ErrResourceExhausted, start, size, pieces)
	}

	var deleted []memset.Region
	for _, r := range affected {
		if err := m.deleteSlot(r); err != nil {
			return errors.Join(err, m.restoreSlots(deleted))
		}
		deleted = append(deleted, r)
	}
	if err := m.soft.RemoveMap(gpa, size); err != nil {
		return errors.Join(err, m.restoreSlots(deleted))
	}
	return m.sync()
}

// sync makes the KVM slots match the software regions. Stale slots are
// deleted before new ones are added so split regions never overlap in KVM.
func (m *MemorySet) sync() error {
	want := make(map[memset.Region]bool)
	for _, r := range m.soft.Regions() {
		want[r] = true
	}

	for r := range m.slots {
		if want[r] {
			continue
		}
		if err := m.deleteSlot(r); err != nil {
			return err
		}
	}

	for r := range want {
		if _, ok := m.slots[r]; ok {
			continue
		}
		if err := m.addSlot(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemorySet) addSlot(r memset.Region) error {
	slot, err := m.allocSlot()
	if err != nil {
		return err
	}
	if err := setUserMemoryRegion(m.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: uint64(r.GPA),
		MemorySize:    r.Size,
		UserspaceAddr: uint64(r.HPA),
	}); err != nil {
		m.free = append(m.free, slot)
		return fmt.Errorf("kvm: set slot %d for [0x%x+0x%x]: %w", slot, uint64(r.GPA), r.Size, err)
	}
	m.slots[r] = slot
	return nil
}

func (m *MemorySet) deleteSlot(r memset.Region) error {
	slot := m.slots[r]
	if err := setUserMemoryRegion(m.vmFd, &kvmUserspaceMemoryRegion{Slot: slot}); err != nil {
		return fmt.Errorf("kvm: delete slot %d: %w", slot, err)
	}
	delete(m.slots, r)
	m.free = append(m.free, slot)
	return nil
}

func (m *MemorySet) restoreSlots(regions []memset.Region) error {
	var errs []error
	for _, r := range regions {
		errs = append(errs, m.addSlot(r))
	}
	return errors.Join(errs...)
}

func (m *MemorySet) allocSlot() (uint32, error) {
	if n := len(m.free); n > 0 {
		slot := m.free[n-1]
		m.free = m.free[:n-1]
		return slot, nil
	}
	if m.nextSlot >= m.maxSlots {
		return 0, fmt.Errorf("kvm: %w: all %d memory slots in use", hv.ErrResourceExhausted, m.maxSlots)
	}
	slot := m.nextSlot
	m.nextSlot++
	return slot, nil
}

func (m *MemorySet) availableSlots() int {
	return len(m.free) + int(m.maxSlots-m.nextSlot)
}

// Slots returns the number of KVM memory slots in use.
func (m *MemorySet) Slots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Close destroys the VM and releases guest memory.
func (m *MemorySet) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for _, fd := range []int{m.vmFd, m.sysFd} {
		if fd < 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}
	m.vmFd, m.sysFd = -1, -1
	if err := m.soft.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
