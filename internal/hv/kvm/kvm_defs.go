//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46

	kvmCapNrMemslots = 10
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}
