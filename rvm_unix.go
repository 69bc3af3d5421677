//go:build linux || darwin

package rvm

import "github.com/tinyrange/rvm/internal/memset"

// MemorySet is the software page-table implementation of GuestPhysMemorySet.
type MemorySet = memset.MemorySet

// NewMemorySet returns an empty MemorySet. Close releases its host memory.
func NewMemorySet() (*MemorySet, error) {
	return memset.New()
}
