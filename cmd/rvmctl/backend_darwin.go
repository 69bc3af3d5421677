//go:build darwin

package main

import (
	"fmt"

	"github.com/tinyrange/rvm/internal/config"
	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/memset"
)

func openMemorySet(backend string) (hv.GuestPhysMemorySet, error) {
	if backend == config.BackendKVM {
		return nil, fmt.Errorf("backend %q: %w", backend, hv.ErrNotSupported)
	}
	return memset.New()
}
