//go:build linux

package main

import (
	"github.com/tinyrange/rvm/internal/config"
	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/hv/kvm"
	"github.com/tinyrange/rvm/internal/memset"
)

func openMemorySet(backend string) (hv.GuestPhysMemorySet, error) {
	if backend == config.BackendKVM {
		return kvm.Open()
	}
	return memset.New()
}
