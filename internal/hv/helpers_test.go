package hv

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

type mapCall struct {
	GPA   GuestPhysAddr
	Size  uint64
	HPA   HostPhysAddr
	Fixed bool
}

type fakeMemorySet struct {
	mu sync.Mutex

	root      HostPhysAddr
	added     []mapCall
	removed   []mapCall
	addErr    error
	removeErr error
	closed    int
}

func (f *fakeMemorySet) TablePhys() HostPhysAddr { return f.root }

func (f *fakeMemorySet) AddMap(gpa GuestPhysAddr, size uint64, hpa *HostPhysAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	call := mapCall{GPA: gpa, Size: size}
	if hpa != nil {
		call.HPA, call.Fixed = *hpa, true
	}
	f.added = append(f.added, call)
	return nil
}

func (f *fakeMemorySet) RemoveMap(gpa GuestPhysAddr, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, mapCall{GPA: gpa, Size: size})
	return nil
}

func (f *fakeMemorySet) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeMemorySet) removals() []mapCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mapCall(nil), f.removed...)
}

// countingLimiter records slot traffic and enforces a cap like GuestCounter.
type countingLimiter struct {
	mu       sync.Mutex
	max      int
	live     int
	acquired int
	released int
}

func (l *countingLimiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.live >= l.max {
		return ErrResourceExhausted
	}
	l.live++
	l.acquired++
	return nil
}

func (l *countingLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live--
	l.released++
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGuest(t *testing.T) (*Guest, *fakeMemorySet) {
	t.Helper()
	mem := &fakeMemorySet{root: 0x7000}
	handle := NewMemoryHandle(mem)
	g, err := NewGuest(NewGuestCounter(4), handle, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewGuest: %v", err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g, mem
}
