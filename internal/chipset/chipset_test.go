package chipset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/rvm/internal/hv"
	"github.com/tinyrange/rvm/internal/trap"
)

type nopMemory struct{ unmapped []uint64 }

func (m *nopMemory) TablePhys() hv.HostPhysAddr { return 0x1000 }
func (m *nopMemory) AddMap(hv.GuestPhysAddr, uint64, *hv.HostPhysAddr) error {
	return nil
}
func (m *nopMemory) RemoveMap(gpa hv.GuestPhysAddr, size uint64) error {
	m.unmapped = append(m.unmapped, uint64(gpa))
	return nil
}

type access struct {
	Addr  uint64
	Len   int
	Write bool
}

type testDevice struct {
	ports   []PortRange
	regions []MmioRegion
	placed  []hv.MMIOAllocation
	log     []access
	started int
	polled  int
}

func (d *testDevice) Start() error { d.started++; return nil }
func (d *testDevice) Stop() error  { d.started--; return nil }
func (d *testDevice) Reset() error { return nil }

func (d *testDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ranges: d.ports, Handler: d}
}

func (d *testDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *testDevice) SupportsPollDevice() *PollDevice { return &PollDevice{Handler: d} }

func (d *testDevice) Poll(context.Context) error { d.polled++; return nil }

func (d *testDevice) PlaceMmio(index int, window hv.MMIOAllocation) {
	d.placed = append(d.placed, window)
}

func (d *testDevice) ReadIOPort(port uint16, data []byte) error {
	d.log = append(d.log, access{Addr: uint64(port), Len: len(data)})
	data[0] = 0xAA
	return nil
}

func (d *testDevice) WriteIOPort(port uint16, data []byte) error {
	d.log = append(d.log, access{Addr: uint64(port), Len: len(data), Write: true})
	return nil
}

func (d *testDevice) ReadMMIO(addr uint64, data []byte) error {
	d.log = append(d.log, access{Addr: addr, Len: len(data)})
	return nil
}

func (d *testDevice) WriteMMIO(addr uint64, data []byte) error {
	d.log = append(d.log, access{Addr: addr, Len: len(data), Write: true})
	return nil
}

func newGuest(t *testing.T) (*hv.Guest, *nopMemory) {
	t.Helper()
	mem := &nopMemory{}
	handle := hv.NewMemoryHandle(mem)
	g, err := hv.NewGuest(hv.NewGuestCounter(1), handle,
		hv.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewGuest: %v", err)
	}
	handle.Release()
	return g, mem
}

func TestChipsetDispatch(t *testing.T) {
	g, mem := newGuest(t)
	defer g.Close()

	uart := &testDevice{ports: []PortRange{{Base: 0x3f8, Count: 8}}}
	virtio := &testDevice{regions: []MmioRegion{
		{Name: "virtio-blk", Size: 0x200},
		{Name: "virtio-fixed", Address: 0xd0000000, Size: 0x1000},
	}}

	b := NewBuilder(g, hv.NewAddressSpace(0, 0x8000000))
	if err := b.RegisterDevice("uart", uart); err != nil {
		t.Fatalf("RegisterDevice uart: %v", err)
	}
	if err := b.RegisterDevice("virtio", virtio); err != nil {
		t.Fatalf("RegisterDevice virtio: %v", err)
	}
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	wantPlaced := []hv.MMIOAllocation{
		{Name: "virtio-blk", Base: 0x8000000, Size: 0x1000},
		{Name: "virtio-fixed", Base: 0xd0000000, Size: 0x1000},
	}
	if diff := cmp.Diff(wantPlaced, virtio.placed); diff != "" {
		t.Fatalf("placement mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x8000000, 0xd0000000}, mem.unmapped); diff != "" {
		t.Fatalf("unmapped windows mismatch (-want +got):\n%s", diff)
	}

	buf := make([]byte, 1)
	if err := c.HandlePIO(0x3fd, buf, false); err != nil {
		t.Fatalf("HandlePIO read: %v", err)
	}
	if buf[0] != 0xAA {
		t.Fatalf("read data = %#x", buf[0])
	}
	if err := c.HandlePIO(0x3f8, []byte{'x'}, true); err != nil {
		t.Fatalf("HandlePIO write: %v", err)
	}
	if err := c.HandleMMIO(0x8000010, make([]byte, 4), true); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}

	wantUart := []access{{Addr: 0x3fd, Len: 1}, {Addr: 0x3f8, Len: 1, Write: true}}
	if diff := cmp.Diff(wantUart, uart.log); diff != "" {
		t.Fatalf("uart accesses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]access{{Addr: 0x8000010, Len: 4, Write: true}}, virtio.log); diff != "" {
		t.Fatalf("virtio accesses mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		name string
		err  error
	}{
		{"unknown port", c.HandlePIO(0x60, buf, false)},
		{"port straddles end", c.HandlePIO(0x3ff, make([]byte, 2), false)},
		{"unknown mmio", c.HandleMMIO(0x1000, buf, false)},
		{"mmio straddles end", c.HandleMMIO(0x8000ffe, make([]byte, 4), false)},
	} {
		if !errors.Is(tc.err, ErrNoHandler) {
			t.Fatalf("%s: got %v, want ErrNoHandler", tc.name, tc.err)
		}
	}

	if tr, ok := c.Resolve(trap.KindMem, 0xd0000800, 8); !ok || tr.Size != 0x1000 {
		t.Fatalf("Resolve = %v, %v", tr, ok)
	}
}

func TestChipsetLifecycle(t *testing.T) {
	g, _ := newGuest(t)
	defer g.Close()

	a, z := &testDevice{}, &testDevice{}
	b := NewBuilder(g, nil)
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("z", z); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("a", &testDevice{}); err == nil {
		t.Fatalf("duplicate device name accepted")
	}
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if a.started != 1 || z.started != 1 || a.polled != 1 || z.polled != 1 {
		t.Fatalf("started=%d/%d polled=%d/%d", a.started, z.started, a.polled, z.polled)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}

func TestBuilderConflicts(t *testing.T) {
	g, _ := newGuest(t)
	defer g.Close()
	b := NewBuilder(g, nil)

	pic := &testDevice{}
	if _, err := b.WithPioRange(0x20, 2, pic); err != nil {
		t.Fatalf("WithPioRange: %v", err)
	}
	if _, err := b.WithPioRange(0x21, 1, pic); !errors.Is(err, hv.ErrDuplicateRange) {
		t.Fatalf("overlapping ports: got %v, want ErrDuplicateRange", err)
	}
	if _, err := b.WithPioRange(0xfff0, 0x20, pic); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("ports past 0xFFFF: got %v, want ErrOutOfRange", err)
	}
	if _, err := b.WithMmioRegion(0x1000, 0x10, pic); !errors.Is(err, hv.ErrInvalidParam) {
		t.Fatalf("misaligned MMIO: got %v, want ErrInvalidParam", err)
	}
	dyn := &testDevice{regions: []MmioRegion{{Size: 0x1000}}}
	if err := b.RegisterDevice("dyn", dyn); err == nil {
		t.Fatalf("dynamic MMIO region accepted without layout")
	}

	k1, err := b.WithMmioRegion(0x10000, 0x1000, pic)
	if err != nil {
		t.Fatalf("WithMmioRegion: %v", err)
	}
	k2, err := b.WithMmioRegion(0x11000, 0x1000, pic)
	if err != nil {
		t.Fatalf("WithMmioRegion: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("keys not unique: %d", k1)
	}
}

func TestFailedDeviceLeavesNoBindings(t *testing.T) {
	g, _ := newGuest(t)
	defer g.Close()
	b := NewBuilder(g, nil)

	rtc := &testDevice{ports: []PortRange{{Base: 0x70, Count: 2}}}
	if err := b.RegisterDevice("rtc", rtc); err != nil {
		t.Fatalf("RegisterDevice rtc: %v", err)
	}

	// The first range registers, the second collides with the RTC.
	kbd := &testDevice{ports: []PortRange{{Base: 0x60, Count: 1}, {Base: 0x71, Count: 1}}}
	if err := b.RegisterDevice("kbd", kbd); !errors.Is(err, hv.ErrDuplicateRange) {
		t.Fatalf("RegisterDevice kbd: got %v, want ErrDuplicateRange", err)
	}

	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	if err := c.HandlePIO(0x60, make([]byte, 1), false); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("access to failed device: got %v, want ErrNoHandler", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(kbd.log) != 0 || kbd.started != 0 || kbd.polled != 0 {
		t.Fatalf("failed device reached: log=%v started=%d polled=%d", kbd.log, kbd.started, kbd.polled)
	}
	if rtc.started != 1 {
		t.Fatalf("rtc started %d times, want 1", rtc.started)
	}
}
