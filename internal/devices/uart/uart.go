// Package uart emulates a 16550-compatible serial port reachable through
// either port I/O or an MMIO window.
package uart

import (
	"context"
	"io"
	"sync"

	"github.com/tinyrange/rvm/internal/chipset"
	"github.com/tinyrange/rvm/internal/hv"
)

const (
	registerCount = 8
	fifoSize      = 16

	regData = 0 // RBR/THR, DLL with DLAB
	regIER  = 1 // DLM with DLAB
	regIIR  = 2 // FCR on write
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	ierRX   = 1 << 0
	ierTHRE = 1 << 1
	ierLSR  = 1 << 2

	iirNone = 0x01
	iirTHRE = 0x02
	iirRX   = 0x04
	iirLSR  = 0x06

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1
	fcrClearTX = 1 << 2
	iirFIFOs   = 0xc0
)

// Option configures a UART.
type Option func(*UART)

// WithInput sets the reader polled for received bytes.
func WithInput(in io.Reader) Option {
	return func(u *UART) { u.in = in }
}

// WithIRQ sets the function driven with the interrupt line level.
func WithIRQ(fn func(level bool)) Option {
	return func(u *UART) { u.irq = fn }
}

// UART is a 16550 without modem control lines. Transmitted bytes are written
// to out as soon as the guest stores them.
type UART struct {
	mu sync.Mutex

	port     uint16
	mmio     uint64
	regShift uint
	useMMIO  bool

	out io.Writer
	in  io.Reader
	irq func(bool)

	dll, dlm byte
	ier      byte
	fcr      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte

	rx   []byte
	line bool
}

// NewPort returns a UART whose eight registers start at I/O port base.
func NewPort(base uint16, out io.Writer, opts ...Option) *UART {
	u := newUART(out, opts)
	u.port = base
	return u
}

// NewMMIO returns a UART in a page-sized MMIO window at addr, with registers
// spaced 1<<regShift bytes apart. A zero addr lets the chipset place it.
func NewMMIO(addr uint64, regShift uint, out io.Writer, opts ...Option) *UART {
	u := newUART(out, opts)
	u.useMMIO = true
	u.mmio = addr
	u.regShift = regShift
	return u
}

func newUART(out io.Writer, opts []Option) *UART {
	u := &UART{out: out, lsr: lsrTHRE | lsrTEMT}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start implements chipset.ChangeDeviceState.
func (u *UART) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (u *UART) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.dll, u.dlm = 0, 0
	u.ier, u.fcr, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.rx = u.rx[:0]
	u.updateIRQLocked()
	return nil
}

// SupportsPortIO implements chipset.Device.
func (u *UART) SupportsPortIO() *chipset.PortIOIntercept {
	if u.useMMIO {
		return nil
	}
	return &chipset.PortIOIntercept{
		Ranges:  []chipset.PortRange{{Base: u.port, Count: registerCount}},
		Handler: u,
	}
}

// SupportsMmio implements chipset.Device.
func (u *UART) SupportsMmio() *chipset.MmioIntercept {
	if !u.useMMIO {
		return nil
	}
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Name: "uart", Address: u.mmio, Size: hv.PageSize}},
		Handler: u,
	}
}

// SupportsPollDevice implements chipset.Device.
func (u *UART) SupportsPollDevice() *chipset.PollDevice {
	if u.in == nil {
		return nil
	}
	return &chipset.PollDevice{Handler: u}
}

// PlaceMmio records where the chipset placed the register window.
func (u *UART) PlaceMmio(_ int, window hv.MMIOAllocation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mmio = window.Base
}

// Base returns the MMIO base address, or zero for a port UART.
func (u *UART) Base() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mmio
}

// Poll moves one pending input byte into the receive buffer. The input is
// read without holding the register lock, so a blocking reader never stalls
// guest register accesses.
func (u *UART) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	in, full := u.in, len(u.rx) >= u.depthLocked()
	u.mu.Unlock()
	if in == nil || full {
		return nil
	}

	var buf [1]byte
	n, err := in.Read(buf[:])
	if n > 0 {
		u.mu.Lock()
		u.receiveLocked(buf[0])
		u.mu.Unlock()
	}
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ReadIOPort implements chipset.PortIOHandler.
func (u *UART) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		data[i] = u.readLocked(uint64(port - u.port))
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (u *UART) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range data {
		u.writeLocked(uint64(port-u.port), b)
	}
	return nil
}

// ReadMMIO implements chipset.MmioHandler. Only the low byte of each
// register is meaningful; wider reads are zero extended.
func (u *UART) ReadMMIO(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	clear(data)
	if len(data) > 0 {
		data[0] = u.readLocked((addr - u.mmio) >> u.regShift)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (u *UART) WriteMMIO(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(data) > 0 {
		u.writeLocked((addr-u.mmio)>>u.regShift, data[0])
	}
	return nil
}

func (u *UART) readLocked(reg uint64) byte {
	switch reg {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popLocked()
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case regIIR:
		iir := u.pendingLocked()
		if u.fcr&fcrEnable != 0 {
			iir |= iirFIFOs
		}
		return iir
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		lsr := u.lsr
		u.lsr &^= lsrOverrun
		u.updateIRQLocked()
		return lsr
	case regMSR:
		return u.modemStatusLocked()
	case regSCR:
		return u.scr
	}
	return 0
}

func (u *UART) writeLocked(reg uint64, value byte) {
	switch reg {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = value
			return
		}
		u.transmitLocked(value)
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = value
			return
		}
		u.ier = value & 0x0f
	case regIIR:
		if value&fcrClearRX != 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
		u.fcr = value &^ (fcrClearRX | fcrClearTX)
	case regLCR:
		u.lcr = value
	case regMCR:
		u.mcr = value & 0x1f
	case regSCR:
		u.scr = value
	}
	u.updateIRQLocked()
}

func (u *UART) transmitLocked(value byte) {
	if u.mcr&mcrLoop != 0 {
		u.receiveLocked(value)
		return
	}
	if u.out != nil {
		_, _ = u.out.Write([]byte{value})
	}
}

// depthLocked is the receive capacity: the FIFO when enabled, otherwise the
// single holding register.
func (u *UART) depthLocked() int {
	if u.fcr&fcrEnable != 0 {
		return fifoSize
	}
	return 1
}

// receiveLocked queues value, flagging an overrun if the buffer filled up
// since the caller last checked.
func (u *UART) receiveLocked(value byte) {
	if len(u.rx) >= u.depthLocked() {
		u.lsr |= lsrOverrun
	} else {
		u.rx = append(u.rx, value)
		u.lsr |= lsrDataReady
	}
	u.updateIRQLocked()
}

func (u *UART) popLocked() byte {
	if len(u.rx) == 0 {
		return 0
	}
	value := u.rx[0]
	u.rx = append(u.rx[:0], u.rx[1:]...)
	if len(u.rx) == 0 {
		u.lsr &^= lsrDataReady
	}
	u.updateIRQLocked()
	return value
}

func (u *UART) modemStatusLocked() byte {
	if u.mcr&mcrLoop == 0 {
		return msrCTS | msrDSR | msrDCD
	}
	var msr byte
	if u.mcr&mcrDTR != 0 {
		msr |= msrDSR
	}
	if u.mcr&mcrRTS != 0 {
		msr |= msrCTS
	}
	if u.mcr&mcrOUT1 != 0 {
		msr |= msrRI
	}
	if u.mcr&mcrOUT2 != 0 {
		msr |= msrDCD
	}
	return msr
}

func (u *UART) pendingLocked() byte {
	switch {
	case u.ier&ierLSR != 0 && u.lsr&lsrOverrun != 0:
		return iirLSR
	case u.ier&ierRX != 0 && len(u.rx) > 0:
		return iirRX
	case u.ier&ierTHRE != 0:
		return iirTHRE
	}
	return iirNone
}

// updateIRQLocked drives the interrupt line. OUT2 gates the output.
func (u *UART) updateIRQLocked() {
	level := u.pendingLocked() != iirNone && u.mcr&mcrOUT2 != 0
	if level == u.line {
		return
	}
	u.line = level
	if u.irq != nil {
		u.irq(level)
	}
}

var (
	_ chipset.Device        = (*UART)(nil)
	_ chipset.PortIOHandler = (*UART)(nil)
	_ chipset.MmioHandler   = (*UART)(nil)
	_ chipset.MmioPlacer    = (*UART)(nil)
	_ chipset.PollHandler   = (*UART)(nil)
)
