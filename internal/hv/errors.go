package hv

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvm/internal/trap"
)

var (
	ErrInvalidParam      = errors.New("invalid parameter")
	ErrOutOfRange        = errors.New("address out of range")
	ErrNotSupported      = errors.New("not supported")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrGuestClosed       = errors.New("guest already closed")

	// ErrDuplicateRange is returned when a trap collides with one already
	// registered in the same address space.
	ErrDuplicateRange = trap.ErrDuplicateRange
)

// Error records a failed guest operation together with the range it targeted.
type Error struct {
	Op   string
	Addr uint64
	Size uint64
	Err  error
}

func (e *Error) Error() string {
	if e.Size != 0 || e.Addr != 0 {
		return fmt.Sprintf("%s [0x%x+0x%x]: %v", e.Op, e.Addr, e.Size, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
