package trap

import (
	"fmt"
	"strings"
)

// Kind selects the category of a trap and therefore the address space it lives in.
type Kind uint32

const (
	// KindBell is an asynchronous doorbell trap on guest memory.
	KindBell Kind = 0
	// KindMem is a synchronous trap on guest-physical memory (MMIO).
	KindMem Kind = 1
	// KindIO is a synchronous trap on the 16-bit port I/O space.
	KindIO Kind = 2
)

// ParseKind converts a raw category value, as passed across the hypercall
// boundary, into a Kind.
func ParseKind(v uint32) (Kind, error) {
	k := Kind(v)
	if !k.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidKind, v)
	}
	return k, nil
}

// ParseKindName accepts the short names used in configuration files.
func ParseKindName(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bell", "doorbell":
		return KindBell, nil
	case "mem", "mmio":
		return KindMem, nil
	case "io", "pio", "port":
		return KindIO, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, name)
	}
}

func (k Kind) Valid() bool {
	return k <= KindIO
}

func (k Kind) String() string {
	switch k {
	case KindBell:
		return "bell"
	case KindMem:
		return "mem"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}
