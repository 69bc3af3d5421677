package hv

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxGuests is the guest limit used when none is configured.
const DefaultMaxGuests = 64

// Limiter bounds the number of guests alive at once. Acquire must fail with
// ErrResourceExhausted without side effects once the limit is reached;
// Release always returns one slot.
type Limiter interface {
	Acquire() error
	Release()
}

// GuestCounter is a Limiter shared by every guest of a process.
type GuestCounter struct {
	max  int64
	sem  *semaphore.Weighted
	live atomic.Int64
}

// NewGuestCounter returns a counter allowing max live guests. A non-positive
// max selects DefaultMaxGuests.
func NewGuestCounter(max int) *GuestCounter {
	if max <= 0 {
		max = DefaultMaxGuests
	}
	return &GuestCounter{
		max: int64(max),
		sem: semaphore.NewWeighted(int64(max)),
	}
}

func (c *GuestCounter) Acquire() error {
	if !c.sem.TryAcquire(1) {
		return fmt.Errorf("%w: guest limit %d reached", ErrResourceExhausted, c.max)
	}
	c.live.Add(1)
	return nil
}

func (c *GuestCounter) Release() {
	c.live.Add(-1)
	c.sem.Release(1)
}

// Live returns the number of slots currently held.
func (c *GuestCounter) Live() int { return int(c.live.Load()) }

// Max returns the configured limit.
func (c *GuestCounter) Max() int { return int(c.max) }

var _ Limiter = (*GuestCounter)(nil)
