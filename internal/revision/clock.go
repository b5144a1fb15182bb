package revision

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TimestampProvider hands out commit and fork timestamps. Successive calls
// must return strictly increasing values.
type TimestampProvider interface {
	Now() int64
}

// MonotonicClock returns wall-clock nanoseconds, bumped when the wall clock
// stalls or steps back.
type MonotonicClock struct {
	last atomic.Int64
}

func (c *MonotonicClock) Now() int64 {
	for {
		last := c.last.Load()
		now := time.Now().UnixNano()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// IDGenerator abstracts commit id generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
