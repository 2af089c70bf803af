package vclock

import (
	"sync"
	"time"
)

// Timestamp is a hybrid logical clock reading.
type Timestamp struct {
	Physical uint64 `json:"physical"`
	Logical  uint32 `json:"logical"`
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	if t.Physical != other.Physical {
		return t.Physical < other.Physical
	}
	return t.Logical < other.Logical
}

// Clock generates monotonically increasing HLC timestamps in milliseconds.
// Safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	wall func() time.Time
}

// NewClock returns a clock reading wall time from time.Now.
func NewClock() *Clock {
	return &Clock{wall: time.Now}
}

// NewClockWithSource returns a clock reading wall time from fn. Used by tests
// to simulate skew.
func NewClockWithSource(fn func() time.Time) *Clock {
	return &Clock{wall: fn}
}

func (c *Clock) wallMillis() uint64 {
	ms := c.wall().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// Now returns the next local timestamp.
func (c *Clock) Now() Timestamp {
	now := c.wallMillis()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.last.Physical {
		c.last = Timestamp{Physical: now}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Update folds a remote timestamp into the clock and returns the resulting
// local timestamp, which orders after both the previous local reading and
// the remote one.
func (c *Clock) Update(remote Timestamp) Timestamp {
	now := c.wallMillis()

	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.last
	switch {
	case now > last.Physical && now > remote.Physical:
		c.last = Timestamp{Physical: now}
	case last.Physical > remote.Physical:
		c.last = Timestamp{Physical: last.Physical, Logical: last.Logical + 1}
	case remote.Physical > last.Physical:
		c.last = Timestamp{Physical: remote.Physical, Logical: remote.Logical + 1}
	default:
		logical := last.Logical
		if remote.Logical > logical {
			logical = remote.Logical
		}
		c.last = Timestamp{Physical: last.Physical, Logical: logical + 1}
	}
	return c.last
}

// Last returns the most recent timestamp handed out.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Stamp sets the HLC fields of v from the next local timestamp and returns it.
func (c *Clock) Stamp(v *VersionVector) Timestamp {
	ts := c.Now()
	v.SetHLC(ts.Physical, ts.Logical)
	return ts
}
