package wangle

import (
	"sync/atomic"
	"time"
)

// Codel is a controlled-delay overload detector. Over a sliding window it
// tracks the minimum observed queueing delay; when that minimum exceeds
// the target the detector flips to overloaded, and while overloaded any
// request whose delay exceeds twice the target should be shed.
//
// Safe for concurrent use; exactly one caller per window performs the
// minimum reset, coordinated through a single atomic claim.
type Codel struct {
	targetDelay  time.Duration
	interval     time.Duration
	minDelay     atomic.Int64 // nanoseconds
	intervalTime atomic.Int64 // nanoseconds on the clock below
	resetDelay   atomic.Bool
	isOverloaded atomic.Bool

	now func() time.Time
}

// NewCodel creates a detector with the default 5 ms target and 100 ms
// window.
func NewCodel() *Codel {
	return NewCodelWithParams(DefaultCodelTargetDelay, DefaultCodelInterval)
}

// NewCodelWithParams creates a detector with explicit target delay and
// window length.
func NewCodelWithParams(targetDelay, interval time.Duration) *Codel {
	c := &Codel{
		targetDelay: targetDelay,
		interval:    interval,
		now:         time.Now,
	}
	c.resetDelay.Store(true)
	return c
}

// Overloaded records a request's queueing delay and reports whether the
// request should be shed.
func (c *Codel) Overloaded(delay time.Duration) bool {
	shed := false
	now := c.now().UnixNano()

	// Snapshot so a concurrent reset cannot change the value between the
	// comparison and the use.
	minDelay := time.Duration(c.minDelay.Load())

	if now > c.intervalTime.Load() && c.resetDelay.CompareAndSwap(false, true) {
		c.intervalTime.Store(now + int64(c.interval))
		c.isOverloaded.Store(minDelay > c.targetDelay)
	}

	if c.resetDelay.CompareAndSwap(true, false) {
		c.minDelay.Store(int64(delay))
		// More than one request must come in during an interval before
		// codel starts dropping requests.
		return false
	} else if delay < minDelay {
		c.minDelay.Store(int64(delay))
	}

	if c.isOverloaded.Load() && delay > 2*c.targetDelay {
		shed = true
	}
	return shed
}

// GetLoad returns a load figure capped at 100, derived from the
// window-minimum delay relative to twice the target.
func (c *Codel) GetLoad() int {
	load := int(time.Duration(c.minDelay.Load()) / (2 * c.targetDelay))
	if load > 100 {
		return 100
	}
	return load
}

// GetMinDelay returns the current window-minimum delay.
func (c *Codel) GetMinDelay() time.Duration {
	return time.Duration(c.minDelay.Load())
}
