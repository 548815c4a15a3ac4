package wangle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// codelClock steps a Codel's notion of time manually.
type codelClock struct{ t time.Time }

func (c *codelClock) now() time.Time { return c.t }

func (c *codelClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodel() (*Codel, *codelClock) {
	clk := &codelClock{t: time.Unix(1000, 0)}
	c := NewCodelWithParams(5*time.Millisecond, 100*time.Millisecond)
	c.now = clk.now
	return c, clk
}

func Test_Codel_LowDelayNeverOverloaded(t *testing.T) {
	c, clk := newTestCodel()
	for i := 0; i < 10; i++ {
		assert.False(t, c.Overloaded(time.Millisecond))
		clk.advance(20 * time.Millisecond)
	}
	assert.Equal(t, 0, c.GetLoad())
}

func Test_Codel_HighMinimumTriggersSloughing(t *testing.T) {
	c, clk := newTestCodel()

	// first sample of the window seeds the minimum
	assert.False(t, c.Overloaded(20*time.Millisecond))
	// the first window's deadline starts at zero, so the next sample closes
	// it: the seeded minimum is above target and flips overloaded
	clk.advance(50 * time.Millisecond)
	assert.False(t, c.Overloaded(20*time.Millisecond))

	// still inside the new window: the overloaded state holds
	clk.advance(60 * time.Millisecond)
	c.Overloaded(20 * time.Millisecond)

	assert.True(t, c.Overloaded(11*time.Millisecond), "delay > 2*target must shed")
	assert.False(t, c.Overloaded(9*time.Millisecond), "delay <= 2*target must pass")
}

func Test_Codel_RecoversWhenDelayDrops(t *testing.T) {
	c, clk := newTestCodel()
	assert.False(t, c.Overloaded(20*time.Millisecond))
	clk.advance(110 * time.Millisecond)
	c.Overloaded(20 * time.Millisecond)
	assert.True(t, c.Overloaded(30*time.Millisecond))

	// a window of small delays clears the overloaded state
	clk.advance(110 * time.Millisecond)
	c.Overloaded(time.Millisecond)
	clk.advance(110 * time.Millisecond)
	c.Overloaded(time.Millisecond)
	assert.False(t, c.Overloaded(30*time.Millisecond))
}

func Test_Codel_GetLoadCaps(t *testing.T) {
	c, _ := newTestCodel()
	c.minDelay.Store(int64(5 * time.Second))
	assert.Equal(t, 100, c.GetLoad())
	c.minDelay.Store(int64(30 * time.Millisecond))
	assert.Equal(t, 3, c.GetLoad())
}
