package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSweeper struct {
	pulses, pings, zombies atomic.Int32
}

func (c *countingSweeper) PulseCheck(time.Time)  { c.pulses.Add(1) }
func (c *countingSweeper) PingSweep(time.Time)   { c.pings.Add(1) }
func (c *countingSweeper) ZombieSweep(time.Time) { c.zombies.Add(1) }

func TestTimerRunsEachSweepAtItsOwnInterval(t *testing.T) {
	sw := &countingSweeper{}
	svc := New(Config{
		PulseInterval:  20 * time.Millisecond,
		PingInterval:   40 * time.Millisecond,
		ZombieInterval: 200 * time.Millisecond,
	}, sw)

	svc.Start()
	time.Sleep(130 * time.Millisecond)
	svc.Stop()

	assert.GreaterOrEqual(t, sw.pulses.Load(), int32(4))
	assert.GreaterOrEqual(t, sw.pings.Load(), int32(2))
	assert.Equal(t, int32(0), sw.zombies.Load(), "zombie interval has not elapsed yet")
}

func TestTickPeriodIsShortestInterval(t *testing.T) {
	svc := New(Config{PulseInterval: 5 * time.Second, PingInterval: 2 * time.Second, ZombieInterval: time.Hour}, &countingSweeper{})
	assert.Equal(t, 2*time.Second, svc.tickPeriod())
}
