package timer

import (
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Handle is a scheduled callback.
type Handle interface {
	Stop() bool
	TimeLeft() time.Duration
}

// Clock is the time source for everything that schedules work. Production
// code uses System; tests drive a ManualClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Handle
}

type systemClock struct{}

var System Clock = systemClock{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Handle {
	t := AfterFunc(d, f)
	t.Start()
	return t
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	done     bool
}

func (m *manualTimer) Stop() bool {
	m.clock.mutex.Lock()
	defer m.clock.mutex.Unlock()
	if m.done {
		return false
	}
	m.done = true
	return true
}

func (m *manualTimer) TimeLeft() time.Duration {
	m.clock.mutex.Lock()
	defer m.clock.mutex.Unlock()
	if m.done {
		return 0
	}
	return m.deadline.Sub(m.clock.now)
}

// ManualClock only moves when Advance is called. Callbacks run synchronously
// on the goroutine calling Advance, in deadline order.
type ManualClock struct {
	mutex  deadlock.Mutex
	now    time.Time
	timers []*manualTimer
	delays []time.Duration
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Handle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	timer := &manualTimer{
		clock:    c,
		deadline: c.now.Add(d),
		fn:       f,
	}
	c.timers = append(c.timers, timer)
	c.delays = append(c.delays, d)
	return timer
}

// Delays lists every duration passed to AfterFunc, in call order.
func (c *ManualClock) Delays() []time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// Pending counts timers that have neither fired nor been stopped.
func (c *ManualClock) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.done {
			count++
		}
	}
	return count
}

// Advance moves the clock forward by d, firing every timer that comes due,
// including ones scheduled by callbacks along the way.
func (c *ManualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	target := c.now.Add(d)
	c.mutex.Unlock()

	for {
		c.mutex.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.mutex.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mutex.Unlock()

		next.fn()
	}
}

func (c *ManualClock) nextDue(target time.Time) *manualTimer {
	live := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.done {
			live = append(live, timer)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})

	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}
	return c.timers[0]
}
