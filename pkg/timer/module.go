package timer

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

const (
	stateIdle = iota
	stateActive
	stateExpired
)

// Timer is a single cancellable callback. It is created idle; Start arms it.
// The callback runs on its own goroutine.
type Timer struct {
	t  *time.Timer
	fn func()

	l         *deadlock.Mutex // guards the fields below
	state     int
	duration  time.Duration
	startedAt time.Time
}

// AfterFunc returns an idle timer that calls f once d has elapsed after
// Start.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{
		duration: d,
		l:        new(deadlock.Mutex),
	}
	t.fn = func() {
		t.l.Lock()
		if t.state != stateActive {
			t.l.Unlock()
			return
		}
		t.state = stateExpired
		t.l.Unlock()
		f()
	}
	return t
}

// Start arms the timer. It returns false if the timer is already running or
// has expired.
func (t *Timer) Start() bool {
	t.l.Lock()
	defer t.l.Unlock()
	if t.state != stateIdle {
		return false
	}
	t.startedAt = time.Now()
	t.state = stateActive
	t.t = time.AfterFunc(t.duration, t.fn)
	return true
}

// Stop prevents the timer from firing. It returns false if the timer already
// fired or was stopped.
func (t *Timer) Stop() bool {
	t.l.Lock()
	defer t.l.Unlock()
	if t.state != stateActive {
		t.state = stateExpired
		return false
	}
	t.state = stateExpired
	return t.t.Stop()
}

// TimeLeft is safe to call on a nil timer.
func (t *Timer) TimeLeft() time.Duration {
	if t == nil {
		return 0
	}

	t.l.Lock()
	defer t.l.Unlock()

	switch t.state {
	case stateIdle:
		return t.duration
	case stateActive:
		left := t.duration - time.Since(t.startedAt)
		if left < 0 {
			return 0
		}
		return left
	default:
		return 0
	}
}
