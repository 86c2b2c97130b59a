package quality

import (
	"math"
	"time"

	"github.com/sasha-s/go-deadlock"
)

type Tier uint8

const (
	TierExcellent Tier = iota
	TierGood
	TierFair
	TierPoor
)

func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	default:
		return "unknown"
	}
}

const (
	EXCELLENT_LATENCY = 50 * time.Millisecond
	GOOD_LATENCY      = 100 * time.Millisecond
	FAIR_LATENCY      = 200 * time.Millisecond

	// Inter-update intervals kept for jitter estimation
	WINDOW_SIZE = 20
	// No update for this long means the link is treated as poor
	STALE_AFTER = 2 * time.Second
)

// Classify maps a round-trip latency to a tier. A disconnected link is
// always poor.
func Classify(latency time.Duration, connected bool) Tier {
	switch {
	case !connected:
		return TierPoor
	case latency < EXCELLENT_LATENCY:
		return TierExcellent
	case latency < GOOD_LATENCY:
		return TierGood
	case latency < FAIR_LATENCY:
		return TierFair
	default:
		return TierPoor
	}
}

// Interval is the outgoing flush cadence recommended for a tier.
func (t Tier) Interval() time.Duration {
	switch t {
	case TierExcellent:
		return 50 * time.Millisecond
	case TierGood:
		return 66 * time.Millisecond
	case TierFair:
		return 100 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

// Monitor tracks server update timing and probe latency. It is read from
// timer callbacks, so every method takes the lock.
type Monitor struct {
	mutex      deadlock.Mutex
	connected  bool
	latency    time.Duration
	lastUpdate time.Time
	intervals  []time.Duration
}

func NewMonitor() *Monitor {
	return &Monitor{
		intervals: make([]time.Duration, 0, WINDOW_SIZE),
	}
}

func (m *Monitor) SetConnected(connected bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connected = connected
	if !connected {
		m.lastUpdate = time.Time{}
		m.intervals = m.intervals[:0]
	}
}

func (m *Monitor) Connected() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connected
}

// RecordUpdate notes the arrival of a server update at now.
func (m *Monitor) RecordUpdate(now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.lastUpdate.IsZero() {
		interval := now.Sub(m.lastUpdate)
		if interval >= 0 {
			if len(m.intervals) == WINDOW_SIZE {
				copy(m.intervals, m.intervals[1:])
				m.intervals = m.intervals[:WINDOW_SIZE-1]
			}
			m.intervals = append(m.intervals, interval)
		}
	}
	m.lastUpdate = now
}

func (m *Monitor) RecordLatency(latency time.Duration) {
	m.mutex.Lock()
	m.latency = latency
	m.mutex.Unlock()
}

func (m *Monitor) Latency() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.latency
}

// MeanInterval is the average time between server updates.
func (m *Monitor) MeanInterval() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.meanInterval()
}

func (m *Monitor) meanInterval() time.Duration {
	if len(m.intervals) == 0 {
		return 0
	}
	var total time.Duration
	for _, interval := range m.intervals {
		total += interval
	}
	return total / time.Duration(len(m.intervals))
}

// Jitter is the standard deviation of the update interval.
func (m *Monitor) Jitter() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.jitter()
}

func (m *Monitor) jitter() time.Duration {
	if len(m.intervals) < 2 {
		return 0
	}
	mean := float64(m.meanInterval())
	var sum float64
	for _, interval := range m.intervals {
		d := float64(interval) - mean
		sum += d * d
	}
	return time.Duration(math.Sqrt(sum / float64(len(m.intervals))))
}

// Tier classifies the link using latency plus jitter. Updates that stopped
// arriving count as a poor link even if the last probe was fast.
func (m *Monitor) Tier(now time.Time) Tier {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.connected {
		return TierPoor
	}
	if !m.lastUpdate.IsZero() && now.Sub(m.lastUpdate) > STALE_AFTER {
		return TierPoor
	}
	return Classify(m.latency+m.jitter(), true)
}

func (m *Monitor) RecommendedInterval(now time.Time) time.Duration {
	return m.Tier(now).Interval()
}
