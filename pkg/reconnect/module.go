package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/cfoust/glide/pkg/quality"
	"github.com/cfoust/glide/pkg/timer"
	"github.com/cfoust/glide/pkg/transport"

	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

var ErrNoRoom = errors.New("reconnect returned no room")

type Config struct {
	MaxAttempts   int           `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay     time.Duration `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay" json:"maxDelay"`
	QueueCapacity int           `yaml:"queueCapacity" json:"queueCapacity"`
	QueueMaxAge   time.Duration `yaml:"queueMaxAge" json:"queueMaxAge"`
	ProbeInterval time.Duration `yaml:"probeInterval" json:"probeInterval"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   10,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		QueueCapacity: 100,
		QueueMaxAge:   30 * time.Second,
		ProbeInterval: 5 * time.Second,
	}
}

// Backoff is the delay after the failed attempt with zero-based index n:
// BaseDelay doubled n times, capped at MaxDelay.
func (c Config) Backoff(n int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

func Backoff(n int) time.Duration {
	return DefaultConfig().Backoff(n)
}

// ShouldReconnect reports whether a room that closed with code should be
// reconnected. Only an intentional close is left alone.
func ShouldReconnect(code int) bool {
	return !transport.IsNormalClosure(code)
}

type State uint8

const (
	StateIdle State = iota
	StateReconnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Action is an outgoing message held back while the room is down.
type Action struct {
	Type       string
	Data       any
	EnqueuedAt time.Time
}

type Status struct {
	State          State
	IsReconnecting bool
	Attempts       int
	LastAttemptAt  opt.Option[time.Time]
	NextAttemptIn  opt.Option[time.Duration]
	Quality        quality.Tier
	Latency        time.Duration
	Queued         int
}

// ReconnectFunc produces a fresh room. It may block; it is always called
// without any lock held.
type ReconnectFunc func(ctx context.Context) (transport.Room, error)

// ReplayFunc sends a queued action on a freshly connected room.
type ReplayFunc func(room transport.Room, action Action) error

// Probe measures round-trip latency to the server.
type Probe func(ctx context.Context) (time.Duration, error)

type Manager struct {
	config Config
	log    zerolog.Logger
	clock  timer.Clock

	mutex       deadlock.Mutex
	state       State
	attempts    int
	lastAttempt opt.Option[time.Time]
	retry       timer.Handle
	// Bumped on every start and stop so stale attempts can tell
	generation uint64
	queue      []Action
	replay     ReplayFunc

	latency         time.Duration
	tier            quality.Tier
	probe           timer.Handle
	probeGeneration uint64
}

func NewManager(config Config, clock timer.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		config:      config,
		log:         logger.With().Str("component", "reconnect").Logger(),
		clock:       clock,
		lastAttempt: opt.None[time.Time](),
		queue:       make([]Action, 0, config.QueueCapacity),
		tier:        quality.TierPoor,
	}
}

func (m *Manager) SetReplay(replay ReplayFunc) {
	m.mutex.Lock()
	m.replay = replay
	m.mutex.Unlock()
}

func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	status := Status{
		State:          m.state,
		IsReconnecting: m.state == StateReconnecting,
		Attempts:       m.attempts,
		LastAttemptAt:  m.lastAttempt,
		NextAttemptIn:  opt.None[time.Duration](),
		Quality:        m.tier,
		Latency:        m.latency,
		Queued:         len(m.queue),
	}

	if m.state != StateConnected {
		status.Quality = quality.TierPoor
	}

	if m.retry != nil {
		status.NextAttemptIn = opt.Some(m.retry.TimeLeft())
	}

	return status
}

// MarkConnected records a connection made outside of a reconnection cycle.
func (m *Manager) MarkConnected() {
	m.mutex.Lock()
	m.state = StateConnected
	m.attempts = 0
	m.mutex.Unlock()
}

// prune drops actions that are too old to be worth replaying.
func (m *Manager) prune(now time.Time) {
	fresh := m.queue[:0]
	for _, action := range m.queue {
		if now.Sub(action.EnqueuedAt) < m.config.QueueMaxAge {
			fresh = append(fresh, action)
		}
	}
	for i := len(fresh); i < len(m.queue); i++ {
		m.queue[i] = Action{}
	}
	m.queue = fresh
}

// QueueAction holds an outgoing message until the next successful
// reconnection. At capacity the oldest entry is evicted.
func (m *Manager) QueueAction(typ string, data any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now()
	m.prune(now)

	if m.config.QueueCapacity <= 0 {
		return
	}

	if len(m.queue) >= m.config.QueueCapacity {
		evicted := len(m.queue) - m.config.QueueCapacity + 1
		copy(m.queue, m.queue[evicted:])
		for i := len(m.queue) - evicted; i < len(m.queue); i++ {
			m.queue[i] = Action{}
		}
		m.queue = m.queue[:len(m.queue)-evicted]
		m.log.Debug().Int("evicted", evicted).Msg("action queue full")
	}

	m.queue = append(m.queue, Action{
		Type:       typ,
		Data:       data,
		EnqueuedAt: now,
	})
}

// Queued returns a copy of the pending actions, oldest first.
func (m *Manager) Queued() []Action {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]Action, len(m.queue))
	copy(out, m.queue)
	return out
}

// StartReconnection begins a reconnection cycle. The first attempt is
// scheduled with no delay. It returns false if a cycle is already running.
func (m *Manager) StartReconnection(
	ctx context.Context,
	reconnect ReconnectFunc,
	onReconnected func(transport.Room),
	onFailed func(),
) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == StateReconnecting {
		return false
	}

	m.state = StateReconnecting
	m.attempts = 0
	m.generation++
	generation := m.generation

	m.log.Info().Msg("reconnecting")
	m.retry = m.clock.AfterFunc(0, func() {
		m.attempt(ctx, generation, reconnect, onReconnected, onFailed)
	})
	return true
}

// StopReconnection cancels the pending retry and returns to idle. An attempt
// that is already running is not interrupted, but its result is discarded.
func (m *Manager) StopReconnection() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.generation++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.state = StateIdle
	m.attempts = 0
}

func (m *Manager) attempt(
	ctx context.Context,
	generation uint64,
	reconnect ReconnectFunc,
	onReconnected func(transport.Room),
	onFailed func(),
) {
	m.mutex.Lock()
	if generation != m.generation || m.state != StateReconnecting {
		m.mutex.Unlock()
		return
	}

	if ctx.Err() != nil {
		m.generation++
		m.state = StateIdle
		m.retry = nil
		m.mutex.Unlock()
		m.log.Info().Err(ctx.Err()).Msg("reconnection abandoned")
		return
	}

	m.attempts++
	if m.attempts > m.config.MaxAttempts {
		m.state = StateFailed
		m.retry = nil
		m.attempts = m.config.MaxAttempts
		m.mutex.Unlock()

		m.log.Error().Int("attempts", m.config.MaxAttempts).Msg("reconnection failed")
		if onFailed != nil {
			onFailed()
		}
		return
	}

	attempt := m.attempts
	m.lastAttempt = opt.Some(m.clock.Now())
	m.retry = nil
	m.mutex.Unlock()

	room, err := reconnect(ctx)
	if err == nil && room == nil {
		err = ErrNoRoom
	}

	m.mutex.Lock()
	if generation != m.generation {
		m.mutex.Unlock()
		if room != nil {
			room.Close(transport.CloseNormal, "reconnection cancelled")
		}
		m.log.Debug().Int("attempt", attempt).Msg("discarded stale attempt")
		return
	}

	if err != nil {
		delay := m.config.Backoff(attempt - 1)
		m.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnect attempt failed")
		m.retry = m.clock.AfterFunc(delay, func() {
			m.attempt(ctx, generation, reconnect, onReconnected, onFailed)
		})
		m.mutex.Unlock()
		return
	}

	m.state = StateConnected
	m.attempts = 0

	now := m.clock.Now()
	m.prune(now)
	actions := m.queue
	m.queue = make([]Action, 0, m.config.QueueCapacity)
	replay := m.replay
	m.mutex.Unlock()

	m.log.Info().
		Int("attempt", attempt).
		Int("replayed", len(actions)).
		Msg("reconnected")

	for _, action := range actions {
		if replay == nil {
			break
		}
		if err := replay(room, action); err != nil {
			m.log.Debug().Err(err).Str("type", action.Type).Msg("could not replay action")
		}
	}

	if onReconnected != nil {
		onReconnected(room)
	}
}

// StartMonitoring probes latency every ProbeInterval until StopMonitoring.
// report, if set, receives every sample.
func (m *Manager) StartMonitoring(ctx context.Context, probe Probe, report func(time.Duration, quality.Tier)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.probe != nil {
		m.probe.Stop()
	}
	m.probeGeneration++
	m.scheduleProbe(ctx, m.probeGeneration, probe, report)
}

func (m *Manager) scheduleProbe(
	ctx context.Context,
	generation uint64,
	probe Probe,
	report func(time.Duration, quality.Tier),
) {
	m.probe = m.clock.AfterFunc(m.config.ProbeInterval, func() {
		if ctx.Err() != nil {
			return
		}

		latency, err := probe(ctx)
		tier := quality.Classify(latency, err == nil)
		if err != nil {
			m.log.Debug().Err(err).Msg("latency probe failed")
		}

		m.mutex.Lock()
		if generation != m.probeGeneration {
			m.mutex.Unlock()
			return
		}
		m.latency = latency
		m.tier = tier
		m.scheduleProbe(ctx, generation, probe, report)
		m.mutex.Unlock()

		if report != nil {
			report(latency, tier)
		}
	})
}

func (m *Manager) StopMonitoring() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.probeGeneration++
	if m.probe != nil {
		m.probe.Stop()
		m.probe = nil
	}
}
