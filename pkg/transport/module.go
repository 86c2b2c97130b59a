package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

const (
	// The peer closed on purpose; nothing should try to reconnect.
	CloseNormal    = 1000
	CloseGoingAway = 1001
	// The stream ended without a close handshake.
	CloseAbnormal = 1006

	ROOM_EVENT_LIMIT = 64
)

var (
	ErrClosed        = errors.New("room is closed")
	ErrFrameTooLarge = errors.New("frame too large")
)

type EventKind uint8

const (
	EventMessage EventKind = iota
	EventLeave
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventLeave:
		return "leave"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	// Message type and payload (EventMessage)
	Type string
	Data []byte
	// Close code (EventLeave) or error code (EventError)
	Code    int
	Message string
}

// Room is a connection to an authoritative server. Inbound traffic is
// delivered through Events, which the owner drains once per tick.
type Room interface {
	Send(typ string, data []byte) error
	Events() <-chan Event
	// Set once the handshake completes, cleared when the room closes
	IsOpen() bool
	Close(code int, reason string) error
}

func baseLogger(logger *zerolog.Logger) zerolog.Logger {
	if logger == nil {
		return log.Logger
	}
	return *logger
}

// IsNormalClosure reports whether a close code means the peer left on purpose.
func IsNormalClosure(code int) bool {
	return code == CloseNormal
}

// mailbox is the event plumbing shared by room implementations. Messages are
// dropped oldest-first when the owner falls behind; the leave event is
// emitted exactly once.
type mailbox struct {
	events    chan Event
	mutex     deadlock.Mutex
	dropped   atomic.Uint64
	open      atomic.Bool
	localCode atomic.Int32
	leaveOnce sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		events: make(chan Event, ROOM_EVENT_LIMIT),
	}
}

func (m *mailbox) Events() <-chan Event {
	return m.events
}

func (m *mailbox) IsOpen() bool {
	return m.open.Load()
}

// Dropped counts events discarded because the owner fell behind.
func (m *mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *mailbox) emit(event Event) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for {
		select {
		case m.events <- event:
			return
		default:
		}

		select {
		case <-m.events:
			m.dropped.Add(1)
		default:
		}
	}
}

// closing records a locally initiated close. It returns false if the room
// was already closed.
func (m *mailbox) closing(code int) bool {
	if !m.open.Swap(false) {
		return false
	}
	m.localCode.Store(int32(code))
	return true
}

// leave emits the leave event. A locally chosen close code wins over what
// the stream reported.
func (m *mailbox) leave(code int, reason string) {
	m.leaveOnce.Do(func() {
		m.open.Store(false)
		if local := m.localCode.Load(); local != 0 {
			code = int(local)
		}
		m.emit(Event{
			Kind:    EventLeave,
			Code:    code,
			Message: reason,
		})
	})
}
