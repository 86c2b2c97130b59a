package session

import (
	"time"

	"github.com/cfoust/glide/pkg/prediction"
	"github.com/cfoust/glide/pkg/protocol"
	"github.com/cfoust/glide/pkg/reconnect"
	"github.com/cfoust/glide/pkg/transport"

	"github.com/repeale/fp-go/option"
)

// Tick drains the room's pending events. Call it once per frame.
func (s *Session) Tick() {
	room := s.Room()
	if room == nil {
		return
	}

	for {
		select {
		case event := <-room.Events():
			s.handle(room, event)
			if event.Kind == transport.EventLeave {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) handle(room transport.Room, event transport.Event) {
	switch event.Kind {
	case transport.EventMessage:
		s.handleMessage(event)
	case transport.EventError:
		s.log.Warn().
			Int("code", event.Code).
			Str("message", event.Message).
			Msg("room error")
	case transport.EventLeave:
		s.handleLeave(room, event.Code, event.Message)
	}
}

func (s *Session) handleMessage(event transport.Event) {
	switch event.Type {
	case SNAPSHOT_MESSAGE:
		var snapshot prediction.Snapshot
		if _, err := protocol.Unmarshal(event.Data, &snapshot); err != nil {
			s.log.Debug().Err(err).Msg("malformed snapshot")
			return
		}
		s.Reconcile(snapshot)
	case PONG_MESSAGE:
		var pong PingPayload
		if _, err := protocol.Unmarshal(event.Data, &pong); err != nil {
			s.log.Debug().Err(err).Msg("malformed pong")
			return
		}

		now := s.clock.Now()
		rtt := now.Sub(time.UnixMilli(pong.Timestamp))
		if rtt < 0 {
			rtt = 0
		}

		s.mutex.Lock()
		s.rtt = opt.Some(rtt)
		s.pingSent = opt.None[time.Time]()
		s.mutex.Unlock()

		s.monitor.RecordLatency(rtt)
	default:
		value, format := protocol.Decode(event.Data)
		s.Messages.Publish(Message{
			Type:   event.Type,
			Value:  value,
			Format: format,
		})
	}
}

// Reconcile applies an authoritative snapshot to the local prediction.
func (s *Session) Reconcile(snapshot prediction.Snapshot) prediction.Decision {
	s.monitor.RecordUpdate(s.clock.Now())

	s.engineMutex.Lock()
	decision := s.engine.Reconcile(snapshot)
	s.engineMutex.Unlock()

	if decision == prediction.DecisionRollback {
		s.Notices.Publish(Notice{Kind: NoticeRollback})
	}
	return decision
}

func (s *Session) handleLeave(room transport.Room, code int, reason string) {
	s.mutex.Lock()
	if s.room != room {
		s.mutex.Unlock()
		return
	}
	s.room = nil
	s.pingSent = opt.None[time.Time]()
	s.mutex.Unlock()
	s.monitor.SetConnected(false)

	logger := s.log.With().Int("code", code).Str("reason", reason).Logger()

	if !reconnect.ShouldReconnect(code) {
		logger.Info().Msg("room closed")
		s.Notices.Publish(Notice{
			Kind:    NoticeClosed,
			Code:    code,
			Message: reason,
		})
		return
	}

	logger.Warn().Msg("lost connection")
	s.Notices.Publish(Notice{
		Kind:    NoticeReconnecting,
		Code:    code,
		Message: reason,
	})
	s.manager.StartReconnection(
		s.Ctx(),
		s.open,
		s.reconnected,
		s.failed,
	)
}

func (s *Session) reconnected(room transport.Room) {
	s.setRoom(room)
	s.Notices.Publish(Notice{Kind: NoticeReconnected})
}

func (s *Session) failed() {
	s.Notices.Publish(Notice{Kind: NoticeFailed})
}
