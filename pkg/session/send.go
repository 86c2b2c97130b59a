package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cfoust/glide/pkg/batch"
	"github.com/cfoust/glide/pkg/geom"
	"github.com/cfoust/glide/pkg/prediction"
	"github.com/cfoust/glide/pkg/reconnect"
	"github.com/cfoust/glide/pkg/transport"

	"github.com/repeale/fp-go/option"
)

type MovePayload struct {
	Position  geom.Vector `cbor:"position" json:"position"`
	Rotation  float64     `cbor:"rotation" json:"rotation"`
	Timestamp int64       `cbor:"timestamp" json:"timestamp"`
	Tick      int64       `cbor:"tick" json:"tick"`
}

type PingPayload struct {
	Timestamp int64 `cbor:"timestamp" json:"timestamp"`
}

// Move predicts the local entity from input and schedules the movement for
// the next flush. The predicted state is returned for immediate rendering.
func (s *Session) Move(input prediction.Input) prediction.State {
	s.engineMutex.Lock()
	state := s.engine.Predict(input)
	s.engineMutex.Unlock()

	s.batcher.Add(MOVE_MESSAGE, MovePayload{
		Position:  state.Position,
		Rotation:  state.Rotation,
		Timestamp: state.Timestamp,
		Tick:      state.Tick,
	}, batch.PriorityNormal)

	return state
}

// Act schedules any other outgoing message.
func (s *Session) Act(typ string, payload any, priority batch.Priority) {
	s.batcher.Add(typ, payload, priority)
}

// Flush sends everything pending right away.
func (s *Session) Flush() int {
	return s.batcher.Flush()
}

func (s *Session) write(room transport.Room, typ string, payload any) error {
	data, format, err := s.adapter.Encode(s.Ctx(), typ, payload)
	if err != nil {
		return err
	}

	if err := room.Send(typ, data); err != nil {
		return fmt.Errorf("could not send %s as %s: %w", typ, format, err)
	}
	return nil
}

// sendMessage is the batcher's sender. One-shot messages that cannot go out
// are held for replay after reconnection; stale movement is not worth
// keeping.
func (s *Session) sendMessage(message batch.Message) error {
	room := s.Room()
	if room != nil && room.IsOpen() {
		err := s.write(room, message.Type, message.Payload)
		if err == nil || !errors.Is(err, transport.ErrClosed) {
			return err
		}
	}

	if s.batcher.IsContinuous(message.Type) {
		return ErrNotConnected
	}

	s.manager.QueueAction(message.Type, message.Payload)
	return nil
}

func (s *Session) replay(room transport.Room, action reconnect.Action) error {
	return s.write(room, action.Type, action.Data)
}

// probe sends a ping and reports the round trip measured by the most
// recent pong. Until the first pong arrives there is nothing to report, and
// a ping left unanswered for a whole probe interval counts as a dead link.
func (s *Session) probe(ctx context.Context) (time.Duration, error) {
	room := s.Room()
	if room == nil || !room.IsOpen() {
		return 0, ErrNotConnected
	}

	now := s.clock.Now()

	s.mutex.Lock()
	rtt := s.rtt
	var err error
	if opt.IsSome(s.pingSent) {
		waited := now.Sub(s.pingSent.Value)
		if waited >= s.config.Reconnect.ProbeInterval {
			err = fmt.Errorf("no pong after %s", waited)
		}
	} else {
		s.pingSent = opt.Some(now)
	}
	s.mutex.Unlock()

	if sendErr := s.write(room, PING_MESSAGE, PingPayload{Timestamp: now.UnixMilli()}); sendErr != nil {
		return 0, sendErr
	}

	if err != nil {
		return 0, err
	}
	if opt.IsNone(rtt) {
		return 0, ErrNoLatency
	}
	return rtt.Value, nil
}
