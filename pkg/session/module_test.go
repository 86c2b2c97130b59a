package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cfoust/glide/pkg/batch"
	"github.com/cfoust/glide/pkg/geom"
	"github.com/cfoust/glide/pkg/prediction"
	"github.com/cfoust/glide/pkg/prefs"
	"github.com/cfoust/glide/pkg/protocol"
	"github.com/cfoust/glide/pkg/quality"
	"github.com/cfoust/glide/pkg/reconnect"
	"github.com/cfoust/glide/pkg/timer"
	"github.com/cfoust/glide/pkg/transport"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	Type string
	Data []byte
}

type fakeRoom struct {
	mutex  sync.Mutex
	sent   []sent
	closed bool
	code   int
	events chan transport.Event
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{events: make(chan transport.Event, 16)}
}

func (f *fakeRoom) Send(typ string, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, sent{typ, append([]byte(nil), data...)})
	return nil
}

func (f *fakeRoom) Events() <-chan transport.Event { return f.events }

func (f *fakeRoom) IsOpen() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return !f.closed
}

func (f *fakeRoom) Close(code int, reason string) error {
	f.mutex.Lock()
	f.closed = true
	f.code = code
	f.mutex.Unlock()
	return nil
}

func (f *fakeRoom) ofType(typ string) []sent {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var out []sent
	for _, message := range f.sent {
		if message.Type == typ {
			out = append(out, message)
		}
	}
	return out
}

func (f *fakeRoom) push(t *testing.T, typ string, value any) {
	data, err := cbor.Marshal(value)
	require.NoError(t, err)
	f.events <- transport.Event{
		Kind: transport.EventMessage,
		Type: typ,
		Data: data,
	}
}

type harness struct {
	session *Session
	clock   *timer.ManualClock
	store   *prefs.MemoryStore
	dials   int
	rooms   []*fakeRoom
	// Dial attempts that should fail, by call number
	failing map[int]bool
}

func newHarness(t *testing.T, setup func(*harness)) *harness {
	h := &harness{
		clock:   timer.NewManualClock(time.Unix(1000, 0)),
		store:   prefs.NewMemoryStore(),
		failing: make(map[int]bool),
	}
	if setup != nil {
		setup(h)
	}

	dial := func(ctx context.Context, token string) (transport.Room, error) {
		h.dials++
		if h.failing[h.dials] {
			return nil, errors.New("connection refused")
		}
		room := newFakeRoom()
		h.rooms = append(h.rooms, room)
		return room, nil
	}

	h.session = New(
		context.Background(),
		DefaultConfig("player"),
		dial,
		h.store,
		nil,
		h.clock,
		zerolog.Nop(),
	)
	t.Cleanup(func() { h.session.Close() })
	return h
}

func (h *harness) room() *fakeRoom {
	return h.rooms[len(h.rooms)-1]
}

func nextNotice(t *testing.T, s *Session, sub interface{ Recv() <-chan Notice }) Notice {
	t.Helper()
	select {
	case notice := <-sub.Recv():
		return notice
	default:
		t.Fatal("expected a notice")
	}
	return Notice{}
}

func TestIntentionalCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.session.Subscribe()

	require.NoError(t, h.session.Connect(context.Background()))
	assert.Equal(t, NoticeConnected, nextNotice(t, h.session, sub).Kind)

	h.room().events <- transport.Event{
		Kind: transport.EventLeave,
		Code: transport.CloseNormal,
	}
	h.session.Tick()

	notice := nextNotice(t, h.session, sub)
	assert.Equal(t, NoticeClosed, notice.Kind)
	assert.Equal(t, transport.CloseNormal, notice.Code)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dials)
	assert.NotEqual(t, reconnect.StateReconnecting, h.session.Status().Reconnect.State)
	assert.False(t, h.session.Status().Connected)
}

func TestReconnectReplaysActions(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		// The first connect succeeds, then three attempts fail
		h.failing[2] = true
		h.failing[3] = true
		h.failing[4] = true
	})
	sub := h.session.Subscribe()
	require.NoError(t, h.session.Connect(context.Background()))
	nextNotice(t, h.session, sub)

	first := h.room()
	first.events <- transport.Event{
		Kind: transport.EventLeave,
		Code: transport.CloseAbnormal,
	}
	h.session.Tick()

	notice := nextNotice(t, h.session, sub)
	assert.Equal(t, NoticeReconnecting, notice.Kind)
	assert.Equal(t, transport.CloseAbnormal, notice.Code)

	// Sent while the room is down
	h.session.Act(SKILL_MESSAGE, map[string]string{"skill": "fireball"}, batch.PriorityHigh)
	h.session.Move(prediction.Input{Position: geom.NewVector(1, 0, 0)})
	h.session.Flush()
	require.Len(t, h.session.manager.Queued(), 1)

	h.clock.Advance(0)
	assert.Equal(t, 2, h.dials)
	h.clock.Advance(time.Second)
	assert.Equal(t, 3, h.dials)
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 4, h.dials)
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, 5, h.dials)

	assert.Equal(t, NoticeReconnected, nextNotice(t, h.session, sub).Kind)

	status := h.session.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, reconnect.StateConnected, status.Reconnect.State)
	assert.Equal(t, 0, status.Reconnect.Attempts)

	second := h.room()
	assert.NotSame(t, first, second)
	skills := second.ofType(SKILL_MESSAGE)
	require.Len(t, skills, 1)

	var payload map[string]string
	_, err := protocol.Unmarshal(skills[0].Data, &payload)
	require.NoError(t, err)
	assert.Equal(t, "fireball", payload["skill"])
	assert.Empty(t, first.ofType(MOVE_MESSAGE))
}

func TestSnapshotReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.session.Subscribe()
	require.NoError(t, h.session.Connect(context.Background()))
	nextNotice(t, h.session, sub)

	h.session.Move(prediction.Input{Position: geom.Zero, Timestamp: 0})

	h.room().push(t, SNAPSHOT_MESSAGE, prediction.Snapshot{
		EntityID:  "player",
		Position:  geom.NewVector(5, 0, 0),
		Timestamp: 1000,
	})
	h.session.Tick()

	assert.Equal(t, NoticeRollback, nextNotice(t, h.session, sub).Kind)

	status := h.session.Status()
	require.True(t, status.Current.Value.Position == geom.NewVector(5, 0, 0))
	assert.Equal(t, uint64(1), status.Stats.Rollbacks)

	// Structured snapshots are understood too
	data, err := json.Marshal(prediction.Snapshot{
		EntityID:  "player",
		Position:  geom.NewVector(5, 0, 0),
		Timestamp: 1100,
	})
	require.NoError(t, err)
	h.room().events <- transport.Event{
		Kind: transport.EventMessage,
		Type: SNAPSHOT_MESSAGE,
		Data: data,
	}
	h.session.Tick()
	assert.Equal(t, uint64(1), h.session.Status().Stats.Accepted)
}

func TestMovementIsBatched(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Connect(context.Background()))

	var last prediction.State
	for i := 0; i < 3; i++ {
		last = h.session.Move(prediction.Input{
			Position:  geom.NewVector(float64(i), 0, 0),
			Timestamp: int64(i * 16),
		})
	}

	h.clock.Advance(50 * time.Millisecond)

	moves := h.room().ofType(MOVE_MESSAGE)
	require.Len(t, moves, 1)

	var payload MovePayload
	require.NoError(t, cbor.Unmarshal(moves[0].Data, &payload))
	assert.Equal(t, last.Position, payload.Position)
	assert.Equal(t, last.Tick, payload.Tick)
}

func TestBinaryDisabled(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		require.NoError(t, h.store.SetBool(context.Background(), protocol.BINARY_DISABLED, true))
	})
	require.NoError(t, h.session.Connect(context.Background()))

	h.session.Move(prediction.Input{Position: geom.NewVector(1, 2, 3)})
	h.session.Flush()

	moves := h.room().ofType(MOVE_MESSAGE)
	require.Len(t, moves, 1)
	assert.True(t, json.Valid(moves[0].Data))
}

func TestLatencyFromPongs(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Connect(context.Background()))

	h.clock.Advance(5 * time.Second)
	pings := h.room().ofType(PING_MESSAGE)
	require.Len(t, pings, 1)

	// Nothing measured yet, so nothing looks fast
	status := h.session.Status()
	assert.Equal(t, time.Duration(0), status.Latency)
	assert.Equal(t, quality.TierPoor, status.Reconnect.Quality)
	assert.Equal(t, time.Duration(0), status.Reconnect.Latency)

	var ping PingPayload
	_, err := protocol.Unmarshal(pings[0].Data, &ping)
	require.NoError(t, err)

	h.clock.Advance(30 * time.Millisecond)
	h.room().push(t, PONG_MESSAGE, ping)
	h.session.Tick()

	assert.Equal(t, 30*time.Millisecond, h.session.Status().Latency)

	h.clock.Advance(5 * time.Second)
	require.Len(t, h.room().ofType(PING_MESSAGE), 2)

	status = h.session.Status()
	assert.Equal(t, quality.TierExcellent, status.Reconnect.Quality)
	assert.Equal(t, 30*time.Millisecond, status.Reconnect.Latency)
}

func TestOtherMessagesArePublished(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Connect(context.Background()))

	messages := h.session.Messages.Subscribe()
	h.room().push(t, "scoreboard", map[string]any{"kills": 3})
	h.session.Tick()

	select {
	case message := <-messages.Recv():
		assert.Equal(t, "scoreboard", message.Type)
		assert.Equal(t, protocol.FormatBinary, message.Format)
	default:
		t.Fatal("expected a message")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.session.Subscribe()
	require.NoError(t, h.session.Connect(context.Background()))
	nextNotice(t, h.session, sub)

	h.session.Act(CHAT_MESSAGE, "bye", batch.PriorityLow)
	require.NoError(t, h.session.Close())

	room := h.room()
	assert.Len(t, room.ofType(CHAT_MESSAGE), 1)
	assert.False(t, room.IsOpen())
	assert.Equal(t, transport.CloseNormal, room.code)
	assert.Equal(t, NoticeClosed, nextNotice(t, h.session, sub).Kind)
	assert.True(t, h.session.IsDone())

	h.session.Tick()
	assert.Equal(t, 1, h.dials)
}
