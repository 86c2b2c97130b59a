package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cfoust/glide/pkg/quality"
	"github.com/cfoust/glide/pkg/timer"
	"github.com/cfoust/glide/pkg/transport"

	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoom struct {
	mutex  sync.Mutex
	sent   []string
	closed bool
	events chan transport.Event
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{events: make(chan transport.Event, 8)}
}

func (f *fakeRoom) Send(typ string, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, typ)
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
	f.mutex.Unlock()
	return nil
}

func newManager() (*Manager, *timer.ManualClock) {
	clock := timer.NewManualClock(time.Unix(1000, 0))
	return NewManager(DefaultConfig(), clock, zerolog.Nop()), clock
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, 32*time.Second, Backoff(5))
	assert.Equal(t, 60*time.Second, Backoff(6))

	previous := time.Duration(0)
	for n := 0; n < 100; n++ {
		delay := Backoff(n)
		assert.GreaterOrEqual(t, delay, previous)
		assert.LessOrEqual(t, delay, 60*time.Second)
		previous = delay
	}
	assert.Equal(t, 60*time.Second, previous)
}

func TestShouldReconnect(t *testing.T) {
	assert.False(t, ShouldReconnect(transport.CloseNormal))
	assert.True(t, ShouldReconnect(transport.CloseAbnormal))
	assert.True(t, ShouldReconnect(transport.CloseGoingAway))
	assert.True(t, ShouldReconnect(4001))
}

func TestQueueEvictsOldest(t *testing.T) {
	manager, clock := newManager()

	for i := 0; i < 100; i++ {
		manager.QueueAction("skill", i)
	}
	require.Len(t, manager.Queued(), 100)

	for i := 100; i < 112; i++ {
		clock.Advance(time.Millisecond)
		manager.QueueAction("skill", i)
	}

	queued := manager.Queued()
	require.Len(t, queued, 100)
	for i, action := range queued {
		assert.Equal(t, i+12, action.Data)
	}
}

func TestQueueBound(t *testing.T) {
	manager, clock := newManager()

	for i := 0; i < 500; i++ {
		clock.Advance(100 * time.Millisecond)
		manager.QueueAction("chat", i)

		queued := manager.Queued()
		require.LessOrEqual(t, len(queued), 100)
		for _, action := range queued {
			require.Less(t, clock.Now().Sub(action.EnqueuedAt), 30*time.Second)
		}
	}
}

func TestBackoffSequence(t *testing.T) {
	manager, clock := newManager()
	ctx := context.Background()

	room := newFakeRoom()
	calls := 0
	factory := func(ctx context.Context) (transport.Room, error) {
		calls++
		if calls <= 3 {
			return nil, fmt.Errorf("attempt %d refused", calls)
		}
		return room, nil
	}

	var reconnected []transport.Room
	started := manager.StartReconnection(ctx, factory, func(r transport.Room) {
		reconnected = append(reconnected, r)
	}, nil)
	require.True(t, started)
	assert.True(t, manager.Status().IsReconnecting)

	// A second start while the cycle runs does nothing
	assert.False(t, manager.StartReconnection(ctx, factory, nil, nil))

	clock.Advance(0)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, manager.Status().Attempts)

	status := manager.Status()
	require.True(t, opt.IsSome(status.NextAttemptIn))
	assert.Equal(t, time.Second, status.NextAttemptIn.Value)
	assert.Equal(t, quality.TierPoor, status.Quality)

	clock.Advance(time.Second)
	assert.Equal(t, 2, calls)
	clock.Advance(2 * time.Second)
	assert.Equal(t, 3, calls)
	clock.Advance(4*time.Second - time.Millisecond)
	assert.Equal(t, 3, calls)
	clock.Advance(time.Millisecond)
	assert.Equal(t, 4, calls)

	assert.Equal(t, []time.Duration{
		0,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}, clock.Delays())

	status = manager.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, 0, status.Attempts)
	assert.True(t, opt.IsNone(status.NextAttemptIn))
	require.True(t, opt.IsSome(status.LastAttemptAt))
	assert.Equal(t, clock.Now(), status.LastAttemptAt.Value)
	assert.Equal(t, []transport.Room{room}, reconnected)
}

func TestExhaustion(t *testing.T) {
	manager, clock := newManager()

	calls := 0
	failed := 0
	manager.StartReconnection(context.Background(), func(ctx context.Context) (transport.Room, error) {
		calls++
		return nil, errors.New("refused")
	}, nil, func() {
		failed++
	})

	for i := 0; i < 20; i++ {
		clock.Advance(time.Minute)
	}

	assert.Equal(t, 10, calls)
	assert.Equal(t, 1, failed)
	assert.Equal(t, StateFailed, manager.State())
	assert.Equal(t, 0, clock.Pending())

	// A failed manager can start over
	assert.True(t, manager.StartReconnection(context.Background(), func(ctx context.Context) (transport.Room, error) {
		return newFakeRoom(), nil
	}, nil, nil))
	clock.Advance(0)
	assert.Equal(t, StateConnected, manager.State())
}

func TestNilRoomIsFailure(t *testing.T) {
	manager, clock := newManager()
	manager.StartReconnection(context.Background(), func(ctx context.Context) (transport.Room, error) {
		return nil, nil
	}, nil, nil)

	clock.Advance(0)
	assert.Equal(t, StateReconnecting, manager.State())
	assert.Equal(t, 1, clock.Pending())
}

func TestStopCancelsRetry(t *testing.T) {
	manager, clock := newManager()

	calls := 0
	manager.StartReconnection(context.Background(), func(ctx context.Context) (transport.Room, error) {
		calls++
		return nil, errors.New("refused")
	}, nil, nil)
	clock.Advance(0)
	require.Equal(t, 1, clock.Pending())

	manager.StopReconnection()
	assert.Equal(t, StateIdle, manager.State())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, calls)
}

func TestStopIgnoresInFlightAttempt(t *testing.T) {
	manager, clock := newManager()

	entered := make(chan struct{})
	release := make(chan struct{})
	room := newFakeRoom()

	reconnected := false
	manager.StartReconnection(context.Background(), func(ctx context.Context) (transport.Room, error) {
		close(entered)
		<-release
		return room, nil
	}, func(transport.Room) {
		reconnected = true
	}, nil)

	done := make(chan struct{})
	go func() {
		clock.Advance(0)
		close(done)
	}()

	<-entered
	manager.StopReconnection()
	close(release)
	<-done

	assert.False(t, reconnected)
	assert.Equal(t, StateIdle, manager.State())
	assert.False(t, room.IsOpen())
}

func TestReplay(t *testing.T) {
	manager, clock := newManager()

	var replayed []any
	manager.SetReplay(func(room transport.Room, action Action) error {
		replayed = append(replayed, action.Data)
		return room.Send(action.Type, nil)
	})

	manager.QueueAction("skill", "stale")
	clock.Advance(20 * time.Second)
	manager.QueueAction("skill", "first")
	manager.QueueAction("chat", "second")
	clock.Advance(15 * time.Second)

	room := newFakeRoom()
	manager.StartReconnection(context.Background(), func(ctx context.Context) (transport.Room, error) {
		return room, nil
	}, nil, nil)
	clock.Advance(0)

	assert.Equal(t, []any{"first", "second"}, replayed)
	assert.Equal(t, []string{"skill", "chat"}, room.sent)
	assert.Empty(t, manager.Queued())
}

func TestCancelledContext(t *testing.T) {
	manager, clock := newManager()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	manager.StartReconnection(ctx, func(ctx context.Context) (transport.Room, error) {
		calls++
		return nil, ctx.Err()
	}, nil, nil)
	cancel()

	clock.Advance(time.Minute)
	assert.Equal(t, 0, calls)
	assert.Equal(t, StateIdle, manager.State())
}

func TestMonitoring(t *testing.T) {
	manager, clock := newManager()
	manager.MarkConnected()

	latency := 120 * time.Millisecond
	var probeErr error
	var samples []quality.Tier
	manager.StartMonitoring(context.Background(), func(ctx context.Context) (time.Duration, error) {
		return latency, probeErr
	}, func(_ time.Duration, tier quality.Tier) {
		samples = append(samples, tier)
	})

	clock.Advance(5 * time.Second)
	status := manager.Status()
	assert.Equal(t, quality.TierFair, status.Quality)
	assert.Equal(t, 120*time.Millisecond, status.Latency)

	latency = 20 * time.Millisecond
	clock.Advance(5 * time.Second)
	assert.Equal(t, quality.TierExcellent, manager.Status().Quality)

	probeErr = errors.New("timeout")
	clock.Advance(5 * time.Second)
	assert.Equal(t, quality.TierPoor, manager.Status().Quality)

	manager.StopMonitoring()
	clock.Advance(time.Minute)
	assert.Equal(t, []quality.Tier{
		quality.TierFair,
		quality.TierExcellent,
		quality.TierPoor,
	}, samples)
}
