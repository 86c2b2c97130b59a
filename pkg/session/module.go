package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cfoust/glide/pkg/auth"
	"github.com/cfoust/glide/pkg/batch"
	"github.com/cfoust/glide/pkg/prediction"
	"github.com/cfoust/glide/pkg/prefs"
	"github.com/cfoust/glide/pkg/protocol"
	"github.com/cfoust/glide/pkg/quality"
	"github.com/cfoust/glide/pkg/reconnect"
	"github.com/cfoust/glide/pkg/timer"
	"github.com/cfoust/glide/pkg/transport"
	"github.com/cfoust/glide/pkg/utils"

	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

// Outgoing and incoming message types.
const (
	MOVE_MESSAGE     = "move"
	CAST_MESSAGE     = "cast"
	SKILL_MESSAGE    = "skill"
	CHAT_MESSAGE     = "chat"
	INTERACT_MESSAGE = "interact"
	PING_MESSAGE     = "ping"

	SNAPSHOT_MESSAGE = "snapshot"
	PONG_MESSAGE     = "pong"
)

var (
	ErrNotConnected = errors.New("not connected")
	// No pong has arrived since the room opened
	ErrNoLatency = errors.New("no latency sample yet")
)

type Config struct {
	EntityID   string            `yaml:"entity" json:"entity"`
	Prediction prediction.Config `yaml:"prediction" json:"prediction"`
	Reconnect  reconnect.Config  `yaml:"reconnect" json:"reconnect"`
	Batch      batch.Config      `yaml:"batch" json:"batch"`
	Protocol   protocol.Config   `yaml:"protocol" json:"protocol"`
}

func DefaultConfig(entityID string) Config {
	return Config{
		EntityID:   entityID,
		Prediction: prediction.DefaultConfig(),
		Reconnect:  reconnect.DefaultConfig(),
		Batch:      batch.DefaultConfig(),
		Protocol:   protocol.DefaultConfig(),
	}
}

// Dialer opens a room. token is empty when the session has no token source.
type Dialer func(ctx context.Context, token string) (transport.Room, error)

// Session owns everything a connected client needs: the prediction engine,
// the link quality monitor, the outgoing batcher, the protocol adapter and
// the reconnection manager.
type Session struct {
	utils.Session

	config Config
	log    zerolog.Logger
	clock  timer.Clock
	dial   Dialer
	tokens *auth.TokenSource

	engine  *prediction.Engine
	monitor *quality.Monitor
	batcher *batch.Batcher
	adapter *protocol.Adapter
	manager *reconnect.Manager

	// Guards the engine
	engineMutex deadlock.Mutex

	mutex deadlock.RWMutex
	room  transport.Room
	// Set by the most recent pong
	rtt opt.Option[time.Duration]
	// When the oldest unanswered ping went out
	pingSent opt.Option[time.Time]

	Notices  *utils.Topic[Notice]
	Messages *utils.Topic[Message]
}

// Message is an inbound message the session does not handle itself.
type Message struct {
	Type   string
	Value  any
	Format protocol.Format
}

func New(
	ctx context.Context,
	config Config,
	dial Dialer,
	store prefs.Store,
	tokens *auth.TokenSource,
	clock timer.Clock,
	logger zerolog.Logger,
) *Session {
	s := &Session{
		Session:  utils.NewSession(ctx, clock.Now()),
		config:   config,
		log:      logger.With().Str("component", "session").Logger(),
		clock:    clock,
		dial:     dial,
		tokens:   tokens,
		engine:   prediction.NewEngine(config.EntityID, config.Prediction, logger),
		monitor:  quality.NewMonitor(),
		adapter:  protocol.NewAdapter(config.Protocol, store, logger),
		manager:  reconnect.NewManager(config.Reconnect, clock, logger),
		rtt:      opt.None[time.Duration](),
		pingSent: opt.None[time.Time](),
		Notices:  utils.NewTopic[Notice](),
		Messages: utils.NewTopic[Message](),
	}

	s.batcher = batch.NewBatcher(config.Batch, s.sendMessage, clock, logger)
	s.batcher.SetInterval(func() time.Duration {
		return s.monitor.RecommendedInterval(s.clock.Now())
	})
	s.manager.SetReplay(s.replay)

	return s
}

func (s *Session) Adapter() *protocol.Adapter {
	return s.adapter
}

func (s *Session) Room() transport.Room {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.room
}

func (s *Session) setRoom(room transport.Room) {
	s.mutex.Lock()
	s.room = room
	s.rtt = opt.None[time.Duration]()
	s.pingSent = opt.None[time.Time]()
	s.mutex.Unlock()

	s.monitor.SetConnected(room != nil)
}

func (s *Session) Subscribe() *utils.Subscriber[Notice] {
	return s.Notices.Subscribe()
}

func (s *Session) open(ctx context.Context) (transport.Room, error) {
	token := ""
	if s.tokens != nil {
		var err error
		token, err = s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	return s.dial(ctx, token)
}

// Connect opens the first room and starts the periodic work. Failing to
// connect here is returned to the caller instead of retried.
func (s *Session) Connect(ctx context.Context) error {
	room, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}
	if room == nil {
		return fmt.Errorf("could not connect: %w", reconnect.ErrNoRoom)
	}

	s.setRoom(room)
	s.manager.MarkConnected()
	s.batcher.Start()
	// Pongs feed the monitor directly; the manager keeps its own tier.
	s.manager.StartMonitoring(s.Ctx(), s.probe, nil)

	s.log.Info().
		Str("format", s.adapter.Negotiate(ctx).String()).
		Msg("connected")
	s.Notices.Publish(Notice{Kind: NoticeConnected})
	return nil
}

// Close flushes what is pending and leaves the room on purpose, so no
// reconnection follows.
func (s *Session) Close() error {
	s.manager.StopReconnection()
	s.manager.StopMonitoring()
	s.batcher.Stop()
	s.batcher.Flush()

	room := s.Room()
	s.setRoom(nil)
	s.Cancel()

	s.Notices.Publish(Notice{
		Kind: NoticeClosed,
		Code: transport.CloseNormal,
	})

	if room == nil {
		return nil
	}
	return room.Close(transport.CloseNormal, "client closed")
}

type Status struct {
	Connected  bool
	Reconnect  reconnect.Status
	Tier       quality.Tier
	Latency    time.Duration
	Interval   time.Duration
	Jitter     time.Duration
	Confidence float64
	Current    opt.Option[prediction.State]
	Stats      prediction.Stats
	Pending    int
	Uptime     time.Duration
}

func (s *Session) Status() Status {
	now := s.clock.Now()
	room := s.Room()

	s.engineMutex.Lock()
	confidence := s.engine.Confidence()
	current := s.engine.Current()
	stats := s.engine.Stats()
	s.engineMutex.Unlock()

	return Status{
		Connected:  room != nil && room.IsOpen(),
		Reconnect:  s.manager.Status(),
		Tier:       s.monitor.Tier(now),
		Latency:    s.monitor.Latency(),
		Interval:   s.monitor.RecommendedInterval(now),
		Jitter:     s.monitor.Jitter(),
		Confidence: confidence,
		Current:    current,
		Stats:      stats,
		Pending:    s.batcher.Pending(),
		Uptime:     s.Uptime(now),
	}
}
