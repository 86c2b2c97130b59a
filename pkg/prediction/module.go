package prediction

import (
	"math"
	"time"

	"github.com/cfoust/glide/pkg/geom"

	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
)

type Config struct {
	// Ring bounds
	HistoryTicks  int           `yaml:"historyTicks"`
	HistoryWindow time.Duration `yaml:"historyWindow"`

	// Extrapolation is min(dt * LookaheadFactor, MaxLookahead)
	LookaheadFactor float64       `yaml:"lookaheadFactor"`
	MaxLookahead    time.Duration `yaml:"maxLookahead"`

	BaseThreshold   float64       `yaml:"baseThreshold"`
	SmoothThreshold float64       `yaml:"smoothThreshold"`
	RollbackWindow  time.Duration `yaml:"rollbackWindow"`
	// Extra pull toward the server applied during a smooth blend. Tuned by
	// feel; adjust freely.
	OvershootFactor float64 `yaml:"overshootFactor"`

	ConfidenceDecay float64 `yaml:"confidenceDecay"`
	RollbackPenalty float64 `yaml:"rollbackPenalty"`
	BlendPenalty    float64 `yaml:"blendPenalty"`
	AccuracyReward  float64 `yaml:"accuracyReward"`
}

func DefaultConfig() Config {
	return Config{
		HistoryTicks:    20,
		HistoryWindow:   500 * time.Millisecond,
		LookaheadFactor: 0.1,
		MaxLookahead:    16 * time.Millisecond,
		BaseThreshold:   3.0,
		SmoothThreshold: 1.0,
		RollbackWindow:  100 * time.Millisecond,
		OvershootFactor: 0.1,
		ConfidenceDecay: 0.01,
		RollbackPenalty: 0.2,
		BlendPenalty:    0.05,
		AccuracyReward:  0.02,
	}
}

// Input is a locally sampled movement.
type Input struct {
	Position  geom.Vector
	Rotation  float64
	Timestamp int64 // ms
}

// State is one predicted step. States are never modified once produced.
type State struct {
	EntityID  string
	Position  geom.Vector
	Rotation  float64
	Velocity  geom.Vector
	Timestamp int64 // ms
	Tick      int64
}

// Snapshot is the authoritative state as reported by the server.
type Snapshot struct {
	EntityID  string      `cbor:"entityId" json:"entityId"`
	Position  geom.Vector `cbor:"position" json:"position"`
	Rotation  float64     `cbor:"rotation" json:"rotation"`
	Timestamp int64       `cbor:"timestamp" json:"timestamp"`
}

type Decision uint8

const (
	DecisionNone Decision = iota
	DecisionBlend
	DecisionRollback
	DecisionSeed
	DecisionIgnored
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionBlend:
		return "blend"
	case DecisionRollback:
		return "rollback"
	case DecisionSeed:
		return "seed"
	case DecisionIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

type Stats struct {
	Predictions uint64
	Accepted    uint64
	Blends      uint64
	Rollbacks   uint64
	// Rollbacks that landed on a recorded state rather than the raw snapshot
	HistoryHits uint64
}

// Engine predicts the local entity's movement and reconciles it against
// server snapshots. It is not safe for concurrent use; the owner serializes
// access.
type Engine struct {
	config   Config
	log      zerolog.Logger
	entityID string

	history    *History
	pool       *geom.Pool
	confidence Confidence

	current   opt.Option[State]
	lastInput opt.Option[Input]
	snapshot  opt.Option[Snapshot]

	stats Stats
}

func NewEngine(entityID string, config Config, logger zerolog.Logger) *Engine {
	return &Engine{
		config:     config,
		log:        logger.With().Str("entity", entityID).Logger(),
		entityID:   entityID,
		history:    NewHistory(config.HistoryTicks),
		pool:       geom.NewPool(4),
		confidence: ConfidenceMax,
	}
}

func (e *Engine) EntityID() string {
	return e.entityID
}

func (e *Engine) Current() opt.Option[State] {
	return e.current
}

func (e *Engine) History() []State {
	return e.history.States()
}

func (e *Engine) Confidence() float64 {
	return float64(e.confidence)
}

func (e *Engine) Stats() Stats {
	return e.stats
}

// Predict advances the local entity by one tick from input.
func (e *Engine) Predict(input Input) State {
	defer e.pool.Release()

	e.stats.Predictions++
	e.confidence = e.confidence.Decay(e.config.ConfidenceDecay)

	if opt.IsNone(e.current) {
		state := State{
			EntityID:  e.entityID,
			Position:  input.Position,
			Rotation:  input.Rotation,
			Timestamp: input.Timestamp,
		}
		e.commit(input, state)
		return state
	}

	previous := e.lastInput.Value
	dt := float64(input.Timestamp-previous.Timestamp) / 1000

	velocity := e.pool.Acquire(geom.Zero)
	lookahead := 0.0
	if dt > 0 {
		*velocity = input.Position.Sub(previous.Position).Mul(1 / dt)
		lookahead = math.Min(dt*e.config.LookaheadFactor, e.config.MaxLookahead.Seconds())
	}

	position := e.pool.Acquire(input.Position)
	*position = position.Add(velocity.Mul(lookahead))

	timestamp := input.Timestamp
	if newest, ok := e.history.Newest(); ok && timestamp < newest.Timestamp {
		e.log.Debug().
			Int64("timestamp", timestamp).
			Int64("newest", newest.Timestamp).
			Msg("input older than history, clamping")
		timestamp = newest.Timestamp
	}

	state := State{
		EntityID:  e.entityID,
		Position:  *position,
		Rotation:  input.Rotation,
		Velocity:  *velocity,
		Timestamp: timestamp,
		Tick:      e.current.Value.Tick + 1,
	}
	e.commit(input, state)
	return state
}

func (e *Engine) commit(input Input, state State) {
	e.lastInput = opt.Some(input)
	e.current = opt.Some(state)
	e.history.Push(state)
	e.history.Trim(e.config.HistoryTicks, e.config.HistoryWindow.Milliseconds())
}

// Reconcile compares the current prediction with an authoritative snapshot
// and corrects it: small errors are absorbed, medium errors are blended and
// large ones roll back.
func (e *Engine) Reconcile(snapshot Snapshot) Decision {
	if snapshot.EntityID != "" && snapshot.EntityID != e.entityID {
		return DecisionIgnored
	}

	e.snapshot = opt.Some(snapshot)

	if opt.IsNone(e.current) {
		// The snapshot stands in for the first input so the next prediction
		// measures velocity from where the server put us.
		e.lastInput = opt.Some(Input{
			Position:  snapshot.Position,
			Rotation:  snapshot.Rotation,
			Timestamp: snapshot.Timestamp,
		})
		e.current = opt.Some(e.fromSnapshot(snapshot, 0))
		return DecisionSeed
	}

	defer e.pool.Release()

	current := e.current.Value
	distance := geom.Distance(current.Position, snapshot.Position)
	threshold := e.confidence.Threshold(e.config.BaseThreshold)

	switch {
	case distance > threshold:
		_, fromHistory := e.rollbackTo(snapshot)
		e.confidence = e.confidence.Penalize(e.config.RollbackPenalty, ConfidenceMin)
		e.stats.Rollbacks++

		e.log.Debug().
			Float64("error", distance).
			Float64("threshold", threshold).
			Bool("history", fromHistory).
			Msg("rollback")
		return DecisionRollback
	case distance > e.config.SmoothThreshold:
		blend := e.confidence.BlendFactor()

		offset := e.pool.Acquire(snapshot.Position.Sub(current.Position))
		position := e.pool.Acquire(current.Position.Lerp(snapshot.Position, blend))
		*position = position.Add(offset.Mul(e.config.OvershootFactor))

		e.current = opt.Some(State{
			EntityID:  current.EntityID,
			Position:  *position,
			Rotation:  current.Rotation + (snapshot.Rotation-current.Rotation)*blend/2,
			Velocity:  current.Velocity,
			Timestamp: current.Timestamp,
			Tick:      current.Tick,
		})
		e.confidence = e.confidence.Penalize(e.config.BlendPenalty, ConfidenceSettled)
		e.stats.Blends++
		return DecisionBlend
	default:
		e.confidence = e.confidence.Reward(e.config.AccuracyReward)
		e.stats.Accepted++
		return DecisionNone
	}
}

// Rollback rewinds to the recorded state closest to the last known server
// snapshot, or to the snapshot itself when nothing recorded is close enough.
func (e *Engine) Rollback() opt.Option[State] {
	if opt.IsNone(e.snapshot) {
		return opt.None[State]()
	}

	state, _ := e.rollbackTo(e.snapshot.Value)
	return opt.Some(state)
}

func (e *Engine) rollbackTo(snapshot Snapshot) (State, bool) {
	window := e.config.RollbackWindow.Milliseconds()
	if index, delta, ok := e.history.Nearest(snapshot.Timestamp); ok && delta < window {
		state := e.history.At(index)
		e.history.TruncateAfter(index)
		e.current = opt.Some(state)
		e.stats.HistoryHits++
		return state, true
	}

	tick := int64(0)
	if opt.IsSome(e.current) {
		tick = e.current.Value.Tick
	}

	state := e.fromSnapshot(snapshot, tick)
	e.current = opt.Some(state)
	return state, false
}

func (e *Engine) fromSnapshot(snapshot Snapshot, tick int64) State {
	return State{
		EntityID:  e.entityID,
		Position:  snapshot.Position,
		Rotation:  snapshot.Rotation,
		Timestamp: snapshot.Timestamp,
		Tick:      tick,
	}
}
