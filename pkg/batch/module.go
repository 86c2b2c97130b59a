package batch

import (
	"sort"
	"time"

	"github.com/cfoust/glide/pkg/timer"

	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/time/rate"
)

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type Message struct {
	Type     string
	Payload  any
	Priority Priority
	// Enqueue order, used to keep flushes stable
	Seq uint64
}

type Config struct {
	// Types for which only the newest entry in a flush window is sent
	Continuous []string `yaml:"continuous" json:"continuous"`
	// Used when no adaptive interval is installed
	Interval time.Duration `yaml:"interval" json:"interval"`
}

func DefaultConfig() Config {
	return Config{
		Continuous: []string{"move", "cast"},
		Interval:   50 * time.Millisecond,
	}
}

// Sender puts a single message on the wire.
type Sender func(message Message) error

type Batcher struct {
	log        zerolog.Logger
	clock      timer.Clock
	send       Sender
	continuous map[string]struct{}

	mutex      deadlock.Mutex
	interval   func() time.Duration
	buckets    map[string][]Message
	seq        uint64
	handle     timer.Handle
	generation uint64
	running    bool

	failures   *rate.Limiter
	suppressed int
}

func NewBatcher(config Config, send Sender, clock timer.Clock, logger zerolog.Logger) *Batcher {
	continuous := make(map[string]struct{})
	for _, typ := range config.Continuous {
		continuous[typ] = struct{}{}
	}

	fixed := config.Interval
	if fixed <= 0 {
		fixed = DefaultConfig().Interval
	}

	return &Batcher{
		log:        logger.With().Str("component", "batch").Logger(),
		clock:      clock,
		send:       send,
		continuous: continuous,
		interval:   func() time.Duration { return fixed },
		buckets:    make(map[string][]Message),
		failures:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// SetInterval installs an adaptive flush cadence, consulted before every
// scheduled flush.
func (b *Batcher) SetInterval(interval func() time.Duration) {
	b.mutex.Lock()
	b.interval = interval
	b.mutex.Unlock()
}

func (b *Batcher) IsContinuous(typ string) bool {
	_, ok := b.continuous[typ]
	return ok
}

func (b *Batcher) Add(typ string, payload any, priority Priority) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.seq++
	b.buckets[typ] = append(b.buckets[typ], Message{
		Type:     typ,
		Payload:  payload,
		Priority: priority,
		Seq:      b.seq,
	})
}

// Pending counts entries waiting for the next flush, before coalescing.
func (b *Batcher) Pending() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	count := 0
	for _, bucket := range b.buckets {
		count += len(bucket)
	}
	return count
}

// Drain empties every bucket and returns what a flush would send: the
// newest entry of each continuous type and every entry of the others,
// highest priority first, then in enqueue order.
func (b *Batcher) Drain() []Message {
	b.mutex.Lock()
	buckets := b.buckets
	b.buckets = make(map[string][]Message)
	b.mutex.Unlock()

	var batch []Message
	for typ, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}

		if b.IsContinuous(typ) {
			batch = append(batch, bucket[len(bucket)-1])
			continue
		}

		batch = append(batch, bucket...)
	}

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Seq < batch[j].Seq
	})

	return batch
}

// Flush sends everything pending and returns how many messages were sent.
// Failed sends are logged and dropped.
func (b *Batcher) Flush() int {
	sent := 0
	for _, message := range b.Drain() {
		err := b.send(message)
		if err == nil {
			sent++
			continue
		}

		b.failed(message, err)
	}
	return sent
}

func (b *Batcher) failed(message Message, err error) {
	b.mutex.Lock()
	if !b.failures.Allow() {
		b.suppressed++
		b.mutex.Unlock()
		return
	}
	suppressed := b.suppressed
	b.suppressed = 0
	b.mutex.Unlock()

	b.log.Warn().
		Err(err).
		Str("type", message.Type).
		Int("suppressed", suppressed).
		Msg("dropped outgoing message")
}

// Start flushes on the configured cadence until Stop is called.
func (b *Batcher) Start() {
	b.mutex.Lock()
	if b.running {
		b.mutex.Unlock()
		return
	}
	b.running = true
	b.generation++
	generation := b.generation
	interval := b.interval
	b.mutex.Unlock()

	b.schedule(generation, interval())
}

// The interval function is always called without the lock held.
func (b *Batcher) schedule(generation uint64, delay time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.running || b.generation != generation {
		return
	}

	b.handle = b.clock.AfterFunc(delay, func() {
		b.Flush()

		b.mutex.Lock()
		interval := b.interval
		b.mutex.Unlock()

		b.schedule(generation, interval())
	})
}

func (b *Batcher) Stop() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.running = false
	if b.handle != nil {
		b.handle.Stop()
		b.handle = nil
	}
}
