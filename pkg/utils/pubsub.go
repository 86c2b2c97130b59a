package utils

import (
	"github.com/sasha-s/go-deadlock"
)

const SUBSCRIBER_BUFFER = 16

// Topic fans values out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the value.
type Topic[T any] struct {
	subscribers map[chan T]struct{}
	mutex       deadlock.Mutex
	dropped     uint64
}

func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{
		subscribers: make(map[chan T]struct{}),
	}
}

func (t *Topic[T]) Publish(value T) {
	t.mutex.Lock()
	for subscriber := range t.subscribers {
		select {
		case subscriber <- value:
		default:
			t.dropped++
		}
	}
	t.mutex.Unlock()
}

// Dropped counts deliveries skipped because a subscriber fell behind.
func (t *Topic[T]) Dropped() uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.dropped
}

func (t *Topic[T]) Subscribers() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.subscribers)
}

type Subscriber[T any] struct {
	channel chan T
	topic   *Topic[T]
}

func (t *Topic[T]) Subscribe() *Subscriber[T] {
	channel := make(chan T, SUBSCRIBER_BUFFER)
	t.mutex.Lock()
	t.subscribers[channel] = struct{}{}
	t.mutex.Unlock()

	return &Subscriber[T]{channel, t}
}

func (t *Subscriber[T]) Recv() <-chan T {
	return t.channel
}

func (t *Subscriber[T]) Done() {
	topic := t.topic
	topic.mutex.Lock()
	delete(topic.subscribers, t.channel)
	topic.mutex.Unlock()
}
