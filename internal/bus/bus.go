package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with topic routing.
// Every subscriber owns an unbounded FIFO mailbox drained by its own pump
// goroutine, so Publish never blocks and never drops.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	pattern string
	out     chan Event

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Matches reports whether a subscription pattern selects topic. Patterns
// ending in ':' or '.' select every topic with that prefix; any other
// pattern selects exactly one topic.
func Matches(pattern, topic string) bool {
	if strings.HasSuffix(pattern, ":") || strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(topic, pattern)
	}
	return pattern == topic
}

// Publish enqueues evt for every subscriber whose pattern matches evt.Topic.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if Matches(sub.pattern, evt.Topic) {
			sub.enqueue(evt)
		}
	}
}

// Subscribe returns a channel that receives events matching pattern, in
// publish order. bufSize sizes the delivery channel; the mailbox behind it
// is unbounded. The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(pattern string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{
		pattern: pattern,
		out:     make(chan Event, bufSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.stop()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscription) enqueue(evt Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
