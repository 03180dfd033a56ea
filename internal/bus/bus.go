// Package bus is the in-process event stream behind /ws/events and the
// scheduled jobs.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus. Seq increases by one per
// Publish across all topics.
type Event struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Subscription receives events whose topic starts with any of its
// prefixes.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus fans events out without blocking the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	seq     uint64
	dropped atomic.Int64
	now     func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers for topics starting with any of prefixes; none (or a
// single "") matches everything.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	var keep []string
	for _, p := range prefixes {
		if p == "" {
			keep = nil
			break
		}
		keep = append(keep, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: keep,
		ch:       make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish is safe on a nil *Bus so callers need not guard optional wiring.
// Holding the lock across delivery keeps each channel in Seq order.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	event := Event{Seq: b.seq, Topic: topic, At: b.now().UTC(), Payload: payload}
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped is the bus-wide total of skipped deliveries.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
