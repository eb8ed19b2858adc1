// Package events is the scheduler's lifecycle notification stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the subscriber channel buffer used when none is given.
const DefaultBufferSize = 100

// Kind names a lifecycle transition.
type Kind string

const (
	Claimed     Kind = "claimed"
	Succeeded   Kind = "succeeded"
	Failed      Kind = "failed"
	Rescheduled Kind = "rescheduled"
	Released    Kind = "released"

	// Poll-loop health
	PollFailed       Kind = "poll_failed"
	StoreUnavailable Kind = "store_unavailable"
	StoreRecovered   Kind = "store_recovered"
)

// Release reasons
const (
	ReasonUnregistered = "unregistered"
	ReasonConcurrency  = "concurrency_limit"
	ReasonShutdown     = "shutdown"
)

// Event is one notification. Fields that do not apply to Kind are zero.
type Event struct {
	Kind         Kind
	At           time.Time
	OccurrenceID string
	JobName      string
	WorkerID     string

	// Succeeded / Failed
	Duration  time.Duration
	Err       error
	FailCount int

	// Rescheduled
	NextID    string
	NextRunAt *time.Time

	// Released
	Reason string
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
// A nil *Bus discards everything.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	dropped     atomic.Int64
	closed      bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every event published from now on.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
