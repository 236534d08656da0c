package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/devtasks/internal/metrics"
)

// Policy decides what happens when a subscriber's channel is full.
type Policy int

const (
	// DropNewest discards the event being published.
	DropNewest Policy = iota
	// DropOldest discards the oldest queued event to make room.
	DropOldest
	// Buffer queues without bound; a helper goroutine feeds the channel.
	Buffer
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Buffer:
		return "buffer"
	default:
		return "drop_newest"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "buffer":
		return Buffer, nil
	default:
		return DropNewest, fmt.Errorf("unknown event policy %q", s)
	}
}

// DefaultBufferSize is used when Subscribe is given a non-positive size.
const DefaultBufferSize = 256

// Bus fans events out to subscribers. Publish never blocks on a subscriber.
type Bus struct {
	runID   string
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// New creates a bus stamping events with runID; an empty runID gets a fresh uuid.
func New(runID string) *Bus {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Bus{runID: runID, subs: make(map[uint64]*Subscription)}
}

func (b *Bus) RunID() string { return b.runID }

// Dropped returns the number of events discarded across all subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers a subscriber with a channel of the given capacity.
func (b *Bus) Subscribe(size int, policy Policy) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}
	ch := make(chan Event, size)
	s := &Subscription{
		C:      ch,
		ch:     ch,
		policy: policy,
		bus:    b,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// no pump runs, so C is closed here for every policy
		s.once.Do(func() {
			close(s.done)
			close(ch)
		})
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	b.mu.Unlock()
	if policy == Buffer {
		go s.pump()
	}
	return s
}

// Publish stamps e and offers it to every subscriber without waiting.
// A nil bus is a no-op.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RunID == "" {
		e.RunID = b.runID
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.offer(e)
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}
}

func (b *Bus) noteDrop() {
	b.dropped.Add(1)
	metrics.IncEventsDropped()
}

// Subscription receives events on C until closed.
type Subscription struct {
	C <-chan Event

	id     uint64
	ch     chan Event
	policy Policy
	bus    *Bus

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// offer is called with the bus read lock held, so the channel is never
// closed underneath it.
func (s *Subscription) offer(e Event) {
	switch s.policy {
	case DropOldest:
		s.mu.Lock()
		defer s.mu.Unlock()
		for {
			select {
			case s.ch <- e:
				return
			default:
			}
			select {
			case <-s.ch:
				s.bus.noteDrop()
			default:
			}
		}
	case Buffer:
		s.mu.Lock()
		s.queue = append(s.queue, e)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	default:
		select {
		case s.ch <- e:
		default:
			s.bus.noteDrop()
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}

// Pending returns the number of events queued beyond the channel (Buffer policy).
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		if s.policy != Buffer {
			close(s.ch)
		}
	})
}
