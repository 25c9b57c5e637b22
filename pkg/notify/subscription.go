package notify

import (
	"sync"

	"github.com/travigo/schoolbus/pkg/ctdf"
)

type deliveryResult int

const (
	deliveryQueued deliveryResult = iota
	deliveryDropped
	deliveryEvict
	deliveryClosed
)

// Subscription is a live registration for events matching its predicate.
// Events are read from C, Close stops delivery immediately and discards anything still queued.
type Subscription struct {
	id         uint64
	predicate  Predicate
	dispatcher *Dispatcher
	persistent bool

	mu               sync.Mutex
	closed           bool
	consecutiveDrops int
	events           chan ctdf.Event
	done             chan struct{}
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// C returns the event channel, closed once the subscription ends
func (s *Subscription) C() <-chan ctdf.Event {
	return s.events
}

// Done is closed when the subscription ends, including eviction
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.dispatcher.remove(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)

	// Drain so a consumer ranging over C stops at once rather than after the backlog
	for {
		select {
		case <-s.events:
			continue
		default:
		}
		break
	}
	close(s.events)
}

func (s *Subscription) deliver(event ctdf.Event, maxConsecutiveDrops int) deliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return deliveryClosed
	}

	select {
	case s.events <- event:
		s.consecutiveDrops = 0
		return deliveryQueued
	default:
	}

	s.consecutiveDrops++
	if !s.persistent && maxConsecutiveDrops > 0 && s.consecutiveDrops >= maxConsecutiveDrops {
		return deliveryEvict
	}
	return deliveryDropped
}
