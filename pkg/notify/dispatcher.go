package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/metrics"
)

const (
	DefaultBufferSize          = 64
	DefaultMaxConsecutiveDrops = 32
)

// Dispatcher fans events out to subscriptions whose predicate matches.
// Publish never waits on a subscriber: every send is non-blocking into that
// subscriber's bounded buffer, and the registry lock is only held while
// taking a snapshot of the matching subscriptions.
type Dispatcher struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*Subscription
	nextID        uint64

	bufferSize          int
	maxConsecutiveDrops int
	origin              string
	metrics             *metrics.Collector
	now                 func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithBufferSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		d.bufferSize = size
	}
}

// WithMaxConsecutiveDrops sets how many events in a row an evictable subscriber may miss before removal
func WithMaxConsecutiveDrops(drops int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxConsecutiveDrops = drops
	}
}

// WithOrigin stamps locally published events with this instance identifier
func WithOrigin(origin string) DispatcherOption {
	return func(d *Dispatcher) {
		d.origin = origin
	}
}

func WithMetrics(collector *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = collector
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	dispatcher := &Dispatcher{
		subscriptions:       map[uint64]*Subscription{},
		bufferSize:          DefaultBufferSize,
		maxConsecutiveDrops: DefaultMaxConsecutiveDrops,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	return dispatcher
}

func (d *Dispatcher) Origin() string {
	return d.origin
}

type SubscribeOptions struct {
	// Buffer overrides the dispatcher default buffer size
	Buffer int
	// Persistent subscriptions drop on overflow but are never evicted, used by sinks
	Persistent bool
}

func (d *Dispatcher) Subscribe(predicate Predicate) *Subscription {
	return d.SubscribeWithOptions(predicate, SubscribeOptions{})
}

func (d *Dispatcher) SubscribeWithOptions(predicate Predicate, opts SubscribeOptions) *Subscription {
	if predicate == nil {
		predicate = All()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = d.bufferSize
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	subscription := &Subscription{
		id:         d.nextID,
		predicate:  predicate,
		dispatcher: d,
		events:     make(chan ctdf.Event, buffer),
		done:       make(chan struct{}),
		persistent: opts.Persistent,
	}
	d.subscriptions[subscription.id] = subscription
	d.metrics.SetSubscribers(len(d.subscriptions))

	return subscription
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.subscriptions, id)
	d.metrics.SetSubscribers(len(d.subscriptions))
}

func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions)
}

// Publish delivers the event to every matching subscription and returns it with
// identifier, creation time and origin filled in. Subscriber failures never fail a publish.
func (d *Dispatcher) Publish(event ctdf.Event) ctdf.Event {
	if event.PrimaryIdentifier == "" {
		event.PrimaryIdentifier = uuid.NewString()
	}
	if event.CreationDateTime.IsZero() {
		event.CreationDateTime = d.now()
	}
	if event.Origin == "" {
		event.Origin = d.origin
	}
	if event.Scope == "" {
		event.Scope = ctdf.EventScopeBroadcast
	}
	event.Read = false

	d.mu.RLock()
	matching := make([]*Subscription, 0, len(d.subscriptions))
	for _, subscription := range d.subscriptions {
		if subscription.predicate.Match(&event) {
			matching = append(matching, subscription)
		}
	}
	d.mu.RUnlock()

	d.metrics.EventPublished(string(event.Type))

	for _, subscription := range matching {
		switch subscription.deliver(event, d.maxConsecutiveDrops) {
		case deliveryQueued:
			d.metrics.EventDelivered()
		case deliveryDropped:
			d.metrics.EventDropped()
		case deliveryEvict:
			d.metrics.EventDropped()
			d.metrics.SubscriberEvicted()
			log.Warn().Uint64("subscription", subscription.id).Msg("Evicting slow subscriber")
			subscription.Close()
		}
	}

	return event
}

// Close removes every subscription, used on shutdown
func (d *Dispatcher) Close() {
	d.mu.RLock()
	subscriptions := make([]*Subscription, 0, len(d.subscriptions))
	for _, subscription := range d.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	d.mu.RUnlock()

	for _, subscription := range subscriptions {
		subscription.Close()
	}
}
