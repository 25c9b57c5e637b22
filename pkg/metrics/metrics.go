package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service metrics on a private registry.
// All recording methods are safe to call on a nil Collector.
type Collector struct {
	reg *prometheus.Registry

	PositionUpdates *prometheus.CounterVec // result label: accepted|stale|rejected|failed
	PositionWrites  *prometheus.CounterVec // reason label from change detection
	ActiveTrips     prometheus.Gauge
	Trips           *prometheus.CounterVec // transition label: started|completed
	StopTransitions *prometheus.CounterVec // type label: arrival|departure

	EventsPublished *prometheus.CounterVec // type label
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge
	Evictions       prometheus.Counter

	RelayPublished prometheus.Counter
	RelayErrors    prometheus.Counter

	Attendance *prometheus.CounterVec // result label: recorded|duplicate|failed

	QueueBatchDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PositionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolbus_position_updates_total",
			Help: "Vehicle position updates by result.",
		}, []string{"result"}),
		PositionWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolbus_position_writes_total",
			Help: "Vehicle state writes to storage by reason.",
		}, []string{"reason"}),
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolbus_active_trips",
			Help: "Trips currently in progress.",
		}),
		Trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolbus_trips_total",
			Help: "Trip state transitions.",
		}, []string{"transition"}),
		StopTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolbus_stop_transitions_total",
			Help: "Detected arrivals and departures.",
		}, []string{"type"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolbus_events_published_total",
			Help: "Events published to the dispatcher.",
		}, []string{"type"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolbus_events_delivered_total",
			Help: "Events queued to subscriber buffers.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolbus_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolbus_subscribers",
			Help: "Registered dispatcher subscriptions.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolbus_subscriber_evictions_total",
			Help: "Subscriptions evicted for repeatedly overflowing.",
		}),
		RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolbus_relay_published_total",
			Help: "Events forwarded to the cross-instance relay.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolbus_relay_errors_total",
			Help: "Relay publishes that failed after retries.",
		}),
		Attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolbus_attendance_total",
			Help: "Attendance submissions by result.",
		}, []string{"result"}),
		QueueBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schoolbus_queue_batch_duration_seconds",
			Help:    "Time to process a batch of queued position updates.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}

	reg.MustRegister(
		c.PositionUpdates, c.PositionWrites, c.ActiveTrips, c.Trips, c.StopTransitions,
		c.EventsPublished, c.EventsDelivered, c.EventsDropped, c.Subscribers, c.Evictions,
		c.RelayPublished, c.RelayErrors, c.Attendance, c.QueueBatchDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

func (c *Collector) PositionUpdate(result string) {
	if c == nil {
		return
	}
	c.PositionUpdates.WithLabelValues(result).Inc()
}

func (c *Collector) PositionWrite(reason string) {
	if c == nil {
		return
	}
	c.PositionWrites.WithLabelValues(reason).Inc()
}

func (c *Collector) TripStarted() {
	if c == nil {
		return
	}
	c.Trips.WithLabelValues("started").Inc()
	c.ActiveTrips.Inc()
}

func (c *Collector) TripCompleted() {
	if c == nil {
		return
	}
	c.Trips.WithLabelValues("completed").Inc()
	c.ActiveTrips.Dec()
}

func (c *Collector) SetActiveTrips(count int) {
	if c == nil {
		return
	}
	c.ActiveTrips.Set(float64(count))
}

func (c *Collector) StopTransition(kind string) {
	if c == nil {
		return
	}
	c.StopTransitions.WithLabelValues(kind).Inc()
}

func (c *Collector) EventPublished(eventType string) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(eventType).Inc()
}

func (c *Collector) EventDelivered() {
	if c == nil {
		return
	}
	c.EventsDelivered.Inc()
}

func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

func (c *Collector) SubscriberEvicted() {
	if c == nil {
		return
	}
	c.Evictions.Inc()
}

func (c *Collector) SetSubscribers(count int) {
	if c == nil {
		return
	}
	c.Subscribers.Set(float64(count))
}

func (c *Collector) RelayPublish(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.RelayErrors.Inc()
		return
	}
	c.RelayPublished.Inc()
}

func (c *Collector) AttendanceResult(result string) {
	if c == nil {
		return
	}
	c.Attendance.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveQueueBatch(seconds float64) {
	if c == nil {
		return
	}
	c.QueueBatchDuration.Observe(seconds)
}
