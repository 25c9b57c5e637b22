package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/metrics"
	"github.com/travigo/schoolbus/pkg/schedule"
	"github.com/travigo/schoolbus/pkg/util"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
)

type RouteLookup interface {
	GetRoute(routeID string) (*ctdf.Route, error)
	StopsForRoute(routeID string) ([]*ctdf.Stop, error)
}

type Publisher interface {
	Publish(event ctdf.Event) ctdf.Event
}

// Outcome is the result of a handled position fix
type Outcome struct {
	Vehicle *ctdf.Vehicle
	Events  []ctdf.Event
}

// Orchestrator runs the per vehicle trip state machine. Every entry point touching a
// vehicle holds that vehicle's lock, so fixes, trip changes and estimates for one
// vehicle are applied one at a time while different vehicles run in parallel.
type Orchestrator struct {
	store     *vehiclelocation.Store
	routes    RouteLookup
	evaluator *schedule.Evaluator
	trips     TripRepository
	publisher Publisher
	metrics   *metrics.Collector
	detection DetectionConfig
	now       func() time.Time

	vehicleLocks util.KeyedMutex

	mu       sync.RWMutex
	progress map[string]*tripProgress
	drivers  map[string]string
}

type Option func(*Orchestrator)

func WithDetection(config DetectionConfig) Option {
	return func(o *Orchestrator) {
		o.detection = config
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func NewOrchestrator(store *vehiclelocation.Store, routes RouteLookup, evaluator *schedule.Evaluator, trips TripRepository, publisher Publisher, opts ...Option) *Orchestrator {
	orchestrator := &Orchestrator{
		store:     store,
		routes:    routes,
		evaluator: evaluator,
		trips:     trips,
		publisher: publisher,
		detection: DefaultDetectionConfig,
		now:       time.Now,
		progress:  map[string]*tripProgress{},
		drivers:   map[string]string{},
	}
	for _, opt := range opts {
		opt(orchestrator)
	}
	return orchestrator
}

func (o *Orchestrator) tripFor(vehicleID string) *tripProgress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress[vehicleID]
}

func (o *Orchestrator) register(progress *tripProgress) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress[progress.trip.VehicleRef] = progress
	if progress.trip.DriverRef != "" {
		o.drivers[progress.trip.DriverRef] = progress.trip.VehicleRef
	}
	o.metrics.SetActiveTrips(len(o.progress))
}

func (o *Orchestrator) unregister(progress *tripProgress) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.progress, progress.trip.VehicleRef)
	if o.drivers[progress.trip.DriverRef] == progress.trip.VehicleRef {
		delete(o.drivers, progress.trip.DriverRef)
	}
	o.metrics.SetActiveTrips(len(o.progress))
}

func (o *Orchestrator) publish(event ctdf.Event) ctdf.Event {
	if o.publisher == nil {
		return event
	}
	return o.publisher.Publish(event)
}

// StartTrip moves a vehicle from idle to in progress on the given route
func (o *Orchestrator) StartTrip(ctx context.Context, identity ctdf.Identity, vehicleID string, routeID string) (*ctdf.Trip, error) {
	if identity.Role != ctdf.RoleDriver && identity.Role != ctdf.RoleSystem {
		return nil, apperrors.PermissionDenied("only drivers can start trips")
	}

	unlock := o.vehicleLocks.Lock(vehicleID)
	defer unlock()

	if o.tripFor(vehicleID) != nil {
		return nil, apperrors.InvalidState("vehicle %s already has a trip in progress", vehicleID)
	}
	if identity.Role == ctdf.RoleDriver {
		if activeVehicle, busy := o.driverVehicle(identity.UserID); busy {
			return nil, apperrors.InvalidState("driver %s already has a trip in progress on vehicle %s", identity.UserID, activeVehicle)
		}
	}

	vehicle, err := o.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if !vehicle.TrackingEnabled {
		return nil, apperrors.NotFound("tracked vehicle %s", vehicleID)
	}

	route, err := o.routes.GetRoute(routeID)
	if err != nil {
		return nil, err
	}
	if !route.IsActive() {
		return nil, apperrors.InvalidState("route %s is inactive", routeID)
	}
	stops, err := o.routes.StopsForRoute(routeID)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, apperrors.InvalidState("route %s has no stops", routeID)
	}

	now := o.now()
	trip := &ctdf.Trip{
		PrimaryIdentifier:    uuid.NewString(),
		VehicleRef:           vehicleID,
		RouteRef:             routeID,
		State:                ctdf.TripStateInProgress,
		StartTime:            now,
		TotalStops:           len(stops),
		ModificationDateTime: now,
	}
	if identity.Role == ctdf.RoleDriver {
		trip.DriverRef = identity.UserID
	}

	if err := o.trips.Create(ctx, trip); err != nil {
		return nil, err
	}

	if err := o.store.SetTripState(ctx, vehicleID, routeID); err != nil {
		log.Error().Err(err).Str("vehicle", vehicleID).Str("trip", trip.PrimaryIdentifier).Msg("Failed to bind route to vehicle state")
	}

	o.register(newTripProgress(trip, stops))
	o.metrics.TripStarted()

	log.Info().
		Str("trip", trip.PrimaryIdentifier).
		Str("vehicle", vehicleID).
		Str("route", routeID).
		Str("driver", trip.DriverRef).
		Msg("Trip started")

	o.publish(ctdf.Event{
		Type:       ctdf.EventTypeTripStarted,
		Scope:      ctdf.EventScopeRoute,
		Message:    fmt.Sprintf("%s has started its trip", routeName(route)),
		RouteRef:   routeID,
		VehicleRef: vehicleID,
		TripRef:    trip.PrimaryIdentifier,
	})

	return cloneTrip(trip), nil
}

// EndTrip closes the in-progress trip of the vehicle. Without one nothing is written.
func (o *Orchestrator) EndTrip(ctx context.Context, identity ctdf.Identity, vehicleID string) (*ctdf.Trip, error) {
	unlock := o.vehicleLocks.Lock(vehicleID)
	defer unlock()

	progress := o.tripFor(vehicleID)
	if progress == nil {
		log.Warn().Str("vehicle", vehicleID).Msg("End requested without a trip in progress")
		return nil, apperrors.InvalidState("vehicle %s has no trip in progress", vehicleID)
	}
	if progress.trip.StartTime.IsZero() || progress.trip.RouteRef == "" {
		return nil, apperrors.InvalidState("trip %s has no start time or route", progress.trip.PrimaryIdentifier)
	}

	switch identity.Role {
	case ctdf.RoleManager, ctdf.RoleSystem:
	case ctdf.RoleDriver:
		if progress.trip.DriverRef != "" && progress.trip.DriverRef != identity.UserID {
			return nil, apperrors.PermissionDenied("trip %s belongs to another driver", progress.trip.PrimaryIdentifier)
		}
	default:
		return nil, apperrors.PermissionDenied("only drivers can end trips")
	}

	now := o.now()
	closed := cloneTrip(progress.trip)
	closed.State = ctdf.TripStateCompleted
	closed.EndTime = now
	closed.ModificationDateTime = now

	if err := o.trips.Close(ctx, closed); err != nil {
		return nil, err
	}

	o.unregister(progress)
	o.metrics.TripCompleted()

	if err := o.store.SetTripState(ctx, vehicleID, ""); err != nil {
		log.Error().Err(err).Str("vehicle", vehicleID).Str("trip", closed.PrimaryIdentifier).Msg("Failed to clear route from vehicle state")
	}

	log.Info().
		Str("trip", closed.PrimaryIdentifier).
		Str("vehicle", vehicleID).
		Int("completed", closed.CompletedStops).
		Int("total", closed.TotalStops).
		Msg("Trip completed")

	o.publish(ctdf.Event{
		Type:       ctdf.EventTypeSystem,
		Scope:      ctdf.EventScopeRoute,
		Message:    fmt.Sprintf("Trip completed, %d of %d stops served", closed.CompletedStops, closed.TotalStops),
		RouteRef:   closed.RouteRef,
		VehicleRef: vehicleID,
		TripRef:    closed.PrimaryIdentifier,
	})

	return closed, nil
}

// HandlePosition applies a fix to the store and, while a trip is in progress, turns
// stop radius crossings into arrival, departure and delay events
func (o *Orchestrator) HandlePosition(ctx context.Context, identity ctdf.Identity, update vehiclelocation.PositionUpdate) (*Outcome, error) {
	if identity.Role != ctdf.RoleDriver && identity.Role != ctdf.RoleSystem {
		return nil, apperrors.PermissionDenied("only drivers can report positions")
	}

	unlock := o.vehicleLocks.Lock(update.VehicleRef)
	defer unlock()

	progress := o.tripFor(update.VehicleRef)
	if identity.Role == ctdf.RoleDriver && progress != nil && progress.trip.DriverRef != "" && progress.trip.DriverRef != identity.UserID {
		return nil, apperrors.PermissionDenied("vehicle %s is driven by another driver", update.VehicleRef)
	}

	vehicle, err := o.store.UpdatePosition(ctx, update)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Vehicle: vehicle}
	if progress == nil {
		return outcome, nil
	}

	transitions := progress.observe(update.Location(), update.RecordedAt, o.detection)
	if len(transitions) == 0 {
		return outcome, nil
	}

	for _, transition := range transitions {
		stop := progress.stops[transition.stopIndex]

		switch transition.kind {
		case transitionArrival:
			o.metrics.StopTransition("arrival")
			outcome.Events = append(outcome.Events, o.arrival(ctx, progress, vehicle, transition.stopIndex, transition.at)...)
		case transitionDeparture:
			o.metrics.StopTransition("departure")
			outcome.Events = append(outcome.Events, o.publish(ctdf.Event{
				Type:       ctdf.EventTypeDeparture,
				Scope:      ctdf.EventScopeStop,
				Message:    fmt.Sprintf("%s has left %s", vehicleName(vehicle), stopName(stop)),
				StopRef:    stop.PrimaryIdentifier,
				RouteRef:   progress.trip.RouteRef,
				VehicleRef: vehicle.PrimaryIdentifier,
				TripRef:    progress.trip.PrimaryIdentifier,
			}))
		}
	}

	if err := o.trips.UpdateProgress(ctx, progress.trip.PrimaryIdentifier, progress.trip.CompletedStops, progress.trip.NextStopIndex); err != nil {
		log.Error().Err(err).Str("trip", progress.trip.PrimaryIdentifier).Msg("Failed to save trip progress")
	}

	if updated, err := o.store.GetVehicle(ctx, vehicle.PrimaryIdentifier); err == nil {
		outcome.Vehicle = updated
	}

	return outcome, nil
}

func (o *Orchestrator) arrival(ctx context.Context, progress *tripProgress, vehicle *ctdf.Vehicle, stopIndex int, arrivedAt time.Time) []ctdf.Event {
	stop := progress.stops[stopIndex]
	classification := o.evaluator.ClassifyStop(stop.PrimaryIdentifier, arrivedAt)

	events := []ctdf.Event{o.publish(ctdf.Event{
		Type:         ctdf.EventTypeArrival,
		Scope:        ctdf.EventScopeStop,
		Message:      fmt.Sprintf("%s has arrived at %s", vehicleName(vehicle), stopName(stop)),
		StopRef:      stop.PrimaryIdentifier,
		RouteRef:     progress.trip.RouteRef,
		VehicleRef:   vehicle.PrimaryIdentifier,
		TripRef:      progress.trip.PrimaryIdentifier,
		DelayMinutes: classification.DelayMinutes,
	})}

	if classification.IsDelayed() {
		events = append(events, o.delayed(progress, vehicle.PrimaryIdentifier, stop, classification))
	}
	progress.reportedDelay[stopIndex] = classification.DelayMinutes

	o.applyStatus(ctx, vehicle.PrimaryIdentifier, classification)

	return events
}

func (o *Orchestrator) delayed(progress *tripProgress, vehicleID string, stop *ctdf.Stop, classification schedule.Classification) ctdf.Event {
	log.Info().
		Str("vehicle", vehicleID).
		Str("stop", stop.PrimaryIdentifier).
		Int("delay", classification.DelayMinutes).
		Bool("defaultSchedule", classification.UsedDefault).
		Msg("Vehicle running late")

	return o.publish(ctdf.Event{
		Type:         ctdf.EventTypeDelay,
		Scope:        ctdf.EventScopeStop,
		Message:      fmt.Sprintf("The bus is running %d minutes late for %s", classification.DelayMinutes, stopName(stop)),
		StopRef:      stop.PrimaryIdentifier,
		RouteRef:     progress.trip.RouteRef,
		VehicleRef:   vehicleID,
		TripRef:      progress.trip.PrimaryIdentifier,
		DelayMinutes: classification.DelayMinutes,
	})
}

func (o *Orchestrator) applyStatus(ctx context.Context, vehicleID string, classification schedule.Classification) {
	if err := o.store.SetScheduleStatus(ctx, vehicleID, classification.Status, classification.DelayMinutes); err != nil {
		log.Error().Err(err).Str("vehicle", vehicleID).Msg("Failed to update vehicle schedule status")
	}
}

// ReportEstimate classifies an externally supplied arrival estimate for an upcoming stop.
// A delay event is published only when the delay differs from the last one reported for that stop.
func (o *Orchestrator) ReportEstimate(ctx context.Context, identity ctdf.Identity, vehicleID string, stopID string, eta time.Time) (*schedule.Classification, error) {
	if identity.Role != ctdf.RoleDriver && identity.Role != ctdf.RoleSystem && identity.Role != ctdf.RoleManager {
		return nil, apperrors.PermissionDenied("estimates can only be reported by drivers or trusted feeds")
	}
	if eta.IsZero() {
		return nil, apperrors.InvalidInput("missing estimate")
	}

	unlock := o.vehicleLocks.Lock(vehicleID)
	defer unlock()

	progress := o.tripFor(vehicleID)
	if progress == nil {
		return nil, apperrors.InvalidState("vehicle %s has no trip in progress", vehicleID)
	}

	index := progress.stopIndex(stopID)
	if index < 0 {
		return nil, apperrors.NotFound("stop %s on route %s", stopID, progress.trip.RouteRef)
	}
	if index < progress.cursor {
		return nil, apperrors.InvalidState("stop %s has already been passed", stopID)
	}

	classification := o.evaluator.ClassifyStop(stopID, eta)

	if classification.IsDelayed() && classification.DelayMinutes != progress.reportedDelay[index] {
		o.delayed(progress, vehicleID, progress.stops[index], classification)
	}
	progress.reportedDelay[index] = classification.DelayMinutes

	o.applyStatus(ctx, vehicleID, classification)

	return &classification, nil
}

func (o *Orchestrator) driverVehicle(driverID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	vehicleID, ok := o.drivers[driverID]
	return vehicleID, ok
}

// ActiveRouteForDriver returns the route of the driver's in-progress trip
func (o *Orchestrator) ActiveRouteForDriver(driverID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	vehicleID, ok := o.drivers[driverID]
	if !ok {
		return "", false
	}
	progress, ok := o.progress[vehicleID]
	if !ok {
		return "", false
	}
	return progress.trip.RouteRef, true
}

// ActiveTrips returns copies of every in-progress trip ordered by vehicle
func (o *Orchestrator) ActiveTrips() []*ctdf.Trip {
	o.mu.RLock()
	progresses := make([]*tripProgress, 0, len(o.progress))
	for _, progress := range o.progress {
		progresses = append(progresses, progress)
	}
	o.mu.RUnlock()

	trips := make([]*ctdf.Trip, 0, len(progresses))
	for _, progress := range progresses {
		unlock := o.vehicleLocks.Lock(progress.trip.VehicleRef)
		trips = append(trips, cloneTrip(progress.trip))
		unlock()
	}

	sort.Slice(trips, func(a, b int) bool {
		return trips[a].VehicleRef < trips[b].VehicleRef
	})

	return trips
}

// Restore reloads in-progress trips after a restart, resuming each at its saved cursor
func (o *Orchestrator) Restore(ctx context.Context) error {
	trips, err := o.trips.FindInProgress(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, trip := range trips {
		stops, err := o.routes.StopsForRoute(trip.RouteRef)
		if errors.Is(err, apperrors.ErrNotFound) || len(stops) == 0 {
			log.Warn().Str("trip", trip.PrimaryIdentifier).Str("route", trip.RouteRef).Msg("Skipping trip on unknown route")
			continue
		} else if err != nil {
			return err
		}

		unlock := o.vehicleLocks.Lock(trip.VehicleRef)
		if o.tripFor(trip.VehicleRef) == nil {
			o.register(newTripProgress(trip, stops))
			restored++
		}
		unlock()
	}

	log.Info().Int("trips", restored).Msg("Restored in-progress trips")

	return nil
}

func routeName(route *ctdf.Route) string {
	if route.Name != "" {
		return route.Name
	}
	return route.PrimaryIdentifier
}

func stopName(stop *ctdf.Stop) string {
	if stop.PrimaryName != "" {
		return stop.PrimaryName
	}
	return stop.PrimaryIdentifier
}

func vehicleName(vehicle *ctdf.Vehicle) string {
	if vehicle.LicensePlate != "" {
		return fmt.Sprintf("Bus %s", vehicle.LicensePlate)
	}
	return "The bus"
}
