package vehiclelocation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/metrics"
)

type PositionUpdate struct {
	VehicleRef string

	Latitude  float64
	Longitude float64
	Speed     *float64
	Heading   *float64

	RecordedAt time.Time
}

func (u PositionUpdate) Validate() error {
	if u.VehicleRef == "" {
		return apperrors.InvalidInput("missing vehicle reference")
	}
	if u.Latitude < -90 || u.Latitude > 90 || u.Longitude < -180 || u.Longitude > 180 {
		return apperrors.InvalidInput("coordinates out of range")
	}
	if u.RecordedAt.IsZero() {
		return apperrors.InvalidInput("missing timestamp")
	}
	return nil
}

func (u PositionUpdate) Location() ctdf.Location {
	return ctdf.NewLocation(u.Latitude, u.Longitude)
}

type ActiveFilter struct {
	RouteRef string
	Status   ctdf.ScheduleStatus
}

func (f ActiveFilter) matches(vehicle *ctdf.Vehicle) bool {
	if f.RouteRef != "" && vehicle.RouteRef != f.RouteRef {
		return false
	}
	if f.Status != "" && vehicle.Status != f.Status {
		return false
	}
	return true
}

const DefaultMaxClockSkew = 5 * time.Minute

// Store holds the latest known state of every vehicle. Updates to one vehicle are
// serialised by that vehicle's lock while different vehicles proceed in parallel.
type Store struct {
	repository   Repository
	changeConfig ChangeDetectionConfig
	metrics      *metrics.Collector
	now          func() time.Time
	maxClockSkew time.Duration

	mu       sync.RWMutex
	vehicles map[string]*vehicleState
}

type vehicleState struct {
	mu      sync.Mutex
	vehicle *ctdf.Vehicle
	writes  writeState
}

type Option func(*Store)

func WithChangeDetection(config ChangeDetectionConfig) Option {
	return func(s *Store) {
		s.changeConfig = config
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Store) {
		s.metrics = collector
	}
}

// WithMaxClockSkew bounds how far ahead of the server clock a fix may be dated, zero disables the check
func WithMaxClockSkew(skew time.Duration) Option {
	return func(s *Store) {
		s.maxClockSkew = skew
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(repository Repository, opts ...Option) *Store {
	store := &Store{
		repository:   repository,
		changeConfig: DefaultChangeDetectionConfig,
		now:          time.Now,
		maxClockSkew: DefaultMaxClockSkew,
		vehicles:     map[string]*vehicleState{},
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Load primes the store with every vehicle known to storage
func (s *Store) Load(ctx context.Context) error {
	vehicles, err := s.repository.ListVehicles(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, vehicle := range vehicles {
		if _, exists := s.vehicles[vehicle.PrimaryIdentifier]; exists {
			continue
		}
		s.vehicles[vehicle.PrimaryIdentifier] = &vehicleState{
			vehicle: vehicle,
			writes: writeState{
				written:      vehicle.Position != nil,
				lastWrite:    vehicle.ModificationDateTime,
				lastLocation: positionLocation(vehicle),
			},
		}
	}

	log.Info().Int("vehicles", len(vehicles)).Msg("Loaded vehicles")

	return nil
}

func (s *Store) state(ctx context.Context, vehicleID string) (*vehicleState, error) {
	s.mu.RLock()
	state, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if ok {
		return state, nil
	}

	// Vehicles registered after startup are looked up on first use
	vehicle, err := s.repository.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.vehicles[vehicleID]; ok {
		return state, nil
	}
	state = &vehicleState{
		vehicle: vehicle,
		writes: writeState{
			written:      vehicle.Position != nil,
			lastWrite:    vehicle.ModificationDateTime,
			lastLocation: positionLocation(vehicle),
		},
	}
	s.vehicles[vehicleID] = state

	return state, nil
}

// UpdatePosition applies a fix with last-write-wins by timestamp. Fixes older than the
// stored one are rejected with ErrStaleUpdate, equal timestamps are accepted again.
func (s *Store) UpdatePosition(ctx context.Context, update PositionUpdate) (*ctdf.Vehicle, error) {
	if err := update.Validate(); err != nil {
		s.metrics.PositionUpdate("rejected")
		return nil, err
	}

	if s.maxClockSkew > 0 && update.RecordedAt.After(s.now().Add(s.maxClockSkew)) {
		s.metrics.PositionUpdate("rejected")
		return nil, apperrors.InvalidInput("timestamp %s is ahead of server time", update.RecordedAt.Format(time.RFC3339))
	}

	state, err := s.state(ctx, update.VehicleRef)
	if err != nil {
		s.metrics.PositionUpdate("rejected")
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.vehicle.TrackingEnabled {
		s.metrics.PositionUpdate("rejected")
		return nil, apperrors.NotFound("tracked vehicle %s", update.VehicleRef)
	}

	if state.vehicle.Position != nil && update.RecordedAt.Before(state.vehicle.Position.RecordedAt) {
		s.metrics.PositionUpdate("stale")
		log.Debug().
			Str("vehicle", update.VehicleRef).
			Time("recorded", update.RecordedAt).
			Time("current", state.vehicle.Position.RecordedAt).
			Msg("Dropping stale position update")
		return nil, apperrors.ErrStaleUpdate
	}

	next := *state.vehicle
	next.Position = &ctdf.VehiclePosition{
		Location:   update.Location(),
		Speed:      update.Speed,
		Heading:    update.Heading,
		RecordedAt: update.RecordedAt,
	}
	next.LastUpdated = update.RecordedAt
	next.ModificationDateTime = s.now()

	if err := s.persist(ctx, state, &next); err != nil {
		s.metrics.PositionUpdate("failed")
		return nil, err
	}

	state.vehicle = &next
	s.metrics.PositionUpdate("accepted")

	return cloneVehicle(&next), nil
}

// persist writes the candidate state when change detection says it is worth it.
// Must be called with the vehicle lock held.
func (s *Store) persist(ctx context.Context, state *vehicleState, candidate *ctdf.Vehicle) error {
	currentTime := s.now()
	location := positionLocation(candidate)

	write, reason := state.writes.shouldWrite(location, currentTime, s.changeConfig)
	if !write {
		return nil
	}

	if err := s.repository.SaveState(ctx, candidate); err != nil {
		log.Error().Err(err).Str("vehicle", candidate.PrimaryIdentifier).Msg("Failed to write vehicle state")
		return err
	}

	state.writes.markWritten(location, currentTime)
	s.metrics.PositionWrite(reason)

	return nil
}

func (s *Store) mutate(ctx context.Context, vehicleID string, change func(vehicle *ctdf.Vehicle) bool) error {
	state, err := s.state(ctx, vehicleID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	next := *state.vehicle
	if !change(&next) {
		return nil
	}
	next.ModificationDateTime = s.now()

	state.writes.readModelDirty = true
	if err := s.persist(ctx, state, &next); err != nil {
		return err
	}

	state.vehicle = &next
	return nil
}

// SetTripState binds the vehicle to the route of its in-progress trip, an empty route clears it
func (s *Store) SetTripState(ctx context.Context, vehicleID string, routeRef string) error {
	return s.mutate(ctx, vehicleID, func(vehicle *ctdf.Vehicle) bool {
		if vehicle.RouteRef == routeRef {
			return false
		}
		vehicle.RouteRef = routeRef
		if routeRef == "" {
			vehicle.Status = ctdf.ScheduleStatusUnknown
			vehicle.DelayMinutes = 0
		}
		return true
	})
}

func (s *Store) SetScheduleStatus(ctx context.Context, vehicleID string, status ctdf.ScheduleStatus, delayMinutes int) error {
	return s.mutate(ctx, vehicleID, func(vehicle *ctdf.Vehicle) bool {
		if vehicle.Status == status && vehicle.DelayMinutes == delayMinutes {
			return false
		}
		vehicle.Status = status
		vehicle.DelayMinutes = delayMinutes
		return true
	})
}

// SetTrackingEnabled retires or re-enables a vehicle for live tracking
func (s *Store) SetTrackingEnabled(ctx context.Context, vehicleID string, enabled bool) error {
	return s.mutate(ctx, vehicleID, func(vehicle *ctdf.Vehicle) bool {
		if vehicle.TrackingEnabled == enabled {
			return false
		}
		vehicle.TrackingEnabled = enabled
		return true
	})
}

func (s *Store) GetVehicle(ctx context.Context, vehicleID string) (*ctdf.Vehicle, error) {
	state, err := s.state(ctx, vehicleID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	return cloneVehicle(state.vehicle), nil
}

// ListActive returns copies of tracking-enabled vehicles with a known position, ordered by identifier
func (s *Store) ListActive(ctx context.Context, filter ActiveFilter) ([]*ctdf.Vehicle, error) {
	s.mu.RLock()
	states := make([]*vehicleState, 0, len(s.vehicles))
	for _, state := range s.vehicles {
		states = append(states, state)
	}
	s.mu.RUnlock()

	active := []*ctdf.Vehicle{}
	for _, state := range states {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state.mu.Lock()
		if state.vehicle.IsActive() && filter.matches(state.vehicle) {
			active = append(active, cloneVehicle(state.vehicle))
		}
		state.mu.Unlock()
	}

	sort.Slice(active, func(a, b int) bool {
		return active[a].PrimaryIdentifier < active[b].PrimaryIdentifier
	})

	return active, nil
}

func positionLocation(vehicle *ctdf.Vehicle) ctdf.Location {
	if vehicle.Position == nil {
		return ctdf.Location{}
	}
	return vehicle.Position.Location
}
