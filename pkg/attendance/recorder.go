package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/metrics"
)

// Repository must insert atomically, reporting an existing (rider, stop, date) as ErrDuplicateRecord
type Repository interface {
	InsertIfAbsent(ctx context.Context, record *ctdf.AttendanceRecord) error
	ListForStop(ctx context.Context, stopID string, date string) ([]*ctdf.AttendanceRecord, error)
	ListForRider(ctx context.Context, riderID string) ([]*ctdf.AttendanceRecord, error)
}

type RiderRepository interface {
	UpdateCurrentStop(ctx context.Context, riderID string, stopID string) error
}

type StopResolver interface {
	GetStop(stopID string) (*ctdf.Stop, error)
}

type Publisher interface {
	Publish(event ctdf.Event) ctdf.Event
}

// DriverRoutes reports the route a driver is currently operating
type DriverRoutes interface {
	ActiveRouteForDriver(driverID string) (string, bool)
}

type Recorder struct {
	stops      StopResolver
	repository Repository
	riders     RiderRepository

	publisher    Publisher
	precheck     *cache.Cache[string]
	driverRoutes DriverRoutes
	metrics      *metrics.Collector
	location     *time.Location
}

type Option func(*Recorder)

func WithPublisher(publisher Publisher) Option {
	return func(r *Recorder) {
		r.publisher = publisher
	}
}

// WithPrecheckCache answers repeat submissions before they reach storage
func WithPrecheckCache(precheck *cache.Cache[string]) Option {
	return func(r *Recorder) {
		r.precheck = precheck
	}
}

func WithDriverRoutes(driverRoutes DriverRoutes) Option {
	return func(r *Recorder) {
		r.driverRoutes = driverRoutes
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Recorder) {
		r.metrics = collector
	}
}

// WithLocation sets the timezone calendar dates are taken in
func WithLocation(location *time.Location) Option {
	return func(r *Recorder) {
		r.location = location
	}
}

func NewRecorder(stops StopResolver, repository Repository, riders RiderRepository, opts ...Option) *Recorder {
	recorder := &Recorder{
		stops:      stops,
		repository: repository,
		riders:     riders,
		location:   time.UTC,
	}
	for _, opt := range opts {
		opt(recorder)
	}
	return recorder
}

func (r *Recorder) authorise(identity ctdf.Identity, riderID string, stop *ctdf.Stop) error {
	switch identity.Role {
	case ctdf.RoleStudent:
		if identity.UserID != riderID {
			return apperrors.PermissionDenied("students may only record their own attendance")
		}
	case ctdf.RoleDriver:
		if r.driverRoutes == nil {
			return nil
		}
		routeRef, ok := r.driverRoutes.ActiveRouteForDriver(identity.UserID)
		if !ok || routeRef != stop.RouteRef {
			return apperrors.PermissionDenied("driver %s is not operating route %s", identity.UserID, stop.RouteRef)
		}
	case ctdf.RoleParent, ctdf.RoleManager, ctdf.RoleSystem:
	default:
		return apperrors.PermissionDenied("unknown role %q", identity.Role)
	}

	return nil
}

// MarkPresent records that the rider was at the stop on the given calendar date.
// A second submission for the same rider, stop and date returns ErrDuplicateRecord.
func (r *Recorder) MarkPresent(ctx context.Context, identity ctdf.Identity, riderID string, stopID string, date time.Time) (*ctdf.AttendanceRecord, error) {
	if riderID == "" || stopID == "" {
		return nil, apperrors.InvalidInput("rider and stop are required")
	}

	stop, err := r.stops.GetStop(stopID)
	if err != nil {
		return nil, err
	}

	if err := r.authorise(identity, riderID, stop); err != nil {
		return nil, err
	}

	if date.IsZero() {
		date = time.Now()
	}
	dateString := date.In(r.location).Format(ctdf.AttendanceDateFormat)
	cacheKey := fmt.Sprintf("attendance:%s:%s:%s", riderID, stopID, dateString)

	if r.precheck != nil {
		if _, err := r.precheck.Get(ctx, cacheKey); err == nil {
			r.metrics.AttendanceResult("duplicate")
			return nil, fmt.Errorf("attendance for %s at %s on %s: %w", riderID, stopID, dateString, apperrors.ErrDuplicateRecord)
		}
	}

	record := &ctdf.AttendanceRecord{
		PrimaryIdentifier: uuid.NewString(),
		RiderRef:          riderID,
		StopRef:           stopID,
		RouteRef:          stop.RouteRef,
		Date:              dateString,
		RecordedBy:        identity.UserID,
		CreationDateTime:  time.Now(),
	}

	err = r.repository.InsertIfAbsent(ctx, record)
	if errors.Is(err, apperrors.ErrDuplicateRecord) {
		r.remember(ctx, cacheKey)
		r.metrics.AttendanceResult("duplicate")
		log.Info().Str("rider", riderID).Str("stop", stopID).Str("date", dateString).Msg("Attendance already recorded")
		return nil, err
	} else if err != nil {
		r.metrics.AttendanceResult("failed")
		log.Error().Err(err).Str("rider", riderID).Str("stop", stopID).Msg("Failed to record attendance")
		return nil, err
	}

	r.remember(ctx, cacheKey)
	r.metrics.AttendanceResult("recorded")

	// The rider pointer is advisory, the attendance record stands even if this fails
	if r.riders != nil {
		if err := r.riders.UpdateCurrentStop(ctx, riderID, stopID); err != nil {
			log.Error().Err(err).Str("rider", riderID).Str("stop", stopID).Msg("Failed to update rider current stop")
		}
	}

	if r.publisher != nil {
		r.publisher.Publish(ctdf.Event{
			Type:     ctdf.EventTypeSystem,
			Scope:    ctdf.EventScopeStop,
			StopRef:  stopID,
			RouteRef: stop.RouteRef,
			Message:  fmt.Sprintf("Attendance recorded at %s", stopName(stop)),
		})
	}

	log.Info().Str("rider", riderID).Str("stop", stopID).Str("date", dateString).Msg("Attendance recorded")

	return record, nil
}

func (r *Recorder) remember(ctx context.Context, cacheKey string) {
	if r.precheck == nil {
		return
	}
	if err := r.precheck.Set(ctx, cacheKey, "1"); err != nil {
		log.Warn().Err(err).Str("key", cacheKey).Msg("Failed to cache attendance key")
	}
}

func (r *Recorder) ListForStop(ctx context.Context, stopID string, date time.Time) ([]*ctdf.AttendanceRecord, error) {
	if _, err := r.stops.GetStop(stopID); err != nil {
		return nil, err
	}
	return r.repository.ListForStop(ctx, stopID, date.In(r.location).Format(ctdf.AttendanceDateFormat))
}

func (r *Recorder) ListForRider(ctx context.Context, identity ctdf.Identity, riderID string) ([]*ctdf.AttendanceRecord, error) {
	if identity.Role == ctdf.RoleStudent && identity.UserID != riderID {
		return nil, apperrors.PermissionDenied("students may only view their own attendance")
	}
	return r.repository.ListForRider(ctx, riderID)
}

func stopName(stop *ctdf.Stop) string {
	if stop.PrimaryName != "" {
		return stop.PrimaryName
	}
	return stop.PrimaryIdentifier
}
