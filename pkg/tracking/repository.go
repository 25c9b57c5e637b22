package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type TripRepository interface {
	Create(ctx context.Context, trip *ctdf.Trip) error
	// Close marks an in-progress trip completed, failing with ErrInvalidState if it already was
	Close(ctx context.Context, trip *ctdf.Trip) error
	UpdateProgress(ctx context.Context, tripID string, completedStops int, nextStopIndex int) error
	FindInProgress(ctx context.Context) ([]*ctdf.Trip, error)
	Get(ctx context.Context, tripID string) (*ctdf.Trip, error)
}

type MongoTripRepository struct{}

func (MongoTripRepository) Create(ctx context.Context, trip *ctdf.Trip) error {
	if _, err := database.GetCollection("trips").InsertOne(ctx, trip); err != nil {
		return apperrors.Storage("insert", trip.PrimaryIdentifier, err)
	}
	return nil
}

func (MongoTripRepository) Close(ctx context.Context, trip *ctdf.Trip) error {
	result, err := database.GetCollection("trips").UpdateOne(ctx,
		bson.M{"primaryidentifier": trip.PrimaryIdentifier, "state": ctdf.TripStateInProgress},
		bson.M{"$set": bson.M{
			"state":                ctdf.TripStateCompleted,
			"endtime":              trip.EndTime,
			"completedstops":       trip.CompletedStops,
			"nextstopindex":        trip.NextStopIndex,
			"modificationdatetime": trip.ModificationDateTime,
		}},
	)
	if err != nil {
		return apperrors.Storage("close", trip.PrimaryIdentifier, err)
	}
	if result.MatchedCount == 0 {
		return apperrors.InvalidState("trip %s is not in progress", trip.PrimaryIdentifier)
	}
	return nil
}

func (MongoTripRepository) UpdateProgress(ctx context.Context, tripID string, completedStops int, nextStopIndex int) error {
	_, err := database.GetCollection("trips").UpdateOne(ctx,
		bson.M{"primaryidentifier": tripID, "state": ctdf.TripStateInProgress},
		bson.M{"$set": bson.M{
			"completedstops":       completedStops,
			"nextstopindex":        nextStopIndex,
			"modificationdatetime": time.Now(),
		}},
	)
	if err != nil {
		return apperrors.Storage("progress", tripID, err)
	}
	return nil
}

func (MongoTripRepository) FindInProgress(ctx context.Context) ([]*ctdf.Trip, error) {
	cursor, err := database.GetCollection("trips").Find(ctx, bson.M{"state": ctdf.TripStateInProgress})
	if err != nil {
		return nil, apperrors.Storage("find", "trips", err)
	}

	var trips []*ctdf.Trip
	if err := cursor.All(ctx, &trips); err != nil {
		return nil, apperrors.Storage("decode", "trips", err)
	}
	return trips, nil
}

func (MongoTripRepository) Get(ctx context.Context, tripID string) (*ctdf.Trip, error) {
	var trip *ctdf.Trip
	err := database.GetCollection("trips").FindOne(ctx, bson.M{"primaryidentifier": tripID}).Decode(&trip)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFound("trip %s", tripID)
	} else if err != nil {
		return nil, apperrors.Storage("find", tripID, err)
	}
	return trip, nil
}

type MemoryTripRepository struct {
	mu    sync.Mutex
	trips map[string]*ctdf.Trip

	// Err makes every call fail, used to simulate a storage outage
	Err error
}

func NewMemoryTripRepository() *MemoryTripRepository {
	return &MemoryTripRepository{trips: map[string]*ctdf.Trip{}}
}

func (m *MemoryTripRepository) Create(ctx context.Context, trip *ctdf.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return apperrors.Storage("insert", trip.PrimaryIdentifier, m.Err)
	}
	if _, exists := m.trips[trip.PrimaryIdentifier]; exists {
		return apperrors.Storage("insert", trip.PrimaryIdentifier, apperrors.ErrDuplicateRecord)
	}
	m.trips[trip.PrimaryIdentifier] = cloneTrip(trip)
	return nil
}

func (m *MemoryTripRepository) Close(ctx context.Context, trip *ctdf.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return apperrors.Storage("close", trip.PrimaryIdentifier, m.Err)
	}
	stored, exists := m.trips[trip.PrimaryIdentifier]
	if !exists || stored.State != ctdf.TripStateInProgress {
		return apperrors.InvalidState("trip %s is not in progress", trip.PrimaryIdentifier)
	}
	m.trips[trip.PrimaryIdentifier] = cloneTrip(trip)
	return nil
}

func (m *MemoryTripRepository) UpdateProgress(ctx context.Context, tripID string, completedStops int, nextStopIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return apperrors.Storage("progress", tripID, m.Err)
	}
	if stored, exists := m.trips[tripID]; exists && stored.State == ctdf.TripStateInProgress {
		stored.CompletedStops = completedStops
		stored.NextStopIndex = nextStopIndex
	}
	return nil
}

func (m *MemoryTripRepository) FindInProgress(ctx context.Context) ([]*ctdf.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, apperrors.Storage("find", "trips", m.Err)
	}

	var trips []*ctdf.Trip
	for _, trip := range m.trips {
		if trip.State == ctdf.TripStateInProgress {
			trips = append(trips, cloneTrip(trip))
		}
	}
	return trips, nil
}

func (m *MemoryTripRepository) Get(ctx context.Context, tripID string) (*ctdf.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trip, exists := m.trips[tripID]
	if !exists {
		return nil, apperrors.NotFound("trip %s", tripID)
	}
	return cloneTrip(trip), nil
}

// Count returns the number of stored trips in any state
func (m *MemoryTripRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trips)
}

func cloneTrip(trip *ctdf.Trip) *ctdf.Trip {
	var clone ctdf.Trip
	if err := copier.Copy(&clone, trip); err != nil {
		clone = *trip
	}
	return &clone
}
