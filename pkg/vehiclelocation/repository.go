package vehiclelocation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Repository is the storage collaborator for vehicle records
type Repository interface {
	GetVehicle(ctx context.Context, vehicleID string) (*ctdf.Vehicle, error)
	ListVehicles(ctx context.Context) ([]*ctdf.Vehicle, error)
	// SaveState writes the tracking state, skipping the write when storage already holds a newer fix
	SaveState(ctx context.Context, vehicle *ctdf.Vehicle) error
}

type MongoRepository struct{}

func (MongoRepository) GetVehicle(ctx context.Context, vehicleID string) (*ctdf.Vehicle, error) {
	collection := database.GetCollection("vehicles")

	var vehicle *ctdf.Vehicle
	err := collection.FindOne(ctx, bson.M{"primaryidentifier": vehicleID}).Decode(&vehicle)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFound("vehicle %s", vehicleID)
	} else if err != nil {
		return nil, apperrors.Storage("find", vehicleID, err)
	}

	return vehicle, nil
}

func (MongoRepository) ListVehicles(ctx context.Context) ([]*ctdf.Vehicle, error) {
	collection := database.GetCollection("vehicles")

	cursor, err := collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, apperrors.Storage("find", "vehicles", err)
	}

	var vehicles []*ctdf.Vehicle
	if err := cursor.All(ctx, &vehicles); err != nil {
		return nil, apperrors.Storage("decode", "vehicles", err)
	}

	return vehicles, nil
}

func (MongoRepository) SaveState(ctx context.Context, vehicle *ctdf.Vehicle) error {
	collection := database.GetCollection("vehicles")

	filter := bson.M{
		"primaryidentifier": vehicle.PrimaryIdentifier,
		"$or": bson.A{
			bson.M{"lastupdated": bson.M{"$lte": vehicle.LastUpdated}},
			bson.M{"lastupdated": bson.M{"$exists": false}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"position":             vehicle.Position,
			"lastupdated":          vehicle.LastUpdated,
			"trackingenabled":      vehicle.TrackingEnabled,
			"routeref":             vehicle.RouteRef,
			"status":               vehicle.Status,
			"delayminutes":         vehicle.DelayMinutes,
			"modificationdatetime": vehicle.ModificationDateTime,
		},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return apperrors.Storage("update", vehicle.PrimaryIdentifier, err)
	}

	if result.MatchedCount == 0 {
		log.Debug().Str("vehicle", vehicle.PrimaryIdentifier).Msg("Stored vehicle state is newer, skipped write")
	}

	return nil
}

// MemoryRepository keeps vehicles in process, with the same newer-wins write rule as MongoRepository
type MemoryRepository struct {
	mu       sync.Mutex
	vehicles map[string]*ctdf.Vehicle

	// Err is returned from every call when set, used to simulate storage outages
	Err error
}

func NewMemoryRepository(vehicles ...*ctdf.Vehicle) *MemoryRepository {
	repository := &MemoryRepository{vehicles: map[string]*ctdf.Vehicle{}}
	for _, vehicle := range vehicles {
		repository.Put(vehicle)
	}
	return repository
}

func (m *MemoryRepository) Put(vehicle *ctdf.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[vehicle.PrimaryIdentifier] = cloneVehicle(vehicle)
}

func (m *MemoryRepository) GetVehicle(ctx context.Context, vehicleID string) (*ctdf.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, apperrors.Storage("find", vehicleID, m.Err)
	}

	vehicle, ok := m.vehicles[vehicleID]
	if !ok {
		return nil, apperrors.NotFound("vehicle %s", vehicleID)
	}
	return cloneVehicle(vehicle), nil
}

func (m *MemoryRepository) ListVehicles(ctx context.Context) ([]*ctdf.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, apperrors.Storage("find", "vehicles", m.Err)
	}

	vehicles := make([]*ctdf.Vehicle, 0, len(m.vehicles))
	for _, vehicle := range m.vehicles {
		vehicles = append(vehicles, cloneVehicle(vehicle))
	}
	sort.Slice(vehicles, func(a, b int) bool {
		return vehicles[a].PrimaryIdentifier < vehicles[b].PrimaryIdentifier
	})

	return vehicles, nil
}

func (m *MemoryRepository) SaveState(ctx context.Context, vehicle *ctdf.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return apperrors.Storage("update", vehicle.PrimaryIdentifier, m.Err)
	}

	existing, ok := m.vehicles[vehicle.PrimaryIdentifier]
	if !ok {
		return nil
	}
	if existing.LastUpdated.After(vehicle.LastUpdated) {
		return nil
	}

	m.vehicles[vehicle.PrimaryIdentifier] = cloneVehicle(vehicle)
	return nil
}

func cloneVehicle(vehicle *ctdf.Vehicle) *ctdf.Vehicle {
	var clone ctdf.Vehicle
	if err := copier.CopyWithOption(&clone, vehicle, copier.Option{DeepCopy: true}); err != nil {
		log.Error().Err(err).Str("vehicle", vehicle.PrimaryIdentifier).Msg("Failed to copy vehicle")
		shallow := *vehicle
		return &shallow
	}
	return &clone
}
