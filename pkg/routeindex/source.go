package routeindex

import (
	"context"

	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
)

type MongoSource struct{}

func (MongoSource) LoadRoutes(ctx context.Context) ([]*ctdf.Route, error) {
	var routes []*ctdf.Route
	if err := loadAll(ctx, "routes", &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

func (MongoSource) LoadStops(ctx context.Context) ([]*ctdf.Stop, error) {
	var stops []*ctdf.Stop
	if err := loadAll(ctx, "stops", &stops); err != nil {
		return nil, err
	}
	return stops, nil
}

func (MongoSource) LoadSchedules(ctx context.Context) ([]*ctdf.ScheduleEntry, error) {
	var schedules []*ctdf.ScheduleEntry
	if err := loadAll(ctx, "schedules", &schedules); err != nil {
		return nil, err
	}
	return schedules, nil
}

func loadAll(ctx context.Context, collectionName string, results interface{}) error {
	collection := database.GetCollection(collectionName)

	cursor, err := collection.Find(ctx, bson.M{})
	if err != nil {
		return apperrors.Storage("find", collectionName, err)
	}
	if err := cursor.All(ctx, results); err != nil {
		return apperrors.Storage("decode", collectionName, err)
	}

	return nil
}

// MemorySource serves fixed reference data, used for seeded local runs and tests
type MemorySource struct {
	Routes    []*ctdf.Route
	Stops     []*ctdf.Stop
	Schedules []*ctdf.ScheduleEntry
}

func (m *MemorySource) LoadRoutes(ctx context.Context) ([]*ctdf.Route, error) {
	return m.Routes, nil
}

func (m *MemorySource) LoadStops(ctx context.Context) ([]*ctdf.Stop, error) {
	return m.Stops, nil
}

func (m *MemorySource) LoadSchedules(ctx context.Context) ([]*ctdf.ScheduleEntry, error) {
	return m.Schedules, nil
}

var _ Source = MongoSource{}
var _ Source = (*MemorySource)(nil)
