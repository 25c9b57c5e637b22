package importer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const batchSize = 500

// ImportMongo upserts the dataset into the reference collections. Vehicle live state
// (position, trip and schedule status) is left untouched on existing vehicles.
func (d *Dataset) ImportMongo(ctx context.Context) error {
	now := time.Now()

	var routeOperations []mongo.WriteModel
	for _, route := range d.Routes {
		updateModel := mongo.NewUpdateOneModel()
		updateModel.SetFilter(bson.M{"primaryidentifier": route.PrimaryIdentifier})
		updateModel.SetUpdate(bson.M{
			"$set": bson.M{
				"name":                 route.Name,
				"description":          route.Description,
				"status":               route.Status,
				"modificationdatetime": now,
			},
			"$setOnInsert": bson.M{"creationdatetime": now},
		})
		updateModel.SetUpsert(true)
		routeOperations = append(routeOperations, updateModel)
	}
	if err := bulkWrite(ctx, "routes", routeOperations); err != nil {
		return err
	}

	var stopOperations []mongo.WriteModel
	stopIdentifiers := make([]string, 0, len(d.Stops))
	for _, stop := range d.Stops {
		stopIdentifiers = append(stopIdentifiers, stop.PrimaryIdentifier)

		updateModel := mongo.NewUpdateOneModel()
		updateModel.SetFilter(bson.M{"primaryidentifier": stop.PrimaryIdentifier})
		updateModel.SetUpdate(bson.M{
			"$set": bson.M{
				"routeref":             stop.RouteRef,
				"sequence":             stop.Sequence,
				"primaryname":          stop.PrimaryName,
				"address":              stop.Address,
				"location":             stop.Location,
				"modificationdatetime": now,
			},
			"$setOnInsert": bson.M{"creationdatetime": now},
		})
		updateModel.SetUpsert(true)
		stopOperations = append(stopOperations, updateModel)
	}
	if err := bulkWrite(ctx, "stops", stopOperations); err != nil {
		return err
	}

	// Schedules carry no identifier of their own so a stop's entries are replaced wholesale
	scheduleOperations := []mongo.WriteModel{
		mongo.NewDeleteManyModel().SetFilter(bson.M{"stopref": bson.M{"$in": stopIdentifiers}}),
	}
	for _, entry := range d.Schedules {
		scheduleOperations = append(scheduleOperations, mongo.NewInsertOneModel().SetDocument(entry))
	}
	if err := bulkWrite(ctx, "schedules", scheduleOperations); err != nil {
		return err
	}

	var vehicleOperations []mongo.WriteModel
	for _, vehicle := range d.Vehicles {
		updateModel := mongo.NewUpdateOneModel()
		updateModel.SetFilter(bson.M{"primaryidentifier": vehicle.PrimaryIdentifier})
		updateModel.SetUpdate(bson.M{
			"$set": bson.M{
				"licenseplate":         vehicle.LicensePlate,
				"model":                vehicle.Model,
				"capacity":             vehicle.Capacity,
				"trackingenabled":      vehicle.TrackingEnabled,
				"modificationdatetime": now,
			},
			"$setOnInsert": bson.M{
				"creationdatetime": now,
				"routeref":         vehicle.RouteRef,
			},
		})
		updateModel.SetUpsert(true)
		vehicleOperations = append(vehicleOperations, updateModel)
	}
	if err := bulkWrite(ctx, "vehicles", vehicleOperations); err != nil {
		return err
	}

	var riderOperations []mongo.WriteModel
	for _, rider := range d.Riders {
		updateModel := mongo.NewUpdateOneModel()
		updateModel.SetFilter(bson.M{"primaryidentifier": rider.PrimaryIdentifier})
		updateModel.SetUpdate(bson.M{
			"$set": bson.M{
				"name":                 rider.Name,
				"modificationdatetime": now,
			},
		})
		updateModel.SetUpsert(true)
		riderOperations = append(riderOperations, updateModel)
	}
	if err := bulkWrite(ctx, "riders", riderOperations); err != nil {
		return err
	}

	log.Info().
		Int("routes", len(d.Routes)).
		Int("stops", len(d.Stops)).
		Int("schedules", len(d.Schedules)).
		Int("vehicles", len(d.Vehicles)).
		Int("riders", len(d.Riders)).
		Msg("Imported dataset into MongoDB")

	return nil
}

func bulkWrite(ctx context.Context, collectionName string, operations []mongo.WriteModel) error {
	collection := database.GetCollection(collectionName)

	for start := 0; start < len(operations); start += batchSize {
		end := min(start+batchSize, len(operations))

		_, err := collection.BulkWrite(ctx, operations[start:end], options.BulkWrite().SetOrdered(true))
		if err != nil {
			return apperrors.Storage("bulk write", collectionName, err)
		}
	}

	return nil
}
