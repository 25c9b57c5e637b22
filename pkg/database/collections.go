package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type collectionIndexes struct {
	collection string
	indexes    []mongo.IndexModel
	// Startup fails when a required index cannot be built
	required bool
}

type indexCreator func(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error

func createMongoIndexes(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error {
	_, err := GetCollection(collectionName).Indexes().CreateMany(ctx, indexes, options.CreateIndexes())
	return err
}

func createIndexes(ctx context.Context, create indexCreator) error {
	var sets []collectionIndexes
	sets = append(sets, referenceIndexes()...)
	sets = append(sets, trackingIndexes()...)
	sets = append(sets, attendanceIndexes()...)
	sets = append(sets, notificationIndexes()...)

	for _, set := range sets {
		err := create(ctx, set.collection, set.indexes)
		if err == nil {
			continue
		}
		if set.required {
			return fmt.Errorf("creating %s indexes: %w", set.collection, err)
		}
		log.Error().Err(err).Str("collection", set.collection).Msg("Creating Index")
	}

	return nil
}

func referenceIndexes() []collectionIndexes {
	return []collectionIndexes{
		{
			collection: "routes",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "primaryidentifier", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
			},
		},
		{
			collection: "stops",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "primaryidentifier", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "routeref", Value: 1}, {Key: "sequence", Value: 1}},
				},
				{
					Keys: bson.D{{Key: "location.coordinates", Value: "2d"}},
				},
			},
		},
		{
			collection: "schedules",
			indexes: []mongo.IndexModel{
				{
					Keys: bson.D{{Key: "stopref", Value: 1}},
				},
			},
		},
	}
}

func trackingIndexes() []collectionIndexes {
	return []collectionIndexes{
		{
			collection: "vehicles",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "primaryidentifier", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "trackingenabled", Value: 1}, {Key: "routeref", Value: 1}},
				},
			},
		},
		{
			collection: "trips",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "primaryidentifier", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "vehicleref", Value: 1}, {Key: "state", Value: 1}},
				},
			},
		},
	}
}

func attendanceIndexes() []collectionIndexes {
	return []collectionIndexes{
		{
			// RiderStopDate is what keeps concurrent marks for the same rider idempotent
			collection: "attendance",
			required:   true,
			indexes: []mongo.IndexModel{
				{
					Keys: bson.D{
						{Key: "riderref", Value: 1},
						{Key: "stopref", Value: 1},
						{Key: "date", Value: 1},
					},
					Options: options.Index().SetUnique(true).SetName("RiderStopDate"),
				},
				{
					Keys: bson.D{{Key: "stopref", Value: 1}, {Key: "date", Value: 1}},
				},
			},
		},
		{
			collection: "riders",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "primaryidentifier", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
			},
		},
	}
}

func notificationIndexes() []collectionIndexes {
	return []collectionIndexes{
		{
			collection: "notifications",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "primaryidentifier", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "stopref", Value: 1}, {Key: "creationdatetime", Value: -1}},
				},
				{
					Keys: bson.D{{Key: "routeref", Value: 1}, {Key: "creationdatetime", Value: -1}},
				},
				{
					Keys:    bson.D{{Key: "creationdatetime", Value: 1}},
					Options: options.Index().SetExpireAfterSeconds(30 * 24 * 3600), // Expire after 30 days
				},
			},
		},
		{
			collection: "notification_receipts",
			indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "notificationref", Value: 1}, {Key: "userid", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
			},
		},
		{
			collection: "user_push_notification_target",
			indexes: []mongo.IndexModel{
				{
					Keys: bson.D{{Key: "userid", Value: 1}},
				},
				{
					Keys: bson.D{{Key: "stoprefs", Value: 1}},
				},
				{
					Keys: bson.D{{Key: "routerefs", Value: 1}},
				},
			},
		},
	}
}
