package routeindex

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var watchedCollections = bson.A{"routes", "stops", "schedules"}

type referenceChange struct {
	OperationType string `bson:"operationType"`
	Namespace     struct {
		Collection string `bson:"coll"`
	} `bson:"ns"`
}

// WatchChanges signals on the returned channel whenever a route, stop or schedule document
// changes. Change streams need a replica set, without one the channel closes straight away
// and the periodic refresh is all that runs.
func (MongoSource) WatchChanges(ctx context.Context) <-chan struct{} {
	changes := make(chan struct{}, 1)

	matchPipeline := bson.D{
		{
			Key: "$match", Value: bson.D{
				{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: watchedCollections}}},
			},
		},
	}
	projectPipeline := bson.D{
		{Key: "$project", Value: bson.D{
			{Key: "operationType", Value: 1},
			{Key: "ns", Value: 1},
		}},
	}

	stream, err := database.MongoGlobalInstance.Database.Watch(ctx, mongo.Pipeline{matchPipeline, projectPipeline}, options.ChangeStream())
	if err != nil {
		log.Warn().Err(err).Msg("Reference data change stream unavailable, relying on periodic refresh")
		close(changes)
		return changes
	}

	log.Info().Msg("Watching reference data collections")

	go func() {
		defer close(changes)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var data referenceChange
			if err := stream.Decode(&data); err != nil {
				log.Error().Err(err).Msg("Failed to decode reference data change")
				continue
			}

			log.Debug().Str("collection", data.Namespace.Collection).Str("operation", data.OperationType).Msg("Reference data changed")

			select {
			case changes <- struct{}{}:
			default:
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Reference data change stream stopped")
		}
	}()

	return changes
}

// Watch refreshes once changes have been quiet for settle, so a bulk import triggers a
// single rebuild. It returns when ctx ends or changes closes.
func (i *Index) Watch(ctx context.Context, changes <-chan struct{}, settle time.Duration) {
	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			timer.Reset(settle)
		case <-timer.C:
			if err := i.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to refresh route index after change, keeping previous snapshot")
			}
		}
	}
}
