package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository relies on the unique (riderref, stopref, date) index created at connect time
type MongoRepository struct{}

func (MongoRepository) InsertIfAbsent(ctx context.Context, record *ctdf.AttendanceRecord) error {
	collection := database.GetCollection("attendance")

	_, err := collection.InsertOne(ctx, record)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("attendance for %s at %s on %s: %w", record.RiderRef, record.StopRef, record.Date, apperrors.ErrDuplicateRecord)
	} else if err != nil {
		return apperrors.Storage("insert", record.RiderRef, err)
	}

	return nil
}

func (MongoRepository) ListForStop(ctx context.Context, stopID string, date string) ([]*ctdf.AttendanceRecord, error) {
	return findRecords(ctx, bson.M{"stopref": stopID, "date": date})
}

func (MongoRepository) ListForRider(ctx context.Context, riderID string) ([]*ctdf.AttendanceRecord, error) {
	return findRecords(ctx, bson.M{"riderref": riderID})
}

func findRecords(ctx context.Context, filter bson.M) ([]*ctdf.AttendanceRecord, error) {
	collection := database.GetCollection("attendance")

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "riderref", Value: 1}}).SetLimit(500)
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperrors.Storage("find", "attendance", err)
	}

	records := []*ctdf.AttendanceRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, apperrors.Storage("decode", "attendance", err)
	}

	return records, nil
}

type MongoRiderRepository struct{}

func (MongoRiderRepository) UpdateCurrentStop(ctx context.Context, riderID string, stopID string) error {
	collection := database.GetCollection("riders")

	_, err := collection.UpdateOne(ctx,
		bson.M{"primaryidentifier": riderID},
		bson.M{"$set": bson.M{
			"currentstopref":       stopID,
			"modificationdatetime": time.Now(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return apperrors.Storage("update", riderID, err)
	}

	return nil
}
