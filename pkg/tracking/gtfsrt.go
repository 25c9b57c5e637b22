package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
	"google.golang.org/protobuf/proto"
)

// DecodeVehiclePositions turns a GTFS-RT VehiclePositions feed into position updates.
// Entities without a vehicle identifier or coordinates are skipped.
func DecodeVehiclePositions(body []byte) ([]vehiclelocation.PositionUpdate, error) {
	feed := gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, &feed); err != nil {
		return nil, apperrors.InvalidInput("decode gtfs-rt feed: %v", err)
	}

	headerTimestamp := feed.GetHeader().GetTimestamp()

	var updates []vehiclelocation.PositionUpdate
	for _, entity := range feed.GetEntity() {
		vehiclePosition := entity.GetVehicle()
		if vehiclePosition == nil || vehiclePosition.GetPosition() == nil {
			continue
		}

		vehicleRef := vehiclePosition.GetVehicle().GetId()
		if vehicleRef == "" {
			vehicleRef = vehiclePosition.GetVehicle().GetLabel()
		}
		if vehicleRef == "" {
			log.Debug().Str("entity", entity.GetId()).Msg("Skipping GTFS-RT entity without vehicle")
			continue
		}

		timestamp := vehiclePosition.GetTimestamp()
		if timestamp == 0 {
			timestamp = headerTimestamp
		}
		if timestamp == 0 {
			continue
		}

		position := vehiclePosition.GetPosition()
		update := vehiclelocation.PositionUpdate{
			VehicleRef: vehicleRef,
			Latitude:   float64(position.GetLatitude()),
			Longitude:  float64(position.GetLongitude()),
			RecordedAt: time.Unix(int64(timestamp), 0).UTC(),
		}
		if position.Speed != nil {
			speed := float64(position.GetSpeed())
			update.Speed = &speed
		}
		if position.Bearing != nil {
			heading := float64(position.GetBearing())
			update.Heading = &heading
		}

		updates = append(updates, update)
	}

	return updates, nil
}

// ApplyPositions runs feed fixes through the orchestrator as the system identity. Stale,
// unknown and invalid fixes are skipped, storage and transport failures stop the batch.
func (o *Orchestrator) ApplyPositions(ctx context.Context, updates []vehiclelocation.PositionUpdate) (int, error) {
	applied := 0
	for _, update := range updates {
		_, err := o.HandlePosition(ctx, ctdf.SystemIdentity, update)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, apperrors.ErrStaleUpdate), errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrInvalidInput):
			log.Debug().Err(err).Str("vehicle", update.VehicleRef).Msg("Skipping feed position")
		default:
			return applied, err
		}
	}
	return applied, nil
}

// PositionSink receives each decoded batch from a feed
type PositionSink func(ctx context.Context, updates []vehiclelocation.PositionUpdate) error

// NewPositionSink queues fixes for the tracker consumers, or applies them in this process
// when queue is nil
func NewPositionSink(queue rmq.Queue, orchestrator *Orchestrator) PositionSink {
	if queue != nil {
		return func(ctx context.Context, updates []vehiclelocation.PositionUpdate) error {
			return EnqueuePositions(queue, updates)
		}
	}

	return func(ctx context.Context, updates []vehiclelocation.PositionUpdate) error {
		_, err := orchestrator.ApplyPositions(ctx, updates)
		return err
	}
}
