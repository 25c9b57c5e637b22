package tracking

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/adjust/rmq/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/metrics"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
	"google.golang.org/protobuf/proto"
)

func positionDelivery(t *testing.T, vehicleID string, latitude float64, recordedAt time.Time) *rmq.TestDelivery {
	t.Helper()

	payload, err := json.Marshal(vehiclelocation.PositionUpdate{
		VehicleRef: vehicleID,
		Latitude:   latitude,
		Longitude:  -0.100,
		RecordedAt: recordedAt,
	})
	require.NoError(t, err)
	return rmq.NewTestDeliveryString(string(payload))
}

func TestPositionBatchConsumerOrdersPerVehicle(t *testing.T) {
	h := newHarness(t)
	consumer := NewPositionBatchConsumer(h.orchestrator, metrics.NewCollector(), 4)

	_, err := h.orchestrator.StartTrip(t.Context(), driver, "V1", "R1")
	require.NoError(t, err)
	h.published()

	// delivered out of order, the batch still produces the arrival
	later := positionDelivery(t, "V1", 51.5000, at(7, 25, 6))
	earlier := positionDelivery(t, "V1", 51.5000, at(7, 25, 0))
	other := positionDelivery(t, "V2", 51.6000, at(7, 25, 3))
	unknown := positionDelivery(t, "UNKNOWN", 51.6000, at(7, 25, 3))
	malformed := rmq.NewTestDeliveryString("{")

	consumer.Consume(rmq.Deliveries{later, earlier, other, unknown, malformed})

	for _, delivery := range []*rmq.TestDelivery{later, earlier, other, unknown, malformed} {
		assert.Equal(t, rmq.Acked, delivery.State)
	}
	assert.Equal(t, []string{"S1"}, arrivals(h.published()))

	vehicle, err := h.store.GetVehicle(t.Context(), "V1")
	require.NoError(t, err)
	assert.Equal(t, at(7, 25, 6), vehicle.LastUpdated)
}

func TestPositionBatchConsumerRejectsOnStorageFailure(t *testing.T) {
	h := newHarness(t)
	consumer := NewPositionBatchConsumer(h.orchestrator, nil, 0)

	h.vehicles.Err = errors.New("connection refused")

	delivery := positionDelivery(t, "V1", 51.5000, at(7, 25, 0))
	consumer.Consume(rmq.Deliveries{delivery})

	assert.Equal(t, rmq.Rejected, delivery.State)
}

func TestDecodeVehiclePositions(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(at(7, 30, 0).Unix())),
		},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("1"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String("V1")},
					Position:  &gtfs.Position{Latitude: proto.Float32(51.5), Longitude: proto.Float32(-0.1), Speed: proto.Float32(8)},
					Timestamp: proto.Uint64(uint64(at(7, 29, 50).Unix())),
				},
			},
			{
				Id: proto.String("2"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:  &gtfs.VehicleDescriptor{Label: proto.String("V2")},
					Position: &gtfs.Position{Latitude: proto.Float32(51.6), Longitude: proto.Float32(-0.1), Bearing: proto.Float32(90)},
				},
			},
			{
				Id:      proto.String("3"),
				Vehicle: &gtfs.VehiclePosition{Position: &gtfs.Position{Latitude: proto.Float32(51.7), Longitude: proto.Float32(-0.1)}},
			},
			{
				Id: proto.String("4"),
			},
		},
	}
	body, err := proto.Marshal(feed)
	require.NoError(t, err)

	updates, err := DecodeVehiclePositions(body)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, "V1", updates[0].VehicleRef)
	assert.InDelta(t, 51.5, updates[0].Latitude, 0.0001)
	assert.Equal(t, at(7, 29, 50), updates[0].RecordedAt)
	require.NotNil(t, updates[0].Speed)
	assert.Equal(t, 8.0, *updates[0].Speed)
	assert.Nil(t, updates[0].Heading)

	assert.Equal(t, "V2", updates[1].VehicleRef)
	assert.Equal(t, at(7, 30, 0), updates[1].RecordedAt)
	require.NotNil(t, updates[1].Heading)
	assert.Equal(t, 90.0, *updates[1].Heading)

	_, err = DecodeVehiclePositions([]byte("not a feed"))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}
