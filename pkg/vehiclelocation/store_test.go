package vehiclelocation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

var baseTime = time.Date(2024, 9, 2, 7, 0, 0, 0, time.UTC)

func newTestStore(vehicles ...*ctdf.Vehicle) (*Store, *MemoryRepository) {
	repository := NewMemoryRepository(vehicles...)
	store := NewStore(repository, WithClock(func() time.Time { return baseTime }))
	return store, repository
}

func update(vehicleID string, offset time.Duration, latitude float64) PositionUpdate {
	return PositionUpdate{
		VehicleRef: vehicleID,
		Latitude:   latitude,
		Longitude:  -0.1,
		RecordedAt: baseTime.Add(offset),
	}
}

func TestUpdatePositionLastWriteWins(t *testing.T) {
	store, _ := newTestStore(&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true})
	ctx := context.Background()

	_, err := store.UpdatePosition(ctx, update("V1", 20*time.Second, 51.52))
	require.NoError(t, err)

	_, err = store.UpdatePosition(ctx, update("V1", 10*time.Second, 51.51))
	assert.ErrorIs(t, err, apperrors.ErrStaleUpdate)

	vehicle, err := store.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, 51.52, vehicle.Position.Location.Latitude())
	assert.Equal(t, baseTime.Add(20*time.Second), vehicle.LastUpdated)

	// Equal timestamps are accepted again
	_, err = store.UpdatePosition(ctx, update("V1", 20*time.Second, 51.52))
	assert.NoError(t, err)
}

func TestUpdatePositionOrderIndependent(t *testing.T) {
	updates := []PositionUpdate{}
	for i := 0; i < 20; i++ {
		updates = append(updates, update("V1", time.Duration(i)*time.Second, 51.5+float64(i)/1000))
	}

	for run := 0; run < 5; run++ {
		store, _ := newTestStore(&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true})

		shuffled := append([]PositionUpdate{}, updates...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for _, positionUpdate := range shuffled {
			_, _ = store.UpdatePosition(context.Background(), positionUpdate)
		}

		vehicle, err := store.GetVehicle(context.Background(), "V1")
		require.NoError(t, err)
		assert.Equal(t, updates[len(updates)-1].RecordedAt, vehicle.Position.RecordedAt)
		assert.InDelta(t, 51.519, vehicle.Position.Location.Latitude(), 0.0000001)
	}
}

func TestUpdatePositionUnknownOrDisabled(t *testing.T) {
	store, _ := newTestStore(&ctdf.Vehicle{PrimaryIdentifier: "RETIRED", TrackingEnabled: false})
	ctx := context.Background()

	_, err := store.UpdatePosition(ctx, update("V404", 0, 51.5))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = store.UpdatePosition(ctx, update("RETIRED", 0, 51.5))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = store.UpdatePosition(ctx, PositionUpdate{VehicleRef: "V1", Latitude: 120, RecordedAt: baseTime})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestUpdatePositionRejectsFutureTimestamps(t *testing.T) {
	store, repository := newTestStore(&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true})
	ctx := context.Background()

	_, err := store.UpdatePosition(ctx, PositionUpdate{
		VehicleRef: "V1",
		Latitude:   51.49,
		Longitude:  -0.1,
		RecordedAt: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	stored, err := repository.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.Nil(t, stored.Position)

	// Small drift ahead of the server clock is tolerated
	_, err = store.UpdatePosition(ctx, update("V1", 2*time.Minute, 51.5))
	require.NoError(t, err)

	_, err = store.UpdatePosition(ctx, update("V1", 3*time.Minute, 51.51))
	require.NoError(t, err)

	vehicle, err := store.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, 51.51, vehicle.Position.Location.Latitude())

	unbounded := NewStore(NewMemoryRepository(&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true}),
		WithClock(func() time.Time { return baseTime }),
		WithMaxClockSkew(0),
	)
	_, err = unbounded.UpdatePosition(ctx, update("V1", time.Hour, 51.5))
	assert.NoError(t, err)
}

func TestLoadSeedsWriteClockFromModificationTime(t *testing.T) {
	store, repository := newTestStore(&ctdf.Vehicle{
		PrimaryIdentifier:    "V1",
		TrackingEnabled:      true,
		Position:             &ctdf.VehiclePosition{Location: ctdf.NewLocation(51.5, -0.1), RecordedAt: baseTime.Add(-2 * time.Hour)},
		LastUpdated:          baseTime.Add(-2 * time.Hour),
		ModificationDateTime: baseTime.Add(-10 * time.Second),
	})
	ctx := context.Background()
	require.NoError(t, store.Load(ctx))

	// A GPS clock two hours behind must not force a write for a stationary vehicle
	_, err := store.UpdatePosition(ctx, update("V1", 0, 51.5))
	require.NoError(t, err)

	stored, err := repository.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-2*time.Hour), stored.LastUpdated)
}

func TestUpdatePositionStorageFailure(t *testing.T) {
	store, repository := newTestStore(&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true})
	ctx := context.Background()
	require.NoError(t, store.Load(ctx))

	repository.Err = errors.New("disk full")
	_, err := store.UpdatePosition(ctx, update("V1", 0, 51.5))
	assert.ErrorIs(t, err, apperrors.ErrStorageFailure)

	// State is unchanged so the retry is applied once storage recovers
	repository.Err = nil
	active, err := store.ListActive(ctx, ActiveFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = store.UpdatePosition(ctx, update("V1", 0, 51.5))
	require.NoError(t, err)

	stored, err := repository.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	require.NotNil(t, stored.Position)
}

func TestListActive(t *testing.T) {
	store, _ := newTestStore(
		&ctdf.Vehicle{PrimaryIdentifier: "V3", TrackingEnabled: true},
		&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true},
		&ctdf.Vehicle{PrimaryIdentifier: "V2", TrackingEnabled: true},
		&ctdf.Vehicle{PrimaryIdentifier: "PARKED", TrackingEnabled: true},
	)
	ctx := context.Background()
	require.NoError(t, store.Load(ctx))

	for _, id := range []string{"V3", "V1", "V2"} {
		_, err := store.UpdatePosition(ctx, update(id, 0, 51.5))
		require.NoError(t, err)
	}
	require.NoError(t, store.SetTripState(ctx, "V1", "R1"))
	require.NoError(t, store.SetTripState(ctx, "V2", "R1"))
	require.NoError(t, store.SetScheduleStatus(ctx, "V2", ctdf.ScheduleStatusDelayed, 7))

	active, err := store.ListActive(ctx, ActiveFilter{})
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "V1", active[0].PrimaryIdentifier)
	assert.Equal(t, "V2", active[1].PrimaryIdentifier)
	assert.Equal(t, "V3", active[2].PrimaryIdentifier)

	active, err = store.ListActive(ctx, ActiveFilter{RouteRef: "R1"})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	active, err = store.ListActive(ctx, ActiveFilter{RouteRef: "R1", Status: ctdf.ScheduleStatusDelayed})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 7, active[0].DelayMinutes)

	require.NoError(t, store.SetTrackingEnabled(ctx, "V3", false))
	active, err = store.ListActive(ctx, ActiveFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Returned vehicles are copies
	active[0].Position.Location.Coordinates[1] = 0
	vehicle, _ := store.GetVehicle(ctx, active[0].PrimaryIdentifier)
	assert.Equal(t, 51.5, vehicle.Position.Location.Latitude())
}

func TestClearingTripStateResetsStatus(t *testing.T) {
	store, _ := newTestStore(&ctdf.Vehicle{PrimaryIdentifier: "V1", TrackingEnabled: true})
	ctx := context.Background()

	require.NoError(t, store.SetTripState(ctx, "V1", "R1"))
	require.NoError(t, store.SetScheduleStatus(ctx, "V1", ctdf.ScheduleStatusDelayed, 4))
	require.NoError(t, store.SetTripState(ctx, "V1", ""))

	vehicle, err := store.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "", vehicle.RouteRef)
	assert.Equal(t, ctdf.ScheduleStatusUnknown, vehicle.Status)
	assert.Equal(t, 0, vehicle.DelayMinutes)
}

func TestConcurrentVehicles(t *testing.T) {
	vehicles := []*ctdf.Vehicle{}
	for i := 0; i < 10; i++ {
		vehicles = append(vehicles, &ctdf.Vehicle{PrimaryIdentifier: fmt.Sprintf("V%02d", i), TrackingEnabled: true})
	}
	store, _ := newTestStore(vehicles...)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for j := 0; j < 50; j++ {
			wg.Add(1)
			go func(vehicleID string, offset int) {
				defer wg.Done()
				_, _ = store.UpdatePosition(ctx, update(vehicleID, time.Duration(offset)*time.Second, 51.5))
			}(fmt.Sprintf("V%02d", i), j)
		}
	}
	wg.Wait()

	active, err := store.ListActive(ctx, ActiveFilter{})
	require.NoError(t, err)
	require.Len(t, active, 10)
	for _, vehicle := range active {
		assert.Equal(t, baseTime.Add(49*time.Second), vehicle.LastUpdated)
	}
}

func TestChangeDetection(t *testing.T) {
	config := ChangeDetectionConfig{MinLocationChangeMeters: 25, MaxTimeBetweenWrites: time.Minute}
	writes := writeState{}

	origin := ctdf.NewLocation(51.5, -0.1)
	write, reason := writes.shouldWrite(origin, baseTime, config)
	assert.True(t, write)
	assert.Equal(t, "first_write", reason)
	writes.markWritten(origin, baseTime)

	nearby := ctdf.NewLocation(51.50005, -0.1)
	write, reason = writes.shouldWrite(nearby, baseTime.Add(10*time.Second), config)
	assert.False(t, write)
	assert.Equal(t, "no_significant_changes", reason)

	far := ctdf.NewLocation(51.501, -0.1)
	write, reason = writes.shouldWrite(far, baseTime.Add(10*time.Second), config)
	assert.True(t, write)
	assert.Equal(t, "location_changed", reason)

	write, reason = writes.shouldWrite(nearby, baseTime.Add(2*time.Minute), config)
	assert.True(t, write)
	assert.Equal(t, "max_time_exceeded", reason)

	writes.readModelDirty = true
	write, reason = writes.shouldWrite(origin, baseTime, config)
	assert.True(t, write)
	assert.Equal(t, "read_model_changed", reason)
}
