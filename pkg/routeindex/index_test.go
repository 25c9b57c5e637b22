package routeindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

func testSource() *MemorySource {
	return &MemorySource{
		Routes: []*ctdf.Route{
			{PrimaryIdentifier: "R1", Name: "North loop", Status: ctdf.RouteStatusActive},
			{PrimaryIdentifier: "R2", Name: "Empty", Status: ctdf.RouteStatusInactive},
		},
		Stops: []*ctdf.Stop{
			{PrimaryIdentifier: "S3", RouteRef: "R1", Sequence: 3, Location: ctdf.NewLocation(51.52, -0.10)},
			{PrimaryIdentifier: "S1", RouteRef: "R1", Sequence: 1, Location: ctdf.NewLocation(51.50, -0.10)},
			{PrimaryIdentifier: "S2", RouteRef: "R1", Sequence: 2, Location: ctdf.NewLocation(51.51, -0.10)},
			{PrimaryIdentifier: "S9", RouteRef: "R1", Sequence: 2, Location: ctdf.NewLocation(51.59, -0.10)},
		},
		Schedules: []*ctdf.ScheduleEntry{
			{StopRef: "S1", ScheduledArrival: "07:45"},
			{StopRef: "S1", ScheduledArrival: "07:30"},
			{StopRef: "S2", ScheduledArrival: "07:40:30"},
			{StopRef: "S3", ScheduledArrival: "quarter past"},
		},
	}
}

func TestIndexOrdering(t *testing.T) {
	index := New(testSource())
	require.NoError(t, index.Refresh(context.Background()))

	stops, err := index.StopsForRoute("R1")
	require.NoError(t, err)
	require.Len(t, stops, 3)
	assert.Equal(t, "S1", stops[0].PrimaryIdentifier)
	assert.Equal(t, "S2", stops[1].PrimaryIdentifier)
	assert.Equal(t, "S3", stops[2].PrimaryIdentifier)

	// The clashing stop is still resolvable by identifier
	stop, err := index.GetStop("S9")
	require.NoError(t, err)
	assert.Equal(t, "R1", stop.RouteRef)

	stops, err = index.StopsForRoute("R2")
	require.NoError(t, err)
	assert.Empty(t, stops)
}

func TestIndexScheduleEarliestWins(t *testing.T) {
	index := New(testSource())
	require.NoError(t, index.Refresh(context.Background()))

	scheduled, ok := index.ScheduledArrival("S1")
	require.True(t, ok)
	assert.Equal(t, 7, scheduled.Hour())
	assert.Equal(t, 30, scheduled.Minute())

	scheduled, ok = index.ScheduledArrival("S2")
	require.True(t, ok)
	assert.Equal(t, 30, scheduled.Second())

	_, ok = index.ScheduledArrival("S3")
	assert.False(t, ok)
}

func TestIndexNotFound(t *testing.T) {
	index := New(testSource())
	require.NoError(t, index.Refresh(context.Background()))

	_, err := index.GetRoute("R404")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = index.GetStop("S404")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = index.StopsForRoute("R404")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

type failingSource struct {
	MemorySource
}

func (f *failingSource) LoadStops(ctx context.Context) ([]*ctdf.Stop, error) {
	return nil, errors.New("connection refused")
}

func TestIndexRefreshFailureKeepsSnapshot(t *testing.T) {
	index := New(testSource())
	require.NoError(t, index.Refresh(context.Background()))

	index.source = &failingSource{}
	assert.Error(t, index.Refresh(context.Background()))

	route, err := index.GetRoute("R1")
	require.NoError(t, err)
	assert.Equal(t, "North loop", route.Name)
	assert.Len(t, index.Routes(), 2)
}

func TestIndexWatchDebouncesChanges(t *testing.T) {
	source := testSource()
	index := New(source)
	require.NoError(t, index.Refresh(context.Background()))

	changes := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		index.Watch(context.Background(), changes, 20*time.Millisecond)
		close(done)
	}()

	source.Routes = append(source.Routes, &ctdf.Route{PrimaryIdentifier: "R3", Name: "New run"})
	changes <- struct{}{}
	changes <- struct{}{}

	require.Eventually(t, func() bool {
		_, err := index.GetRoute("R3")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	close(changes)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop when the change feed closed")
	}
}
