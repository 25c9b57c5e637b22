package attendance

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type stopResolver map[string]*ctdf.Stop

func (s stopResolver) GetStop(stopID string) (*ctdf.Stop, error) {
	stop, ok := s[stopID]
	if !ok {
		return nil, apperrors.NotFound("stop %s", stopID)
	}
	return stop, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ctdf.Event
}

func (p *recordingPublisher) Publish(event ctdf.Event) ctdf.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return event
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type driverRoutes map[string]string

func (d driverRoutes) ActiveRouteForDriver(driverID string) (string, bool) {
	route, ok := d[driverID]
	return route, ok
}

var (
	testStops = stopResolver{
		"S1": {PrimaryIdentifier: "S1", RouteRef: "R1", PrimaryName: "Oak Street"},
		"S2": {PrimaryIdentifier: "S2", RouteRef: "R2", PrimaryName: "Elm Road"},
	}
	parent = ctdf.Identity{UserID: "P1", Role: ctdf.RoleParent}
	today  = time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
)

func TestMarkPresentDuplicate(t *testing.T) {
	repository := NewMemoryRepository()
	riders := NewMemoryRiderRepository()
	publisher := &recordingPublisher{}
	recorder := NewRecorder(testStops, repository, riders, WithPublisher(publisher))
	ctx := context.Background()

	record, err := recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today)
	require.NoError(t, err)
	assert.Equal(t, "2024-09-02", record.Date)
	assert.Equal(t, "R1", record.RouteRef)
	assert.NotEmpty(t, record.PrimaryIdentifier)

	_, err = recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today.Add(3*time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateRecord)

	records, err := recorder.ListForStop(ctx, "S1", today)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// A new calendar date is a new record
	_, err = recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today.AddDate(0, 0, 1))
	require.NoError(t, err)

	records, err = recorder.ListForRider(ctx, parent, "RIDER1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-09-03", records[0].Date)

	assert.Equal(t, 2, publisher.count())
	assert.Equal(t, ctdf.EventTypeSystem, publisher.events[0].Type)
	assert.Equal(t, ctdf.EventScopeStop, publisher.events[0].Scope)
	assert.Equal(t, "S1", publisher.events[0].StopRef)

	rider, ok := riders.GetRider("RIDER1")
	require.True(t, ok)
	assert.Equal(t, "S1", rider.CurrentStopRef)
}

func TestMarkPresentConcurrentSubmissions(t *testing.T) {
	repository := NewMemoryRepository()
	recorder := NewRecorder(testStops, repository, NewMemoryRiderRepository())

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, duplicates := 0, 0

	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := recorder.MarkPresent(context.Background(), parent, "RIDER1", "S1", today)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, apperrors.ErrDuplicateRecord) {
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 24, duplicates)
}

func TestMarkPresentRiderPointerFailure(t *testing.T) {
	riders := NewMemoryRiderRepository()
	riders.Err = errors.New("riders collection unavailable")
	repository := NewMemoryRepository()
	recorder := NewRecorder(testStops, repository, riders)

	record, err := recorder.MarkPresent(context.Background(), parent, "RIDER1", "S1", today)
	require.NoError(t, err)
	assert.NotNil(t, record)

	records, _ := repository.ListForRider(context.Background(), "RIDER1")
	assert.Len(t, records, 1)
}

func TestMarkPresentValidation(t *testing.T) {
	recorder := NewRecorder(testStops, NewMemoryRepository(), nil, WithDriverRoutes(driverRoutes{"D1": "R1"}))
	ctx := context.Background()

	_, err := recorder.MarkPresent(ctx, parent, "RIDER1", "S404", today)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = recorder.MarkPresent(ctx, parent, "", "S1", today)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	student := ctdf.Identity{UserID: "RIDER2", Role: ctdf.RoleStudent}
	_, err = recorder.MarkPresent(ctx, student, "RIDER1", "S1", today)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)

	_, err = recorder.MarkPresent(ctx, student, "RIDER2", "S1", today)
	assert.NoError(t, err)

	driver := ctdf.Identity{UserID: "D1", Role: ctdf.RoleDriver}
	_, err = recorder.MarkPresent(ctx, driver, "RIDER3", "S2", today)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)

	_, err = recorder.MarkPresent(ctx, driver, "RIDER3", "S1", today)
	assert.NoError(t, err)
}

func TestMarkPresentPrecheckCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	precheck := cache.New[string](redisstore.NewRedis(client, store.WithExpiration(time.Hour)))

	repository := NewMemoryRepository()
	recorder := NewRecorder(testStops, repository, nil, WithPrecheckCache(precheck))
	ctx := context.Background()

	_, err := recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today)
	require.NoError(t, err)
	assert.True(t, server.Exists("attendance:RIDER1:S1:2024-09-02"))

	_, err = recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateRecord)

	// Storage stays authoritative when the cache has been flushed
	server.FlushAll()
	_, err = recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateRecord)
	assert.True(t, server.Exists("attendance:RIDER1:S1:2024-09-02"))
}

func TestPostgresRepository(t *testing.T) {
	connection := os.Getenv("SCHOOLBUS_TEST_POSTGRES_CONNECTION")
	if connection == "" {
		t.Skip("SCHOOLBUS_TEST_POSTGRES_CONNECTION not set")
	}

	db, err := gorm.Open(postgres.Open(connection), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec("DROP TABLE IF EXISTS attendance").Error)

	repository, err := NewPostgresRepository(db)
	require.NoError(t, err)

	recorder := NewRecorder(testStops, repository, nil)
	ctx := context.Background()

	_, err = recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today)
	require.NoError(t, err)

	_, err = recorder.MarkPresent(ctx, parent, "RIDER1", "S1", today)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateRecord)

	records, err := recorder.ListForStop(ctx, "S1", today)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "RIDER1", records[0].RiderRef)
}
