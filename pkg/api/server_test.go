package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/attendance"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/notify"
	"github.com/travigo/schoolbus/pkg/routeindex"
	"github.com/travigo/schoolbus/pkg/schedule"
	"github.com/travigo/schoolbus/pkg/tracking"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
	"google.golang.org/protobuf/proto"
)

var (
	driver  = ctdf.Identity{UserID: "driver-1", Role: ctdf.RoleDriver}
	parent  = ctdf.Identity{UserID: "parent-1", Role: ctdf.RoleParent}
	manager = ctdf.Identity{UserID: "manager-1", Role: ctdf.RoleManager}
	system  = ctdf.Identity{UserID: "avl-feed", Role: ctdf.RoleSystem}
)

func newTestServices(t *testing.T) *Services {
	t.Helper()

	index := routeindex.New(&routeindex.MemorySource{
		Routes: []*ctdf.Route{
			{PrimaryIdentifier: "R1", Name: "Morning run", Status: ctdf.RouteStatusActive},
		},
		Stops: []*ctdf.Stop{
			{PrimaryIdentifier: "S1", RouteRef: "R1", Sequence: 1, PrimaryName: "High Street", Location: ctdf.NewLocation(51.500, -0.100)},
			{PrimaryIdentifier: "S2", RouteRef: "R1", Sequence: 2, PrimaryName: "School", Location: ctdf.NewLocation(51.520, -0.100)},
		},
		Schedules: []*ctdf.ScheduleEntry{
			{StopRef: "S1", ScheduledArrival: "07:30"},
		},
	})
	require.NoError(t, index.Refresh(context.Background()))

	store := vehiclelocation.NewStore(vehiclelocation.NewMemoryRepository(
		&ctdf.Vehicle{PrimaryIdentifier: "V1", LicensePlate: "AB12 CDE", TrackingEnabled: true},
	))
	dispatcher := notify.NewDispatcher()
	t.Cleanup(dispatcher.Close)

	orchestrator := tracking.NewOrchestrator(store, index, schedule.NewEvaluator(index), tracking.NewMemoryTripRepository(), dispatcher)
	recorder := attendance.NewRecorder(index, attendance.NewMemoryRepository(), attendance.NewMemoryRiderRepository(),
		attendance.WithPublisher(dispatcher),
		attendance.WithDriverRoutes(orchestrator),
	)

	return &Services{
		Index:        index,
		Store:        store,
		Dispatcher:   dispatcher,
		Orchestrator: orchestrator,
		Recorder:     recorder,
		Inbox:        notify.NewMemoryInbox(),
		Targets:      &notify.MemoryTargetRepository{},
	}
}

func newTestApp(t *testing.T) (*fiber.App, *Services) {
	services := newTestServices(t)
	return NewApp(services, HeaderIdentity()), services
}

func call(t *testing.T, app *fiber.App, method string, path string, identity *ctdf.Identity, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if identity != nil {
		req.Header.Set(headerIdentityUser, identity.UserID)
		req.Header.Set(headerIdentityRole, string(identity.Role))
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, responseBody
}

func decode(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()

	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	return decoded
}

func decodeList(t *testing.T, body []byte) []interface{} {
	t.Helper()

	decoded := []interface{}{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	return decoded
}

func TestIdentityRequired(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := call(t, app, http.MethodPost, "/core/trips", nil, map[string]string{"vehicle": "V1", "route": "R1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/core/routes", nil)
	req.Header.Set(headerIdentityUser, "someone")
	req.Header.Set(headerIdentityRole, "Headteacher")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// reference data stays public
	status, _ = call(t, app, http.MethodGet, "/core/routes", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestTripAndPositionFlow(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := call(t, app, http.MethodPost, "/core/trips", &parent, map[string]string{"vehicle": "V1", "route": "R1"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := call(t, app, http.MethodPost, "/core/trips", &driver, map[string]string{"vehicle": "V1", "route": "R1"})
	require.Equal(t, http.StatusCreated, status, string(body))
	trip := decode(t, body)
	assert.Equal(t, "InProgress", trip["State"])
	assert.Equal(t, "driver-1", trip["DriverRef"])
	assert.NotContains(t, trip, "NextStopIndex")

	status, _ = call(t, app, http.MethodPost, "/core/trips", &driver, map[string]string{"vehicle": "V1", "route": "R1"})
	assert.Equal(t, http.StatusConflict, status)

	arrivedAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	status, body = call(t, app, http.MethodPost, "/core/vehicles/V1/position", &driver, map[string]interface{}{
		"latitude": 51.500, "longitude": -0.100, "recordedAt": arrivedAt,
	})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Empty(t, decode(t, body)["Events"])

	status, body = call(t, app, http.MethodPost, "/core/vehicles/V1/position", &driver, map[string]interface{}{
		"latitude": 51.500, "longitude": -0.100, "recordedAt": arrivedAt.Add(6 * time.Second),
	})
	require.Equal(t, http.StatusOK, status, string(body))
	events := decode(t, body)["Events"].([]interface{})
	require.NotEmpty(t, events)
	assert.Equal(t, "Arrival", events[0].(map[string]interface{})["Type"])
	assert.Equal(t, "S1", events[0].(map[string]interface{})["StopRef"])

	status, _ = call(t, app, http.MethodPost, "/core/vehicles/V1/position", &driver, map[string]interface{}{
		"latitude": 51.500, "longitude": -0.100, "recordedAt": arrivedAt.Add(-time.Minute),
	})
	assert.Equal(t, http.StatusAccepted, status)

	status, body = call(t, app, http.MethodGet, "/core/vehicles/active?route=R1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	vehicles := decodeList(t, body)
	require.Len(t, vehicles, 1)
	vehicle := vehicles[0].(map[string]interface{})
	assert.Equal(t, "V1", vehicle["PrimaryIdentifier"])
	assert.NotContains(t, vehicle, "TrackingEnabled")

	status, body = call(t, app, http.MethodGet, "/core/trips/active", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeList(t, body), 1)

	status, _ = call(t, app, http.MethodPost, "/core/trips/V1/end", &parent, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = call(t, app, http.MethodPost, "/core/trips/V1/end", &driver, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "Completed", decode(t, body)["State"])

	status, _ = call(t, app, http.MethodPost, "/core/trips/V1/end", &driver, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestPositionValidation(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := call(t, app, http.MethodPost, "/core/vehicles/V1/position", &driver, map[string]interface{}{
		"latitude": 123.0, "longitude": -0.100,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, app, http.MethodPost, "/core/vehicles/UNKNOWN/position", &driver, map[string]interface{}{
		"latitude": 51.5, "longitude": -0.100,
	})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, app, http.MethodGet, "/core/vehicles/UNKNOWN", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestVehicleTrackingToggle(t *testing.T) {
	app, services := newTestApp(t)

	status, _ := call(t, app, http.MethodPut, "/core/vehicles/V1/tracking", &driver, map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, app, http.MethodPut, "/core/vehicles/V1/tracking", &manager, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, status)

	vehicle, err := services.Store.GetVehicle(context.Background(), "V1")
	require.NoError(t, err)
	assert.False(t, vehicle.TrackingEnabled)
}

func TestAttendance(t *testing.T) {
	app, _ := newTestApp(t)

	mark := map[string]string{"rider": "RIDER1", "stop": "S1", "date": "2024-09-02"}

	status, body := call(t, app, http.MethodPost, "/core/attendance", &parent, mark)
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Equal(t, "2024-09-02", decode(t, body)["Date"])

	status, body = call(t, app, http.MethodPost, "/core/attendance", &parent, mark)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AlreadyRecorded", decode(t, body)["status"])

	status, _ = call(t, app, http.MethodPost, "/core/attendance", &parent, map[string]string{"rider": "RIDER1", "stop": "S404"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, app, http.MethodPost, "/core/attendance", &parent, map[string]string{"rider": "RIDER1", "stop": "S1", "date": "02/09/2024"})
	assert.Equal(t, http.StatusBadRequest, status)

	// the driver is not operating R1 yet
	status, _ = call(t, app, http.MethodPost, "/core/attendance", &driver, map[string]string{"rider": "RIDER2", "stop": "S1"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, app, http.MethodGet, "/core/attendance/stops/S1?date=2024-09-02", &parent, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = call(t, app, http.MethodGet, "/core/attendance/stops/S1?date=2024-09-02", &manager, nil)
	require.Equal(t, http.StatusOK, status)
	records := decodeList(t, body)
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].(map[string]interface{}), "RecordedBy")

	status, body = call(t, app, http.MethodGet, "/core/attendance/riders/RIDER1", &parent, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeList(t, body), 1)
}

func TestReferenceRoutes(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := call(t, app, http.MethodGet, "/core/routes/R1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	route := decode(t, body)
	assert.Equal(t, "Morning run", route["Name"])
	stops := route["Stops"].([]interface{})
	require.Len(t, stops, 2)
	assert.Equal(t, "S1", stops[0].(map[string]interface{})["PrimaryIdentifier"])

	status, body = call(t, app, http.MethodGet, "/core/stops/S1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "07:30", decode(t, body)["ScheduledArrival"])

	status, _ = call(t, app, http.MethodGet, "/core/stops/S404", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, app, http.MethodGet, "/core/routes/R404", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventStream(t *testing.T) {
	app, services := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/core/events/stream?stop=S1&limit=1", nil)
	req.Header.Set(headerIdentityUser, parent.UserID)
	req.Header.Set(headerIdentityRole, string(parent.Role))

	responses := make(chan *http.Response, 1)
	go func() {
		resp, err := app.Test(req, -1)
		if err != nil {
			close(responses)
			return
		}
		responses <- resp
	}()

	require.Eventually(t, func() bool {
		return services.Dispatcher.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	services.Dispatcher.Publish(ctdf.Event{Type: ctdf.EventTypeArrival, Scope: ctdf.EventScopeStop, StopRef: "S2", Message: "elsewhere"})
	services.Dispatcher.Publish(ctdf.Event{Type: ctdf.EventTypeArrival, Scope: ctdf.EventScopeStop, StopRef: "S1", Message: "at high street"})

	var resp *http.Response
	select {
	case resp = <-responses:
		require.NotNil(t, resp)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not finish")
	}
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get(fiber.HeaderContentType))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: Arrival")
	assert.Contains(t, string(body), "at high street")
	assert.NotContains(t, string(body), "elsewhere")

	require.Eventually(t, func() bool {
		return services.Dispatcher.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEventStreamRejectsBadFilter(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := call(t, app, http.MethodGet, "/core/events/stream?filter=StopRef+%3D%3D", &parent, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestNotifications(t *testing.T) {
	app, services := newTestApp(t)

	event := services.Dispatcher.Publish(ctdf.Event{Type: ctdf.EventTypeDelay, Scope: ctdf.EventScopeRoute, RouteRef: "R1", Message: "running late"})
	require.NoError(t, services.Inbox.Save(context.Background(), event))

	status, body := call(t, app, http.MethodGet, "/core/notifications?route=R1", &parent, nil)
	require.Equal(t, http.StatusOK, status)
	notifications := decodeList(t, body)
	require.Len(t, notifications, 1)
	assert.Equal(t, false, notifications[0].(map[string]interface{})["Read"])

	status, _ = call(t, app, http.MethodPost, "/core/notifications/"+event.PrimaryIdentifier+"/read", &parent, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = call(t, app, http.MethodGet, "/core/notifications?route=R1", &parent, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, decodeList(t, body)[0].(map[string]interface{})["Read"])

	status, _ = call(t, app, http.MethodPost, "/core/notifications/unknown/read", &parent, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, app, http.MethodGet, "/core/notifications?since=yesterday", &parent, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestNotificationTokenRegistration(t *testing.T) {
	app, services := newTestApp(t)

	status, _ := call(t, app, http.MethodPost, "/core/account/notificationtoken", &parent, map[string]interface{}{
		"token": "device-1", "stops": []string{"S1"},
	})
	require.Equal(t, http.StatusOK, status)

	targets, err := services.Targets.TargetsForEvent(context.Background(), ctdf.Event{Scope: ctdf.EventScopeStop, StopRef: "S1"})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "parent-1", targets[0].UserID)

	status, _ = call(t, app, http.MethodPost, "/core/account/notificationtoken", &parent, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGTFSRealtimeFeed(t *testing.T) {
	app, services := newTestApp(t)

	recordedAt := time.Now().Add(-time.Minute).Truncate(time.Second)
	feed, err := proto.Marshal(&gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("1"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String("V1")},
					Position:  &gtfs.Position{Latitude: proto.Float32(51.51), Longitude: proto.Float32(-0.1)},
					Timestamp: proto.Uint64(uint64(recordedAt.Unix())),
				},
			},
			{
				Id: proto.String("2"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String("NOT-OURS")},
					Position:  &gtfs.Position{Latitude: proto.Float32(51.51), Longitude: proto.Float32(-0.1)},
					Timestamp: proto.Uint64(uint64(recordedAt.Unix())),
				},
			},
		},
	})
	require.NoError(t, err)

	post := func(identity ctdf.Identity, body []byte) (int, []byte) {
		req := httptest.NewRequest(http.MethodPost, "/core/feeds/gtfs-rt", bytes.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, "application/x-protobuf")
		req.Header.Set(headerIdentityUser, identity.UserID)
		req.Header.Set(headerIdentityRole, string(identity.Role))

		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()

		responseBody, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, responseBody
	}

	status, _ := post(parent, feed)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = post(system, []byte("not protobuf"))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := post(system, feed)
	require.Equal(t, http.StatusOK, status, string(body))
	result := decode(t, body)
	assert.Equal(t, float64(2), result["received"])
	assert.Equal(t, float64(1), result["applied"])

	vehicle, err := services.Store.GetVehicle(context.Background(), "V1")
	require.NoError(t, err)
	require.NotNil(t, vehicle.Position)
	assert.Equal(t, recordedAt.UTC(), vehicle.Position.RecordedAt)
}
