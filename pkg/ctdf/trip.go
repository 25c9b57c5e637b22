package ctdf

import "time"

type Trip struct {
	PrimaryIdentifier string `groups:"basic"`

	VehicleRef string `groups:"basic"`
	RouteRef   string `groups:"basic"`
	DriverRef  string `groups:"detailed"`

	State TripState `groups:"basic"`

	StartTime time.Time `groups:"basic"`
	EndTime   time.Time `groups:"basic"`

	CompletedStops int `groups:"basic"`
	TotalStops     int `groups:"basic"`

	// Index of the next unvisited stop in route sequence order
	NextStopIndex int `groups:"internal"`

	ModificationDateTime time.Time `groups:"detailed"`
}

type TripState string

const (
	TripStateIdle       TripState = "Idle"
	TripStateInProgress TripState = "InProgress"
	TripStateCompleted  TripState = "Completed"
)
