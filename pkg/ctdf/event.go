package ctdf

import (
	"fmt"
	"time"
)

type Event struct {
	PrimaryIdentifier string `groups:"basic"`

	Type    EventType  `groups:"basic"`
	Scope   EventScope `groups:"basic"`
	Message string     `groups:"basic"`

	StopRef    string `groups:"basic"`
	RouteRef   string `groups:"basic"`
	VehicleRef string `groups:"basic"`
	TripRef    string `groups:"detailed"`

	DelayMinutes int `groups:"basic"`

	CreationDateTime time.Time `groups:"basic"`

	// Instance that first published the event, used by relays to avoid loops
	Origin string `groups:"internal"`

	// Per recipient read flag, populated from receipts and never stored on the event itself
	Read bool `groups:"basic" bson:"-"`
}

type EventType string

const (
	EventTypeArrival     EventType = "Arrival"
	EventTypeDeparture   EventType = "Departure"
	EventTypeDelay       EventType = "Delay"
	EventTypeTripStarted EventType = "TripStarted"
	EventTypeSystem      EventType = "System"
)

type EventScope string

const (
	EventScopeStop      EventScope = "Stop"
	EventScopeRoute     EventScope = "Route"
	EventScopeBroadcast EventScope = "Broadcast"
)

// IsPushable reports whether rider facing push notifications should be generated
func (e *Event) IsPushable() bool {
	switch e.Type {
	case EventTypeArrival, EventTypeDeparture, EventTypeDelay, EventTypeTripStarted:
		return true
	default:
		return false
	}
}

func (e *Event) GetNotificationData() EventNotificationData {
	eventNotificationData := EventNotificationData{
		Message: e.Message,
	}

	switch e.Type {
	case EventTypeArrival:
		eventNotificationData.Title = "Bus arrived"
	case EventTypeDeparture:
		eventNotificationData.Title = "Bus departed"
	case EventTypeDelay:
		eventNotificationData.Title = "Bus delayed"
		if eventNotificationData.Message == "" {
			eventNotificationData.Message = fmt.Sprintf("The bus is running %d minutes late", e.DelayMinutes)
		}
	case EventTypeTripStarted:
		eventNotificationData.Title = "Trip started"
	default:
		eventNotificationData.Title = "Update"
	}

	return eventNotificationData
}

type EventNotificationData struct {
	Title   string
	Message string
}
