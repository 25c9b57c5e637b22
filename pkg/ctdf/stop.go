package ctdf

import "time"

type Stop struct {
	PrimaryIdentifier string `groups:"basic"`

	CreationDateTime     time.Time `groups:"detailed"`
	ModificationDateTime time.Time `groups:"detailed"`

	RouteRef string `groups:"basic"`
	Sequence int    `groups:"basic"`

	PrimaryName string   `groups:"basic"`
	Address     string   `groups:"detailed"`
	Location    Location `groups:"basic"`
}

type ScheduleEntry struct {
	StopRef string `groups:"basic"`

	// Time of day formatted as HH:MM or HH:MM:SS, repeating daily
	ScheduledArrival string `groups:"basic"`
}

type ScheduleStatus string

const (
	ScheduleStatusUnknown ScheduleStatus = ""
	ScheduleStatusOnTime  ScheduleStatus = "OnTime"
	ScheduleStatusDelayed ScheduleStatus = "Delayed"
)
