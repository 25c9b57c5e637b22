package ctdf

import "time"

const AttendanceDateFormat = "2006-01-02"

type AttendanceRecord struct {
	PrimaryIdentifier string `groups:"basic"`

	RiderRef string `groups:"basic"`
	StopRef  string `groups:"basic"`
	RouteRef string `groups:"basic"`

	// Calendar date in YYYY-MM-DD, one record per rider, stop and date
	Date string `groups:"basic"`

	RecordedBy string `groups:"internal"`

	CreationDateTime time.Time `groups:"basic"`
}

type Rider struct {
	PrimaryIdentifier string `groups:"basic"`

	Name string `groups:"basic"`

	// Advisory pointer to the stop the rider last boarded at
	CurrentStopRef string `groups:"basic"`

	ModificationDateTime time.Time `groups:"detailed"`
}
