package ctdf

import "time"

type Vehicle struct {
	PrimaryIdentifier string `groups:"basic"`

	CreationDateTime     time.Time `groups:"detailed"`
	ModificationDateTime time.Time `groups:"detailed"`

	LicensePlate string `groups:"basic"`
	Model        string `groups:"detailed"`
	Capacity     int    `groups:"detailed"`

	TrackingEnabled bool `groups:"internal"`

	Position    *VehiclePosition `groups:"basic"`
	LastUpdated time.Time        `groups:"basic"`

	RouteRef     string         `groups:"basic"`
	Status       ScheduleStatus `groups:"basic"`
	DelayMinutes int            `groups:"basic"`
}

type VehiclePosition struct {
	Location   Location  `groups:"basic"`
	Speed      *float64  `groups:"basic"`
	Heading    *float64  `groups:"basic"`
	RecordedAt time.Time `groups:"basic"`
}

// IsActive reports whether the vehicle belongs in the live map
func (v *Vehicle) IsActive() bool {
	return v.TrackingEnabled && v.Position != nil
}
