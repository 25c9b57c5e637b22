package ctdf

import "time"

type Route struct {
	PrimaryIdentifier string `groups:"basic"`

	CreationDateTime     time.Time `groups:"detailed"`
	ModificationDateTime time.Time `groups:"detailed"`

	Name        string      `groups:"basic"`
	Description string      `groups:"detailed"`
	Status      RouteStatus `groups:"basic"`

	VehicleRefs []string `groups:"detailed"`
}

type RouteStatus string

const (
	RouteStatusActive   RouteStatus = "Active"
	RouteStatusInactive RouteStatus = "Inactive"
)

func (r *Route) IsActive() bool {
	return r.Status != RouteStatusInactive
}
