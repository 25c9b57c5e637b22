package importer

import (
	"fmt"
	"strings"

	"github.com/paulcager/osgridref"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

type RouteRecord struct {
	ID          string `csv:"route_id"`
	Name        string `csv:"route_name"`
	Description string `csv:"route_desc"`
	Status      string `csv:"status"`
}

func (r RouteRecord) ToCTDF() *ctdf.Route {
	status := ctdf.RouteStatusActive
	if strings.EqualFold(r.Status, string(ctdf.RouteStatusInactive)) {
		status = ctdf.RouteStatusInactive
	}

	return &ctdf.Route{
		PrimaryIdentifier: r.ID,
		Name:              r.Name,
		Description:       r.Description,
		Status:            status,
	}
}

type StopRecord struct {
	ID        string  `csv:"stop_id"`
	RouteID   string  `csv:"route_id"`
	Sequence  int     `csv:"stop_sequence"`
	Name      string  `csv:"stop_name"`
	Address   string  `csv:"stop_address"`
	Latitude  float64 `csv:"stop_lat"`
	Longitude float64 `csv:"stop_lon"`

	// British National Grid, used when stop_lat and stop_lon are blank
	Easting  string `csv:"stop_easting"`
	Northing string `csv:"stop_northing"`
}

func (s StopRecord) ToCTDF() (*ctdf.Stop, error) {
	latitude, longitude := s.Latitude, s.Longitude

	if (latitude == 0 || longitude == 0) && s.Easting != "" && s.Northing != "" {
		gridRef, err := osgridref.ParseOsGridRef(fmt.Sprintf("%s,%s", s.Easting, s.Northing))
		if err != nil {
			return nil, apperrors.InvalidInput("stop %s has an invalid grid reference: %v", s.ID, err)
		}
		latitude, longitude = gridRef.ToLatLon()
	}

	return &ctdf.Stop{
		PrimaryIdentifier: s.ID,
		RouteRef:          s.RouteID,
		Sequence:          s.Sequence,
		PrimaryName:       s.Name,
		Address:           s.Address,
		Location:          ctdf.NewLocation(latitude, longitude),
	}, nil
}

type ScheduleRecord struct {
	StopID      string `csv:"stop_id"`
	ArrivalTime string `csv:"arrival_time"`
}

func (s ScheduleRecord) ToCTDF() *ctdf.ScheduleEntry {
	return &ctdf.ScheduleEntry{
		StopRef:          s.StopID,
		ScheduledArrival: s.ArrivalTime,
	}
}

type VehicleRecord struct {
	ID              string `csv:"vehicle_id"`
	LicensePlate    string `csv:"license_plate"`
	Model           string `csv:"model"`
	Capacity        int    `csv:"capacity"`
	RouteID         string `csv:"route_id"`
	TrackingEnabled string `csv:"tracking_enabled"`
}

func (v VehicleRecord) ToCTDF() *ctdf.Vehicle {
	// Vehicles are tracked unless explicitly switched off
	trackingEnabled := true
	switch strings.ToLower(strings.TrimSpace(v.TrackingEnabled)) {
	case "0", "false", "no", "n":
		trackingEnabled = false
	}

	return &ctdf.Vehicle{
		PrimaryIdentifier: v.ID,
		LicensePlate:      v.LicensePlate,
		Model:             v.Model,
		Capacity:          v.Capacity,
		RouteRef:          v.RouteID,
		TrackingEnabled:   trackingEnabled,
	}
}

type RiderRecord struct {
	ID   string `csv:"rider_id"`
	Name string `csv:"rider_name"`
}

func (r RiderRecord) ToCTDF() *ctdf.Rider {
	return &ctdf.Rider{
		PrimaryIdentifier: r.ID,
		Name:              r.Name,
	}
}
