package ctdf

import "math"

const earthRadiusMeters = 6371000.0

// Location is a GeoJSON point, coordinates are stored as [longitude, latitude]
type Location struct {
	Type        string    `json:"-" groups:"basic"`
	Coordinates []float64 `json:"coordinates" groups:"basic"`
}

func NewLocation(latitude float64, longitude float64) Location {
	return Location{
		Type:        "Point",
		Coordinates: []float64{longitude, latitude},
	}
}

func (l Location) IsSet() bool {
	return len(l.Coordinates) == 2
}

func (l Location) Latitude() float64 {
	if !l.IsSet() {
		return 0
	}
	return l.Coordinates[1]
}

func (l Location) Longitude() float64 {
	if !l.IsSet() {
		return 0
	}
	return l.Coordinates[0]
}

// Distance returns the great-circle distance in metres between two points
func (l Location) Distance(other Location) float64 {
	if !l.IsSet() || !other.IsSet() {
		return math.Inf(1)
	}

	lat1 := l.Latitude() * math.Pi / 180
	lat2 := other.Latitude() * math.Pi / 180
	deltaLat := (other.Latitude() - l.Latitude()) * math.Pi / 180
	deltaLon := (other.Longitude() - l.Longitude()) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
