package tracking

import (
	"time"

	"github.com/travigo/schoolbus/pkg/ctdf"
)

type DetectionConfig struct {
	ArrivalRadiusMeters float64
	// Time a vehicle must remain inside the radius before an arrival counts
	MinDwell time.Duration
	// Time a vehicle must remain outside the radius before a departure counts
	MinExit time.Duration
}

var DefaultDetectionConfig = DetectionConfig{
	ArrivalRadiusMeters: 50,
	MinDwell:            5 * time.Second,
	MinExit:             10 * time.Second,
}

type transitionKind int

const (
	transitionArrival transitionKind = iota
	transitionDeparture
)

type transition struct {
	kind      transitionKind
	stopIndex int
	// When the vehicle first crossed the radius boundary
	at time.Time
}

// tripProgress walks a trip along its ordered stops. The cursor only moves forward,
// so stops behind it can never produce another arrival in the same trip.
type tripProgress struct {
	trip  *ctdf.Trip
	stops []*ctdf.Stop

	cursor int

	// Stop the vehicle has arrived at and not yet left, -1 when between stops
	current  int
	exitedAt time.Time

	// Stop the vehicle is inside the radius of but not yet confirmed, -1 when none
	candidate int
	enteredAt time.Time

	// Last delay reported per stop index
	reportedDelay map[int]int
}

func newTripProgress(trip *ctdf.Trip, stops []*ctdf.Stop) *tripProgress {
	cursor := trip.NextStopIndex
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(stops) {
		cursor = len(stops)
	}

	return &tripProgress{
		trip:      trip,
		stops:     stops,
		cursor:    cursor,
		current:   -1,
		candidate: -1,

		reportedDelay: map[int]int{},
	}
}

// nearestAhead finds the closest not yet visited stop within the radius
func (p *tripProgress) nearestAhead(location ctdf.Location, radius float64) int {
	nearest := -1
	nearestDistance := radius

	for i := p.cursor; i < len(p.stops); i++ {
		distance := location.Distance(p.stops[i].Location)
		if distance <= nearestDistance {
			nearest = i
			nearestDistance = distance
		}
	}

	return nearest
}

// observe feeds one accepted fix through the arrival and departure debounce and returns
// the transitions it confirmed, in order. Inside the current stop's radius a later stop
// that is closer than the current one is still considered, so stops nearer to each
// other than the radius hand over without leaving the first radius.
func (p *tripProgress) observe(location ctdf.Location, at time.Time, config DetectionConfig) []transition {
	var transitions []transition

	if p.current >= 0 {
		currentDistance := location.Distance(p.stops[p.current].Location)
		if currentDistance <= config.ArrivalRadiusMeters {
			p.exitedAt = time.Time{}

			ahead := p.nearestAhead(location, config.ArrivalRadiusMeters)
			if ahead < 0 || location.Distance(p.stops[ahead].Location) >= currentDistance {
				p.candidate = -1
				p.enteredAt = time.Time{}
				return nil
			}

			arrival, ok := p.dwell(ahead, at, config)
			if !ok {
				return nil
			}
			departure := transition{kind: transitionDeparture, stopIndex: p.current, at: arrival.at}
			return []transition{departure, p.arrive(arrival)}
		}

		if p.exitedAt.IsZero() {
			p.exitedAt = at
		}
		if at.Sub(p.exitedAt) < config.MinExit {
			return nil
		}

		transitions = append(transitions, transition{kind: transitionDeparture, stopIndex: p.current, at: p.exitedAt})
		p.current = -1
		p.exitedAt = time.Time{}
	}

	nearest := p.nearestAhead(location, config.ArrivalRadiusMeters)
	if nearest < 0 {
		p.candidate = -1
		p.enteredAt = time.Time{}
		return transitions
	}

	arrival, ok := p.dwell(nearest, at, config)
	if !ok {
		return transitions
	}

	return append(transitions, p.arrive(arrival))
}

// dwell tracks how long the vehicle has stayed near stopIndex and reports the arrival once
// it has been there for the minimum dwell
func (p *tripProgress) dwell(stopIndex int, at time.Time, config DetectionConfig) (transition, bool) {
	if stopIndex != p.candidate {
		p.candidate = stopIndex
		p.enteredAt = at
	}
	if at.Sub(p.enteredAt) < config.MinDwell {
		return transition{}, false
	}
	return transition{kind: transitionArrival, stopIndex: stopIndex, at: p.enteredAt}, true
}

func (p *tripProgress) arrive(arrival transition) transition {
	p.trip.CompletedStops++
	p.cursor = arrival.stopIndex + 1
	p.trip.NextStopIndex = p.cursor
	p.current = arrival.stopIndex
	p.exitedAt = time.Time{}
	p.candidate = -1
	p.enteredAt = time.Time{}
	return arrival
}

func (p *tripProgress) stopIndex(stopID string) int {
	for i, stop := range p.stops {
		if stop.PrimaryIdentifier == stopID {
			return i
		}
	}
	return -1
}
