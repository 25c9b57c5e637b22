package routeindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/util"
	"golang.org/x/exp/slices"
)

// Source loads the reference data the index is built from
type Source interface {
	LoadRoutes(ctx context.Context) ([]*ctdf.Route, error)
	LoadStops(ctx context.Context) ([]*ctdf.Stop, error)
	LoadSchedules(ctx context.Context) ([]*ctdf.ScheduleEntry, error)
}

// Index is an in-memory, read-mostly view of routes, their ordered stops and schedules.
// Refresh swaps in a complete new snapshot so readers never observe a partial load.
type Index struct {
	source Source

	mu       sync.RWMutex
	snapshot *snapshot
}

type snapshot struct {
	routes     map[string]*ctdf.Route
	stops      map[string]*ctdf.Stop
	routeStops map[string][]*ctdf.Stop
	schedules  map[string]time.Time

	loadedAt time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		routes:     map[string]*ctdf.Route{},
		stops:      map[string]*ctdf.Stop{},
		routeStops: map[string][]*ctdf.Stop{},
		schedules:  map[string]time.Time{},
	}
}

func New(source Source) *Index {
	return &Index{
		source:   source,
		snapshot: emptySnapshot(),
	}
}

func (i *Index) Refresh(ctx context.Context) error {
	routes, err := i.source.LoadRoutes(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	stops, err := i.source.LoadStops(ctx)
	if err != nil {
		return fmt.Errorf("load stops: %w", err)
	}
	schedules, err := i.source.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	next := build(routes, stops, schedules)
	next.loadedAt = time.Now()

	i.mu.Lock()
	i.snapshot = next
	i.mu.Unlock()

	log.Info().
		Int("routes", len(next.routes)).
		Int("stops", len(next.stops)).
		Int("schedules", len(next.schedules)).
		Msg("Route index refreshed")

	return nil
}

// Run refreshes the index on an interval until the context is cancelled
func (i *Index) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to refresh route index, keeping previous snapshot")
			}
		}
	}
}

func build(routes []*ctdf.Route, stops []*ctdf.Stop, schedules []*ctdf.ScheduleEntry) *snapshot {
	next := emptySnapshot()

	for _, route := range routes {
		next.routes[route.PrimaryIdentifier] = route
	}

	// Sorting by identifier first makes the winner of a sequence clash deterministic
	sortedStops := slices.Clone(stops)
	slices.SortFunc(sortedStops, func(a, b *ctdf.Stop) int {
		if a.PrimaryIdentifier < b.PrimaryIdentifier {
			return -1
		} else if a.PrimaryIdentifier > b.PrimaryIdentifier {
			return 1
		}
		return 0
	})

	usedSequences := map[string]map[int]string{}
	for _, stop := range sortedStops {
		next.stops[stop.PrimaryIdentifier] = stop

		if stop.RouteRef == "" {
			continue
		}

		if usedSequences[stop.RouteRef] == nil {
			usedSequences[stop.RouteRef] = map[int]string{}
		}
		if existing, clash := usedSequences[stop.RouteRef][stop.Sequence]; clash {
			log.Error().
				Str("route", stop.RouteRef).
				Int("sequence", stop.Sequence).
				Str("stop", stop.PrimaryIdentifier).
				Str("kept", existing).
				Msg("Duplicate stop sequence on route, ignoring stop for ordering")
			continue
		}
		usedSequences[stop.RouteRef][stop.Sequence] = stop.PrimaryIdentifier

		next.routeStops[stop.RouteRef] = append(next.routeStops[stop.RouteRef], stop)
	}

	for _, routeStops := range next.routeStops {
		sort.SliceStable(routeStops, func(a, b int) bool {
			return routeStops[a].Sequence < routeStops[b].Sequence
		})
	}

	for _, entry := range schedules {
		scheduled, err := util.ParseTimeOfDay(entry.ScheduledArrival)
		if err != nil {
			log.Warn().Err(err).Str("stop", entry.StopRef).Msg("Ignoring schedule entry")
			continue
		}

		// Several entries for one stop resolve to the earliest time of day
		if existing, ok := next.schedules[entry.StopRef]; !ok || scheduled.Before(existing) {
			next.schedules[entry.StopRef] = scheduled
		}
	}

	return next
}

func (i *Index) current() *snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshot
}

func (i *Index) GetRoute(routeID string) (*ctdf.Route, error) {
	route, ok := i.current().routes[routeID]
	if !ok {
		return nil, apperrors.NotFound("route %s", routeID)
	}
	return route, nil
}

func (i *Index) GetStop(stopID string) (*ctdf.Stop, error) {
	stop, ok := i.current().stops[stopID]
	if !ok {
		return nil, apperrors.NotFound("stop %s", stopID)
	}
	return stop, nil
}

// StopsForRoute returns the route's stops ordered by sequence
func (i *Index) StopsForRoute(routeID string) ([]*ctdf.Stop, error) {
	current := i.current()

	if _, ok := current.routes[routeID]; !ok {
		return nil, apperrors.NotFound("route %s", routeID)
	}

	return slices.Clone(current.routeStops[routeID]), nil
}

// ScheduledArrival returns the canonical time of day for a stop, on the zero date
func (i *Index) ScheduledArrival(stopID string) (time.Time, bool) {
	scheduled, ok := i.current().schedules[stopID]
	return scheduled, ok
}

func (i *Index) Routes() []*ctdf.Route {
	current := i.current()

	routes := make([]*ctdf.Route, 0, len(current.routes))
	for _, route := range current.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(a, b int) bool {
		return routes[a].PrimaryIdentifier < routes[b].PrimaryIdentifier
	})

	return routes
}

func (i *Index) LoadedAt() time.Time {
	return i.current().loadedAt
}
