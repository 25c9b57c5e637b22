package notify

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/util"
)

type Predicate interface {
	Match(event *ctdf.Event) bool
}

type PredicateFunc func(event *ctdf.Event) bool

func (f PredicateFunc) Match(event *ctdf.Event) bool {
	return f(event)
}

func All() Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool { return true })
}

// ForStop matches events about the stop, plus broadcasts
func ForStop(stopID string) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		return event.Scope == ctdf.EventScopeBroadcast || event.StopRef == stopID
	})
}

// ForRoute matches events on the route, plus broadcasts
func ForRoute(routeID string) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		return event.Scope == ctdf.EventScopeBroadcast || event.RouteRef == routeID
	})
}

func ForVehicle(vehicleID string) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		return event.VehicleRef == vehicleID
	})
}

// FromOrigin selects events first published by the given instance
func FromOrigin(origin string) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		return event.Origin == origin
	})
}

func OfType(types ...ctdf.EventType) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		for _, eventType := range types {
			if event.Type == eventType {
				return true
			}
		}
		return false
	})
}

// And matches when every predicate matches
func And(predicates ...Predicate) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		for _, predicate := range predicates {
			if !predicate.Match(event) {
				return false
			}
		}
		return true
	})
}

// Any matches when at least one predicate matches
func Any(predicates ...Predicate) Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		for _, predicate := range predicates {
			if predicate.Match(event) {
				return true
			}
		}
		return false
	})
}

// ExpressionEnv is the set of fields an expression predicate can reference
type ExpressionEnv struct {
	Type         string
	Scope        string
	Message      string
	StopRef      string
	RouteRef     string
	VehicleRef   string
	TripRef      string
	DelayMinutes int
}

func newExpressionEnv(event *ctdf.Event) ExpressionEnv {
	return ExpressionEnv{
		Type:         string(event.Type),
		Scope:        string(event.Scope),
		Message:      event.Message,
		StopRef:      event.StopRef,
		RouteRef:     event.RouteRef,
		VehicleRef:   event.VehicleRef,
		TripRef:      event.TripRef,
		DelayMinutes: event.DelayMinutes,
	}
}

type expressionPredicate struct {
	source  string
	program *vm.Program
}

// Expression compiles a boolean expression such as `Type == "Delay" && DelayMinutes >= 10`
func Expression(source string) (Predicate, error) {
	program, err := expr.Compile(source, expr.Env(ExpressionEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}

	return &expressionPredicate{source: source, program: program}, nil
}

func (p *expressionPredicate) Match(event *ctdf.Event) bool {
	result, err := expr.Run(p.program, newExpressionEnv(event))
	if err != nil {
		log.Debug().Err(err).Str("expression", p.source).Msg("Predicate evaluation failed")
		return false
	}

	matched, _ := result.(bool)
	return matched
}

// PredicateQuery is the subscriber facing description of a filter
type PredicateQuery struct {
	StopRefs   []string
	RouteRefs  []string
	VehicleRef string
	Types      []ctdf.EventType
	Expression string
}

// Build combines the query into one predicate. Stop and route filters are alternatives,
// types, vehicle and expression narrow the result.
func (q PredicateQuery) Build() (Predicate, error) {
	parts := []Predicate{}

	scopes := []Predicate{}
	for _, stopRef := range util.RemoveDuplicateStrings(q.StopRefs, nil) {
		scopes = append(scopes, ForStop(stopRef))
	}
	for _, routeRef := range util.RemoveDuplicateStrings(q.RouteRefs, nil) {
		scopes = append(scopes, ForRoute(routeRef))
	}
	if len(scopes) > 0 {
		parts = append(parts, Any(scopes...))
	}

	if q.VehicleRef != "" {
		parts = append(parts, ForVehicle(q.VehicleRef))
	}
	if len(q.Types) > 0 {
		parts = append(parts, OfType(q.Types...))
	}
	if q.Expression != "" {
		predicate, err := Expression(q.Expression)
		if err != nil {
			return nil, err
		}
		parts = append(parts, predicate)
	}

	if len(parts) == 0 {
		return All(), nil
	}
	return And(parts...), nil
}
