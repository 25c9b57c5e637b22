package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

func TestExpressionPredicate(t *testing.T) {
	predicate, err := Expression(`Type == "Delay" && DelayMinutes >= 10`)
	require.NoError(t, err)

	assert.True(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeDelay, DelayMinutes: 12}))
	assert.False(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeDelay, DelayMinutes: 4}))
	assert.False(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeArrival, DelayMinutes: 12}))
}

func TestExpressionPredicateRejectsInvalid(t *testing.T) {
	_, err := Expression(`Unknown == 1`)
	assert.Error(t, err)

	_, err = Expression(`DelayMinutes + 1`)
	assert.Error(t, err)
}

func TestPredicateQueryBuild(t *testing.T) {
	predicate, err := PredicateQuery{
		StopRefs:  []string{"S1", "S1"},
		RouteRefs: []string{"R2"},
		Types:     []ctdf.EventType{ctdf.EventTypeArrival},
	}.Build()
	require.NoError(t, err)

	assert.True(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeArrival, Scope: ctdf.EventScopeStop, StopRef: "S1"}))
	assert.True(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeArrival, Scope: ctdf.EventScopeRoute, RouteRef: "R2"}))
	assert.False(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeArrival, Scope: ctdf.EventScopeStop, StopRef: "S9"}))
	assert.False(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeDeparture, Scope: ctdf.EventScopeStop, StopRef: "S1"}))
}

func TestEmptyPredicateQueryMatchesEverything(t *testing.T) {
	predicate, err := PredicateQuery{}.Build()
	require.NoError(t, err)

	assert.True(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeSystem}))
}

func TestForVehicle(t *testing.T) {
	predicate := And(ForVehicle("V1"), OfType(ctdf.EventTypeArrival))

	assert.True(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeArrival, VehicleRef: "V1"}))
	assert.False(t, predicate.Match(&ctdf.Event{Type: ctdf.EventTypeArrival, VehicleRef: "V2"}))
}
