package ctdf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationDistance(t *testing.T) {
	a := NewLocation(51.5007, -0.1246)
	b := NewLocation(51.5033, -0.1196)

	distance := a.Distance(b)
	assert.InDelta(t, 450, distance, 20)
	assert.InDelta(t, distance, b.Distance(a), 0.0001)
	assert.Equal(t, 0.0, a.Distance(a))
}

func TestLocationUnset(t *testing.T) {
	a := NewLocation(51.5, -0.12)

	assert.True(t, math.IsInf(a.Distance(Location{}), 1))
	assert.False(t, Location{}.IsSet())
	assert.Equal(t, 51.5, a.Latitude())
	assert.Equal(t, -0.12, a.Longitude())
}

func TestEventNotificationData(t *testing.T) {
	event := Event{Type: EventTypeDelay, DelayMinutes: 12}

	data := event.GetNotificationData()
	assert.Equal(t, "Bus delayed", data.Title)
	assert.Equal(t, "The bus is running 12 minutes late", data.Message)

	assert.True(t, event.IsPushable())
	assert.False(t, (&Event{Type: EventTypeSystem}).IsPushable())
}
