package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/util"
)

type staticLookup map[string]string

func (s staticLookup) ScheduledArrival(stopID string) (time.Time, bool) {
	value, ok := s[stopID]
	if !ok {
		return time.Time{}, false
	}
	parsed, err := util.ParseTimeOfDay(value)
	return parsed, err == nil
}

func TestClassify(t *testing.T) {
	scheduled := time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		observed time.Time
		status   ctdf.ScheduleStatus
		delay    int
	}{
		{"early", scheduled.Add(-3 * time.Minute), ctdf.ScheduleStatusOnTime, 0},
		{"exact", scheduled, ctdf.ScheduleStatusOnTime, 0},
		{"seconds late", scheduled.Add(40 * time.Second), ctdf.ScheduleStatusDelayed, 0},
		{"twelve minutes", scheduled.Add(12 * time.Minute), ctdf.ScheduleStatusDelayed, 12},
		{"truncated", scheduled.Add(12*time.Minute + 59*time.Second), ctdf.ScheduleStatusDelayed, 12},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			classification := Classify(scheduled, test.observed)
			assert.Equal(t, test.status, classification.Status)
			assert.Equal(t, test.delay, classification.DelayMinutes)
			assert.GreaterOrEqual(t, classification.DelayMinutes, 0)
		})
	}
}

func TestClassifyMonotonic(t *testing.T) {
	scheduled := time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)

	previous := -1
	for offset := -10 * time.Minute; offset <= 30*time.Minute; offset += 17 * time.Second {
		classification := Classify(scheduled, scheduled.Add(offset))
		assert.GreaterOrEqual(t, classification.DelayMinutes, previous)
		previous = classification.DelayMinutes
	}
}

func TestClassifyStop(t *testing.T) {
	london, _ := time.LoadLocation("Europe/London")
	evaluator := NewEvaluator(staticLookup{"S1": "07:30"}, WithLocation(london))

	observed := time.Date(2024, 9, 2, 7, 42, 0, 0, london)
	classification := evaluator.ClassifyStop("S1", observed)

	assert.Equal(t, ctdf.ScheduleStatusDelayed, classification.Status)
	assert.Equal(t, 12, classification.DelayMinutes)
	assert.False(t, classification.UsedDefault)
	assert.Equal(t, time.Date(2024, 9, 2, 7, 30, 0, 0, london), classification.ScheduledTime)

	// A UTC observation is bound to the local calendar date
	classification = evaluator.ClassifyStop("S1", observed.UTC())
	assert.Equal(t, 12, classification.DelayMinutes)
}

func TestClassifyStopDefaultTime(t *testing.T) {
	defaultTime, _ := util.ParseTimeOfDay("08:15")
	evaluator := NewEvaluator(staticLookup{}, WithDefaultTime(defaultTime))

	observed := time.Date(2024, 9, 2, 8, 10, 0, 0, time.UTC)
	classification := evaluator.ClassifyStop("S404", observed)

	assert.True(t, classification.UsedDefault)
	assert.Equal(t, ctdf.ScheduleStatusOnTime, classification.Status)

	classification = NewEvaluator(staticLookup{}).ClassifyStop("S404", observed)
	assert.Equal(t, ctdf.ScheduleStatusDelayed, classification.Status)
	assert.Equal(t, 10, classification.DelayMinutes)
}
