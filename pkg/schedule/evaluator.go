package schedule

import (
	"time"

	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/util"
)

type Classification struct {
	Status       ctdf.ScheduleStatus
	DelayMinutes int

	ScheduledTime time.Time
	ObservedTime  time.Time

	// Set when the stop had no schedule entry and the default time was used
	UsedDefault bool
}

func (c Classification) IsDelayed() bool {
	return c.Status == ctdf.ScheduleStatusDelayed
}

// Classify is on time iff observed is not after scheduled, otherwise delayed by whole minutes
func Classify(scheduled time.Time, observed time.Time) Classification {
	classification := Classification{
		Status:        ctdf.ScheduleStatusOnTime,
		ScheduledTime: scheduled,
		ObservedTime:  observed,
	}

	if observed.After(scheduled) {
		classification.Status = ctdf.ScheduleStatusDelayed
		classification.DelayMinutes = int(observed.Sub(scheduled) / time.Minute)
	}

	return classification
}

type Lookup interface {
	ScheduledArrival(stopID string) (time.Time, bool)
}

type Evaluator struct {
	lookup      Lookup
	defaultTime time.Time
	location    *time.Location
}

type Option func(*Evaluator)

// WithDefaultTime sets the time of day used for stops without a schedule entry
func WithDefaultTime(timeOfDay time.Time) Option {
	return func(e *Evaluator) {
		e.defaultTime = timeOfDay
	}
}

// WithLocation sets the timezone scheduled times of day are interpreted in
func WithLocation(location *time.Location) Option {
	return func(e *Evaluator) {
		e.location = location
	}
}

func NewEvaluator(lookup Lookup, opts ...Option) *Evaluator {
	defaultTime, _ := util.ParseTimeOfDay("08:00")

	evaluator := &Evaluator{
		lookup:      lookup,
		defaultTime: defaultTime,
		location:    time.UTC,
	}
	for _, opt := range opts {
		opt(evaluator)
	}

	return evaluator
}

// ScheduledTime binds the stop's time of day to the calendar date of the observation
func (e *Evaluator) ScheduledTime(stopID string, observed time.Time) (time.Time, bool) {
	timeOfDay, ok := e.lookup.ScheduledArrival(stopID)
	usedDefault := !ok
	if usedDefault {
		timeOfDay = e.defaultTime
	}

	return util.AddTimeToDate(observed.In(e.location), timeOfDay), usedDefault
}

func (e *Evaluator) ClassifyStop(stopID string, observed time.Time) Classification {
	scheduled, usedDefault := e.ScheduledTime(stopID, observed)

	classification := Classify(scheduled, observed)
	classification.UsedDefault = usedDefault

	return classification
}
