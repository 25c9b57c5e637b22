package vehiclelocation

import (
	"time"

	"github.com/travigo/schoolbus/pkg/ctdf"
)

// ChangeDetectionConfig holds thresholds for deciding when a position is worth writing to storage
type ChangeDetectionConfig struct {
	// Minimum distance in meters before writing a location update
	MinLocationChangeMeters float64
	// Force a write after this duration even if the vehicle has barely moved
	MaxTimeBetweenWrites time.Duration
}

var DefaultChangeDetectionConfig = ChangeDetectionConfig{
	MinLocationChangeMeters: 25.0,
	MaxTimeBetweenWrites:    time.Minute,
}

type writeState struct {
	written        bool
	lastWrite      time.Time
	lastLocation   ctdf.Location
	readModelDirty bool
}

// shouldWrite determines if a new fix is significant enough to write to storage
func (w *writeState) shouldWrite(newLocation ctdf.Location, currentTime time.Time, config ChangeDetectionConfig) (bool, string) {
	if !w.written {
		return true, "first_write"
	}

	if w.readModelDirty {
		return true, "read_model_changed"
	}

	if currentTime.Sub(w.lastWrite) >= config.MaxTimeBetweenWrites {
		return true, "max_time_exceeded"
	}

	if newLocation.IsSet() && w.lastLocation.IsSet() {
		if w.lastLocation.Distance(newLocation) >= config.MinLocationChangeMeters {
			return true, "location_changed"
		}
	} else if newLocation.IsSet() != w.lastLocation.IsSet() {
		return true, "location_type_changed"
	}

	return false, "no_significant_changes"
}

func (w *writeState) markWritten(location ctdf.Location, currentTime time.Time) {
	w.written = true
	w.lastWrite = currentTime
	w.lastLocation = location
	w.readModelDirty = false
}
