package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/routeindex"
	"github.com/travigo/schoolbus/pkg/util"
	"golang.org/x/net/html/charset"
)

// Dataset is a set of reference data for one school transport network
type Dataset struct {
	Routes    []*ctdf.Route
	Stops     []*ctdf.Stop
	Schedules []*ctdf.ScheduleEntry
	Vehicles  []*ctdf.Vehicle
	Riders    []*ctdf.Rider
}

type datasetFile struct {
	name     string
	required bool
}

var datasetFiles = []datasetFile{
	{name: "routes.csv", required: true},
	{name: "stops.csv", required: true},
	{name: "schedules.csv"},
	{name: "vehicles.csv"},
	{name: "riders.csv"},
}

func init() {
	// Allow us to ignore rows with trailing empty columns
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		return r
	})
}

type loadOptions struct {
	encoding string
}

type LoadOption func(*loadOptions)

// WithEncoding decodes the files from a character set other than UTF-8, eg. windows-1252
func WithEncoding(label string) LoadOption {
	return func(o *loadOptions) {
		o.encoding = label
	}
}

func LoadDirectory(path string, opts ...LoadOption) (*Dataset, error) {
	return LoadFS(os.DirFS(path), opts...)
}

// LoadFS parses the dataset CSV files found at the root of fsys.
// routes.csv and stops.csv must exist, everything else is optional.
func LoadFS(fsys fs.FS, opts ...LoadOption) (*Dataset, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var (
		routeRecords    []RouteRecord
		stopRecords     []StopRecord
		scheduleRecords []ScheduleRecord
		vehicleRecords  []VehicleRecord
		riderRecords    []RiderRecord
	)

	destinations := map[string]interface{}{
		"routes.csv":    &routeRecords,
		"stops.csv":     &stopRecords,
		"schedules.csv": &scheduleRecords,
		"vehicles.csv":  &vehicleRecords,
		"riders.csv":    &riderRecords,
	}

	for _, file := range datasetFiles {
		fileReader, err := fsys.Open(file.name)
		if errors.Is(err, fs.ErrNotExist) && !file.required {
			log.Debug().Str("file", file.name).Msg("Optional dataset file missing")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file.name, err)
		}

		log.Info().Str("file", file.name).Msg("Loading file")

		var reader io.Reader = fileReader
		if options.encoding != "" {
			reader, err = charset.NewReaderLabel(options.encoding, fileReader)
			if err != nil {
				fileReader.Close()
				return nil, apperrors.InvalidInput("unsupported encoding %q", options.encoding)
			}
		}

		err = gocsv.Unmarshal(reader, destinations[file.name])
		fileReader.Close()
		if err != nil {
			return nil, apperrors.InvalidInput("parse %s: %v", file.name, err)
		}
	}

	dataset := &Dataset{}
	for _, record := range routeRecords {
		dataset.Routes = append(dataset.Routes, record.ToCTDF())
	}
	for _, record := range stopRecords {
		stop, err := record.ToCTDF()
		if err != nil {
			return nil, err
		}
		dataset.Stops = append(dataset.Stops, stop)
	}
	for _, record := range scheduleRecords {
		dataset.Schedules = append(dataset.Schedules, record.ToCTDF())
	}
	for _, record := range vehicleRecords {
		dataset.Vehicles = append(dataset.Vehicles, record.ToCTDF())
	}
	for _, record := range riderRecords {
		dataset.Riders = append(dataset.Riders, record.ToCTDF())
	}

	return dataset, nil
}

// Validate reports every problem found in the dataset rather than stopping at the first
func (d *Dataset) Validate() error {
	var problems []error
	problem := func(format string, args ...interface{}) {
		problems = append(problems, apperrors.InvalidInput(format, args...))
	}

	routes := map[string]bool{}
	for _, route := range d.Routes {
		if strings.TrimSpace(route.PrimaryIdentifier) == "" {
			problem("route with empty identifier")
			continue
		}
		if routes[route.PrimaryIdentifier] {
			problem("duplicate route %s", route.PrimaryIdentifier)
		}
		routes[route.PrimaryIdentifier] = true
	}

	stops := map[string]bool{}
	sequences := map[string]map[int]string{}
	for _, stop := range d.Stops {
		if strings.TrimSpace(stop.PrimaryIdentifier) == "" {
			problem("stop with empty identifier on route %s", stop.RouteRef)
			continue
		}
		if stops[stop.PrimaryIdentifier] {
			problem("duplicate stop %s", stop.PrimaryIdentifier)
		}
		stops[stop.PrimaryIdentifier] = true

		if !routes[stop.RouteRef] {
			problem("stop %s references unknown route %s", stop.PrimaryIdentifier, stop.RouteRef)
		}

		if sequences[stop.RouteRef] == nil {
			sequences[stop.RouteRef] = map[int]string{}
		}
		if existing, exists := sequences[stop.RouteRef][stop.Sequence]; exists {
			problem("stops %s and %s share sequence %d on route %s", existing, stop.PrimaryIdentifier, stop.Sequence, stop.RouteRef)
		} else {
			sequences[stop.RouteRef][stop.Sequence] = stop.PrimaryIdentifier
		}

		latitude := stop.Location.Latitude()
		longitude := stop.Location.Longitude()
		if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
			problem("stop %s has invalid coordinates %f,%f", stop.PrimaryIdentifier, latitude, longitude)
		}
	}

	for _, entry := range d.Schedules {
		if !stops[entry.StopRef] {
			problem("schedule references unknown stop %s", entry.StopRef)
		}
		if _, err := util.ParseTimeOfDay(entry.ScheduledArrival); err != nil {
			problem("schedule for stop %s has invalid time %q", entry.StopRef, entry.ScheduledArrival)
		}
	}

	vehicles := map[string]bool{}
	for _, vehicle := range d.Vehicles {
		if strings.TrimSpace(vehicle.PrimaryIdentifier) == "" {
			problem("vehicle with empty identifier")
			continue
		}
		if vehicles[vehicle.PrimaryIdentifier] {
			problem("duplicate vehicle %s", vehicle.PrimaryIdentifier)
		}
		vehicles[vehicle.PrimaryIdentifier] = true

		if vehicle.RouteRef != "" && !routes[vehicle.RouteRef] {
			problem("vehicle %s references unknown route %s", vehicle.PrimaryIdentifier, vehicle.RouteRef)
		}
	}

	riders := map[string]bool{}
	for _, rider := range d.Riders {
		if riders[rider.PrimaryIdentifier] {
			problem("duplicate rider %s", rider.PrimaryIdentifier)
		}
		riders[rider.PrimaryIdentifier] = true
	}

	return errors.Join(problems...)
}

// Source serves the dataset to the route index without going through a database
func (d *Dataset) Source() *routeindex.MemorySource {
	return &routeindex.MemorySource{
		Routes:    d.Routes,
		Stops:     d.Stops,
		Schedules: d.Schedules,
	}
}

type Summary struct {
	Routes    int
	Stops     int
	Schedules int
	Vehicles  int
	Riders    int

	StopsPerRoute map[string]int
}

func (d *Dataset) Summary() Summary {
	summary := Summary{
		Routes:        len(d.Routes),
		Stops:         len(d.Stops),
		Schedules:     len(d.Schedules),
		Vehicles:      len(d.Vehicles),
		Riders:        len(d.Riders),
		StopsPerRoute: map[string]int{},
	}

	for _, stop := range d.Stops {
		summary.StopsPerRoute[stop.RouteRef]++
	}

	return summary
}

// RouteIdentifiers is used for stable output in the CLI
func (d *Dataset) RouteIdentifiers() []string {
	identifiers := make([]string, 0, len(d.Routes))
	for _, route := range d.Routes {
		identifiers = append(identifiers, route.PrimaryIdentifier)
	}
	sort.Strings(identifiers)
	return identifiers
}
