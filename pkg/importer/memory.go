package importer

import (
	"github.com/travigo/schoolbus/pkg/attendance"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
)

// Seeded holds the in-process repositories built from a dataset for memory storage runs
type Seeded struct {
	Dataset  *Dataset
	Vehicles *vehiclelocation.MemoryRepository
	Riders   *attendance.MemoryRiderRepository
}

// Seed validates the dataset found in directory and loads it into memory repositories
func Seed(directory string) (*Seeded, error) {
	dataset, err := LoadDirectory(directory)
	if err != nil {
		return nil, err
	}
	if err := dataset.Validate(); err != nil {
		return nil, err
	}

	return dataset.Seed(), nil
}

func (d *Dataset) Seed() *Seeded {
	riders := attendance.NewMemoryRiderRepository()
	for _, rider := range d.Riders {
		riders.Put(rider)
	}

	return &Seeded{
		Dataset:  d,
		Vehicles: vehiclelocation.NewMemoryRepository(d.Vehicles...),
		Riders:   riders,
	}
}
