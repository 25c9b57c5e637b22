package attendance

import (
	"context"
	"sort"
	"sync"

	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

type attendanceKey struct {
	rider string
	stop  string
	date  string
}

type MemoryRepository struct {
	mu      sync.Mutex
	records map[attendanceKey]*ctdf.AttendanceRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: map[attendanceKey]*ctdf.AttendanceRecord{}}
}

func (m *MemoryRepository) InsertIfAbsent(ctx context.Context, record *ctdf.AttendanceRecord) error {
	key := attendanceKey{rider: record.RiderRef, stop: record.StopRef, date: record.Date}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[key]; exists {
		return apperrors.ErrDuplicateRecord
	}

	stored := *record
	m.records[key] = &stored
	return nil
}

func (m *MemoryRepository) ListForStop(ctx context.Context, stopID string, date string) ([]*ctdf.AttendanceRecord, error) {
	return m.filter(func(record *ctdf.AttendanceRecord) bool {
		return record.StopRef == stopID && record.Date == date
	}), nil
}

func (m *MemoryRepository) ListForRider(ctx context.Context, riderID string) ([]*ctdf.AttendanceRecord, error) {
	return m.filter(func(record *ctdf.AttendanceRecord) bool {
		return record.RiderRef == riderID
	}), nil
}

func (m *MemoryRepository) filter(match func(*ctdf.AttendanceRecord) bool) []*ctdf.AttendanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := []*ctdf.AttendanceRecord{}
	for _, record := range m.records {
		if match(record) {
			copied := *record
			records = append(records, &copied)
		}
	}
	sortRecords(records)

	return records
}

func sortRecords(records []*ctdf.AttendanceRecord) {
	sort.Slice(records, func(a, b int) bool {
		if records[a].Date != records[b].Date {
			return records[a].Date > records[b].Date
		}
		return records[a].RiderRef < records[b].RiderRef
	})
}

type MemoryRiderRepository struct {
	mu     sync.Mutex
	riders map[string]*ctdf.Rider

	// Err is returned from UpdateCurrentStop when set
	Err error
}

func NewMemoryRiderRepository() *MemoryRiderRepository {
	return &MemoryRiderRepository{riders: map[string]*ctdf.Rider{}}
}

func (m *MemoryRiderRepository) Put(rider *ctdf.Rider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *rider
	m.riders[rider.PrimaryIdentifier] = &copied
}

func (m *MemoryRiderRepository) UpdateCurrentStop(ctx context.Context, riderID string, stopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return apperrors.Storage("update", riderID, m.Err)
	}

	rider, ok := m.riders[riderID]
	if !ok {
		rider = &ctdf.Rider{PrimaryIdentifier: riderID}
		m.riders[riderID] = rider
	}
	rider.CurrentStopRef = stopID

	return nil
}

func (m *MemoryRiderRepository) GetRider(riderID string) (*ctdf.Rider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rider, ok := m.riders[riderID]
	if !ok {
		return nil, false
	}
	copied := *rider
	return &copied, true
}
