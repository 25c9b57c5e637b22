package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type attendanceRow struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)"`
	RiderRef   string    `gorm:"not null;uniqueIndex:idx_attendance_rider_stop_date;type:varchar(128)"`
	StopRef    string    `gorm:"not null;uniqueIndex:idx_attendance_rider_stop_date;index:idx_attendance_stop_date;type:varchar(128)"`
	Date       string    `gorm:"not null;uniqueIndex:idx_attendance_rider_stop_date;index:idx_attendance_stop_date;type:varchar(10)"`
	RouteRef   string    `gorm:"type:varchar(128)"`
	RecordedBy string    `gorm:"type:varchar(128)"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (attendanceRow) TableName() string {
	return "attendance"
}

func (r attendanceRow) record() *ctdf.AttendanceRecord {
	return &ctdf.AttendanceRecord{
		PrimaryIdentifier: r.ID,
		RiderRef:          r.RiderRef,
		StopRef:           r.StopRef,
		RouteRef:          r.RouteRef,
		Date:              r.Date,
		RecordedBy:        r.RecordedBy,
		CreationDateTime:  r.CreatedAt,
	}
}

// PostgresRepository enforces uniqueness with a constraint and ON CONFLICT DO NOTHING
type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) (*PostgresRepository, error) {
	if err := db.AutoMigrate(&attendanceRow{}); err != nil {
		return nil, apperrors.Storage("migrate", "attendance", err)
	}
	return &PostgresRepository{db: db}, nil
}

func (p *PostgresRepository) InsertIfAbsent(ctx context.Context, record *ctdf.AttendanceRecord) error {
	row := attendanceRow{
		ID:         record.PrimaryIdentifier,
		RiderRef:   record.RiderRef,
		StopRef:    record.StopRef,
		Date:       record.Date,
		RouteRef:   record.RouteRef,
		RecordedBy: record.RecordedBy,
		CreatedAt:  record.CreationDateTime,
	}

	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return apperrors.Storage("insert", record.RiderRef, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("attendance for %s at %s on %s: %w", record.RiderRef, record.StopRef, record.Date, apperrors.ErrDuplicateRecord)
	}

	return nil
}

func (p *PostgresRepository) ListForStop(ctx context.Context, stopID string, date string) ([]*ctdf.AttendanceRecord, error) {
	return p.find(ctx, "stop_ref = ? AND date = ?", stopID, date)
}

func (p *PostgresRepository) ListForRider(ctx context.Context, riderID string) ([]*ctdf.AttendanceRecord, error) {
	return p.find(ctx, "rider_ref = ?", riderID)
}

func (p *PostgresRepository) find(ctx context.Context, query string, args ...interface{}) ([]*ctdf.AttendanceRecord, error) {
	var rows []attendanceRow

	err := p.db.WithContext(ctx).
		Where(query, args...).
		Order("date DESC").
		Order("rider_ref ASC").
		Limit(500).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Storage("find", "attendance", err)
	}

	records := make([]*ctdf.AttendanceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}

	return records, nil
}
