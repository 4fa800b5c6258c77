package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

const scheduleColumns = `id, organization_id, name, timezone, status, open_hours_action,
	 closed_hours_action, created_at, updated_at`

// Create inserts a schedule with its days, exceptions and ranges.
func (r *scheduleRepo) Create(ctx context.Context, s *models.BusinessHoursSchedule) error {
	if s.Status == "" {
		s.Status = "active"
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	return r.db.WithTx(ctx, func(tx *Tx) error {
		id, err := insertReturningID(ctx, tx,
			`INSERT INTO business_hours_schedules (organization_id, name, timezone, status,
			 open_hours_action, closed_hours_action, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.OrganizationID, s.Name, s.Timezone, s.Status,
			s.OpenHoursAction, s.ClosedHoursAction, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting schedule: %w", err)
		}
		s.ID = id

		for _, d := range s.Days {
			dayID, err := insertReturningID(ctx, tx,
				`INSERT INTO schedule_days (schedule_id, day_of_week, enabled) VALUES (?, ?, ?)`,
				id, d.DayOfWeek, d.Enabled,
			)
			if err != nil {
				return fmt.Errorf("inserting schedule day: %w", err)
			}
			for i, tr := range d.Ranges {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO schedule_day_ranges (day_id, start_time, end_time, position)
					 VALUES (?, ?, ?, ?)`,
					dayID, tr.Start, tr.End, i,
				); err != nil {
					return fmt.Errorf("inserting schedule day range: %w", err)
				}
			}
		}

		for _, e := range s.Exceptions {
			excID, err := insertReturningID(ctx, tx,
				`INSERT INTO schedule_exceptions (schedule_id, exception_date, type) VALUES (?, ?, ?)`,
				id, e.Date, e.Type,
			)
			if err != nil {
				return fmt.Errorf("inserting schedule exception: %w", err)
			}
			for i, tr := range e.Ranges {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO schedule_exception_ranges (exception_id, start_time, end_time, position)
					 VALUES (?, ?, ?, ?)`,
					excID, tr.Start, tr.End, i,
				); err != nil {
					return fmt.Errorf("inserting schedule exception range: %w", err)
				}
			}
		}
		return nil
	})
}

// GetByID returns a schedule within an organization.
func (r *scheduleRepo) GetByID(ctx context.Context, orgID, id int64) (*models.BusinessHoursSchedule, error) {
	s, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+`
		 FROM business_hours_schedules WHERE organization_id = ? AND id = ?`, orgID, id,
	))
	if err != nil || s == nil {
		return s, err
	}
	return s, r.loadChildren(ctx, s)
}

// GetActive returns the active schedule with the lowest id.
func (r *scheduleRepo) GetActive(ctx context.Context, orgID int64) (*models.BusinessHoursSchedule, error) {
	s, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+`
		 FROM business_hours_schedules
		 WHERE organization_id = ? AND status = 'active'
		 ORDER BY id LIMIT 1`, orgID,
	))
	if err != nil || s == nil {
		return s, err
	}
	return s, r.loadChildren(ctx, s)
}

func (r *scheduleRepo) scanOne(row *sql.Row) (*models.BusinessHoursSchedule, error) {
	var s models.BusinessHoursSchedule
	err := row.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Timezone, &s.Status,
		&s.OpenHoursAction, &s.ClosedHoursAction, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}
	return &s, nil
}

// loadChildren fills Days and Exceptions. Each level is read with a single
// joined query so no two result sets are open at once.
func (r *scheduleRepo) loadChildren(ctx context.Context, s *models.BusinessHoursSchedule) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT d.id, d.day_of_week, d.enabled, rg.start_time, rg.end_time
		 FROM schedule_days d
		 LEFT JOIN schedule_day_ranges rg ON rg.day_id = d.id
		 WHERE d.schedule_id = ?
		 ORDER BY d.day_of_week, rg.position`, s.ID)
	if err != nil {
		return fmt.Errorf("querying schedule days: %w", err)
	}

	s.Days = []models.ScheduleDay{}
	var lastDay int64 = -1
	for rows.Next() {
		var (
			dayID      int64
			d          models.ScheduleDay
			start, end sql.NullString
		)
		if err := rows.Scan(&dayID, &d.DayOfWeek, &d.Enabled, &start, &end); err != nil {
			rows.Close()
			return fmt.Errorf("scanning schedule day: %w", err)
		}
		if dayID != lastDay {
			d.Ranges = []models.TimeRange{}
			s.Days = append(s.Days, d)
			lastDay = dayID
		}
		if start.Valid {
			cur := &s.Days[len(s.Days)-1]
			cur.Ranges = append(cur.Ranges, models.TimeRange{Start: start.String, End: end.String})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating schedule days: %w", err)
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT e.id, e.exception_date, e.type, rg.start_time, rg.end_time
		 FROM schedule_exceptions e
		 LEFT JOIN schedule_exception_ranges rg ON rg.exception_id = e.id
		 WHERE e.schedule_id = ?
		 ORDER BY e.exception_date, rg.position`, s.ID)
	if err != nil {
		return fmt.Errorf("querying schedule exceptions: %w", err)
	}
	defer rows.Close()

	s.Exceptions = []models.ScheduleException{}
	var lastExc int64 = -1
	for rows.Next() {
		var (
			excID      int64
			e          models.ScheduleException
			start, end sql.NullString
		)
		if err := rows.Scan(&excID, &e.Date, &e.Type, &start, &end); err != nil {
			return fmt.Errorf("scanning schedule exception: %w", err)
		}
		if excID != lastExc {
			s.Exceptions = append(s.Exceptions, e)
			lastExc = excID
		}
		if start.Valid {
			cur := &s.Exceptions[len(s.Exceptions)-1]
			cur.Ranges = append(cur.Ranges, models.TimeRange{Start: start.String, End: end.String})
		}
	}
	return rows.Err()
}
