package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a new call detail record and assigns it a UUID.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	cdr.ID = uuid.NewString()
	if cdr.CreatedAt.IsZero() {
		cdr.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (id, organization_id, call_id, from_number, to_number, duration,
		 disposition, direction, recording_url, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.ID, cdr.OrganizationID, cdr.CallID, cdr.From, cdr.To, cdr.Duration,
		cdr.Disposition, cdr.Direction, cdr.RecordingURL, cdr.Cost, cdr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// GetByID returns a CDR within an organization.
func (r *cdrRepo) GetByID(ctx context.Context, orgID int64, id string) (*models.CDR, error) {
	var c models.CDR
	err := r.db.QueryRowContext(ctx,
		`SELECT id, organization_id, call_id, from_number, to_number, duration,
		 disposition, direction, recording_url, cost, created_at
		 FROM cdrs WHERE organization_id = ? AND id = ?`, orgID, id,
	).Scan(&c.ID, &c.OrganizationID, &c.CallID, &c.From, &c.To, &c.Duration,
		&c.Disposition, &c.Direction, &c.RecordingURL, &c.Cost, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}
