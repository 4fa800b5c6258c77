package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// didNumberRepo implements DidNumberRepository.
type didNumberRepo struct {
	db *DB
}

// NewDidNumberRepository creates a new DidNumberRepository.
func NewDidNumberRepository(db *DB) DidNumberRepository {
	return &didNumberRepo{db: db}
}

// Create inserts a new DID.
func (r *didNumberRepo) Create(ctx context.Context, did *models.DidNumber) error {
	if did.Status == "" {
		did.Status = "active"
	}
	cfg := string(did.RoutingConfig)
	if cfg == "" {
		cfg = "{}"
	}
	now := time.Now().UTC()
	did.CreatedAt, did.UpdatedAt = now, now

	id, err := insertReturningID(ctx, r.db,
		`INSERT INTO did_numbers (organization_id, phone_number, routing_type, routing_config,
		 status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		did.OrganizationID, did.PhoneNumber, did.RoutingType, cfg, did.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting did number: %w", err)
	}
	did.ID = id
	return nil
}

// GetByNumber returns a DID owned by orgID, regardless of status.
func (r *didNumberRepo) GetByNumber(ctx context.Context, orgID int64, number string) (*models.DidNumber, error) {
	var (
		d   models.DidNumber
		cfg string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, organization_id, phone_number, routing_type, routing_config, status,
		 created_at, updated_at
		 FROM did_numbers WHERE organization_id = ? AND phone_number = ?`, orgID, number,
	).Scan(&d.ID, &d.OrganizationID, &d.PhoneNumber, &d.RoutingType, &cfg, &d.Status,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning did number: %w", err)
	}
	d.RoutingConfig = json.RawMessage(cfg)
	return &d, nil
}
