package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// extensionRepo implements ExtensionRepository.
type extensionRepo struct {
	db *DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *DB) ExtensionRepository {
	return &extensionRepo{db: db}
}

const extensionColumns = `id, organization_id, extension_number, type, status, user_id,
	 configuration, created_at, updated_at`

// Create inserts a new extension.
func (r *extensionRepo) Create(ctx context.Context, ext *models.Extension) error {
	if ext.Status == "" {
		ext.Status = "active"
	}
	cfg := string(ext.Configuration)
	if cfg == "" {
		cfg = "{}"
	}
	now := time.Now().UTC()
	ext.CreatedAt, ext.UpdatedAt = now, now

	id, err := insertReturningID(ctx, r.db,
		`INSERT INTO extensions (organization_id, extension_number, type, status, user_id,
		 configuration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ext.OrganizationID, ext.ExtensionNumber, ext.Type, ext.Status, ext.UserID,
		cfg, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting extension: %w", err)
	}
	ext.ID = id
	return nil
}

// GetByID returns an extension by ID within an organization.
func (r *extensionRepo) GetByID(ctx context.Context, orgID, id int64) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+`
		 FROM extensions WHERE organization_id = ? AND id = ?`, orgID, id,
	))
}

// GetByNumber returns an extension by its number within an organization,
// regardless of status or type.
func (r *extensionRepo) GetByNumber(ctx context.Context, orgID int64, number string) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+`
		 FROM extensions WHERE organization_id = ? AND extension_number = ?`, orgID, number,
	))
}

// UpdateStatus sets an extension's status.
func (r *extensionRepo) UpdateStatus(ctx context.Context, orgID, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE extensions SET status = ?, updated_at = ?
		 WHERE organization_id = ? AND id = ?`,
		status, time.Now().UTC(), orgID, id,
	)
	if err != nil {
		return fmt.Errorf("updating extension status: %w", err)
	}
	return nil
}

func (r *extensionRepo) scanOne(row *sql.Row) (*models.Extension, error) {
	var (
		e   models.Extension
		cfg string
	)
	err := row.Scan(&e.ID, &e.OrganizationID, &e.ExtensionNumber, &e.Type, &e.Status,
		&e.UserID, &cfg, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	e.Configuration = json.RawMessage(cfg)
	return &e, nil
}
