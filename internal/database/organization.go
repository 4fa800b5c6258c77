package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// organizationRepo implements OrganizationRepository.
type organizationRepo struct {
	db *DB
}

// NewOrganizationRepository creates a new OrganizationRepository.
func NewOrganizationRepository(db *DB) OrganizationRepository {
	return &organizationRepo{db: db}
}

// Create inserts a new organization.
func (r *organizationRepo) Create(ctx context.Context, org *models.Organization) error {
	if org.Status == "" {
		org.Status = "active"
	}
	if org.Timezone == "" {
		org.Timezone = "UTC"
	}
	org.CreatedAt = time.Now().UTC()

	id, err := insertReturningID(ctx, r.db,
		`INSERT INTO organizations (name, domain, status, outbound_caller_id, timezone, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		org.Name, org.Domain, org.Status, org.OutboundCallerID, org.Timezone, org.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	org.ID = id
	return nil
}

// GetByID returns an organization by ID.
func (r *organizationRepo) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, domain, status, outbound_caller_id, timezone, created_at
		 FROM organizations WHERE id = ?`, id,
	))
}

// GetByDomain returns the organization that owns domain.
func (r *organizationRepo) GetByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, domain, status, outbound_caller_id, timezone, created_at
		 FROM organizations WHERE domain = ?`, domain,
	))
}

func (r *organizationRepo) scanOne(row *sql.Row) (*models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.Domain, &o.Status, &o.OutboundCallerID,
		&o.Timezone, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning organization: %w", err)
	}
	return &o, nil
}
