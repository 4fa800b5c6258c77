package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// ringGroupRepo implements RingGroupRepository.
type ringGroupRepo struct {
	db *DB
}

// NewRingGroupRepository creates a new RingGroupRepository.
func NewRingGroupRepository(db *DB) RingGroupRepository {
	return &ringGroupRepo{db: db}
}

// Create inserts a ring group and its members in one transaction.
func (r *ringGroupRepo) Create(ctx context.Context, rg *models.RingGroup) error {
	if rg.Status == "" {
		rg.Status = "active"
	}
	if rg.RingTurns == 0 {
		rg.RingTurns = 1
	}
	if rg.FallbackAction == "" {
		rg.FallbackAction = "hangup"
	}
	now := time.Now().UTC()
	rg.CreatedAt, rg.UpdatedAt = now, now

	return r.db.WithTx(ctx, func(tx *Tx) error {
		id, err := insertReturningID(ctx, tx,
			`INSERT INTO ring_groups (organization_id, name, strategy, timeout_seconds, ring_turns,
			 fallback_action, fallback_target_id, status, rotation_index, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			rg.OrganizationID, rg.Name, rg.Strategy, rg.TimeoutSeconds, rg.RingTurns,
			rg.FallbackAction, rg.FallbackTargetID, rg.Status, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting ring group: %w", err)
		}
		rg.ID = id

		for _, m := range rg.Members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ring_group_members (ring_group_id, extension_id, priority)
				 VALUES (?, ?, ?)`,
				id, m.ExtensionID, m.Priority,
			); err != nil {
				return fmt.Errorf("inserting ring group member: %w", err)
			}
		}
		return nil
	})
}

// GetByID returns a ring group with its members ordered by priority. Member
// extensions from another organization are never joined in.
func (r *ringGroupRepo) GetByID(ctx context.Context, orgID, id int64) (*models.RingGroup, error) {
	var g models.RingGroup
	err := r.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, strategy, timeout_seconds, ring_turns,
		 fallback_action, fallback_target_id, status, created_at, updated_at
		 FROM ring_groups WHERE organization_id = ? AND id = ?`, orgID, id,
	).Scan(&g.ID, &g.OrganizationID, &g.Name, &g.Strategy, &g.TimeoutSeconds, &g.RingTurns,
		&g.FallbackAction, &g.FallbackTargetID, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ring group: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT m.extension_id, m.priority, e.extension_number, e.type, e.status, e.organization_id
		 FROM ring_group_members m
		 JOIN extensions e ON e.id = m.extension_id
		 WHERE m.ring_group_id = ? AND e.organization_id = ?
		 ORDER BY m.priority`, g.ID, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying ring group members: %w", err)
	}
	defer rows.Close()

	g.Members = []models.RingGroupMember{}
	for rows.Next() {
		var m models.RingGroupMember
		if err := rows.Scan(&m.ExtensionID, &m.Priority, &m.ExtensionNumber,
			&m.ExtensionType, &m.ExtensionStatus, &m.ExtensionOrgID); err != nil {
			return nil, fmt.Errorf("scanning ring group member: %w", err)
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ring group members: %w", err)
	}
	return &g, nil
}

// AdvanceRotation increments rotation_index modulo size and returns the
// previous value.
func (r *ringGroupRepo) AdvanceRotation(ctx context.Context, orgID, id int64, size int) (int, error) {
	if size < 1 {
		size = 1
	}
	var next int
	err := r.db.QueryRowContext(ctx,
		`UPDATE ring_groups SET rotation_index = (rotation_index + 1) % ?
		 WHERE organization_id = ? AND id = ?
		 RETURNING rotation_index`, size, orgID, id,
	).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("ring group %d not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("advancing ring group rotation: %w", err)
	}
	return (next - 1 + size) % size, nil
}
