package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// ivrMenuRepo implements IvrMenuRepository.
type ivrMenuRepo struct {
	db *DB
}

// NewIvrMenuRepository creates a new IvrMenuRepository.
func NewIvrMenuRepository(db *DB) IvrMenuRepository {
	return &ivrMenuRepo{db: db}
}

// Create inserts an IVR menu and its options.
func (r *ivrMenuRepo) Create(ctx context.Context, menu *models.IvrMenu) error {
	if menu.Status == "" {
		menu.Status = "active"
	}
	if menu.MaxTurns == 0 {
		menu.MaxTurns = 3
	}
	if menu.TimeoutSeconds == 0 {
		menu.TimeoutSeconds = 5
	}
	if menu.FailoverDestination == "" {
		menu.FailoverDestination = "hangup"
	}
	now := time.Now().UTC()
	menu.CreatedAt, menu.UpdatedAt = now, now

	return r.db.WithTx(ctx, func(tx *Tx) error {
		id, err := insertReturningID(ctx, tx,
			`INSERT INTO ivr_menus (organization_id, name, prompt, max_turns, timeout_seconds,
			 failover_destination, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			menu.OrganizationID, menu.Name, menu.Prompt, menu.MaxTurns, menu.TimeoutSeconds,
			menu.FailoverDestination, menu.Status, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting ivr menu: %w", err)
		}
		menu.ID = id

		for _, o := range menu.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ivr_menu_options (menu_id, input_digits, destination_type,
				 destination_id, priority)
				 VALUES (?, ?, ?, ?, ?)`,
				id, o.InputDigits, o.DestinationType, o.DestinationID, o.Priority,
			); err != nil {
				return fmt.Errorf("inserting ivr menu option: %w", err)
			}
		}
		return nil
	})
}

// GetByID returns an IVR menu with options ordered by priority.
func (r *ivrMenuRepo) GetByID(ctx context.Context, orgID, id int64) (*models.IvrMenu, error) {
	var m models.IvrMenu
	err := r.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, prompt, max_turns, timeout_seconds,
		 failover_destination, status, created_at, updated_at
		 FROM ivr_menus WHERE organization_id = ? AND id = ?`, orgID, id,
	).Scan(&m.ID, &m.OrganizationID, &m.Name, &m.Prompt, &m.MaxTurns, &m.TimeoutSeconds,
		&m.FailoverDestination, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ivr menu: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT input_digits, destination_type, destination_id, priority
		 FROM ivr_menu_options WHERE menu_id = ?
		 ORDER BY priority, input_digits`, m.ID)
	if err != nil {
		return nil, fmt.Errorf("querying ivr menu options: %w", err)
	}
	defer rows.Close()

	m.Options = []models.IvrMenuOption{}
	for rows.Next() {
		var o models.IvrMenuOption
		if err := rows.Scan(&o.InputDigits, &o.DestinationType, &o.DestinationID, &o.Priority); err != nil {
			return nil, fmt.Errorf("scanning ivr menu option: %w", err)
		}
		m.Options = append(m.Options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ivr menu options: %w", err)
	}
	return &m, nil
}
