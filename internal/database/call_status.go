package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// callStatusRepo implements CallStatusRepository.
type callStatusRepo struct {
	db *DB
}

// NewCallStatusRepository creates a new CallStatusRepository.
func NewCallStatusRepository(db *DB) CallStatusRepository {
	return &callStatusRepo{db: db}
}

// Create records a call status event.
func (r *callStatusRepo) Create(ctx context.Context, ev *models.CallStatusEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	id, err := insertReturningID(ctx, r.db,
		`INSERT INTO call_status_events (organization_id, call_id, status, received_at)
		 VALUES (?, ?, ?, ?)`,
		ev.OrganizationID, ev.CallID, ev.Status, ev.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call status event: %w", err)
	}
	ev.ID = id
	return nil
}

// ListByCall returns a call's status events in arrival order.
func (r *callStatusRepo) ListByCall(ctx context.Context, orgID int64, callID string) ([]models.CallStatusEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, organization_id, call_id, status, received_at
		 FROM call_status_events
		 WHERE organization_id = ? AND call_id = ?
		 ORDER BY id`, orgID, callID)
	if err != nil {
		return nil, fmt.Errorf("querying call status events: %w", err)
	}
	defer rows.Close()

	var events []models.CallStatusEvent
	for rows.Next() {
		var e models.CallStatusEvent
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.CallID, &e.Status, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning call status event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
