package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// conferenceRoomRepo implements ConferenceRoomRepository.
type conferenceRoomRepo struct {
	db *DB
}

// NewConferenceRoomRepository creates a new ConferenceRoomRepository.
func NewConferenceRoomRepository(db *DB) ConferenceRoomRepository {
	return &conferenceRoomRepo{db: db}
}

// Create inserts a conference room.
func (r *conferenceRoomRepo) Create(ctx context.Context, room *models.ConferenceRoom) error {
	if room.Status == "" {
		room.Status = "active"
	}
	room.CreatedAt = time.Now().UTC()

	id, err := insertReturningID(ctx, r.db,
		`INSERT INTO conference_rooms (organization_id, name, room_code, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		room.OrganizationID, room.Name, room.RoomCode, room.Status, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting conference room: %w", err)
	}
	room.ID = id
	return nil
}

// GetByID returns a conference room within an organization.
func (r *conferenceRoomRepo) GetByID(ctx context.Context, orgID, id int64) (*models.ConferenceRoom, error) {
	var c models.ConferenceRoom
	err := r.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, room_code, status, created_at
		 FROM conference_rooms WHERE organization_id = ? AND id = ?`, orgID, id,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.RoomCode, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conference room: %w", err)
	}
	return &c, nil
}
