package database

import (
	"context"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// Every method that reads or writes tenant data takes the organization id
// explicitly and filters on it. Lookups return nil, nil when nothing matches.

// OrganizationRepository manages tenants.
type OrganizationRepository interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id int64) (*models.Organization, error)
	GetByDomain(ctx context.Context, domain string) (*models.Organization, error)
}

// ExtensionRepository manages tenant extensions.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, orgID, id int64) (*models.Extension, error)
	GetByNumber(ctx context.Context, orgID int64, number string) (*models.Extension, error)
	UpdateStatus(ctx context.Context, orgID, id int64, status string) error
}

// DidNumberRepository manages tenant-owned phone numbers.
type DidNumberRepository interface {
	Create(ctx context.Context, did *models.DidNumber) error
	GetByNumber(ctx context.Context, orgID int64, number string) (*models.DidNumber, error)
}

// RingGroupRepository manages ring groups and their members.
type RingGroupRepository interface {
	Create(ctx context.Context, rg *models.RingGroup) error
	GetByID(ctx context.Context, orgID, id int64) (*models.RingGroup, error)
	// AdvanceRotation atomically increments the group's round robin offset
	// modulo size and returns the value it held before the increment.
	AdvanceRotation(ctx context.Context, orgID, id int64, size int) (int, error)
}

// ScheduleRepository manages business hours schedules.
type ScheduleRepository interface {
	Create(ctx context.Context, s *models.BusinessHoursSchedule) error
	GetByID(ctx context.Context, orgID, id int64) (*models.BusinessHoursSchedule, error)
	// GetActive returns the organization's active schedule with the lowest id.
	GetActive(ctx context.Context, orgID int64) (*models.BusinessHoursSchedule, error)
}

// IvrMenuRepository manages IVR menus and their options.
type IvrMenuRepository interface {
	Create(ctx context.Context, menu *models.IvrMenu) error
	GetByID(ctx context.Context, orgID, id int64) (*models.IvrMenu, error)
}

// ConferenceRoomRepository manages conference rooms.
type ConferenceRoomRepository interface {
	Create(ctx context.Context, room *models.ConferenceRoom) error
	GetByID(ctx context.Context, orgID, id int64) (*models.ConferenceRoom, error)
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, orgID int64, id string) (*models.CDR, error)
}

// CallStatusRepository records call status events.
type CallStatusRepository interface {
	Create(ctx context.Context, ev *models.CallStatusEvent) error
	ListByCall(ctx context.Context, orgID int64, callID string) ([]models.CallStatusEvent, error)
}
