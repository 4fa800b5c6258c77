package models

import (
	"encoding/json"
	"time"
)

// Organization is a tenant. Every other entity belongs to exactly one.
type Organization struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Domain           string    `json:"domain"`
	Status           string    `json:"status"`
	OutboundCallerID string    `json:"outbound_caller_id"`
	Timezone         string    `json:"timezone"`
	CreatedAt        time.Time `json:"created_at"`
}

// Extension is an addressable endpoint inside a tenant.
type Extension struct {
	ID              int64           `json:"id"`
	OrganizationID  int64           `json:"organization_id"`
	ExtensionNumber string          `json:"extension_number"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	UserID          *int64          `json:"user_id,omitempty"`
	Configuration   json.RawMessage `json:"configuration,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ExtensionConfig is the subset of Extension.Configuration read at call time.
type ExtensionConfig struct {
	// Target is an encoded routing target ("ring_group:4") for extensions
	// that front a ring group, IVR menu or conference room.
	Target      string `json:"target,omitempty"`
	Destination string `json:"destination,omitempty"`
	CallerID    string `json:"caller_id,omitempty"`
	RingTimeout int    `json:"ring_timeout,omitempty"`
}

// Config decodes the extension's configuration. Malformed configuration
// yields the zero value.
func (e *Extension) Config() ExtensionConfig {
	var c ExtensionConfig
	if len(e.Configuration) > 0 {
		_ = json.Unmarshal(e.Configuration, &c)
	}
	return c
}

// DidNumber is a tenant-owned phone number mapped to a routing target.
type DidNumber struct {
	ID             int64           `json:"id"`
	OrganizationID int64           `json:"organization_id"`
	PhoneNumber    string          `json:"phone_number"`
	RoutingType    string          `json:"routing_type"`
	RoutingConfig  json.RawMessage `json:"routing_config,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RingGroup rings a set of user extensions under a strategy.
type RingGroup struct {
	ID               int64             `json:"id"`
	OrganizationID   int64             `json:"organization_id"`
	Name             string            `json:"name"`
	Strategy         string            `json:"strategy"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	RingTurns        int               `json:"ring_turns"`
	FallbackAction   string            `json:"fallback_action"`
	FallbackTargetID *int64            `json:"fallback_target_id,omitempty"`
	Status           string            `json:"status"`
	Members          []RingGroupMember `json:"members"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// RingGroupMember is one extension in a ring group. Priority orders members
// for sequential and round robin strategies and is unique per group. The
// extension fields are joined in on read so eligibility can be decided
// without a lookup per member.
type RingGroupMember struct {
	ExtensionID     int64  `json:"extension_id"`
	Priority        int    `json:"priority"`
	ExtensionNumber string `json:"extension_number,omitempty"`
	ExtensionType   string `json:"extension_type,omitempty"`
	ExtensionStatus string `json:"extension_status,omitempty"`
	ExtensionOrgID  int64  `json:"extension_organization_id,omitempty"`
}

// BusinessHoursSchedule is a weekly schedule with date exceptions.
type BusinessHoursSchedule struct {
	ID                int64               `json:"id"`
	OrganizationID    int64               `json:"organization_id"`
	Name              string              `json:"name"`
	Timezone          string              `json:"timezone"`
	Status            string              `json:"status"`
	OpenHoursAction   string              `json:"open_hours_action"`
	ClosedHoursAction string              `json:"closed_hours_action"`
	Days              []ScheduleDay       `json:"days"`
	Exceptions        []ScheduleException `json:"exceptions"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ScheduleDay holds the ranges for one weekday (0 = Sunday).
type ScheduleDay struct {
	DayOfWeek int         `json:"day_of_week"`
	Enabled   bool        `json:"enabled"`
	Ranges    []TimeRange `json:"ranges"`
}

// ScheduleException overrides a single calendar date.
type ScheduleException struct {
	Date   string      `json:"date"` // YYYY-MM-DD
	Type   string      `json:"type"` // closed | special_hours
	Ranges []TimeRange `json:"ranges,omitempty"`
}

// TimeRange is a [Start, End) window in HH:MM local time.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// IvrMenu is a digit-driven menu.
type IvrMenu struct {
	ID                  int64           `json:"id"`
	OrganizationID      int64           `json:"organization_id"`
	Name                string          `json:"name"`
	Prompt              string          `json:"prompt"`
	MaxTurns            int             `json:"max_turns"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	FailoverDestination string          `json:"failover_destination"`
	Status              string          `json:"status"`
	Options             []IvrMenuOption `json:"options"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IvrMenuOption maps an input digit string to a destination.
type IvrMenuOption struct {
	InputDigits     string `json:"input_digits"`
	DestinationType string `json:"destination_type"`
	DestinationID   int64  `json:"destination_id"`
	Priority        int    `json:"priority"`
}

// ConferenceRoom is a tenant-owned conference bridge.
type ConferenceRoom struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	RoomCode       string    `json:"room_code"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// CDR is a call detail record posted by the signaling platform.
type CDR struct {
	ID             string    `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	CallID         string    `json:"call_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Duration       int       `json:"duration"`
	Disposition    string    `json:"disposition"`
	Direction      string    `json:"direction"`
	RecordingURL   string    `json:"recording_url,omitempty"`
	Cost           *float64  `json:"cost,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CallStatusEvent records a call-status webhook.
type CallStatusEvent struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	CallID         string    `json:"call_id"`
	Status         string    `json:"status"`
	ReceivedAt     time.Time `json:"received_at"`
}
