package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// TargetKind discriminates Target.
type TargetKind string

const (
	TargetExtension      TargetKind = "extension"
	TargetRingGroup      TargetKind = "ring_group"
	TargetBusinessHours  TargetKind = "business_hours"
	TargetConferenceRoom TargetKind = "conference_room"
	TargetIvrMenu        TargetKind = "ivr_menu"
	TargetHangup         TargetKind = "hangup"
	TargetVoicemail      TargetKind = "voicemail"
)

// Target is where a call goes next. Terminal kinds carry no id. A
// business-hours target with ID 0 means the organization's active schedule.
type Target struct {
	Kind TargetKind
	ID   int64
}

// Hangup is the terminal hang-up target.
var Hangup = Target{Kind: TargetHangup}

// ErrInvalidTarget reports a malformed target encoding.
var ErrInvalidTarget = errors.New("invalid routing target")

// IsTerminal reports whether the target carries no id.
func (t Target) IsTerminal() bool {
	return t.Kind == TargetHangup || t.Kind == TargetVoicemail
}

// String encodes the target as "kind:id", or the bare kind for terminals.
func (t Target) String() string {
	if t.IsTerminal() || (t.Kind == TargetBusinessHours && t.ID == 0) {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + strconv.FormatInt(t.ID, 10)
}

// ParseTarget decodes an encoded action such as "ring_group:4" or "hangup".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	kind, idStr, hasID := strings.Cut(s, ":")
	k := TargetKind(kind)

	switch k {
	case TargetHangup, TargetVoicemail:
		if hasID {
			return Target{}, fmt.Errorf("%w: %q takes no id", ErrInvalidTarget, s)
		}
		return Target{Kind: k}, nil
	case TargetBusinessHours:
		if !hasID {
			return Target{Kind: k}, nil
		}
	case TargetExtension, TargetRingGroup, TargetConferenceRoom, TargetIvrMenu:
		if !hasID {
			return Target{}, fmt.Errorf("%w: %q requires an id", ErrInvalidTarget, s)
		}
	default:
		return Target{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, kind)
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return Target{}, fmt.Errorf("%w: bad id in %q", ErrInvalidTarget, s)
	}
	return Target{Kind: k, ID: id}, nil
}

// didRoutingConfig is the discriminated payload of DidNumber.RoutingConfig.
type didRoutingConfig struct {
	ExtensionID      int64 `json:"extension_id"`
	RingGroupID      int64 `json:"ring_group_id"`
	ScheduleID       int64 `json:"business_hours_schedule_id"`
	ConferenceRoomID int64 `json:"conference_room_id"`
	IvrMenuID        int64 `json:"ivr_menu_id"`
}

// TargetFromDID resolves a DID's routing_type and routing_config once into a
// Target.
func TargetFromDID(did *models.DidNumber) (Target, error) {
	var cfg didRoutingConfig
	if len(did.RoutingConfig) > 0 {
		if err := json.Unmarshal(did.RoutingConfig, &cfg); err != nil {
			return Target{}, fmt.Errorf("%w: routing_config: %v", ErrInvalidTarget, err)
		}
	}

	var t Target
	switch TargetKind(did.RoutingType) {
	case TargetExtension:
		t = Target{Kind: TargetExtension, ID: cfg.ExtensionID}
	case TargetRingGroup:
		t = Target{Kind: TargetRingGroup, ID: cfg.RingGroupID}
	case TargetBusinessHours:
		return Target{Kind: TargetBusinessHours, ID: cfg.ScheduleID}, nil
	case TargetConferenceRoom:
		t = Target{Kind: TargetConferenceRoom, ID: cfg.ConferenceRoomID}
	case TargetIvrMenu:
		t = Target{Kind: TargetIvrMenu, ID: cfg.IvrMenuID}
	default:
		return Target{}, fmt.Errorf("%w: routing_type %q", ErrInvalidTarget, did.RoutingType)
	}
	if t.ID <= 0 {
		return Target{}, fmt.Errorf("%w: routing_config missing id for %s", ErrInvalidTarget, did.RoutingType)
	}
	return t, nil
}

// TargetFromDestination builds a Target from an IVR option's destination.
func TargetFromDestination(destType string, id int64) (Target, error) {
	k := TargetKind(destType)
	switch k {
	case TargetExtension, TargetRingGroup, TargetConferenceRoom, TargetIvrMenu:
		if id <= 0 {
			return Target{}, fmt.Errorf("%w: %s without id", ErrInvalidTarget, destType)
		}
		return Target{Kind: k, ID: id}, nil
	default:
		return Target{}, fmt.Errorf("%w: destination type %q", ErrInvalidTarget, destType)
	}
}
