package ringgroup

import (
	"fmt"
	"strings"

	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
)

// FallbackAction is what happens once a ring group is exhausted.
type FallbackAction string

const (
	FallbackExtension   FallbackAction = "extension"
	FallbackRingGroup   FallbackAction = "ring_group"
	FallbackIvrMenu     FallbackAction = "ivr_menu"
	FallbackAIAssistant FallbackAction = "ai_assistant"
	FallbackHangup      FallbackAction = "hangup"
	FallbackVoicemail   FallbackAction = "voicemail"
	FallbackRepeat      FallbackAction = "repeat"
)

// MaxRepeats caps how often a repeat fallback restarts the group per call.
const MaxRepeats = 3

// Profile is the set of fallback actions a deployment allows.
type Profile struct {
	Name    string
	allowed map[FallbackAction]bool
}

func newProfile(name string, actions ...FallbackAction) Profile {
	p := Profile{Name: name, allowed: make(map[FallbackAction]bool, len(actions))}
	for _, a := range actions {
		p.allowed[a] = true
	}
	return p
}

// Fallback profiles.
var (
	ProfileStandard  = newProfile("standard", FallbackExtension, FallbackRingGroup, FallbackIvrMenu, FallbackAIAssistant, FallbackHangup)
	ProfileVoicemail = newProfile("voicemail", FallbackVoicemail, FallbackExtension, FallbackHangup, FallbackRepeat)
)

// ProfileByName returns the named profile.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProfileStandard.Name:
		return ProfileStandard, nil
	case ProfileVoicemail.Name:
		return ProfileVoicemail, nil
	}
	return Profile{}, fmt.Errorf("unknown fallback profile %q", name)
}

// Allows reports whether a is permitted in the profile.
func (p Profile) Allows(a FallbackAction) bool { return p.allowed[a] }

// fallback resolves the group's fallback action into a decision. attempt is
// the attempt number a repeat restarts at.
func (e *Engine) fallback(g *models.RingGroup, st *callstate.State, members []models.RingGroupMember, attempt int) Decision {
	action := FallbackAction(g.FallbackAction)
	if action == "" {
		action = FallbackHangup
	}
	logArgs := []any{
		"call_id", st.CallID,
		"ring_group_id", g.ID,
		"fallback_action", action,
		"profile", e.profile.Name,
	}

	if !e.profile.Allows(action) {
		e.logger.Warn("fallback action not allowed in profile, hanging up", logArgs...)
		return Decision{Kind: Fallback, Target: routing.Hangup}
	}

	switch action {
	case FallbackHangup:
		e.logger.Info("ring group exhausted", logArgs...)
		return Decision{Kind: Fallback, Target: routing.Hangup}

	case FallbackVoicemail:
		e.logger.Info("ring group exhausted", logArgs...)
		return Decision{Kind: Fallback, Target: routing.Target{Kind: routing.TargetVoicemail}}

	case FallbackRepeat:
		if len(members) == 0 || st.Repeats >= MaxRepeats {
			e.logger.Info("ring group repeat limit reached, hanging up", append(logArgs, "repeats", st.Repeats)...)
			return Decision{Kind: Fallback, Target: routing.Hangup}
		}
		st.Repeats++
		e.logger.Info("ring group repeating", append(logArgs, "repeats", st.Repeats)...)
		return e.ring(g, st, members, attempt)
	}

	if g.FallbackTargetID == nil || *g.FallbackTargetID <= 0 {
		e.logger.Warn("fallback action has no target, hanging up", logArgs...)
		return Decision{Kind: Fallback, Target: routing.Hangup}
	}
	id := *g.FallbackTargetID

	var t routing.Target
	switch action {
	case FallbackExtension, FallbackAIAssistant:
		t = routing.Target{Kind: routing.TargetExtension, ID: id}
	case FallbackRingGroup:
		if id == g.ID {
			e.logger.Warn("ring group falls back to itself, hanging up", logArgs...)
			return Decision{Kind: Fallback, Target: routing.Hangup}
		}
		t = routing.Target{Kind: routing.TargetRingGroup, ID: id}
	case FallbackIvrMenu:
		t = routing.Target{Kind: routing.TargetIvrMenu, ID: id}
	default:
		e.logger.Warn("unknown fallback action, hanging up", logArgs...)
		return Decision{Kind: Fallback, Target: routing.Hangup}
	}

	e.logger.Info("ring group exhausted", append(logArgs, "target", t.String())...)
	return Decision{Kind: Fallback, Target: t}
}
