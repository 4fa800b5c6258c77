package webhook

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/hours"
	"github.com/flowpbx/callrouter/internal/ivr"
	"github.com/flowpbx/callrouter/internal/ringgroup"
	"github.com/flowpbx/callrouter/internal/routing"
)

// call carries what target resolution needs for one decision.
type call struct {
	org      *models.Organization
	state    *callstate.State
	callerID string
	hops     int
}

func (c *call) id() string { return c.state.CallID }

// resolve follows t through nested targets until something renders.
func (o *Orchestrator) resolve(ctx context.Context, c *call, t routing.Target) (result, error) {
	for {
		if c.hops >= o.cfg.MaxHops {
			return result{}, fmt.Errorf("%w: stopped at %s", ErrTooManyHops, t)
		}
		c.hops++

		var (
			res  result
			next *routing.Target
			err  error
		)
		switch t.Kind {
		case routing.TargetHangup:
			return result{doc: cxml.Hangup(), outcome: outcomeHangup}, nil
		case routing.TargetVoicemail:
			return o.voicemail(), nil
		case routing.TargetExtension:
			res, next, err = o.resolveExtension(ctx, c, t.ID)
		case routing.TargetRingGroup:
			res, next, err = o.resolveRingGroup(ctx, c, t.ID)
		case routing.TargetIvrMenu:
			res, err = o.resolveIvrMenu(ctx, c, t.ID)
		case routing.TargetConferenceRoom:
			res, err = o.resolveConference(ctx, c, t.ID)
		case routing.TargetBusinessHours:
			next, err = o.resolveBusinessHours(ctx, c, t.ID)
		default:
			return result{}, fmt.Errorf("%w: %s", routing.ErrInvalidTarget, t.Kind)
		}
		if err != nil {
			return result{}, err
		}
		if next == nil {
			return res, nil
		}
		o.logger.Debug("following routing target",
			"call_id", c.id(),
			"from", t.String(),
			"to", next.String(),
		)
		t = *next
	}
}

func (o *Orchestrator) voicemail() result {
	return result{
		doc:     cxml.Voicemail(o.callbackURL(PathCallStatus, nil), o.cfg.VoicemailMaxLength),
		outcome: outcomeVoicemail,
	}
}

// owned re-verifies that an entity loaded for the call's tenant belongs to it.
func (o *Orchestrator) owned(ctx context.Context, c *call, entity string, id, ownerOrgID int64) error {
	return o.deps.Guard.Verify(ctx, c.org.ID, ownerOrgID, entity, id, c.id())
}

func (o *Orchestrator) resolveExtension(ctx context.Context, c *call, id int64) (result, *routing.Target, error) {
	ext, err := o.deps.Lookup.GetExtensionByID(ctx, c.org.ID, id)
	if err != nil {
		return result{}, nil, fmt.Errorf("loading extension %d: %w", id, err)
	}
	if ext == nil {
		return result{}, nil, fmt.Errorf("%w: extension %d", ErrNotFound, id)
	}
	return o.routeExtension(ctx, c, ext)
}

// routeExtension dials an extension or follows the target it fronts.
func (o *Orchestrator) routeExtension(ctx context.Context, c *call, ext *models.Extension) (result, *routing.Target, error) {
	if err := o.owned(ctx, c, "extension", ext.ID, ext.OrganizationID); err != nil {
		return result{}, nil, err
	}
	if ext.Status != routing.StatusActive {
		return result{}, nil, fmt.Errorf("%w: extension %s", ErrInactive, ext.ExtensionNumber)
	}

	cfg := ext.Config()
	timeout := cfg.RingTimeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultRingTimeout
	}

	switch routing.ExtensionType(ext.Type) {
	case routing.ExtUser:
		return result{doc: cxml.DialNumber(c.callerID, timeout, "", ext.ExtensionNumber), outcome: outcomeDial}, nil, nil

	case routing.ExtRingGroup, routing.ExtIVR, routing.ExtConference:
		t, err := routing.ParseTarget(cfg.Target)
		if err != nil {
			return result{}, nil, fmt.Errorf("extension %s target: %w", ext.ExtensionNumber, err)
		}
		return result{}, &t, nil

	case routing.ExtForward, routing.ExtAIAssistant, routing.ExtCustomLogic:
		if cfg.Destination == "" {
			return result{}, nil, fmt.Errorf("%w: extension %s has no destination", ErrNotFound, ext.ExtensionNumber)
		}
		return result{doc: cxml.DialNumber(c.callerID, timeout, "", cfg.Destination), outcome: outcomeDial}, nil, nil
	}
	return result{}, nil, fmt.Errorf("%w: extension type %q", routing.ErrInvalidTarget, ext.Type)
}

func (o *Orchestrator) resolveRingGroup(ctx context.Context, c *call, id int64) (result, *routing.Target, error) {
	g, err := o.loadRingGroup(ctx, c, id)
	if err != nil {
		return result{}, nil, err
	}
	return o.renderRing(c, g, o.deps.RingGroups.Start(ctx, g, c.state))
}

func (o *Orchestrator) loadRingGroup(ctx context.Context, c *call, id int64) (*models.RingGroup, error) {
	g, err := o.deps.Lookup.GetRingGroup(ctx, c.org.ID, id)
	if err != nil {
		return nil, fmt.Errorf("loading ring group %d: %w", id, err)
	}
	if g == nil {
		return nil, fmt.Errorf("%w: ring group %d", ErrNotFound, id)
	}
	if err := o.owned(ctx, c, "ring_group", g.ID, g.OrganizationID); err != nil {
		return nil, err
	}
	if g.Status != routing.StatusActive {
		return nil, fmt.Errorf("%w: ring group %d", ErrInactive, id)
	}
	return g, nil
}

// renderRing turns a ring group decision into a document or a next target.
func (o *Orchestrator) renderRing(c *call, g *models.RingGroup, d ringgroup.Decision) (result, *routing.Target, error) {
	switch d.Kind {
	case ringgroup.Done:
		return result{doc: cxml.Hangup(), outcome: outcomeHangup}, nil, nil
	case ringgroup.Fallback:
		t := d.Target
		return result{}, &t, nil
	}

	params := url.Values{}
	params.Set("ring_group_id", itoa(g.ID))
	params.Set("attempt_number", strconv.Itoa(d.Attempt))
	params.Set("visit", strconv.Itoa(d.Visit))
	if d.RotationStart != nil {
		params.Set("rr_start", strconv.Itoa(*d.RotationStart))
	}
	action := o.callbackURL(PathRingGroupCallback, params)
	return result{doc: cxml.DialNumber(c.callerID, d.Timeout, action, d.Numbers...), outcome: outcomeRing}, nil, nil
}

func (o *Orchestrator) resolveIvrMenu(ctx context.Context, c *call, id int64) (result, error) {
	menu, err := o.loadIvrMenu(ctx, c, id)
	if err != nil {
		return result{}, err
	}
	return o.renderPrompt(menu, o.deps.IVR.Enter(menu, c.state)), nil
}

func (o *Orchestrator) loadIvrMenu(ctx context.Context, c *call, id int64) (*models.IvrMenu, error) {
	menu, err := o.deps.Lookup.GetIvrMenu(ctx, c.org.ID, id)
	if err != nil {
		return nil, fmt.Errorf("loading ivr menu %d: %w", id, err)
	}
	if menu == nil {
		return nil, fmt.Errorf("%w: ivr menu %d", ErrNotFound, id)
	}
	if err := o.owned(ctx, c, "ivr_menu", menu.ID, menu.OrganizationID); err != nil {
		return nil, err
	}
	if menu.Status != routing.StatusActive {
		return nil, fmt.Errorf("%w: ivr menu %d", ErrInactive, id)
	}
	return menu, nil
}

func (o *Orchestrator) renderPrompt(menu *models.IvrMenu, d ivr.Decision) result {
	params := url.Values{}
	params.Set("ivr_id", itoa(menu.ID))
	params.Set("turn", strconv.Itoa(d.Turn))
	params.Set("visit", strconv.Itoa(d.Visit))

	notice := ""
	if d.Invalid {
		notice = cxml.MsgInvalidInput
	}
	doc := cxml.WaitForDigits(notice, cxml.Gather{
		Prompt:    d.Text,
		NumDigits: d.NumDigits,
		Timeout:   d.Timeout,
		Action:    o.callbackURL(PathIvrInput, params),
	})
	return result{doc: doc, outcome: outcomeIvr}
}

func (o *Orchestrator) resolveConference(ctx context.Context, c *call, id int64) (result, error) {
	room, err := o.deps.Lookup.GetConferenceRoom(ctx, c.org.ID, id)
	if err != nil {
		return result{}, fmt.Errorf("loading conference room %d: %w", id, err)
	}
	if room == nil {
		return result{}, fmt.Errorf("%w: conference room %d", ErrNotFound, id)
	}
	if err := o.owned(ctx, c, "conference_room", room.ID, room.OrganizationID); err != nil {
		return result{}, err
	}
	if room.Status != routing.StatusActive {
		return result{}, fmt.Errorf("%w: conference room %d", ErrInactive, id)
	}
	// Room names are namespaced per tenant on the platform.
	name := fmt.Sprintf("org-%d-room-%s", c.org.ID, room.RoomCode)
	return result{doc: cxml.DialConference(c.callerID, name), outcome: outcomeConference}, nil
}

// resolveBusinessHours evaluates a schedule and returns its action. ID 0
// selects the organization's active schedule.
func (o *Orchestrator) resolveBusinessHours(ctx context.Context, c *call, id int64) (*routing.Target, error) {
	var (
		s   *models.BusinessHoursSchedule
		err error
	)
	if id == 0 {
		s, err = o.deps.Lookup.GetActiveBusinessHoursSchedule(ctx, c.org.ID)
	} else {
		s, err = o.deps.Lookup.GetSchedule(ctx, c.org.ID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading business hours schedule: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: business hours schedule %d", ErrNotFound, id)
	}
	if err := o.owned(ctx, c, "business_hours_schedule", s.ID, s.OrganizationID); err != nil {
		return nil, err
	}

	res := hours.Evaluate(s, o.deps.Clock.Now(), c.org.Timezone)
	o.logger.Info("business hours evaluated",
		"call_id", c.id(),
		"schedule_id", s.ID,
		"open", res.Open,
		"reason", res.Reason,
		"action", res.Action,
	)
	t, err := routing.ParseTarget(res.Action)
	if err != nil {
		return nil, fmt.Errorf("schedule %d action: %w", s.ID, err)
	}
	if t.Kind == routing.TargetBusinessHours {
		return nil, fmt.Errorf("%w: schedule %d routes to another schedule", routing.ErrInvalidTarget, s.ID)
	}
	return &t, nil
}
