package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/ivr"
	"github.com/flowpbx/callrouter/internal/ringgroup"
	"github.com/flowpbx/callrouter/internal/routing"
)

// errCallBusy reports that another request is routing the same call and no
// answer for this event has been stored yet.
var errCallBusy = errors.New("call locked by another request")

// CallInitiated is a new inbound or internal call.
type CallInitiated struct {
	Org    *models.Organization
	CallID string
	From   string
	To     string
}

// IvrInput carries digits collected for a menu.
type IvrInput struct {
	Org       *models.Organization
	CallID    string
	IvrMenuID int64
	Visit     int
	Turn      int
	Digits    string
}

// RingGroupCallback reports how a ring attempt ended.
type RingGroupCallback struct {
	Org           *models.Organization
	CallID        string
	RingGroupID   int64
	Attempt       int
	Visit         int
	DialStatus    string
	RotationStart *int
}

func orgID(org *models.Organization) int64 {
	if org == nil {
		return 0
	}
	return org.ID
}

// session is a locked view of one call's state for one event.
type session struct {
	state   *callstate.State
	event   string
	replay  []byte
	release func()
}

// open locks the call and loads its state. When a response for event was
// already served, it is returned in replay and nothing else should happen.
// Store failures degrade to an unlocked session with fresh state.
func (o *Orchestrator) open(ctx context.Context, org *models.Organization, callID, event string) (*session, error) {
	s := &session{event: event, release: func() {}}

	lock, err := o.deps.Calls.Lock(ctx, org.ID, callID)
	switch {
	case errors.Is(err, cache.ErrLockHeld):
		st, _ := o.deps.Calls.Load(ctx, org.ID, callID)
		if doc, ok := st.Response(event); ok {
			s.state, s.replay = st, doc
			return s, nil
		}
		return nil, errCallBusy
	case err != nil:
		o.logger.Warn("call lock unavailable, continuing unlocked",
			"call_id", callID,
			"organization_id", org.ID,
			"error", err,
		)
	default:
		s.release = func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("releasing call lock", "call_id", callID, "error", err)
			}
		}
	}

	st, err := o.deps.Calls.Load(ctx, org.ID, callID)
	if err != nil {
		o.logger.Warn("call state unavailable, continuing with fresh state",
			"call_id", callID,
			"organization_id", org.ID,
			"error", err,
		)
	}
	s.state = st
	if doc, ok := st.Response(s.event); ok {
		s.replay = doc
	}
	return s, nil
}

// commit stores the served document and the advanced state. Nothing is
// stored once the decision deadline has replaced the document.
func (o *Orchestrator) commit(ctx context.Context, s *session, res result) {
	if g := gateFrom(ctx); g != nil && !g.commit() {
		o.logger.Warn("decision finished after deadline, not stored",
			"call_id", s.state.CallID,
			"event", s.event,
		)
		return
	}
	s.state.Remember(s.event, res.doc)
	if err := o.deps.Calls.Save(ctx, s.state); err != nil {
		o.logger.Warn("saving call state", "call_id", s.state.CallID, "error", err)
	}
}

// run opens a session for event, replays a stored answer or runs fn, and
// commits a successful result.
func (o *Orchestrator) run(ctx context.Context, org *models.Organization, callID, event string, fn func(*session) (result, error)) (result, error) {
	s, err := o.open(ctx, org, callID, event)
	if err != nil {
		return result{}, err
	}
	defer s.release()

	if s.replay != nil {
		o.logger.Info("replaying stored response",
			"call_id", callID,
			"organization_id", org.ID,
			"event", event,
		)
		return result{doc: s.replay, outcome: outcomeReplay}, nil
	}

	res, err := fn(s)
	if err != nil {
		return result{}, err
	}
	o.commit(ctx, s, res)
	return res, nil
}

// HandleCallInitiated classifies a new call and routes it.
func (o *Orchestrator) HandleCallInitiated(ctx context.Context, req CallInitiated) []byte {
	return o.decide(ctx, HookCallInitiated, orgID(req.Org), req.CallID, func(ctx context.Context) (result, error) {
		if req.Org == nil {
			return result{}, ErrNoTenant
		}
		if req.CallID == "" || req.From == "" || req.To == "" {
			return result{}, fmt.Errorf("%w: call-initiated requires call id, from and to", ErrMalformed)
		}
		return o.run(ctx, req.Org, req.CallID, "init", func(s *session) (result, error) {
			return o.routeNewCall(ctx, req, s.state)
		})
	})
}

func (o *Orchestrator) routeNewCall(ctx context.Context, req CallInitiated, st *callstate.State) (result, error) {
	org := req.Org
	cls, err := o.deps.Classifier.Classify(ctx, org, req.From, req.To, req.CallID)
	if err != nil {
		return result{}, err
	}
	st.CallerID = cls.From
	if !cls.Type.Routable() {
		o.logger.Info("call not routable",
			"call_id", req.CallID,
			"organization_id", org.ID,
			"from", cls.From,
			"to", cls.To,
		)
		return result{doc: cxml.SayAndHangup(cxml.MsgCannotComplete), outcome: outcomeInvalid}, nil
	}
	c := &call{org: org, state: st, callerID: cls.From}

	switch cls.Type {
	case routing.CallInternal:
		from := cls.FromExtension
		if err := o.owned(ctx, c, "extension", from.ID, from.OrganizationID); err != nil {
			return result{}, err
		}
		if cls.ToExtension != nil {
			o.logger.Info("routing internal call",
				"call_id", req.CallID,
				"organization_id", org.ID,
				"from", cls.From,
				"to", cls.To,
			)
			c.hops++
			res, next, err := o.routeExtension(ctx, c, cls.ToExtension)
			if err != nil || next == nil {
				return res, err
			}
			return o.resolve(ctx, c, *next)
		}
		return o.routeOutbound(ctx, c, cls)

	case routing.CallExternal:
		did := cls.ToDID
		if err := o.owned(ctx, c, "did_number", did.ID, did.OrganizationID); err != nil {
			return result{}, err
		}
		t, err := routing.TargetFromDID(did)
		if err != nil {
			return result{}, fmt.Errorf("did %s: %w", did.PhoneNumber, err)
		}
		o.logger.Info("routing external call",
			"call_id", req.CallID,
			"organization_id", org.ID,
			"did", did.PhoneNumber,
			"target", t.String(),
		)
		return o.resolve(ctx, c, t)
	}
	return result{}, fmt.Errorf("unhandled call type %q", cls.Type)
}

// routeOutbound dials an external number for an internal caller.
func (o *Orchestrator) routeOutbound(ctx context.Context, c *call, cls *routing.Classification) (result, error) {
	if err := o.deps.Classifier.CheckOutbound(ctx, c.org, cls, c.id()); err != nil {
		return result{}, err
	}
	callerID := cls.FromExtension.Config().CallerID
	if callerID == "" {
		callerID = c.org.OutboundCallerID
	}
	o.logger.Info("routing outbound call",
		"call_id", c.id(),
		"organization_id", c.org.ID,
		"extension", cls.FromExtension.ExtensionNumber,
		"to", cls.To,
	)
	return result{doc: cxml.DialNumber(callerID, o.cfg.DefaultRingTimeout, "", cls.To), outcome: outcomeDial}, nil
}

// HandleIvrInput dispatches collected digits for a menu.
func (o *Orchestrator) HandleIvrInput(ctx context.Context, req IvrInput) []byte {
	return o.decide(ctx, HookIvrInput, orgID(req.Org), req.CallID, func(ctx context.Context) (result, error) {
		if req.Org == nil {
			return result{}, ErrNoTenant
		}
		if req.CallID == "" || req.IvrMenuID <= 0 || req.Turn < 0 {
			return result{}, fmt.Errorf("%w: ivr-input requires call id and ivr_id", ErrMalformed)
		}
		event := callstate.IvrEvent(req.IvrMenuID, req.Visit, req.Turn)
		return o.run(ctx, req.Org, req.CallID, event, func(s *session) (result, error) {
			c := &call{org: req.Org, state: s.state, callerID: s.state.CallerID}
			menu, err := o.loadIvrMenu(ctx, c, req.IvrMenuID)
			if err != nil {
				return result{}, err
			}
			s.state.ResumeIvrMenu(menu.ID, req.Visit, req.Turn)
			c.hops++
			d := o.deps.IVR.Input(menu, s.state, req.Digits)
			if d.Kind == ivr.Prompt {
				return o.renderPrompt(menu, d), nil
			}
			return o.resolve(ctx, c, d.Target)
		})
	})
}

// HandleRingGroupCallback advances a ring group after an attempt ends.
func (o *Orchestrator) HandleRingGroupCallback(ctx context.Context, req RingGroupCallback) []byte {
	return o.decide(ctx, HookRingGroupCallback, orgID(req.Org), req.CallID, func(ctx context.Context) (result, error) {
		if req.Org == nil {
			return result{}, ErrNoTenant
		}
		if req.CallID == "" || req.RingGroupID <= 0 || req.Attempt <= 0 {
			return result{}, fmt.Errorf("%w: ring-group-callback requires call id, ring_group_id and attempt_number", ErrMalformed)
		}
		event := callstate.RingEvent(req.RingGroupID, req.Visit, req.Attempt)
		return o.run(ctx, req.Org, req.CallID, event, func(s *session) (result, error) {
			c := &call{org: req.Org, state: s.state, callerID: s.state.CallerID}
			g, err := o.loadRingGroup(ctx, c, req.RingGroupID)
			if err != nil {
				return result{}, err
			}
			c.hops++
			d := o.deps.RingGroups.Continue(ctx, g, s.state, ringgroup.Progress{
				Attempt:       req.Attempt,
				Visit:         req.Visit,
				DialStatus:    req.DialStatus,
				RotationStart: req.RotationStart,
			})
			res, next, err := o.renderRing(c, g, d)
			if err != nil || next == nil {
				return res, err
			}
			return o.resolve(ctx, c, *next)
		})
	})
}
