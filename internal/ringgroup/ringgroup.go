// Package ringgroup walks a ring group's members one webhook round trip at a
// time. Each callback from the signaling platform reports how the previous
// attempt ended and asks which members to ring next, or where the call goes
// once the group is exhausted.
package ringgroup

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
)

// Strategy selects how members are rung.
type Strategy string

const (
	Simultaneous Strategy = "simultaneous"
	RoundRobin   Strategy = "round_robin"
	Sequential   Strategy = "sequential"
)

const (
	defaultTimeout = 30
	minRingTurns   = 1
	maxRingTurns   = 9
)

// Dial statuses that end the call instead of advancing the group.
const (
	DialAnswered  = "answered"
	DialCompleted = "completed"
)

// Rotation advances a group's persisted round robin offset and returns the
// offset to use for this call.
type Rotation interface {
	AdvanceRotation(ctx context.Context, orgID, ringGroupID int64, size int) (int, error)
}

// Kind is the shape of a Decision.
type Kind int

const (
	// Ring dials Numbers.
	Ring Kind = iota
	// Fallback routes the call to Target.
	Fallback
	// Done ends the call after an answered attempt.
	Done
)

// Decision is what the platform should do next for this ring group.
type Decision struct {
	Kind    Kind
	Numbers []string
	Timeout int
	// Attempt is the 1-based attempt number of a Ring decision. It and Visit
	// are echoed back by the platform in its callback.
	Attempt int
	Visit   int
	// RotationStart is the round robin offset used for the call.
	RotationStart *int
	Target        routing.Target
}

// Progress is what a callback reports about the previous attempt.
type Progress struct {
	Attempt    int
	Visit      int
	DialStatus string
	// RotationStart is the offset echoed from the callback URL. It is used
	// only when call state was lost.
	RotationStart *int
}

// Engine decides ring attempts and fallbacks.
type Engine struct {
	rotation Rotation
	profile  Profile
	guard    *routing.Guard
	logger   *slog.Logger
}

// NewEngine creates an Engine restricted to the given fallback profile.
func NewEngine(rotation Rotation, profile Profile, guard *routing.Guard, logger *slog.Logger) *Engine {
	return &Engine{
		rotation: rotation,
		profile:  profile,
		guard:    guard,
		logger:   logger.With("subsystem", "ringgroup"),
	}
}

// Start enters the group for a call and returns the first decision.
func (e *Engine) Start(ctx context.Context, g *models.RingGroup, st *callstate.State) Decision {
	st.EnterRingGroup(g.ID)
	members := e.Eligible(ctx, g, st.CallID)

	e.logger.Info("ring group entered",
		"call_id", st.CallID,
		"organization_id", g.OrganizationID,
		"ring_group_id", g.ID,
		"strategy", g.Strategy,
		"eligible", len(members),
	)

	if len(members) == 0 {
		e.logger.Warn("ring group has no eligible members",
			"call_id", st.CallID,
			"ring_group_id", g.ID,
		)
		return e.fallback(g, st, nil, 1)
	}

	if Strategy(g.Strategy) == RoundRobin && st.RotationStart == nil {
		start, err := e.rotation.AdvanceRotation(ctx, g.OrganizationID, g.ID, len(g.Members))
		if err != nil {
			e.logger.Error("advancing ring group rotation",
				"call_id", st.CallID,
				"ring_group_id", g.ID,
				"error", err,
			)
			start = 0
		}
		start = wrap(start, len(members))
		st.RotationStart = &start
	}
	return e.ring(g, st, members, 1)
}

// Continue handles the callback for a finished attempt.
func (e *Engine) Continue(ctx context.Context, g *models.RingGroup, st *callstate.State, p Progress) Decision {
	if p.DialStatus == DialAnswered || p.DialStatus == DialCompleted {
		e.logger.Info("ring group answered",
			"call_id", st.CallID,
			"ring_group_id", g.ID,
			"attempt", p.Attempt,
		)
		st.ResumeRingGroup(g.ID, p.Visit)
		st.Attempt = p.Attempt
		return Decision{Kind: Done}
	}

	st.ResumeRingGroup(g.ID, p.Visit)

	members := e.Eligible(ctx, g, st.CallID)
	next := p.Attempt + 1
	if len(members) == 0 {
		return e.fallback(g, st, members, next)
	}
	if st.RotationStart == nil && p.RotationStart != nil {
		start := wrap(*p.RotationStart, len(members))
		st.RotationStart = &start
	}

	e.logger.Debug("ring attempt unanswered",
		"call_id", st.CallID,
		"ring_group_id", g.ID,
		"attempt", p.Attempt,
		"dial_status", p.DialStatus,
	)
	return e.ring(g, st, members, next)
}

// ring dials attempt a, or falls back when the current pass is exhausted.
// Attempt numbers keep increasing across repeat passes so every attempt of
// a call is distinct.
func (e *Engine) ring(g *models.RingGroup, st *callstate.State, members []models.RingGroupMember, a int) Decision {
	n := len(members)
	strategy := Strategy(g.Strategy)
	length := passLength(strategy, n, ringTurns(g))
	if (a-1)/length > st.Repeats {
		return e.fallback(g, st, members, a)
	}

	pos := (a - 1) % length
	var numbers []string
	switch strategy {
	case Simultaneous:
		numbers = make([]string, 0, n)
		for _, m := range members {
			numbers = append(numbers, m.ExtensionNumber)
		}
	case RoundRobin:
		start := 0
		if st.RotationStart != nil {
			start = wrap(*st.RotationStart, n)
		}
		numbers = []string{members[(start+pos)%n].ExtensionNumber}
	default:
		numbers = []string{members[pos%n].ExtensionNumber}
	}

	st.Attempt = a
	e.logger.Info("ringing",
		"call_id", st.CallID,
		"ring_group_id", g.ID,
		"attempt", a,
		"cycle", pos/n+1,
		"numbers", numbers,
	)
	return Decision{
		Kind:          Ring,
		Numbers:       numbers,
		Timeout:       timeout(g),
		Attempt:       a,
		Visit:         st.Visit,
		RotationStart: st.RotationStart,
	}
}

// wrap reduces an offset into [0, n).
func wrap(offset, n int) int {
	if n <= 0 {
		return 0
	}
	return ((offset % n) + n) % n
}

// passLength is the number of attempts in one pass over the group.
func passLength(s Strategy, n, turns int) int {
	switch s {
	case Simultaneous:
		return 1
	case RoundRobin:
		return n
	default:
		return n * turns
	}
}

func ringTurns(g *models.RingGroup) int {
	switch {
	case g.RingTurns < minRingTurns:
		return minRingTurns
	case g.RingTurns > maxRingTurns:
		return maxRingTurns
	}
	return g.RingTurns
}

func timeout(g *models.RingGroup) int {
	if g.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return g.TimeoutSeconds
}

// Eligible returns the members that may be rung: active user extensions of
// the group's own organization, in priority order. Members owned by another
// organization are reported to the tenant guard.
func (e *Engine) Eligible(ctx context.Context, g *models.RingGroup, callID string) []models.RingGroupMember {
	out := make([]models.RingGroupMember, 0, len(g.Members))
	for _, m := range g.Members {
		if m.ExtensionOrgID != g.OrganizationID {
			if e.guard != nil {
				_ = e.guard.Verify(ctx, g.OrganizationID, m.ExtensionOrgID, "ring_group_member", m.ExtensionID, callID)
			}
			continue
		}
		if m.ExtensionStatus != routing.StatusActive {
			continue
		}
		if !routing.ExtensionType(m.ExtensionType).CanBeRingGroupMember() {
			continue
		}
		if m.ExtensionNumber == "" {
			continue
		}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b models.RingGroupMember) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return out
}
