// Package webhook sequences the routing components for each webhook the
// signaling platform sends. Every decision path ends in a protocol document;
// errors never escape as anything other than a safe instruction.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/clock"
	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/ivr"
	"github.com/flowpbx/callrouter/internal/ringgroup"
	"github.com/flowpbx/callrouter/internal/routing"
)

// Webhook names, used in logs and metrics.
const (
	HookCallInitiated     = "call_initiated"
	HookIvrInput          = "ivr_input"
	HookRingGroupCallback = "ring_group_callback"
	HookCallStatus        = "call_status"
	HookCDR               = "cdr"
)

// Callback paths the platform is told to call next.
const (
	PathIvrInput          = "/webhooks/ivr-input"
	PathRingGroupCallback = "/webhooks/ring-group-callback"
	PathCallStatus        = "/webhooks/call-status"
)

// Errors that select a caller-facing document.
var (
	ErrMalformed   = errors.New("malformed webhook input")
	ErrNoTenant    = errors.New("tenant not identified")
	ErrNotFound    = errors.New("routing target not found")
	ErrInactive    = errors.New("routing target inactive")
	ErrTooManyHops = errors.New("routing hop limit exceeded")

	errPanic = errors.New("panic during routing decision")
)

// Lookup is the routing cache surface the orchestrators read.
type Lookup interface {
	routing.Lookup
	GetExtensionByID(ctx context.Context, orgID, id int64) (*models.Extension, error)
	GetActiveBusinessHoursSchedule(ctx context.Context, orgID int64) (*models.BusinessHoursSchedule, error)
	GetSchedule(ctx context.Context, orgID, id int64) (*models.BusinessHoursSchedule, error)
	GetRingGroup(ctx context.Context, orgID, id int64) (*models.RingGroup, error)
	GetIvrMenu(ctx context.Context, orgID, id int64) (*models.IvrMenu, error)
	GetConferenceRoom(ctx context.Context, orgID, id int64) (*models.ConferenceRoom, error)
}

// Config tunes the orchestrators.
type Config struct {
	// BaseURL prefixes callback URLs placed in documents.
	BaseURL string
	// Deadline bounds each decision; past it the fail-safe document is sent.
	Deadline time.Duration
	// MaxHops caps nested target resolution within one decision.
	MaxHops int
	// DefaultRingTimeout applies to direct extension dials.
	DefaultRingTimeout int
	// VoicemailMaxLength bounds recorded messages, in seconds.
	VoicemailMaxLength int
	// StatusTimeout bounds asynchronous call-status persistence.
	StatusTimeout time.Duration
}

// DefaultConfig returns a 3s deadline and a 5 hop limit.
func DefaultConfig() Config {
	return Config{
		Deadline:           3 * time.Second,
		MaxHops:            5,
		DefaultRingTimeout: 30,
		VoicemailMaxLength: 120,
		StatusTimeout:      5 * time.Second,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Lookup     Lookup
	Classifier *routing.Classifier
	Guard      *routing.Guard
	RingGroups *ringgroup.Engine
	IVR        *ivr.Machine
	Calls      *callstate.Store
	CDRs       database.CDRRepository
	Statuses   database.CallStatusRepository
	// Database guards writes to the durable store.
	Database *breaker.Breaker
	Clock    clock.Clock
}

// Orchestrator answers webhooks.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	onDecision func(hook, outcome string)
	pending    sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.DefaultRingTimeout <= 0 {
		cfg.DefaultRingTimeout = def.DefaultRingTimeout
	}
	if cfg.VoicemailMaxLength <= 0 {
		cfg.VoicemailMaxLength = def.VoicemailMaxLength
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = def.StatusTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("subsystem", "webhook"),
	}
}

// OnDecision registers a hook called with the outcome of every decision.
func (o *Orchestrator) OnDecision(fn func(hook, outcome string)) { o.onDecision = fn }

// Wait blocks until background persistence started by CallStatus finishes.
func (o *Orchestrator) Wait() { o.pending.Wait() }

// Outcome labels.
const (
	outcomeDial         = "dial"
	outcomeRing         = "ring"
	outcomeConference   = "conference"
	outcomeIvr          = "ivr"
	outcomeVoicemail    = "voicemail"
	outcomeHangup       = "hangup"
	outcomeReplay       = "replay"
	outcomeInvalid      = "invalid"
	outcomeNotPermitted = "not_permitted"
	outcomeRejected     = "rejected"
	outcomeUnavailable  = "unavailable"
	outcomeError        = "error"
	outcomeTimeout      = "timeout"
	outcomeBusy         = "busy"
	outcomePanic        = "panic"
)

// result is a rendered decision.
type result struct {
	doc     []byte
	outcome string
}

// decisionGate settles the race between a decision being stored for replay
// and the deadline firing. Whichever claims it first wins.
type decisionGate struct {
	mu        sync.Mutex
	expired   bool
	committed bool
}

type gateKey struct{}

// commit reports whether the decision may still be stored. Once it returns
// true the deadline no longer replaces the decision.
func (g *decisionGate) commit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return false
	}
	g.committed = true
	return true
}

// expire reports whether the fail-safe document may be served instead.
func (g *decisionGate) expire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.committed {
		return false
	}
	g.expired = true
	return true
}

func gateFrom(ctx context.Context) *decisionGate {
	g, _ := ctx.Value(gateKey{}).(*decisionGate)
	return g
}

// decide runs fn under the decision deadline and converts every failure,
// including a panic, into a document.
func (o *Orchestrator) decide(ctx context.Context, hook string, orgID int64, callID string, fn func(context.Context) (result, error)) []byte {
	gate := &decisionGate{}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, gateKey{}, gate), o.cfg.Deadline)
	defer cancel()

	type outcome struct {
		res result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", errPanic, rec)}
			}
		}()
		res, err := fn(ctx)
		done <- outcome{res: res, err: err}
	}()

	var res result
	select {
	case out := <-done:
		res = o.settle(ctx, hook, orgID, callID, out.res, out.err)
	case <-ctx.Done():
		if !gate.expire() {
			// The decision was already stored for replay, so serve it.
			out := <-done
			res = o.settle(ctx, hook, orgID, callID, out.res, out.err)
			break
		}
		o.logger.Error("routing decision deadline exceeded",
			"hook", hook,
			"call_id", callID,
			"organization_id", orgID,
			"deadline", o.cfg.Deadline,
		)
		res = result{doc: cxml.SayAndHangup(cxml.MsgRoutingError), outcome: outcomeTimeout}
	}

	if o.onDecision != nil {
		o.onDecision(hook, res.outcome)
	}
	return res.doc
}

func (o *Orchestrator) settle(ctx context.Context, hook string, orgID int64, callID string, res result, err error) result {
	if err != nil {
		return o.failure(ctx, hook, orgID, callID, err)
	}
	return res
}

// failure maps err onto the error taxonomy. Caller-facing documents never
// carry the cause.
func (o *Orchestrator) failure(ctx context.Context, hook string, orgID int64, callID string, err error) result {
	logArgs := []any{
		"hook", hook,
		"call_id", callID,
		"organization_id", orgID,
		"error", err,
	}
	switch {
	case errors.Is(err, errPanic):
		o.logger.Error("routing decision panicked", logArgs...)
		return result{doc: cxml.SafeHangup(), outcome: outcomePanic}

	case errors.Is(err, ErrMalformed), errors.Is(err, ErrNoTenant):
		o.logger.Warn("webhook rejected", logArgs...)
		return result{doc: cxml.Hangup(), outcome: outcomeHangup}

	case errors.Is(err, routing.ErrRateLimited):
		o.logger.Warn("security violation", logArgs...)
		return result{doc: cxml.RejectCall(), outcome: outcomeRejected}

	case routing.IsSecurityViolation(err):
		o.logger.Warn("security violation", logArgs...)
		return result{doc: cxml.NotPermitted(), outcome: outcomeNotPermitted}

	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInactive),
		errors.Is(err, ErrTooManyHops), errors.Is(err, routing.ErrInvalidTarget):
		o.logger.Warn("routing target unavailable", logArgs...)
		return result{doc: cxml.Unavailable(""), outcome: outcomeUnavailable}

	case errors.Is(err, errCallBusy):
		o.logger.Warn("call busy", logArgs...)
		return result{doc: cxml.Unavailable(""), outcome: outcomeBusy}

	case errors.Is(err, breaker.ErrOpen):
		o.logger.Error("dependency unavailable", logArgs...)
		return result{doc: cxml.SayAndHangup(cxml.MsgRoutingError), outcome: outcomeError}
	}

	if ctx.Err() != nil {
		o.logger.Error("routing decision cancelled", logArgs...)
		return result{doc: cxml.SayAndHangup(cxml.MsgRoutingError), outcome: outcomeTimeout}
	}
	o.logger.Error("routing decision failed", logArgs...)
	return result{doc: cxml.SayAndHangup(cxml.MsgRoutingError), outcome: outcomeError}
}

// callbackURL builds an absolute callback with session data as query
// parameters.
func (o *Orchestrator) callbackURL(path string, params url.Values) string {
	u := o.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
