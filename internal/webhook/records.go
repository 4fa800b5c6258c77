package webhook

import (
	"context"
	"fmt"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// Call statuses reported by the platform.
const (
	StatusRinging   = "ringing"
	StatusAnswered  = "answered"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no-answer"
)

// CallStatuses lists every accepted status.
var CallStatuses = []string{StatusRinging, StatusAnswered, StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer}

// CallStatus is a session-update event.
type CallStatus struct {
	Org    *models.Organization
	CallID string
	Status string
}

// HandleCallStatus acknowledges a status event immediately and persists it
// in the background. Final statuses also drop the call's routing state.
func (o *Orchestrator) HandleCallStatus(ctx context.Context, ev CallStatus) {
	if ev.Org == nil || ev.CallID == "" || ev.Status == "" {
		o.logger.Warn("call status ignored",
			"call_id", ev.CallID,
			"organization_id", orgID(ev.Org),
			"status", ev.Status,
		)
		if o.onDecision != nil {
			o.onDecision(HookCallStatus, outcomeInvalid)
		}
		return
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StatusTimeout)
		defer cancel()

		err := o.deps.Database.Call(ctx, func(ctx context.Context) error {
			return o.deps.Statuses.Create(ctx, &models.CallStatusEvent{
				OrganizationID: ev.Org.ID,
				CallID:         ev.CallID,
				Status:         ev.Status,
				ReceivedAt:     o.deps.Clock.Now().UTC(),
			})
		}, nil)
		if err != nil {
			o.logger.Error("persisting call status",
				"call_id", ev.CallID,
				"organization_id", ev.Org.ID,
				"status", ev.Status,
				"error", err,
			)
		}

		if ev.Status == StatusCompleted || ev.Status == StatusFailed {
			if err := o.deps.Calls.Clear(ctx, ev.Org.ID, ev.CallID); err != nil {
				o.logger.Warn("clearing call state", "call_id", ev.CallID, "error", err)
			}
		}

		o.logger.Debug("call status recorded",
			"call_id", ev.CallID,
			"organization_id", ev.Org.ID,
			"status", ev.Status,
		)
	}()
	if o.onDecision != nil {
		o.onDecision(HookCallStatus, "accepted")
	}
}

// RecordCDR stores a call detail record synchronously and returns its id.
func (o *Orchestrator) RecordCDR(ctx context.Context, org *models.Organization, cdr *models.CDR) (string, error) {
	if org == nil {
		return "", ErrNoTenant
	}
	cdr.OrganizationID = org.ID
	if cdr.CreatedAt.IsZero() {
		cdr.CreatedAt = o.deps.Clock.Now().UTC()
	}

	err := o.deps.Database.Call(ctx, func(ctx context.Context) error {
		return o.deps.CDRs.Create(ctx, cdr)
	}, nil)
	if err != nil {
		o.logger.Error("storing cdr",
			"call_id", cdr.CallID,
			"organization_id", org.ID,
			"error", err,
		)
		if o.onDecision != nil {
			o.onDecision(HookCDR, outcomeError)
		}
		return "", fmt.Errorf("storing cdr: %w", err)
	}

	o.logger.Info("cdr stored",
		"cdr_id", cdr.ID,
		"call_id", cdr.CallID,
		"organization_id", org.ID,
		"disposition", cdr.Disposition,
		"duration", cdr.Duration,
	)
	if o.onDecision != nil {
		o.onDecision(HookCDR, "stored")
	}
	return cdr.ID, nil
}
