// Package routing classifies calls and enforces the tenant and anti-fraud
// rules that apply before any destination is chosen.
package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// Lookup is the subset of the routing cache the classifier reads.
type Lookup interface {
	GetExtension(ctx context.Context, orgID int64, number string) (*models.Extension, error)
	GetDID(ctx context.Context, orgID int64, number string) (*models.DidNumber, error)
}

// Classification is the outcome of Classify.
type Classification struct {
	Type CallType
	From string
	To   string

	// FromExtension is set when From is an active extension that may
	// originate calls.
	FromExtension *models.Extension
	// ToExtension is set when To is an active extension.
	ToExtension *models.Extension
	// ToDID is set when To is an active DID owned by the tenant.
	ToDID *models.DidNumber
}

// Outbound reports whether this is an internal call to an external number.
func (c *Classification) Outbound() bool {
	return c.Type == CallInternal && c.ToExtension == nil && IsE164Syntax(c.To)
}

// Classifier decides internal, external or invalid.
type Classifier struct {
	lookup  Lookup
	limiter *OutboundLimiter
	logger  *slog.Logger
}

// NewClassifier creates a Classifier. limiter may be nil to disable outbound
// rate limiting.
func NewClassifier(lookup Lookup, limiter *OutboundLimiter, logger *slog.Logger) *Classifier {
	return &Classifier{
		lookup:  lookup,
		limiter: limiter,
		logger:  logger.With("subsystem", "classifier"),
	}
}

// Classify resolves From and To inside org. It returns ErrTollFraud when an
// unrecognized caller dials an E.164 number; any other error is a lookup
// failure.
func (c *Classifier) Classify(ctx context.Context, org *models.Organization, rawFrom, rawTo, callID string) (*Classification, error) {
	cls := &Classification{
		From: Normalize(rawFrom),
		To:   Normalize(rawTo),
	}

	var fromExt *models.Extension
	if cls.From != "" {
		ext, err := c.lookup.GetExtension(ctx, org.ID, cls.From)
		if err != nil {
			return nil, fmt.Errorf("looking up caller: %w", err)
		}
		fromExt = ext
		if ext != nil && ext.Status == StatusActive && ExtensionType(ext.Type).CanOriginate() {
			cls.FromExtension = ext
		}
	}

	if cls.To != "" {
		ext, err := c.lookup.GetExtension(ctx, org.ID, cls.To)
		if err != nil {
			return nil, fmt.Errorf("looking up callee extension: %w", err)
		}
		if ext != nil && ext.Status == StatusActive {
			cls.ToExtension = ext
		}

		did, err := c.lookup.GetDID(ctx, org.ID, cls.To)
		if err != nil {
			return nil, fmt.Errorf("looking up callee did: %w", err)
		}
		if did != nil && did.Status == StatusActive && did.OrganizationID == org.ID {
			cls.ToDID = did
		}
	}

	toIsE164 := IsE164Syntax(cls.To)
	switch {
	case cls.FromExtension != nil && (cls.ToExtension != nil || toIsE164):
		cls.Type = CallInternal
	case fromExt == nil && cls.ToDID != nil:
		cls.Type = CallExternal
	default:
		cls.Type = CallInvalid
	}

	if cls.Type == CallInvalid && cls.FromExtension == nil && toIsE164 {
		c.logger.Warn("toll fraud attempt blocked",
			"call_id", callID,
			"organization_id", org.ID,
			"from", cls.From,
			"to", cls.To,
		)
		return cls, ErrTollFraud
	}

	c.logger.Debug("call classified",
		"call_id", callID,
		"organization_id", org.ID,
		"type", cls.Type,
		"from", cls.From,
		"to", cls.To,
	)
	return cls, nil
}

// CheckOutbound applies the outbound dialing policy to an internal call whose
// destination is an external number.
func (c *Classifier) CheckOutbound(ctx context.Context, org *models.Organization, cls *Classification, callID string) error {
	ext := cls.FromExtension
	logArgs := []any{
		"call_id", callID,
		"organization_id", org.ID,
		"extension", ext.ExtensionNumber,
		"to", cls.To,
	}

	if !ExtensionType(ext.Type).AllowsOutbound() {
		c.logger.Warn("outbound dialing denied by policy", append(logArgs, "extension_type", ext.Type)...)
		return ErrOutboundNotAllowed
	}
	if !IsDialable(cls.To) {
		c.logger.Warn("outbound dialing to undialable number", logArgs...)
		return ErrInvalidDestination
	}
	if c.limiter != nil && !c.limiter.Allow(ext.ID) {
		c.logger.Warn("outbound dial rate exceeded", logArgs...)
		return ErrRateLimited
	}
	return nil
}
