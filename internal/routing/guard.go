package routing

import (
	"context"
	"errors"
	"log/slog"
)

// LevelCritical is the slog level used for tenant isolation breaches.
const LevelCritical = slog.LevelError + 4

// Security violations. Callers answer these with a "not permitted" document;
// the distinction between them stays in the logs.
var (
	ErrTollFraud          = errors.New("external caller dialing an outbound number")
	ErrTenantMismatch     = errors.New("tenant isolation violation")
	ErrOutboundNotAllowed = errors.New("extension type may not dial outbound")
	ErrInvalidDestination = errors.New("destination number is not dialable")
	ErrRateLimited        = errors.New("outbound dial rate exceeded")
)

// IsSecurityViolation reports whether err belongs to the security class.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrTollFraud) ||
		errors.Is(err, ErrTenantMismatch) ||
		errors.Is(err, ErrOutboundNotAllowed) ||
		errors.Is(err, ErrInvalidDestination) ||
		errors.Is(err, ErrRateLimited)
}

// Guard re-verifies tenant ownership at the point of routing.
type Guard struct {
	logger   *slog.Logger
	onBreach func()
}

// NewGuard creates a Guard.
func NewGuard(logger *slog.Logger) *Guard {
	return &Guard{logger: logger.With("subsystem", "tenant_guard")}
}

// OnBreach registers a hook called for every detected breach.
func (g *Guard) OnBreach(fn func()) { g.onBreach = fn }

// Verify checks that an entity loaded for orgID really belongs to orgID.
func (g *Guard) Verify(ctx context.Context, orgID, ownerOrgID int64, entity string, entityID int64, callID string) error {
	if orgID != 0 && orgID == ownerOrgID {
		return nil
	}
	g.logger.Log(ctx, LevelCritical, "tenant isolation breach blocked",
		"call_id", callID,
		"organization_id", orgID,
		"owner_organization_id", ownerOrgID,
		"entity", entity,
		"entity_id", entityID,
	)
	if g.onBreach != nil {
		g.onBreach()
	}
	return ErrTenantMismatch
}
