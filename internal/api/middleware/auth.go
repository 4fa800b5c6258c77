package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flowpbx/callrouter/internal/cxml"
)

// Webhook authentication modes.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthHMAC   = "hmac"
)

// errNoTenant reports a webhook whose credentials cannot be checked
// because no tenant was identified.
var errNoTenant = errors.New("no tenant identified")

// AuthModes lists the accepted modes.
var AuthModes = []string{AuthNone, AuthBearer, AuthHMAC}

// WebhookAuthConfig selects how webhooks are authenticated. Secret is the
// JWT signing secret in bearer mode and the HKDF master secret in hmac mode.
type WebhookAuthConfig struct {
	Mode   string
	Secret []byte
}

// Validate rejects unknown modes and missing secrets.
func (c WebhookAuthConfig) Validate() error {
	switch c.Mode {
	case AuthNone:
		return nil
	case AuthBearer, AuthHMAC:
		if len(c.Secret) == 0 {
			return fmt.Errorf("webhook auth mode %q requires a secret", c.Mode)
		}
		return nil
	}
	return fmt.Errorf("unknown webhook auth mode %q (want one of %s)", c.Mode, strings.Join(AuthModes, ", "))
}

// WebhookAuth authenticates signaling platform webhooks. It must run after
// BufferBody and Tenant. The platform cannot act on an HTTP error mid-call,
// so failures are answered 200 with a hangup document.
func WebhookAuth(cfg WebhookAuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := authenticate(cfg, r); err != nil {
				org := OrganizationFromContext(r.Context())
				var orgID int64
				if org != nil {
					orgID = org.ID
				}
				logger.Warn("webhook authentication failed",
					"mode", cfg.Mode,
					"path", r.URL.Path,
					"organization_id", orgID,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				outcome := OutcomeUnauthenticated
				if errors.Is(err, errNoTenant) {
					outcome = OutcomeTenantUnidentified
				}
				reject(r, outcome)
				WriteDocument(w, cxml.Hangup())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authenticate(cfg WebhookAuthConfig, r *http.Request) error {
	org := OrganizationFromContext(r.Context())

	switch cfg.Mode {
	case AuthNone:
		return nil

	case AuthBearer:
		claims, err := parseBearer(r, cfg.Secret)
		if err != nil {
			return err
		}
		if claims.Domain == "" {
			return nil
		}
		if org == nil {
			return fmt.Errorf("%w: token pinned to domain %q", errNoTenant, claims.Domain)
		}
		if NormalizeDomain(org.Domain) != claims.Domain {
			return fmt.Errorf("token pinned to domain %q", claims.Domain)
		}
		return nil

	case AuthHMAC:
		if org == nil {
			return errNoTenant
		}
		key, err := TenantKey(cfg.Secret, org.Domain)
		if err != nil {
			return err
		}
		if !VerifySignature(key, r.URL.RawQuery, RawBody(r.Context()), r.Header.Get(SignatureHeader)) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	}
	return fmt.Errorf("unknown auth mode %q", cfg.Mode)
}
