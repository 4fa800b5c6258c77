package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
)

type contextKey string

const (
	organizationKey contextKey = "organization"
	rawBodyKey      contextKey = "raw_body"
	tenantHolderKey contextKey = "tenant_holder"
)

// maxBodyBytes bounds webhook bodies. CDRs are the largest payloads.
const maxBodyBytes = 1 << 20

// OrganizationResolver finds a tenant by its SIP domain. It returns nil, nil
// when no tenant owns the domain.
type OrganizationResolver interface {
	GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error)
}

// tenantHolder reports the identified tenant back up to RequestLogger.
type tenantHolder struct{ orgID int64 }

func withTenantHolder(ctx context.Context, h *tenantHolder) context.Context {
	return context.WithValue(ctx, tenantHolderKey, h)
}

// WithOrganization attaches the identified tenant to ctx.
func WithOrganization(ctx context.Context, org *models.Organization) context.Context {
	if h, ok := ctx.Value(tenantHolderKey).(*tenantHolder); ok && org != nil {
		h.orgID = org.ID
	}
	return context.WithValue(ctx, organizationKey, org)
}

// OrganizationFromContext returns the tenant attached by Tenant, or nil.
func OrganizationFromContext(ctx context.Context) *models.Organization {
	org, _ := ctx.Value(organizationKey).(*models.Organization)
	return org
}

// RawBody returns the request body captured by BufferBody.
func RawBody(ctx context.Context) []byte {
	b, _ := ctx.Value(rawBodyKey).([]byte)
	return b
}

// BufferBody reads the request body once so it can be verified and parsed.
// Oversized bodies are answered with a hangup.
func BufferBody(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
				if err != nil || len(b) > maxBodyBytes {
					logger.Warn("webhook body rejected",
						"path", r.URL.Path,
						"bytes", len(b),
						"error", err,
					)
					reject(r, OutcomeBodyTooLarge)
					WriteDocument(w, cxml.Hangup())
					return
				}
				body = b
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), rawBodyKey, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Tenant identifies the organization from the webhook's Domain field.
// Unknown and inactive tenants pass through unidentified so the orchestrator
// answers them; a failing lookup is answered with a routing error here.
func Tenant(resolver OrganizationResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			domain := requestDomain(r)
			if domain == "" {
				logger.Warn("webhook without tenant domain", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			org, err := resolver.GetOrganizationByDomain(r.Context(), domain)
			if err != nil {
				logger.Error("tenant lookup failed", "domain", domain, "path", r.URL.Path, "error", err)
				reject(r, OutcomeTenantLookupFailed)
				WriteDocument(w, cxml.SayAndHangup(cxml.MsgRoutingError))
				return
			}
			if org == nil || org.Status != routing.StatusActive {
				logger.Warn("webhook for unknown or inactive tenant", "domain", domain, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOrganization(r.Context(), org)))
		})
	}
}

// requestDomain reads Domain from the JSON or form body, falling back to the
// query string.
func requestDomain(r *http.Request) string {
	body := RawBody(r.Context())
	var domain string
	if len(body) > 0 {
		if isJSON(r) {
			var v struct {
				Domain string `json:"Domain"`
			}
			if json.Unmarshal(body, &v) == nil {
				domain = v.Domain
			}
		} else if form, err := url.ParseQuery(string(body)); err == nil {
			domain = firstOf(form, "Domain", "domain")
		}
	}
	if domain == "" {
		domain = firstOf(r.URL.Query(), "Domain", "domain")
	}
	return NormalizeDomain(domain)
}

// NormalizeDomain lowercases a domain and strips any port.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.LastIndexByte(d, ':'); i >= 0 && !strings.Contains(d[i:], "]") {
		d = d[:i]
	}
	return d
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}

func firstOf(v url.Values, names ...string) string {
	for _, n := range names {
		if s := v.Get(n); s != "" {
			return s
		}
	}
	return ""
}

// WriteDocument writes a protocol document with status 200.
func WriteDocument(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", cxml.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(doc) //nolint:errcheck
}
