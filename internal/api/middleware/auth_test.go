package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database/models"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	acme       = &models.Organization{ID: 1, Domain: "acme.example", Status: "active"}
)

// okHandler answers 204 so tests can tell it apart from a hangup document.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func webhookRequest(org *models.Organization, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/call-initiated", strings.NewReader(body))
	ctx := context.WithValue(req.Context(), rawBodyKey, []byte(body))
	if org != nil {
		ctx = WithOrganization(ctx, org)
	}
	return req.WithContext(ctx)
}

func token(t *testing.T, domain, scope string, ttl time.Duration) string {
	t.Helper()
	tok, _, err := GenerateToken(testSecret, "platform", domain, scope, ttl)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	return tok
}

func TestWebhookAuthConfigValidate(t *testing.T) {
	tests := []struct {
		cfg     WebhookAuthConfig
		wantErr bool
	}{
		{WebhookAuthConfig{Mode: AuthNone}, false},
		{WebhookAuthConfig{Mode: AuthBearer, Secret: testSecret}, false},
		{WebhookAuthConfig{Mode: AuthHMAC, Secret: testSecret}, false},
		{WebhookAuthConfig{Mode: AuthBearer}, true},
		{WebhookAuthConfig{Mode: AuthHMAC}, true},
		{WebhookAuthConfig{Mode: "basic", Secret: testSecret}, true},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.cfg.Mode, err, tt.wantErr)
		}
	}
}

func TestWebhookAuthBearer(t *testing.T) {
	auth := WebhookAuth(WebhookAuthConfig{Mode: AuthBearer, Secret: testSecret}, testLogger())(okHandler)

	tests := []struct {
		name   string
		org    *models.Organization
		header string
		pass   bool
	}{
		{"unpinned token", acme, "Bearer " + token(t, "", "", time.Hour), true},
		{"pinned to tenant", acme, "Bearer " + token(t, "ACME.example", "", time.Hour), true},
		{"pinned to another tenant", acme, "Bearer " + token(t, "other.example", "", time.Hour), false},
		{"pinned without tenant", nil, "Bearer " + token(t, "acme.example", "", time.Hour), false},
		{"expired", acme, "Bearer " + token(t, "", "", -time.Minute), false},
		{"missing", acme, "", false},
		{"wrong scheme", acme, "Basic dXNlcjpwYXNz", false},
		{"garbage", acme, "Bearer not-a-jwt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := webhookRequest(tt.org, "{}")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			auth.ServeHTTP(rr, req)

			if tt.pass {
				if rr.Code != http.StatusNoContent {
					t.Fatalf("expected pass-through, got %d: %s", rr.Code, rr.Body.String())
				}
				return
			}
			if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), cxml.Hangup()) {
				t.Fatalf("expected 200 hangup, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestWebhookAuthHMAC(t *testing.T) {
	auth := WebhookAuth(WebhookAuthConfig{Mode: AuthHMAC, Secret: testSecret}, testLogger())(okHandler)
	body := `{"CallSid":"CA1","From":"+61400111222","To":"+61290001111","Domain":"acme.example"}`

	acmeKey, err := TenantKey(testSecret, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := TenantKey(testSecret, "other.example")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		org       *models.Organization
		signature string
		pass      bool
	}{
		{"valid", acme, Sign(acmeKey, "", []byte(body)), true},
		{"other tenant key", acme, Sign(otherKey, "", []byte(body)), false},
		{"tampered body", acme, Sign(acmeKey, "", []byte(body+" ")), false},
		{"missing prefix", acme, strings.TrimPrefix(Sign(acmeKey, "", []byte(body)), "sha256="), false},
		{"missing", acme, "", false},
		{"no tenant", nil, Sign(acmeKey, "", []byte(body)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := webhookRequest(tt.org, body)
			req.Header.Set(SignatureHeader, tt.signature)
			rr := httptest.NewRecorder()
			auth.ServeHTTP(rr, req)

			if got := rr.Code == http.StatusNoContent; got != tt.pass {
				t.Fatalf("pass = %v, want %v (status %d)", got, tt.pass, rr.Code)
			}
		})
	}
}

func TestWebhookAuthHMACCoversQuery(t *testing.T) {
	auth := WebhookAuth(WebhookAuthConfig{Mode: AuthHMAC, Secret: testSecret}, testLogger())(okHandler)
	body := `{"CallSid":"CA1","DialCallStatus":"no-answer","Domain":"acme.example"}`
	signedQuery := "attempt_number=1&ring_group_id=7&visit=1"

	key, err := TenantKey(testSecret, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	sig := Sign(key, signedQuery, []byte(body))

	tests := []struct {
		name  string
		query string
		pass  bool
	}{
		{"signed query", signedQuery, true},
		{"rewritten ring group", "attempt_number=1&ring_group_id=8&visit=1", false},
		{"dropped query", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := webhookRequest(acme, body)
			req.URL.RawQuery = tt.query
			req.Header.Set(SignatureHeader, sig)
			rr := httptest.NewRecorder()
			auth.ServeHTTP(rr, req)

			if got := rr.Code == http.StatusNoContent; got != tt.pass {
				t.Fatalf("pass = %v, want %v (status %d)", got, tt.pass, rr.Code)
			}
		})
	}
}

func TestWebhookAuthReportsRejection(t *testing.T) {
	tests := []struct {
		name string
		org  *models.Organization
		want string
	}{
		{"bad signature", acme, OutcomeUnauthenticated},
		{"no tenant", nil, OutcomeTenantUnidentified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			chain := RecordRejections(func(r *http.Request, outcome string) {
				got = append(got, r.URL.Path+" "+outcome)
			})(WebhookAuth(WebhookAuthConfig{Mode: AuthHMAC, Secret: testSecret}, testLogger())(okHandler))

			req := webhookRequest(tt.org, `{}`)
			req.Header.Set(SignatureHeader, "sha256=00")
			chain.ServeHTTP(httptest.NewRecorder(), req)

			if len(got) != 1 || got[0] != "/webhooks/call-initiated "+tt.want {
				t.Fatalf("rejections = %v, want %s", got, tt.want)
			}
		})
	}

	var got []string
	chain := RecordRejections(func(r *http.Request, outcome string) {
		got = append(got, outcome)
	})(WebhookAuth(WebhookAuthConfig{Mode: AuthNone}, testLogger())(okHandler))
	chain.ServeHTTP(httptest.NewRecorder(), webhookRequest(nil, ""))
	if len(got) != 0 {
		t.Errorf("accepted webhook reported as %v", got)
	}
}

func TestWebhookAuthNone(t *testing.T) {
	auth := WebhookAuth(WebhookAuthConfig{Mode: AuthNone}, testLogger())(okHandler)
	rr := httptest.NewRecorder()
	auth.ServeHTTP(rr, webhookRequest(nil, ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rr.Code)
	}
}

func TestTenantKeyIsPerDomain(t *testing.T) {
	a, err := TenantKey(testSecret, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	b, err := TenantKey(testSecret, "ACME.example:5060")
	if err != nil {
		t.Fatal(err)
	}
	c, err := TenantKey(testSecret, "other.example")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("key differs for the same normalized domain")
	}
	if bytes.Equal(a, c) {
		t.Error("two tenants share a key")
	}
	if _, err := TenantKey(nil, "acme.example"); err == nil {
		t.Error("TenantKey accepted an empty master secret")
	}
}

func TestRequireInternal(t *testing.T) {
	guard := RequireInternal(testSecret, testLogger())(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"internal scope", "Bearer " + token(t, "", ScopeInternal, time.Hour), http.StatusNoContent},
		{"webhook token", "Bearer " + token(t, "acme.example", "", time.Hour), http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"expired", "Bearer " + token(t, "", ScopeInternal, -time.Minute), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/internal/breakers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			guard.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}
