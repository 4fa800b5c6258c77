package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/clock"
	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/ivr"
	"github.com/flowpbx/callrouter/internal/ringgroup"
	"github.com/flowpbx/callrouter/internal/routecache"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/webhook"
)

const (
	testDomain   = "acme.example"
	testDID      = "+61290001111"
	testCaller   = "+61400111222"
	testBaseURL  = "https://router.example"
	masterSecret = "webhook-master-secret"
)

var internalSecret = []byte("internal-secret")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type env struct {
	srv       *Server
	orch      *webhook.Orchestrator
	db        *database.DB
	org       *models.Organization
	ringGroup *models.RingGroup
	tenantKey []byte

	mu        sync.Mutex
	malformed []string
}

// newEnv wires the full routing stack over a fresh SQLite database and an
// in-memory cache, authenticating webhooks with per-tenant HMAC.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	// Wednesday 10:00 UTC.
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))

	db, err := database.Open(database.DialectSQLite, t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	org := &models.Organization{Name: "Acme", Domain: testDomain, OutboundCallerID: "+61290000000"}
	if err := database.NewOrganizationRepository(db).Create(ctx, org); err != nil {
		t.Fatalf("creating organization: %v", err)
	}
	exts := database.NewExtensionRepository(db)
	var ids []int64
	for _, n := range []string{"1001", "1002", "1003"} {
		e := &models.Extension{OrganizationID: org.ID, ExtensionNumber: n, Type: "user"}
		if err := exts.Create(ctx, e); err != nil {
			t.Fatalf("creating extension %s: %v", n, err)
		}
		ids = append(ids, e.ID)
	}
	rg := &models.RingGroup{
		OrganizationID: org.ID, Name: "Sales", Strategy: "sequential", TimeoutSeconds: 20,
		FallbackAction: "extension", FallbackTargetID: &ids[2],
		Members: []models.RingGroupMember{{ExtensionID: ids[0], Priority: 1}, {ExtensionID: ids[1], Priority: 2}},
	}
	if err := database.NewRingGroupRepository(db).Create(ctx, rg); err != nil {
		t.Fatalf("creating ring group: %v", err)
	}
	did := &models.DidNumber{
		OrganizationID: org.ID, PhoneNumber: testDID, RoutingType: "ring_group",
		RoutingConfig: json.RawMessage(fmt.Sprintf(`{"ring_group_id":%d}`, rg.ID)),
	}
	if err := database.NewDidNumberRepository(db).Create(ctx, did); err != nil {
		t.Fatalf("creating did: %v", err)
	}

	mem := cache.NewMemoryStore(clk)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), mem, clk, logger)
	rc := routecache.New(mem, routecache.Repositories{
		Organizations:   database.NewOrganizationRepository(db),
		Extensions:      exts,
		DIDs:            database.NewDidNumberRepository(db),
		RingGroups:      database.NewRingGroupRepository(db),
		Schedules:       database.NewScheduleRepository(db),
		IvrMenus:        database.NewIvrMenuRepository(db),
		ConferenceRooms: database.NewConferenceRoomRepository(db),
	}, routecache.DefaultTTLs(), breakers, logger)

	guard := routing.NewGuard(logger)
	cfg := webhook.DefaultConfig()
	cfg.BaseURL = testBaseURL
	orch := webhook.New(cfg, webhook.Deps{
		Lookup:     rc,
		Classifier: routing.NewClassifier(rc, nil, logger),
		Guard:      guard,
		RingGroups: ringgroup.NewEngine(rc, ringgroup.ProfileStandard, guard, logger),
		IVR:        ivr.NewMachine(logger),
		Calls: callstate.NewStore(mem,
			cache.NewLocker(mem, clk, 5*time.Second, 50*time.Millisecond),
			breakers.Get(breaker.ServiceCache), clk, time.Hour, logger),
		CDRs:     database.NewCDRRepository(db),
		Statuses: database.NewCallStatusRepository(db),
		Database: breakers.Get(breaker.ServiceDatabase),
		Clock:    clk,
	}, logger)

	srv := NewServer(Deps{
		Orchestrator: orch,
		Tenants:      rc,
		Cache:        rc,
		Breakers:     breakers,
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "metrics") }),
		Clock:        clk,
	}, Options{
		WebhookAuth:    middleware.WebhookAuthConfig{Mode: middleware.AuthHMAC, Secret: []byte(masterSecret)},
		InternalSecret: internalSecret,
	}, logger)

	key, err := middleware.TenantKey([]byte(masterSecret), testDomain)
	if err != nil {
		t.Fatalf("deriving tenant key: %v", err)
	}

	e := &env{srv: srv, orch: orch, db: db, org: org, ringGroup: rg, tenantKey: key}
	srv.OnMalformed(func(hook, outcome string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.malformed = append(e.malformed, hook+":"+outcome)
	})
	return e
}

// post sends a signed webhook.
func (e *env) post(t *testing.T, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(middleware.SignatureHeader, middleware.Sign(e.tenantKey, req.URL.RawQuery, []byte(body)))
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *env) initiate(t *testing.T, callID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"Domain":%q,"CallSid":%q,"From":%q,"To":%q}`, testDomain, callID, testCaller, testDID)
	rec := e.post(t, PathCallInitiated, "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("call-initiated status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestCallInitiatedRingsFirstMember(t *testing.T) {
	e := newEnv(t)

	rec := e.post(t, PathCallInitiated, "application/json",
		fmt.Sprintf(`{"Domain":"ACME.example","CallSid":"CA1","From":%q,"To":%q}`, testCaller, testDID))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != cxml.ContentType {
		t.Errorf("content-type = %q, want %q", ct, cxml.ContentType)
	}
	body := rec.Body.String()
	wantAction := fmt.Sprintf(`action="%s%s?attempt_number=1&amp;ring_group_id=%d&amp;visit=1"`,
		testBaseURL, webhook.PathRingGroupCallback, e.ringGroup.ID)
	if !strings.Contains(body, "<Number>1001</Number>") || !strings.Contains(body, wantAction) {
		t.Fatalf("document:\n%s", body)
	}
}

func TestRingGroupCallbackEncodings(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		query       bool
		body        func(callID string, rgID int64) string
	}{
		{
			name:        "form with session in query",
			contentType: "application/x-www-form-urlencoded",
			query:       true,
			body: func(callID string, _ int64) string {
				return url.Values{"Domain": {testDomain}, "CallSid": {callID}, "DialCallStatus": {"no-answer"}}.Encode()
			},
		},
		{
			name:        "form with json session string",
			contentType: "application/x-www-form-urlencoded",
			body: func(callID string, rgID int64) string {
				sd := fmt.Sprintf(`{"ring_group_id":%d,"attempt_number":1,"visit":1}`, rgID)
				return url.Values{"Domain": {testDomain}, "CallSid": {callID}, "DialCallStatus": {"no-answer"}, "SessionData": {sd}}.Encode()
			},
		},
		{
			name:        "json with session object",
			contentType: "application/json",
			body: func(callID string, rgID int64) string {
				return fmt.Sprintf(`{"Domain":%q,"CallSid":%q,"DialCallStatus":"NO-ANSWER","SessionData":{"ring_group_id":%d,"attempt_number":1,"visit":1}}`,
					testDomain, callID, rgID)
			},
		},
		{
			name:        "json with query encoded session",
			contentType: "application/json",
			body: func(callID string, rgID int64) string {
				return fmt.Sprintf(`{"Domain":%q,"CallSid":%q,"DialCallStatus":"busy","SessionData":"ring_group_id=%d&attempt_number=1&visit=1"}`,
					testDomain, callID, rgID)
			},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			callID := fmt.Sprintf("CA-enc-%d", i)
			e.initiate(t, callID)

			target := webhook.PathRingGroupCallback
			if tt.query {
				target += fmt.Sprintf("?attempt_number=1&ring_group_id=%d&visit=1", e.ringGroup.ID)
			}
			rec := e.post(t, target, tt.contentType, tt.body(callID, e.ringGroup.ID))

			body := rec.Body.String()
			if !strings.Contains(body, "<Number>1002</Number>") || !strings.Contains(body, "attempt_number=2") {
				t.Fatalf("second attempt:\n%s", body)
			}
		})
	}
}

func TestRingGroupCallbackFallsBack(t *testing.T) {
	e := newEnv(t)
	e.initiate(t, "CA1")

	for attempt, status := range []string{"no-answer", "busy"} {
		target := fmt.Sprintf("%s?attempt_number=%d&ring_group_id=%d&visit=1",
			webhook.PathRingGroupCallback, attempt+1, e.ringGroup.ID)
		body := url.Values{"Domain": {testDomain}, "CallSid": {"CA1"}, "DialCallStatus": {status}}.Encode()
		rec := e.post(t, target, "application/x-www-form-urlencoded", body)
		if attempt == 1 && !strings.Contains(rec.Body.String(), "<Number>1003</Number>") {
			t.Fatalf("fallback:\n%s", rec.Body.String())
		}
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	body := fmt.Sprintf(`{"Domain":%q,"CallSid":"CA1","From":%q,"To":%q}`, testDomain, testCaller, testDID)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong key", middleware.Sign([]byte("other"), "", []byte(body))},
		{"tampered body", middleware.Sign(e.tenantKey, "", []byte(body+" "))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.malformed = nil
			req := httptest.NewRequest(http.MethodPost, PathCallInitiated, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set(middleware.SignatureHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			e.srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if rec.Body.String() != string(cxml.Hangup()) {
				t.Errorf("body = %s, want hangup", rec.Body.String())
			}
			want := webhook.HookCallInitiated + ":" + middleware.OutcomeUnauthenticated
			if len(e.malformed) != 1 || e.malformed[0] != want {
				t.Errorf("rejected hooks = %v, want [%s]", e.malformed, want)
			}
		})
	}
}

func TestWebhookUnknownTenantHangsUp(t *testing.T) {
	e := newEnv(t)
	body := fmt.Sprintf(`{"Domain":"unknown.example","CallSid":"CA1","From":%q,"To":%q}`, testCaller, testDID)
	rec := e.post(t, PathCallInitiated, "application/json", body)

	if rec.Body.String() != string(cxml.Hangup()) {
		t.Errorf("body = %s, want hangup", rec.Body.String())
	}
}

func TestMalformedWebhookHangsUp(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		body    string
		hook    string
		outcome string
	}{
		{
			name:    "missing call id",
			target:  PathCallInitiated,
			body:    fmt.Sprintf(`{"Domain":%q,"From":%q,"To":%q}`, testDomain, testCaller, testDID),
			hook:    webhook.HookCallInitiated,
			outcome: outcomeMalformed,
		},
		{
			// No readable Domain, so no tenant key to check the signature with.
			name:    "invalid json",
			target:  PathCallInitiated,
			body:    `{"Domain":`,
			hook:    webhook.HookCallInitiated,
			outcome: middleware.OutcomeTenantUnidentified,
		},
		{
			name:    "non numeric attempt",
			target:  webhook.PathRingGroupCallback + "?attempt_number=two&ring_group_id=1&visit=1",
			body:    fmt.Sprintf(`{"Domain":%q,"CallSid":"CA1","DialCallStatus":"busy"}`, testDomain),
			hook:    webhook.HookRingGroupCallback,
			outcome: outcomeMalformed,
		},
		{
			name:    "non dtmf digits",
			target:  webhook.PathIvrInput + "?ivr_id=1&visit=1&turn=0",
			body:    fmt.Sprintf(`{"Domain":%q,"CallSid":"CA1","Digits":"1a"}`, testDomain),
			hook:    webhook.HookIvrInput,
			outcome: outcomeMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.post(t, tt.target, "application/json", tt.body)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if rec.Body.String() != string(cxml.Hangup()) {
				t.Errorf("body = %s, want hangup", rec.Body.String())
			}
			if len(e.malformed) != 1 || e.malformed[0] != tt.hook+":"+tt.outcome {
				t.Errorf("malformed hooks = %v", e.malformed)
			}
		})
	}
}

func TestCallStatusPersistsAsynchronously(t *testing.T) {
	e := newEnv(t)
	e.initiate(t, "CA1")

	body := url.Values{"Domain": {testDomain}, "CallSid": {"CA1"}, "CallStatus": {"Answered"}}.Encode()
	rec := e.post(t, webhook.PathCallStatus, "application/x-www-form-urlencoded", body)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("status = %d body = %q, want empty 200", rec.Code, rec.Body.String())
	}

	e.orch.Wait()
	events, err := database.NewCallStatusRepository(e.db).ListByCall(context.Background(), e.org.ID, "CA1")
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 1 || events[0].Status != "answered" {
		t.Fatalf("events = %+v, want one answered", events)
	}
}

func TestCallStatusMalformedStillAcknowledged(t *testing.T) {
	e := newEnv(t)
	body := url.Values{"Domain": {testDomain}, "CallSid": {"CA1"}, "CallStatus": {"exploded"}}.Encode()
	rec := e.post(t, PathSessionUpdate, "application/x-www-form-urlencoded", body)

	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("status = %d body = %q, want empty 200", rec.Code, rec.Body.String())
	}
	if len(e.malformed) != 1 {
		t.Errorf("malformed hooks = %v", e.malformed)
	}
}

func TestCDR(t *testing.T) {
	e := newEnv(t)
	body := fmt.Sprintf(`{"Domain":%q,"call_id":"CA1","from":%q,"to":%q,"duration":42,"disposition":"ANSWERED","direction":"inbound","cost":0.12}`,
		testDomain, testCaller, testDID)
	rec := e.post(t, PathCDR, "application/json", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data  map[string]string `json:"data"`
		Error string            `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error != "" || resp.Data["id"] == "" {
		t.Fatalf("response = %s", rec.Body.String())
	}

	cdr, err := database.NewCDRRepository(e.db).GetByID(context.Background(), e.org.ID, resp.Data["id"])
	if err != nil || cdr == nil {
		t.Fatalf("GetByID() = %v, %v", cdr, err)
	}
	if cdr.Duration != 42 || cdr.Disposition != "answered" || cdr.Cost == nil || *cdr.Cost != 0.12 {
		t.Errorf("stored cdr = %+v", cdr)
	}
}

func TestCDRMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad direction",
			body: fmt.Sprintf(`{"Domain":%q,"call_id":"CA1","from":"a","to":"b","disposition":"answered","direction":"sideways"}`, testDomain),
			want: "direction must be one of: inbound, outbound, internal",
		},
		{
			name: "bad duration",
			body: fmt.Sprintf(`{"Domain":%q,"call_id":"CA1","from":"a","to":"b","disposition":"answered","direction":"inbound","duration":"long"}`, testDomain),
			want: "duration is not an integer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.post(t, PathCDR, "application/json", tt.body)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var resp envelope
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if resp.Error != tt.want {
				t.Errorf("error = %q, want %q", resp.Error, tt.want)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var h healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	want := healthResponse{Status: "ok", Service: "callrouter", Timestamp: "2025-03-12T10:00:00Z"}
	if h != want {
		t.Errorf("health = %+v, want %+v", h, want)
	}
}

func TestMetricsMounted(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "metrics" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func internalRequest(t *testing.T, method, target, body, scope string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if scope != "" {
		token, _, err := middleware.GenerateToken(internalSecret, "ops", "", scope, time.Hour)
		if err != nil {
			t.Fatalf("generating token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestInternalBreakers(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name  string
		scope string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong scope", "webhook", http.StatusForbidden},
		{"internal scope", middleware.ScopeInternal, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.srv.ServeHTTP(rec, internalRequest(t, http.MethodGet, "/internal/breakers", "", tt.scope))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, internalRequest(t, http.MethodGet, "/internal/breakers", "", middleware.ScopeInternal))
	var resp struct {
		Data []breaker.Status `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding breakers: %v", err)
	}
	for _, s := range resp.Data {
		if !s.IsHealthy {
			t.Errorf("breaker %s unhealthy: %+v", s.Service, s)
		}
	}
}

func TestInternalCacheInvalidate(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"extension", fmt.Sprintf(`{"kind":"extension","organization_id":%d,"number":"1001"}`, e.org.ID), http.StatusOK, ""},
		{"organization", `{"kind":"organization","domain":"acme.example"}`, http.StatusOK, ""},
		{"missing number", fmt.Sprintf(`{"kind":"did","organization_id":%d}`, e.org.ID), http.StatusBadRequest, "number is required"},
		{"unknown kind", `{"kind":"user","organization_id":1}`, http.StatusBadRequest, "kind must be one of: organization, extension, did, schedule, ring_group, ivr_menu, conference_room"},
		{"unknown field", `{"kind":"extension","extra":true}`, http.StatusBadRequest, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.srv.ServeHTTP(rec, internalRequest(t, http.MethodPost, "/internal/cache/invalidate", tt.body, middleware.ScopeInternal))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			var resp envelope
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if resp.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantErr)
			}
		})
	}
}

func TestInvalidatedExtensionIsReloaded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	repo := database.NewExtensionRepository(e.db)
	call := func(callID string) string {
		body := fmt.Sprintf(`{"Domain":%q,"CallSid":%q,"From":"1002","To":"1001"}`, testDomain, callID)
		return e.post(t, PathCallInitiated, "application/json", body).Body.String()
	}

	if doc := call("CA1"); !strings.Contains(doc, "<Number>1001</Number>") {
		t.Fatalf("first call:\n%s", doc)
	}

	ext, err := repo.GetByNumber(ctx, e.org.ID, "1001")
	if err != nil || ext == nil {
		t.Fatalf("GetByNumber() = %v, %v", ext, err)
	}
	if err := repo.UpdateStatus(ctx, e.org.ID, ext.ID, "inactive"); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	// Still cached.
	if doc := call("CA2"); !strings.Contains(doc, "<Number>1001</Number>") {
		t.Fatalf("cached call:\n%s", doc)
	}

	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, internalRequest(t, http.MethodPost, "/internal/cache/invalidate",
		fmt.Sprintf(`{"kind":"extension","organization_id":%d,"number":"1001"}`, e.org.ID), middleware.ScopeInternal))
	if rec.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d", rec.Code)
	}

	if doc := call("CA3"); doc != string(cxml.SayAndHangup(cxml.MsgCannotComplete)) {
		t.Fatalf("after invalidation:\n%s", doc)
	}
}
