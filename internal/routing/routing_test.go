package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/flowpbx/callrouter/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+61 2 9999 0000", "+61299990000"},
		{"(02) 9999-0000", "0299990000"},
		{"1001", "1001"},
		{"sip:1001@acme.example", "1001"},
		{"sips:+61299990000@acme.example;transport=tls", "+61299990000"},
		{`"Alice" <sip:1002@acme.example>`, "1002"},
		{"tel:+61299990000;ext=1", "+61299990000"},
		{"61+2", "612"},
		{"++61", "+61"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsValidE164(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"+61299990000", true},
		{"+1234567", true},
		{"+123456789012345", true},
		{"+1234567890123456", false},
		{"+123456", false},
		{"61299990000", false},
		{"+6129999000a", false},
		{"+0000000000", false},
		{"+1111111111", false},
		{"+0612999900", false},
		{"+", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsValidE164(tt.in); got != tt.want {
				t.Errorf("IsValidE164(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsDialable(t *testing.T) {
	if IsDialable("+1234567") {
		t.Error("7-digit number should not be dialable")
	}
	if !IsDialable("+12345678") {
		t.Error("8-digit number should be dialable")
	}
	if IsDialable("+2222222222") {
		t.Error("repeated digit number should not be dialable")
	}
}

func TestExtensionTypeBehavior(t *testing.T) {
	tests := []struct {
		typ       ExtensionType
		originate bool
		outbound  bool
		member    bool
	}{
		{ExtUser, true, true, true},
		{ExtAIAssistant, true, false, false},
		{ExtForward, false, false, false},
		{ExtRingGroup, false, false, false},
		{ExtIVR, false, false, false},
		{ExtConference, false, false, false},
		{ExtCustomLogic, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.CanOriginate(); got != tt.originate {
				t.Errorf("CanOriginate() = %v", got)
			}
			if got := tt.typ.AllowsOutbound(); got != tt.outbound {
				t.Errorf("AllowsOutbound() = %v", got)
			}
			if got := tt.typ.CanBeRingGroupMember(); got != tt.member {
				t.Errorf("CanBeRingGroupMember() = %v", got)
			}
			if tt.typ.Label() == "Unknown" {
				t.Error("missing label")
			}
		})
	}

	if _, ok := ParseExtensionType("pager"); ok {
		t.Error("ParseExtensionType accepted unknown type")
	}
}

func TestCallTypeRoutable(t *testing.T) {
	for typ, want := range map[CallType]bool{
		CallInternal: true,
		CallExternal: true,
		CallInvalid:  false,
		"":           false,
	} {
		if got := typ.Routable(); got != want {
			t.Errorf("%q.Routable() = %v, want %v", typ, got, want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"extension:12", Target{Kind: TargetExtension, ID: 12}, false},
		{"ring_group:4", Target{Kind: TargetRingGroup, ID: 4}, false},
		{"ivr_menu:2", Target{Kind: TargetIvrMenu, ID: 2}, false},
		{"conference_room:9", Target{Kind: TargetConferenceRoom, ID: 9}, false},
		{"business_hours:3", Target{Kind: TargetBusinessHours, ID: 3}, false},
		{"business_hours", Target{Kind: TargetBusinessHours}, false},
		{"hangup", Hangup, false},
		{"voicemail", Target{Kind: TargetVoicemail}, false},
		{"hangup:1", Target{}, true},
		{"extension", Target{}, true},
		{"extension:abc", Target{}, true},
		{"extension:-1", Target{}, true},
		{"trunk:1", Target{}, true},
		{"", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("ParseTarget(%q) error = %v, want ErrInvalidTarget", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if back, _ := ParseTarget(got.String()); back != got {
				t.Errorf("String() round trip = %+v", back)
			}
		})
	}
}

func TestTargetFromDID(t *testing.T) {
	tests := []struct {
		typ     string
		cfg     string
		want    Target
		wantErr bool
	}{
		{"extension", `{"extension_id":7}`, Target{Kind: TargetExtension, ID: 7}, false},
		{"ring_group", `{"ring_group_id":3}`, Target{Kind: TargetRingGroup, ID: 3}, false},
		{"business_hours", `{"business_hours_schedule_id":2}`, Target{Kind: TargetBusinessHours, ID: 2}, false},
		{"business_hours", `{}`, Target{Kind: TargetBusinessHours}, false},
		{"conference_room", `{"conference_room_id":5}`, Target{Kind: TargetConferenceRoom, ID: 5}, false},
		{"ivr_menu", `{"ivr_menu_id":8}`, Target{Kind: TargetIvrMenu, ID: 8}, false},
		{"ring_group", `{"extension_id":3}`, Target{}, true},
		{"fax", `{}`, Target{}, true},
		{"extension", `not json`, Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ+tt.cfg, func(t *testing.T) {
			got, err := TargetFromDID(&models.DidNumber{RoutingType: tt.typ, RoutingConfig: json.RawMessage(tt.cfg)})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("TargetFromDID() = %+v, %v; want %+v", got, err, tt.want)
			}
		})
	}
}

// fakeLookup serves extensions and DIDs for org 1 and org 2.
type fakeLookup struct {
	exts map[int64]map[string]*models.Extension
	dids map[int64]map[string]*models.DidNumber
}

func (f *fakeLookup) GetExtension(_ context.Context, orgID int64, number string) (*models.Extension, error) {
	return f.exts[orgID][number], nil
}

func (f *fakeLookup) GetDID(_ context.Context, orgID int64, number string) (*models.DidNumber, error) {
	return f.dids[orgID][number], nil
}

func newFakeLookup() *fakeLookup {
	ext := func(id, org int64, num, typ, status string) *models.Extension {
		return &models.Extension{ID: id, OrganizationID: org, ExtensionNumber: num, Type: typ, Status: status}
	}
	return &fakeLookup{
		exts: map[int64]map[string]*models.Extension{
			1: {
				"1001": ext(1, 1, "1001", "user", "active"),
				"1002": ext(2, 1, "1002", "user", "active"),
				"1003": ext(3, 1, "1003", "user", "inactive"),
				"1004": ext(4, 1, "1004", "ai_assistant", "active"),
				"1005": ext(5, 1, "1005", "forward", "active"),
				"2000": ext(6, 1, "2000", "ring_group", "active"),
			},
			2: {
				"3001": ext(30, 2, "3001", "user", "active"),
			},
		},
		dids: map[int64]map[string]*models.DidNumber{
			1: {
				"+61299990000": {ID: 1, OrganizationID: 1, PhoneNumber: "+61299990000", RoutingType: "extension", Status: "active"},
				"+61299990001": {ID: 2, OrganizationID: 1, PhoneNumber: "+61299990001", RoutingType: "extension", Status: "inactive"},
			},
		},
	}
}

func TestClassify(t *testing.T) {
	org := &models.Organization{ID: 1}
	c := NewClassifier(newFakeLookup(), nil, testLogger())

	tests := []struct {
		name     string
		from, to string
		want     CallType
		wantErr  error
		outbound bool
	}{
		{"user to user", "1001", "1002", CallInternal, nil, false},
		{"sip uri user to user", "sip:1001@acme.example", "sip:1002@acme.example", CallInternal, nil, false},
		{"ai assistant to user", "1004", "1002", CallInternal, nil, false},
		{"user to ring group extension", "1001", "2000", CallInternal, nil, false},
		{"user dials external", "1001", "+14155550100", CallInternal, nil, true},
		{"external to did", "+14155550100", "+61299990000", CallExternal, nil, false},
		{"anonymous to did", "", "+61299990000", CallExternal, nil, false},
		{"user to inactive extension", "1001", "1003", CallInvalid, nil, false},
		{"inactive caller to extension", "1003", "1002", CallInvalid, nil, false},
		{"forward type caller to extension", "1005", "1002", CallInvalid, nil, false},
		{"external to inactive did", "+14155550100", "+61299990001", CallInvalid, ErrTollFraud, false},
		{"external dialing outbound", "+14155550100", "+442071234567", CallInvalid, ErrTollFraud, false},
		{"inactive extension dialing outbound", "1003", "+442071234567", CallInvalid, ErrTollFraud, false},
		{"other tenant caller", "3001", "1002", CallInvalid, nil, false},
		{"external to unknown short number", "+14155550100", "9999", CallInvalid, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, err := c.Classify(context.Background(), org, tt.from, tt.to, "CA1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Classify() error = %v, want %v", err, tt.wantErr)
			}
			if cls.Type != tt.want {
				t.Errorf("Classify() type = %s, want %s", cls.Type, tt.want)
			}
			if cls.Outbound() != tt.outbound {
				t.Errorf("Outbound() = %v, want %v", cls.Outbound(), tt.outbound)
			}
		})
	}
}

func TestCheckOutbound(t *testing.T) {
	org := &models.Organization{ID: 1}
	lookup := newFakeLookup()

	tests := []struct {
		name    string
		from    string
		to      string
		wantErr error
	}{
		{"user to valid number", "1001", "+14155550100", nil},
		{"ai assistant blocked by policy", "1004", "+14155550100", ErrOutboundNotAllowed},
		{"repeated digits", "1001", "+5555555555", ErrInvalidDestination},
		{"leading zero country code", "1001", "+0145555010", ErrInvalidDestination},
		{"too short", "1001", "+1415555", ErrInvalidDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(lookup, nil, testLogger())
			cls, err := c.Classify(context.Background(), org, tt.from, tt.to, "CA1")
			if err != nil {
				t.Fatalf("Classify() error: %v", err)
			}
			err = c.CheckOutbound(context.Background(), org, cls, "CA1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckOutbound() = %v, want %v", err, tt.wantErr)
			}
			if err != nil && !IsSecurityViolation(err) {
				t.Errorf("%v not classified as security violation", err)
			}
		})
	}
}

func TestCheckOutboundRateLimited(t *testing.T) {
	org := &models.Organization{ID: 1}
	limiter := NewOutboundLimiter(LimiterConfig{Rate: rate.Limit(0.001), Burst: 2})
	defer limiter.Stop()
	c := NewClassifier(newFakeLookup(), limiter, testLogger())

	var last error
	for i := 0; i < 3; i++ {
		cls, _ := c.Classify(context.Background(), org, "1001", "+14155550100", "CA1")
		last = c.CheckOutbound(context.Background(), org, cls, "CA1")
		if i < 2 && last != nil {
			t.Fatalf("call %d rejected: %v", i+1, last)
		}
	}
	if !errors.Is(last, ErrRateLimited) {
		t.Fatalf("third call error = %v, want ErrRateLimited", last)
	}

	// A different extension has its own bucket.
	cls, _ := c.Classify(context.Background(), org, "1002", "+14155550100", "CA2")
	if err := c.CheckOutbound(context.Background(), org, cls, "CA2"); err != nil {
		t.Fatalf("other extension rejected: %v", err)
	}
}

func TestGuardLogsCriticalOnMismatch(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	g := NewGuard(logger)
	breaches := 0
	g.OnBreach(func() { breaches++ })

	if err := g.Verify(context.Background(), 1, 1, "extension", 10, "CA1"); err != nil {
		t.Fatalf("Verify(same tenant) = %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}

	err := g.Verify(context.Background(), 1, 2, "extension", 10, "CA1")
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("Verify(cross tenant) = %v, want ErrTenantMismatch", err)
	}
	if !strings.Contains(buf.String(), "level=ERROR+4") {
		t.Errorf("log not at critical level: %s", buf.String())
	}
	if breaches != 1 {
		t.Errorf("breach hook called %d times, want 1", breaches)
	}

	if err := g.Verify(context.Background(), 0, 0, "extension", 10, "CA1"); err == nil {
		t.Error("Verify with zero organization should fail")
	}
}
