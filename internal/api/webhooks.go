package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/cxml"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/webhook"
)

// Webhook routes not already named by the webhook package.
const (
	PathCallInitiated = "/webhooks/call-initiated"
	PathSessionUpdate = "/webhooks/session-update"
	PathCDR           = "/webhooks/cdr"
)

const outcomeMalformed = "malformed"

type callInitiatedInput struct {
	CallID string `field:"CallSid" validate:"required,max=128,printascii"`
	From   string `field:"From" validate:"required,max=256"`
	To     string `field:"To" validate:"required,max=256"`
}

type ivrInput struct {
	CallID    string `field:"CallSid" validate:"required,max=128,printascii"`
	IvrMenuID int64  `field:"ivr_id" validate:"gt=0"`
	Visit     int    `field:"visit" validate:"gte=0"`
	Turn      int    `field:"turn" validate:"gte=0,lte=100"`
	Digits    string `field:"Digits" validate:"max=32,dtmf"`
}

type ringGroupCallbackInput struct {
	CallID        string `field:"CallSid" validate:"required,max=128,printascii"`
	RingGroupID   int64  `field:"ring_group_id" validate:"gt=0"`
	Attempt       int    `field:"attempt_number" validate:"gt=0,lte=1000"`
	Visit         int    `field:"visit" validate:"gte=0"`
	DialStatus    string `field:"DialCallStatus" validate:"max=32"`
	RotationStart *int   `field:"rr_start" validate:"omitempty,gte=0"`
}

type callStatusInput struct {
	CallID string `field:"CallSid" validate:"required,max=128,printascii"`
	Status string `field:"CallStatus" validate:"required,oneof=ringing answered completed failed busy no-answer"`
}

type cdrInput struct {
	CallID       string   `field:"call_id" validate:"required,max=128,printascii"`
	From         string   `field:"from" validate:"required,max=256"`
	To           string   `field:"to" validate:"required,max=256"`
	Duration     int      `field:"duration" validate:"gte=0"`
	Disposition  string   `field:"disposition" validate:"required,max=32"`
	Direction    string   `field:"direction" validate:"required,oneof=inbound outbound internal"`
	RecordingURL string   `field:"recording_url" validate:"omitempty,url,max=2048"`
	Cost         *float64 `field:"cost" validate:"omitempty,gte=0"`
}

func (s *Server) handleCallInitiated(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	in := callInitiatedInput{
		CallID: p.callID(),
		From:   p.get("From", "from"),
		To:     p.get("To", "to"),
	}
	if err == nil {
		err = validate.Struct(in)
	}
	if err != nil {
		s.malformed(w, r, webhook.HookCallInitiated, err)
		return
	}

	doc := s.orch.HandleCallInitiated(r.Context(), webhook.CallInitiated{
		Org:    middleware.OrganizationFromContext(r.Context()),
		CallID: in.CallID,
		From:   in.From,
		To:     in.To,
	})
	middleware.WriteDocument(w, doc)
}

func (s *Server) handleIvrInput(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	var in ivrInput
	if err == nil {
		in, err = parseIvrInput(p)
	}
	if err == nil {
		err = validate.Struct(in)
	}
	if err != nil {
		s.malformed(w, r, webhook.HookIvrInput, err)
		return
	}

	doc := s.orch.HandleIvrInput(r.Context(), webhook.IvrInput{
		Org:       middleware.OrganizationFromContext(r.Context()),
		CallID:    in.CallID,
		IvrMenuID: in.IvrMenuID,
		Visit:     in.Visit,
		Turn:      in.Turn,
		Digits:    in.Digits,
	})
	middleware.WriteDocument(w, doc)
}

func parseIvrInput(p payload) (ivrInput, error) {
	in := ivrInput{CallID: p.callID(), Digits: p.get("Digits", "digits")}
	var err error
	if in.IvrMenuID, err = p.sessionInt("ivr_id"); err != nil {
		return in, err
	}
	visit, err := p.sessionInt("visit")
	if err != nil {
		return in, err
	}
	turn, err := p.sessionInt("turn")
	if err != nil {
		return in, err
	}
	in.Visit, in.Turn = int(visit), int(turn)
	return in, nil
}

func (s *Server) handleRingGroupCallback(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	var in ringGroupCallbackInput
	if err == nil {
		in, err = parseRingGroupCallback(p)
	}
	if err == nil {
		err = validate.Struct(in)
	}
	if err != nil {
		s.malformed(w, r, webhook.HookRingGroupCallback, err)
		return
	}

	doc := s.orch.HandleRingGroupCallback(r.Context(), webhook.RingGroupCallback{
		Org:           middleware.OrganizationFromContext(r.Context()),
		CallID:        in.CallID,
		RingGroupID:   in.RingGroupID,
		Attempt:       in.Attempt,
		Visit:         in.Visit,
		DialStatus:    in.DialStatus,
		RotationStart: in.RotationStart,
	})
	middleware.WriteDocument(w, doc)
}

func parseRingGroupCallback(p payload) (ringGroupCallbackInput, error) {
	in := ringGroupCallbackInput{
		CallID:     p.callID(),
		DialStatus: strings.ToLower(p.get("DialCallStatus", "dial_call_status")),
	}
	var err error
	if in.RingGroupID, err = p.sessionInt("ring_group_id"); err != nil {
		return in, err
	}
	attempt, err := p.sessionInt("attempt_number")
	if err != nil {
		return in, err
	}
	visit, err := p.sessionInt("visit")
	if err != nil {
		return in, err
	}
	in.Attempt, in.Visit = int(attempt), int(visit)
	in.RotationStart, err = p.sessionIntPtr("rr_start")
	return in, err
}

// handleCallStatus acknowledges immediately; persistence is asynchronous.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	in := callStatusInput{
		CallID: p.callID(),
		Status: strings.ToLower(p.get("CallStatus", "call_status", "status")),
	}
	if err == nil {
		err = validate.Struct(in)
	}
	if err != nil {
		s.logMalformed(r, webhook.HookCallStatus, err)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.orch.HandleCallStatus(r.Context(), webhook.CallStatus{
		Org:    middleware.OrganizationFromContext(r.Context()),
		CallID: in.CallID,
		Status: in.Status,
	})
	w.WriteHeader(http.StatusOK)
}

// handleCDR stores the record synchronously. Failures still answer 200 so
// the platform does not retry a record it cannot fix.
func (s *Server) handleCDR(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(r)
	var in cdrInput
	if err == nil {
		in, err = parseCDR(p)
	}
	if err == nil {
		err = validate.Struct(in)
	}
	if err != nil {
		s.logMalformed(r, webhook.HookCDR, err)
		writeError(w, http.StatusOK, malformedMessage(err))
		return
	}

	id, err := s.orch.RecordCDR(r.Context(), middleware.OrganizationFromContext(r.Context()), &models.CDR{
		CallID:       in.CallID,
		From:         in.From,
		To:           in.To,
		Duration:     in.Duration,
		Disposition:  in.Disposition,
		Direction:    in.Direction,
		RecordingURL: in.RecordingURL,
		Cost:         in.Cost,
	})
	switch {
	case errors.Is(err, webhook.ErrNoTenant):
		writeError(w, http.StatusOK, "tenant not identified")
	case err != nil:
		writeError(w, http.StatusOK, "cdr not stored")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

func parseCDR(p payload) (cdrInput, error) {
	in := cdrInput{
		CallID:       p.get("call_id", "CallSid", "CallSID"),
		From:         p.get("from", "From"),
		To:           p.get("to", "To"),
		Disposition:  strings.ToLower(p.get("disposition", "Disposition")),
		Direction:    strings.ToLower(p.get("direction", "Direction")),
		RecordingURL: p.get("recording_url", "RecordingUrl"),
	}
	if v := p.get("duration", "Duration"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return in, errors.New("duration is not an integer")
		}
		in.Duration = d
	}
	if v := p.get("cost", "Cost"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, errors.New("cost is not a number")
		}
		in.Cost = &c
	}
	return in, nil
}

// malformed answers a webhook that failed shape validation with a hangup.
func (s *Server) malformed(w http.ResponseWriter, r *http.Request, hook string, err error) {
	s.logMalformed(r, hook, err)
	middleware.WriteDocument(w, cxml.Hangup())
}

func (s *Server) logMalformed(r *http.Request, hook string, err error) {
	var orgID int64
	if org := middleware.OrganizationFromContext(r.Context()); org != nil {
		orgID = org.ID
	}
	s.logger.Warn("malformed webhook",
		"hook", hook,
		"request_id", chimw.GetReqID(r.Context()),
		"organization_id", orgID,
		"reason", malformedMessage(err),
	)
	if s.observe != nil {
		s.observe(hook, outcomeMalformed)
	}
}

// webhookHooks names the hook behind each webhook path.
var webhookHooks = map[string]string{
	PathCallInitiated:             webhook.HookCallInitiated,
	webhook.PathIvrInput:          webhook.HookIvrInput,
	webhook.PathRingGroupCallback: webhook.HookRingGroupCallback,
	webhook.PathCallStatus:        webhook.HookCallStatus,
	PathSessionUpdate:             webhook.HookCallStatus,
	PathCDR:                       webhook.HookCDR,
}

// rejected reports a webhook that middleware answered itself.
func (s *Server) rejected(r *http.Request, outcome string) {
	hook, ok := webhookHooks[r.URL.Path]
	if !ok {
		hook = "unknown"
	}
	if s.observe != nil {
		s.observe(hook, outcome)
	}
}

func malformedMessage(err error) string {
	if msg := validationMessage(err); msg != "invalid request" {
		return msg
	}
	return err.Error()
}
