// Package cxml renders routing decisions into the call-control markup the
// signaling platform expects in webhook responses.
package cxml

import (
	"bytes"
	"encoding/xml"
)

// ContentType is the media type of rendered documents.
const ContentType = "application/xml; charset=utf-8"

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

type rejectVerb struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type dialVerb struct {
	XMLName    xml.Name `xml:"Dial"`
	CallerID   string   `xml:"callerId,attr,omitempty"`
	Timeout    int      `xml:"timeout,attr,omitempty"`
	Action     string   `xml:"action,attr,omitempty"`
	Numbers    []string `xml:"Number"`
	Conference string   `xml:"Conference,omitempty"`
}

type gatherVerb struct {
	XMLName             xml.Name `xml:"Gather"`
	Input               string   `xml:"input,attr"`
	NumDigits           int      `xml:"numDigits,attr,omitempty"`
	Timeout             int      `xml:"timeout,attr,omitempty"`
	Action              string   `xml:"action,attr,omitempty"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr,omitempty"`
	Say                 *sayVerb
}

type recordVerb struct {
	XMLName   xml.Name `xml:"Record"`
	Action    string   `xml:"action,attr,omitempty"`
	MaxLength int      `xml:"maxLength,attr,omitempty"`
	PlayBeep  bool     `xml:"playBeep,attr,omitempty"`
}

// Dial describes a Dial verb. Set either Numbers or Conference.
type Dial struct {
	CallerID   string
	Timeout    int
	Action     string
	Numbers    []string
	Conference string
}

// Gather describes a DTMF Gather verb with a nested prompt.
type Gather struct {
	Prompt    string
	NumDigits int
	Timeout   int
	Action    string
}

// Record describes a Record verb.
type Record struct {
	Action    string
	MaxLength int
	PlayBeep  bool
}

// Document accumulates verbs in order.
type Document struct {
	verbs []any
}

// New returns an empty document.
func New() *Document { return &Document{} }

// Say speaks text.
func (d *Document) Say(text string) *Document {
	d.verbs = append(d.verbs, sayVerb{Text: text})
	return d
}

// Hangup ends the call.
func (d *Document) Hangup() *Document {
	d.verbs = append(d.verbs, hangupVerb{})
	return d
}

// Reject refuses an unanswered call.
func (d *Document) Reject(reason string) *Document {
	d.verbs = append(d.verbs, rejectVerb{Reason: reason})
	return d
}

// Dial connects the call.
func (d *Document) Dial(v Dial) *Document {
	d.verbs = append(d.verbs, dialVerb{
		CallerID:   v.CallerID,
		Timeout:    v.Timeout,
		Action:     v.Action,
		Numbers:    v.Numbers,
		Conference: v.Conference,
	})
	return d
}

// Gather collects digits. The action is also called when no digits arrive.
func (d *Document) Gather(v Gather) *Document {
	g := gatherVerb{
		Input:               "dtmf",
		NumDigits:           v.NumDigits,
		Timeout:             v.Timeout,
		Action:              v.Action,
		ActionOnEmptyResult: true,
	}
	if v.Prompt != "" {
		g.Say = &sayVerb{Text: v.Prompt}
	}
	d.verbs = append(d.verbs, g)
	return d
}

// Record captures a message.
func (d *Document) Record(v Record) *Document {
	d.verbs = append(d.verbs, recordVerb{Action: v.Action, MaxLength: v.MaxLength, PlayBeep: v.PlayBeep})
	return d
}

// Render encodes the document with the XML header and two-space indentation.
func (d *Document) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(response{Verbs: d.verbs}); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// safeHangup is served when rendering itself fails. It is the only
// hand-written document.
var safeHangup = []byte(xml.Header + "<Response>\n  <Hangup></Hangup>\n</Response>\n")

// MustRender renders d, degrading to a bare hangup on encoder failure.
func (d *Document) MustRender() []byte {
	b, err := d.Render()
	if err != nil {
		return SafeHangup()
	}
	return b
}

// SafeHangup returns a copy of the bare hangup document.
func SafeHangup() []byte {
	return append([]byte(nil), safeHangup...)
}
