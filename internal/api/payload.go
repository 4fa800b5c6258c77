package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/flowpbx/callrouter/internal/api/middleware"
)

// payload is a flattened webhook body. The platform posts JSON or form
// bodies, and session data may arrive as a nested object, a JSON encoded
// string or query parameters on the callback URL.
type payload struct {
	fields  map[string]string
	session map[string]string
}

// readPayload parses the body captured by BufferBody. Body session data
// wins over query parameters.
func readPayload(r *http.Request) (payload, error) {
	p := payload{fields: map[string]string{}, session: map[string]string{}}
	body := bytes.TrimSpace(middleware.RawBody(r.Context()))

	if len(body) > 0 {
		if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			if err := p.readJSON(body); err != nil {
				return p, err
			}
		} else {
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return p, fmt.Errorf("form body: %w", err)
			}
			for k, vs := range form {
				if k == "SessionData" {
					if err := p.mergeSession(vs[0]); err != nil {
						return p, err
					}
					continue
				}
				p.fields[k] = vs[0]
			}
		}
	}

	for k, vs := range r.URL.Query() {
		if _, ok := p.session[k]; !ok {
			p.session[k] = vs[0]
		}
		if _, ok := p.fields[k]; !ok {
			p.fields[k] = vs[0]
		}
	}
	return p, nil
}

func (p *payload) readJSON(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("json body: %w", err)
	}
	for k, v := range m {
		if k == "SessionData" || k == "session_data" {
			if err := p.mergeSession(v); err != nil {
				return err
			}
			continue
		}
		p.fields[k] = scalar(v)
	}
	return nil
}

// mergeSession accepts an object, a JSON string or a query-encoded string.
func (p *payload) mergeSession(v any) error {
	switch sd := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, val := range sd {
			p.session[k] = scalar(val)
		}
		return nil
	case string:
		s := strings.TrimSpace(sd)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "{") {
			dec := json.NewDecoder(strings.NewReader(s))
			dec.UseNumber()
			var m map[string]any
			if err := dec.Decode(&m); err != nil {
				return fmt.Errorf("SessionData: %w", err)
			}
			return p.mergeSession(m)
		}
		q, err := url.ParseQuery(s)
		if err != nil {
			return fmt.Errorf("SessionData: %w", err)
		}
		for k, vs := range q {
			p.session[k] = vs[0]
		}
		return nil
	}
	return fmt.Errorf("SessionData: unsupported type %T", v)
}

// scalar renders a decoded JSON value as the string the platform would have
// sent in a form body.
func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// get returns the first non-empty field among names.
func (p payload) get(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(p.fields[n]); v != "" {
			return v
		}
	}
	return ""
}

// sessionValue prefers session data and falls back to top-level fields.
func (p payload) sessionValue(name string) string {
	if v := strings.TrimSpace(p.session[name]); v != "" {
		return v
	}
	return strings.TrimSpace(p.fields[name])
}

func (p payload) callID() string {
	return p.get("CallSid", "CallSID", "call_id", "callId")
}

// sessionInt parses an optional session integer. Missing values are zero.
func (p payload) sessionInt(name string) (int64, error) {
	v := p.sessionValue(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer", name)
	}
	return n, nil
}

// sessionIntPtr is sessionInt with absence kept distinct from zero.
func (p payload) sessionIntPtr(name string) (*int, error) {
	if p.sessionValue(name) == "" {
		return nil, nil
	}
	n, err := p.sessionInt(name)
	if err != nil {
		return nil, err
	}
	i := int(n)
	return &i, nil
}
