package routing

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Normalize reduces a From/To value to digits with at most one leading '+'.
// SIP URIs and name-addr forms ("Alice" <sip:1001@pbx.example>) are reduced
// to their user part first.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "sip:"), strings.HasPrefix(lower, "sips:"):
		var uri sip.Uri
		if err := sip.ParseUri(s, &uri); err == nil {
			s = uri.User
		}
	case strings.HasPrefix(lower, "tel:"):
		s = s[len("tel:"):]
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[:i]
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsE164Syntax reports whether s is '+' followed by 7 to 15 digits.
func IsE164Syntax(s string) bool {
	if len(s) < 2 || s[0] != '+' {
		return false
	}
	digits := s[1:]
	if len(digits) < 7 || len(digits) > 15 {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

// IsValidE164 is IsE164Syntax plus rejection of all-zero, single repeated
// digit and leading-zero country code numbers.
func IsValidE164(s string) bool {
	if !IsE164Syntax(s) {
		return false
	}
	digits := s[1:]
	if digits[0] == '0' {
		return false
	}
	return strings.Count(digits, digits[:1]) != len(digits)
}

// minDialableDigits is the shortest number sent to a carrier.
const minDialableDigits = 8

// IsDialable is the extended check applied before outbound dialing.
func IsDialable(s string) bool {
	return IsValidE164(s) && len(s)-1 >= minDialableDigits
}
