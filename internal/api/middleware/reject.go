package middleware

import (
	"context"
	"net/http"
)

// Outcomes reported for webhooks answered before they reach a handler.
const (
	OutcomeBodyTooLarge       = "body_too_large"
	OutcomeTenantUnidentified = "tenant_unidentified"
	OutcomeTenantLookupFailed = "tenant_lookup_failed"
	OutcomeUnauthenticated    = "unauthenticated"
)

const rejectionKey contextKey = "rejection"

type rejection struct{ outcome string }

// RecordRejections calls fn once the chain returns if a later middleware
// answered the webhook itself. It must run before BufferBody.
func RecordRejections(fn func(r *http.Request, outcome string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rej := &rejection{}
			r = r.WithContext(context.WithValue(r.Context(), rejectionKey, rej))
			next.ServeHTTP(w, r)
			if rej.outcome != "" && fn != nil {
				fn(r, rej.outcome)
			}
		})
	}
}

func reject(r *http.Request, outcome string) {
	if rej, ok := r.Context().Value(rejectionKey).(*rejection); ok {
		rej.outcome = outcome
	}
}
