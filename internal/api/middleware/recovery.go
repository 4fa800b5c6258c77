package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callrouter/internal/cxml"
)

// Recoverer returns middleware that recovers from panics, logs the stack trace
// and returns a 500 Internal Server Error JSON response. Use it for operator
// endpoints.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return recoverWith(logger, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(jwtEnvelope{Error: "internal server error"}) //nolint:errcheck
	})
}

// RecoverToHangup is Recoverer for webhook routes: the platform always gets
// a 200 with a bare hangup document.
func RecoverToHangup(logger *slog.Logger) func(http.Handler) http.Handler {
	return recoverWith(logger, func(w http.ResponseWriter) {
		WriteDocument(w, cxml.SafeHangup())
	})
}

func recoverWith(logger *slog.Logger, respond func(http.ResponseWriter)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						"request_id", chimw.GetReqID(r.Context()),
						"panic", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					respond(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
