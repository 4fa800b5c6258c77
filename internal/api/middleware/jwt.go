package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ScopeInternal grants access to the /internal endpoints.
const ScopeInternal = "internal"

// Claims are the JWT claims accepted by callrouter. Webhook tokens may pin a
// tenant with Domain; operator tokens carry ScopeInternal.
type Claims struct {
	Domain string `json:"domain,omitempty"`
	Scope  string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

var errNoBearer = errors.New("missing bearer token")

// GenerateToken signs an HS256 token. An empty domain makes a token valid
// for every tenant.
func GenerateToken(secret []byte, subject, domain, scope string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Domain: NormalizeDomain(domain),
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "callrouter",
			Subject:   subject,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// parseBearer validates the Authorization header and returns its claims.
func parseBearer(r *http.Request, secret []byte) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errNoBearer
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, errNoBearer
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// RequireInternal guards operator endpoints with a bearer token carrying
// ScopeInternal. Failures answer 401 JSON.
func RequireInternal(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseBearer(r, secret)
			if err != nil {
				logger.Debug("internal auth: invalid token", "path", r.URL.Path, "error", err)
				writeJWTError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Scope != ScopeInternal {
				logger.Warn("internal auth: token lacks scope", "subject", claims.Subject, "path", r.URL.Path)
				writeJWTError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// jwtEnvelope matches the api package's envelope format for error responses.
type jwtEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeJWTError writes a JSON error matching the API envelope format.
func writeJWTError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(jwtEnvelope{Error: msg}) //nolint:errcheck
}
