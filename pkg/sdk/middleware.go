package sdk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultMinScore is the capability-score gate applied when a Guard is
// created without an explicit threshold.
const DefaultMinScore = 0.7

var (
	ErrInvalidToken = errors.New("agentauth-sdk: invalid token")
	ErrExpiredToken = errors.New("agentauth-sdk: token expired")
	ErrScoreTooLow  = errors.New("agentauth-sdk: capability score below threshold")
)

// Guard verifies AgentAuth capability tokens locally with the shared secret,
// without a round trip to the server.
type Guard struct {
	secret   []byte
	minScore float64

	// now is swappable for tests.
	now func() time.Time
}

// GuardOptions tunes guard behavior.
type GuardOptions struct {
	// MinScore is the minimum mean capability score; defaults to
	// DefaultMinScore. Set negative to disable the gate.
	MinScore float64
}

// NewGuard creates a guard over the shared signing secret.
func NewGuard(secret string, opts *GuardOptions) *Guard {
	minScore := DefaultMinScore
	if opts != nil && opts.MinScore != 0 {
		minScore = opts.MinScore
	}
	return &Guard{secret: []byte(secret), minScore: minScore, now: time.Now}
}

// Verify checks the token's signature, issuer, and expiry and returns its
// claims. It does not apply the score gate; see Authorize.
func (g *Guard) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	var header struct {
		Alg string `json:"alg"`
	}
	headerBytes, err := decodeSegment(parts[0])
	if err != nil || json.Unmarshal(headerBytes, &header) != nil || header.Alg != "HS256" {
		return nil, ErrInvalidToken
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return nil, ErrInvalidToken
	}

	claimsBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Iss != "agentauth" {
		return nil, ErrInvalidToken
	}
	if g.now().Unix() > claims.Exp {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

// Authorize applies the score gate to already-verified claims.
func (g *Guard) Authorize(claims *Claims) error {
	if g.minScore > 0 && claims.Capabilities.Mean() < g.minScore {
		return ErrScoreTooLow
	}
	return nil
}

type contextKey struct{}

// ClaimsFromContext returns the claims the middleware stored for this
// request, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// Middleware rejects requests without a valid, sufficiently scored
// capability token. Verified claims land in the request context.
//
//	mux.Handle("/api/", guard.Middleware(apiHandler))
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			writeGuardError(w, http.StatusUnauthorized, "missing capability token")
			return
		}

		claims, err := g.Verify(strings.TrimSpace(auth[len(prefix):]))
		if err != nil {
			writeGuardError(w, http.StatusUnauthorized, "invalid capability token")
			return
		}
		if err := g.Authorize(claims); err != nil {
			writeGuardError(w, http.StatusForbidden, "capability score below threshold")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

// MiddlewareFunc returns mux-compatible middleware.
func (g *Guard) MiddlewareFunc() func(http.Handler) http.Handler {
	return g.Middleware
}

func writeGuardError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
