// Package token signs and verifies the HS256 capability tokens issued after
// a successful solve. Tokens are JWT-compact encoded and fully stateless:
// verification needs only the shared secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/backend/internal/core"
)

// Issuer is the fixed iss claim of every AgentAuth token.
const Issuer = "agentauth"

// DefaultTTLSeconds is the token lifetime when none is configured.
const DefaultTTLSeconds int64 = 3600

var (
	ErrMalformed       = errors.New("malformed token")
	ErrBadSignature    = errors.New("invalid token signature")
	ErrBadIssuer       = errors.New("invalid token issuer")
	ErrExpired         = errors.New("token expired")
	ErrUnsupportedAlgo = errors.New("unsupported token algorithm")
)

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// SignInput carries the per-token claims; everything else is derived.
type SignInput struct {
	Sub          string
	Capabilities core.CapabilityScore
	ModelFamily  string
	ChallengeIDs []string
}

// Manager signs, verifies, and decodes AgentAuth tokens under one secret.
type Manager struct {
	secret []byte

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a Manager over the shared secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), now: time.Now}
}

// Sign issues a token. ttlSeconds of 0 means DefaultTTLSeconds.
func (m *Manager) Sign(input *SignInput, ttlSeconds int64) (string, error) {
	if ttlSeconds == 0 {
		ttlSeconds = DefaultTTLSeconds
	}
	now := m.now().Unix()

	claims := core.TokenClaims{
		Sub:              input.Sub,
		Iss:              Issuer,
		Iat:              now,
		Exp:              now + ttlSeconds,
		Jti:              uuid.NewString(),
		Capabilities:     input.Capabilities,
		ModelFamily:      input.ModelFamily,
		ChallengeIDs:     input.ChallengeIDs,
		AgentAuthVersion: core.ProtocolVersion,
	}

	headerJSON, err := json.Marshal(jwtHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshal token header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(m.sign(signingInput)), nil
}

// Verify checks the signature, issuer, and expiry and returns the claims.
func (m *Manager) Verify(tok string) (*core.TokenClaims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	var header jwtHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrMalformed
	}
	if header.Alg != "HS256" {
		return nil, ErrUnsupportedAlgo
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrBadSignature
	}
	expected := m.sign(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return nil, ErrBadSignature
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	if claims.Iss != Issuer {
		return nil, ErrBadIssuer
	}
	if m.now().Unix() > claims.Exp {
		return nil, ErrExpired
	}
	return claims, nil
}

// Decode extracts the claims without verifying the signature. For
// inspection only; never trust the result for authorization.
func (m *Manager) Decode(tok string) (*core.TokenClaims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	return decodeClaims(parts[1])
}

func (m *Manager) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func decodeClaims(segment string) (*core.TokenClaims, error) {
	payload, err := decodeSegment(segment)
	if err != nil {
		return nil, ErrMalformed
	}
	var claims core.TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}
	return &claims, nil
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
