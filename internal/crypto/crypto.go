// Package crypto wraps the hashing, HMAC, and random-identifier primitives
// the engine builds on. All comparisons of secret material go through
// ConstantTimeEquals.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of message under key.
// This is the session binding used by the solve endpoint:
// hmac = HMACSHA256Hex(answer, sessionToken).
func HMACSHA256Hex(message, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACSHA256 returns the raw HMAC-SHA256 of message under key.
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// ConstantTimeEquals compares two strings in time independent of the index
// of the first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomBytes returns n cryptographically secure random bytes. A failing
// system RNG is unrecoverable, so it panics rather than degrade to weak ids.
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return buf
}

// NewChallengeID returns a fresh public challenge id ("ch_" + 32 hex chars).
func NewChallengeID() string {
	return "ch_" + hex.EncodeToString(RandomBytes(16))
}

// NewSessionToken returns a fresh session secret ("st_" + 48 hex chars).
func NewSessionToken() string {
	return "st_" + hex.EncodeToString(RandomBytes(24))
}
