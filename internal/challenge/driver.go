// Package challenge defines the pluggable challenge-driver model and the
// four built-in drivers. A driver generates a payload for a difficulty,
// re-derives the canonical answer hash from that payload alone, and verifies
// submissions in constant time.
package challenge

import (
	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
)

// Driver is the contract every challenge generator implements. Generate and
// ComputeAnswerHash may be called at most once per challenge; Verify is pure
// and safe for concurrent use.
type Driver interface {
	// Name is the registry key, e.g. "crypto-nl".
	Name() string
	// Dimensions declares which capability axes this driver exercises.
	Dimensions() []core.Dimension
	// EstimatedHumanTimeMs and EstimatedAITimeMs are declarative solve-time
	// hints used for baseline synthesis and documentation.
	EstimatedHumanTimeMs() int64
	EstimatedAITimeMs() int64

	// Generate produces a payload for the difficulty. Everything needed to
	// re-derive the answer must be embedded in payload.Context.
	Generate(difficulty core.Difficulty) (*core.ChallengePayload, error)

	// ComputeAnswerHash re-derives the canonical answer from the payload and
	// returns its SHA-256 hex digest. The result must be stable for a given
	// payload.
	ComputeAnswerHash(payload *core.ChallengePayload) (string, error)

	// Verify reports whether the submitted answer hashes to answerHash.
	Verify(answerHash, submitted string) bool
}

// verifySubmission is the shared constant-time answer check used by all
// built-in drivers.
func verifySubmission(answerHash, submitted string) bool {
	return crypto.ConstantTimeEquals(answerHash, crypto.SHA256Hex([]byte(submitted)))
}
