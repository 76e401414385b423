package sdk

// Wire-shape types mirroring the AgentAuth protocol. Kept local so the SDK
// is usable without reaching into server internals.

// Score is the five-dimensional capability vector in [0,1].
type Score struct {
	Reasoning   float64 `json:"reasoning"`
	Execution   float64 `json:"execution"`
	Autonomy    float64 `json:"autonomy"`
	Speed       float64 `json:"speed"`
	Consistency float64 `json:"consistency"`
}

// Mean returns the scalar average of the five dimensions.
func (s Score) Mean() float64 {
	return (s.Reasoning + s.Execution + s.Autonomy + s.Speed + s.Consistency) / 5.0
}

// InitRequest narrows challenge generation.
type InitRequest struct {
	Difficulty string   `json:"difficulty,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// InitResponse is the server's answer to challenge initiation.
type InitResponse struct {
	ID           string `json:"id"`
	SessionToken string `json:"session_token"`
	ExpiresAt    int64  `json:"expires_at"`
	TTLSeconds   int64  `json:"ttl_seconds"`
}

// ChallengePayload is the solvable part of a challenge.
type ChallengePayload struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions"`
	Data         string `json:"data"`
	Steps        int    `json:"steps"`
}

// Challenge is the public view returned by the retrieve endpoint.
type Challenge struct {
	ID         string           `json:"id"`
	Payload    ChallengePayload `json:"payload"`
	Difficulty string           `json:"difficulty"`
	Dimensions []string         `json:"dimensions"`
	CreatedAt  int64            `json:"created_at"`
	ExpiresAt  int64            `json:"expires_at"`
}

// SolveRequest is the submission for a challenge. HMAC is mandatory; use
// ComputeHMAC to derive it from the answer and session token.
type SolveRequest struct {
	Answer          string            `json:"answer"`
	HMAC            string            `json:"hmac"`
	CanaryResponses map[string]string `json:"canary_responses,omitempty"`
	Metadata        *SolveMetadata    `json:"metadata,omitempty"`
	ClientRTTMs     float64           `json:"client_rtt_ms,omitempty"`
	StepTimings     []float64         `json:"step_timings,omitempty"`
}

// SolveMetadata optionally declares the solver's model and framework.
type SolveMetadata struct {
	Model     string `json:"model,omitempty"`
	Framework string `json:"framework,omitempty"`
}

// ModelIdentity is the PoMI verdict attached to a solve result.
type ModelIdentity struct {
	Family     string  `json:"family"`
	Confidence float64 `json:"confidence"`
}

// VerifyResult is the outcome of a solve attempt.
type VerifyResult struct {
	Success       bool           `json:"success"`
	Score         Score          `json:"score"`
	Token         string         `json:"token,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ModelIdentity *ModelIdentity `json:"model_identity,omitempty"`
}

// TokenCheck is the stateless token-verification outcome.
type TokenCheck struct {
	Valid        bool   `json:"valid"`
	Capabilities *Score `json:"capabilities,omitempty"`
	ModelFamily  string `json:"model_family,omitempty"`
	IssuedAt     int64  `json:"issued_at,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Claims are the fields embedded in an AgentAuth capability token.
type Claims struct {
	Sub              string   `json:"sub"`
	Iss              string   `json:"iss"`
	Iat              int64    `json:"iat"`
	Exp              int64    `json:"exp"`
	Jti              string   `json:"jti"`
	Capabilities     Score    `json:"capabilities"`
	ModelFamily      string   `json:"model_family"`
	ChallengeIDs     []string `json:"challenge_ids"`
	AgentAuthVersion string   `json:"agentauth_version"`
}
