// Package core holds the shared domain model of the AgentAuth engine:
// challenge payloads and records, capability scores, canaries, timing
// analyses, and the verification result surface.
package core

import "encoding/json"

// ============================================================================
// ENUMERATIONS
// ============================================================================

// Difficulty controls data size, operation count, bug count, and step count
// of generated challenges.
type Difficulty string

const (
	DifficultyEasy        Difficulty = "easy"
	DifficultyMedium      Difficulty = "medium"
	DifficultyHard        Difficulty = "hard"
	DifficultyAdversarial Difficulty = "adversarial"
)

// Valid reports whether d names a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyAdversarial:
		return true
	}
	return false
}

// Dimension is one of the capability axes a challenge driver exercises.
type Dimension string

const (
	DimensionReasoning Dimension = "reasoning"
	DimensionExecution Dimension = "execution"
	DimensionMemory    Dimension = "memory"
	DimensionAmbiguity Dimension = "ambiguity"
)

// TimingZone is a named bucket of elapsed response time.
type TimingZone string

const (
	ZoneTooFast    TimingZone = "too_fast"
	ZoneAI         TimingZone = "ai_zone"
	ZoneSuspicious TimingZone = "suspicious"
	ZoneHuman      TimingZone = "human"
	ZoneTimeout    TimingZone = "timeout"
)

// FailReason enumerates the expected verification failures. They surface in
// VerifyResult.Reason, never as Go errors.
type FailReason string

const (
	FailExpired     FailReason = "expired"
	FailInvalidHMAC FailReason = "invalid_hmac"
	FailWrongAnswer FailReason = "wrong_answer"
	FailTooFast     FailReason = "too_fast"
	FailTimeout     FailReason = "timeout"
	FailTooSlow     FailReason = "too_slow"
	FailAlreadyUsed FailReason = "already_used"
	FailRateLimited FailReason = "rate_limited"
)

// ============================================================================
// CHALLENGE PAYLOAD & RECORD
// ============================================================================

// ChallengePayload is what a driver produces: natural-language instructions
// over base64-encoded data, plus an opaque context only the producing driver
// may interpret.
type ChallengePayload struct {
	Type         string          `json:"type"`
	Instructions string          `json:"instructions"`
	Data         string          `json:"data"`
	Steps        int             `json:"steps"`
	Context      json.RawMessage `json:"context,omitempty"`
}

// DefaultMaxAttempts is the attempt budget written into new challenge records.
const DefaultMaxAttempts = 3

// ChallengeRecord is the stored form of a challenge. It is created on init,
// mutated only by the engine, and deleted on the first HMAC-valid solve
// attempt or store TTL expiry, whichever comes first.
type ChallengeRecord struct {
	ID            string           `json:"id"`
	SessionToken  string           `json:"session_token"`
	ChallengeType string           `json:"challenge_type"`
	Difficulty    Difficulty       `json:"difficulty"`
	Dimensions    []Dimension      `json:"dimensions"`
	Payload       ChallengePayload `json:"payload"`
	// AnswerHash is SHA-256 hex of the canonical answer, fixed before any
	// canary injection and reproducible from Payload alone.
	AnswerHash   string   `json:"answer_hash"`
	CreatedAtSec int64    `json:"created_at_sec"`
	CreatedAtMs  int64    `json:"created_at_ms"`
	ExpiresAtSec int64    `json:"expires_at_sec"`
	Attempts     int      `json:"attempts"`
	MaxAttempts  int      `json:"max_attempts"`
	Canaries     []Canary `json:"injected_canaries,omitempty"`
}

// PublicChallenge is the record as returned to the client: context stripped,
// session token withheld.
type PublicChallenge struct {
	ID         string           `json:"id"`
	Payload    ChallengePayload `json:"payload"`
	Difficulty Difficulty       `json:"difficulty"`
	Dimensions []Dimension      `json:"dimensions"`
	CreatedAt  int64            `json:"created_at"`
	ExpiresAt  int64            `json:"expires_at"`
}

// Public strips the private parts of the record for client consumption.
func (r *ChallengeRecord) Public() *PublicChallenge {
	payload := r.Payload
	payload.Context = nil
	return &PublicChallenge{
		ID:         r.ID,
		Payload:    payload,
		Difficulty: r.Difficulty,
		Dimensions: r.Dimensions,
		CreatedAt:  r.CreatedAtSec,
		ExpiresAt:  r.ExpiresAtSec,
	}
}

// ============================================================================
// CAPABILITY SCORE
// ============================================================================

// CapabilityScore is the five-dimensional capability vector in [0,1]
// emitted on a successful solve.
type CapabilityScore struct {
	Reasoning   float64 `json:"reasoning"`
	Execution   float64 `json:"execution"`
	Autonomy    float64 `json:"autonomy"`
	Speed       float64 `json:"speed"`
	Consistency float64 `json:"consistency"`
}

// Mean returns the scalar average of the five dimensions.
func (s CapabilityScore) Mean() float64 {
	return (s.Reasoning + s.Execution + s.Autonomy + s.Speed + s.Consistency) / 5.0
}

// ============================================================================
// POMI — CANARIES & MODEL IDENTIFICATION
// ============================================================================

// InjectionMethod determines where a canary prompt is placed relative to the
// main challenge instructions.
type InjectionMethod string

const (
	InjectInline   InjectionMethod = "inline"
	InjectPrefix   InjectionMethod = "prefix"
	InjectSuffix   InjectionMethod = "suffix"
	InjectEmbedded InjectionMethod = "embedded"
)

// AnalysisKind tags the variant of a canary's analysis.
type AnalysisKind string

const (
	AnalysisExactMatch  AnalysisKind = "exact_match"
	AnalysisPattern     AnalysisKind = "pattern"
	AnalysisStatistical AnalysisKind = "statistical"
)

// Distribution is a per-family normal distribution over the first number in
// a canary response.
type Distribution struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
}

// CanaryAnalysis is a tagged variant: exactly one of Expected, Patterns, or
// Distributions is populated according to Kind.
type CanaryAnalysis struct {
	Kind          AnalysisKind            `json:"kind" yaml:"kind"`
	Expected      map[string]string       `json:"expected,omitempty" yaml:"expected,omitempty"`
	Patterns      map[string]string       `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Distributions map[string]Distribution `json:"distributions,omitempty" yaml:"distributions,omitempty"`
}

// Canary is a small side-prompt whose response discriminates between model
// families. ConfidenceWeight acts as a per-signal sensitivity, not a
// probability. The yaml tags let deployments supply a custom canary set
// through the config file.
type Canary struct {
	ID               string          `json:"id" yaml:"id"`
	Prompt           string          `json:"prompt" yaml:"prompt"`
	InjectionMethod  InjectionMethod `json:"injection_method" yaml:"injection_method"`
	Analysis         CanaryAnalysis  `json:"analysis" yaml:"analysis"`
	ConfidenceWeight float64         `json:"confidence_weight" yaml:"confidence_weight"`
}

// CanaryEvidence is the per-canary outcome of response extraction.
type CanaryEvidence struct {
	CanaryID               string  `json:"canary_id"`
	Observed               string  `json:"observed"`
	Expected               string  `json:"expected"`
	Match                  bool    `json:"match"`
	ConfidenceContribution float64 `json:"confidence_contribution"`
}

// ModelAlternative is a runner-up hypothesis from classification.
type ModelAlternative struct {
	Family     string  `json:"family"`
	Confidence float64 `json:"confidence"`
}

// ModelIdentification is the posterior over model families after Bayesian
// classification. Family is "unknown" when confidence stays below threshold.
type ModelIdentification struct {
	Family       string             `json:"family"`
	Confidence   float64            `json:"confidence"`
	Evidence     []CanaryEvidence   `json:"evidence,omitempty"`
	Alternatives []ModelAlternative `json:"alternatives,omitempty"`
}

// ============================================================================
// TIMING
// ============================================================================

// TimingBaseline holds the zone thresholds for one (challenge type,
// difficulty) pair, all in milliseconds.
type TimingBaseline struct {
	ChallengeType string     `json:"challenge_type" yaml:"challenge_type"`
	Difficulty    Difficulty `json:"difficulty" yaml:"difficulty"`
	MeanMs        float64    `json:"mean_ms" yaml:"mean_ms"`
	StdMs         float64    `json:"std_ms" yaml:"std_ms"`
	TooFastMs     float64    `json:"too_fast_ms" yaml:"too_fast_ms"`
	AILowerMs     float64    `json:"ai_lower_ms" yaml:"ai_lower_ms"`
	AIUpperMs     float64    `json:"ai_upper_ms" yaml:"ai_upper_ms"`
	HumanMs       float64    `json:"human_ms" yaml:"human_ms"`
	TimeoutMs     float64    `json:"timeout_ms" yaml:"timeout_ms"`
}

// TimingAnalysis is the per-solve timing classification.
type TimingAnalysis struct {
	ElapsedMs  float64    `json:"elapsed_ms"`
	Zone       TimingZone `json:"zone"`
	Confidence float64    `json:"confidence"`
	ZScore     float64    `json:"z_score"`
	Penalty    float64    `json:"penalty"`
	Details    string     `json:"details"`
}

// PatternVerdict classifies a sequence of step durations.
type PatternVerdict string

const (
	VerdictNatural      PatternVerdict = "natural"
	VerdictArtificial   PatternVerdict = "artificial"
	VerdictInconclusive PatternVerdict = "inconclusive"
)

// PatternAnalysis is the per-step timing pattern classification.
type PatternAnalysis struct {
	VarianceCoefficient float64        `json:"variance_coefficient"`
	Trend               string         `json:"trend"`
	RoundNumberRatio    float64        `json:"round_number_ratio"`
	Verdict             PatternVerdict `json:"verdict"`
}

// SessionAnomaly is a cross-challenge timing anomaly within one session.
type SessionAnomaly struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// ============================================================================
// ENGINE SURFACE
// ============================================================================

// SolveMetadata is optional client-declared information about the solver.
type SolveMetadata struct {
	Model     string `json:"model,omitempty"`
	Framework string `json:"framework,omitempty"`
}

// SolveInput is the client submission for a challenge.
type SolveInput struct {
	Answer          string            `json:"answer"`
	HMAC            string            `json:"hmac"`
	CanaryResponses map[string]string `json:"canary_responses,omitempty"`
	Metadata        *SolveMetadata    `json:"metadata,omitempty"`
	ClientRTTMs     float64           `json:"client_rtt_ms,omitempty"`
	StepTimings     []float64         `json:"step_timings,omitempty"`
}

// VerifyResult is the outcome of a solve attempt. Expected failures carry a
// Reason and a zeroed score; only successful results carry a token.
type VerifyResult struct {
	Success         bool                 `json:"success"`
	Score           CapabilityScore      `json:"score"`
	Token           string               `json:"token,omitempty"`
	Reason          FailReason           `json:"reason,omitempty"`
	ModelIdentity   *ModelIdentification `json:"model_identity,omitempty"`
	TimingAnalysis  *TimingAnalysis      `json:"timing_analysis,omitempty"`
	PatternAnalysis *PatternAnalysis     `json:"pattern_analysis,omitempty"`
	Anomalies       []SessionAnomaly     `json:"anomalies,omitempty"`
}

// TokenClaims are the claims embedded in an AgentAuth bearer token.
type TokenClaims struct {
	Sub              string          `json:"sub"`
	Iss              string          `json:"iss"`
	Iat              int64           `json:"iat"`
	Exp              int64           `json:"exp"`
	Jti              string          `json:"jti"`
	Capabilities     CapabilityScore `json:"capabilities"`
	ModelFamily      string          `json:"model_family"`
	ChallengeIDs     []string        `json:"challenge_ids"`
	AgentAuthVersion string          `json:"agentauth_version"`
}

// VerifyTokenResult is the stateless token-check outcome. Invalid tokens are
// reported as Valid=false with no further detail.
type VerifyTokenResult struct {
	Valid        bool             `json:"valid"`
	Capabilities *CapabilityScore `json:"capabilities,omitempty"`
	ModelFamily  string           `json:"model_family,omitempty"`
	IssuedAt     int64            `json:"issued_at,omitempty"`
	ExpiresAt    int64            `json:"expires_at,omitempty"`
}
