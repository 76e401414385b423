// Package engine orchestrates the challenge lifecycle: driver selection,
// canary injection, storage, the solve pipeline, and token issuance.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/agentauth/backend/internal/challenge"
	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
	"github.com/agentauth/backend/internal/monitoring"
	"github.com/agentauth/backend/internal/pomi"
	"github.com/agentauth/backend/internal/store"
	"github.com/agentauth/backend/internal/timing"
	"github.com/agentauth/backend/internal/token"
)

// Default lifecycle parameters, overridable through Config.
const (
	DefaultChallengeTTLSeconds int64 = 30
	DefaultTokenTTLSeconds     int64 = 3600
	DefaultCanariesPerChallenge      = 2
)

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	ChallengeTTLSeconds  int64
	TokenTTLSeconds      int64
	DefaultDifficulty    core.Difficulty
	PoMIEnabled          bool
	CanariesPerChallenge int
	TimingEnabled        bool
}

func (c *Config) normalize() {
	if c.ChallengeTTLSeconds <= 0 {
		c.ChallengeTTLSeconds = DefaultChallengeTTLSeconds
	}
	if c.TokenTTLSeconds <= 0 {
		c.TokenTTLSeconds = DefaultTokenTTLSeconds
	}
	if c.DefaultDifficulty == "" {
		c.DefaultDifficulty = core.DifficultyMedium
	}
	if c.CanariesPerChallenge <= 0 {
		c.CanariesPerChallenge = DefaultCanariesPerChallenge
	}
}

// Deps are the engine's collaborators. Store, Registry, and Tokens are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Store      store.ChallengeStore
	Registry   *challenge.Registry
	Tokens     *token.Manager
	Injector   *pomi.Injector
	Classifier *pomi.Classifier
	Analyzer   *timing.Analyzer
	Tracker    *timing.SessionTracker
	Metrics    *monitoring.Metrics
	Logger     *slog.Logger
}

// Engine coordinates one challenge lifecycle per request. It keeps no
// cross-request state of its own; all persistence goes through the store.
type Engine struct {
	cfg        Config
	store      store.ChallengeStore
	registry   *challenge.Registry
	tokens     *token.Manager
	injector   *pomi.Injector
	classifier *pomi.Classifier
	analyzer   *timing.Analyzer
	tracker    *timing.SessionTracker
	metrics    *monitoring.Metrics
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New validates the dependencies and builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("engine: challenge registry is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("engine: token manager is required")
	}
	cfg.normalize()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		tokens:     deps.Tokens,
		injector:   deps.Injector,
		classifier: deps.Classifier,
		analyzer:   deps.Analyzer,
		tracker:    deps.Tracker,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// InitOptions narrows driver selection for one init call.
type InitOptions struct {
	Difficulty core.Difficulty  `json:"difficulty,omitempty"`
	Dimensions []core.Dimension `json:"dimensions,omitempty"`
}

// InitResult is the client-facing outcome of challenge creation. The session
// token appears here and nowhere else.
type InitResult struct {
	ID           string `json:"id"`
	SessionToken string `json:"session_token"`
	ExpiresAt    int64  `json:"expires_at"`
	TTLSeconds   int64  `json:"ttl_seconds"`
}

// Init selects a driver, generates a challenge, injects canaries, and writes
// the record under the configured TTL.
func (e *Engine) Init(ctx context.Context, opts *InitOptions) (*InitResult, error) {
	difficulty := e.cfg.DefaultDifficulty
	var dimensions []core.Dimension
	if opts != nil {
		if opts.Difficulty != "" {
			difficulty = opts.Difficulty
		}
		dimensions = opts.Dimensions
	}

	drivers := e.registry.Select(dimensions, 1)
	if len(drivers) == 0 {
		return nil, errors.New("engine: no challenge drivers registered")
	}
	driver := drivers[0]

	payload, err := driver.Generate(difficulty)
	if err != nil {
		return nil, fmt.Errorf("generate %s challenge: %w", driver.Name(), err)
	}

	// The answer hash is fixed before canary injection so canaries can never
	// change what counts as correct.
	answerHash, err := driver.ComputeAnswerHash(payload)
	if err != nil {
		return nil, fmt.Errorf("compute answer hash: %w", err)
	}

	finalPayload := *payload
	var canaries []core.Canary
	if e.cfg.PoMIEnabled && e.injector != nil {
		injected := e.injector.Inject(finalPayload, e.cfg.CanariesPerChallenge, nil)
		finalPayload = injected.Payload
		canaries = injected.Injected
		if len(canaries) > 0 {
			merged, err := mergeCanaryIDs(finalPayload.Context, canaries)
			if err != nil {
				return nil, fmt.Errorf("merge canary ids into context: %w", err)
			}
			finalPayload.Context = merged
		}
	}

	now := e.now()
	record := &core.ChallengeRecord{
		ID:            crypto.NewChallengeID(),
		SessionToken:  crypto.NewSessionToken(),
		ChallengeType: driver.Name(),
		Difficulty:    difficulty,
		Dimensions:    driver.Dimensions(),
		Payload:       finalPayload,
		AnswerHash:    answerHash,
		CreatedAtSec:  now.Unix(),
		CreatedAtMs:   now.UnixMilli(),
		ExpiresAtSec:  now.Unix() + e.cfg.ChallengeTTLSeconds,
		MaxAttempts:   core.DefaultMaxAttempts,
		Canaries:      canaries,
	}

	if err := e.store.Set(ctx, record.ID, record, int(e.cfg.ChallengeTTLSeconds)); err != nil {
		return nil, fmt.Errorf("store challenge %s: %w", record.ID, err)
	}

	e.metrics.ChallengeInitiated(record.ChallengeType, string(difficulty))
	e.logger.Info("challenge initiated",
		"challenge_id", record.ID,
		"type", record.ChallengeType,
		"difficulty", difficulty,
		"canaries", len(canaries),
	)

	return &InitResult{
		ID:           record.ID,
		SessionToken: record.SessionToken,
		ExpiresAt:    record.ExpiresAtSec,
		TTLSeconds:   e.cfg.ChallengeTTLSeconds,
	}, nil
}

// Retrieve returns the public view of a challenge, or nil when the record is
// absent or the session token does not match. Both cases look identical to
// the caller so the endpoint cannot be used as an existence oracle.
func (e *Engine) Retrieve(ctx context.Context, id, sessionToken string) (*core.PublicChallenge, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", id, err)
	}
	if record == nil {
		return nil, nil
	}
	if !crypto.ConstantTimeEquals(record.SessionToken, sessionToken) {
		return nil, nil
	}
	return record.Public(), nil
}

// Solve runs the verification pipeline for one submission. Expected failures
// come back as a VerifyResult with a Reason; the error return is reserved for
// store and signing faults.
func (e *Engine) Solve(ctx context.Context, id string, input *core.SolveInput) (*core.VerifyResult, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", id, err)
	}
	if record == nil {
		return e.fail(id, core.FailExpired), nil
	}

	// The HMAC check precedes the delete: a submission that cannot prove it
	// holds the session token must not consume the challenge.
	expected := crypto.HMACSHA256Hex(input.Answer, record.SessionToken)
	if !crypto.ConstantTimeEquals(expected, input.HMAC) {
		return e.fail(id, core.FailInvalidHMAC), nil
	}

	// Single-use: gone before the answer is even looked at.
	if err := e.store.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("consume challenge %s: %w", id, err)
	}

	driver := e.registry.Get(record.ChallengeType)
	if driver == nil {
		return nil, fmt.Errorf("challenge %s references unknown driver %q", id, record.ChallengeType)
	}
	if !driver.Verify(record.AnswerHash, input.Answer) {
		return e.fail(id, core.FailWrongAnswer), nil
	}

	var timingAnalysis *core.TimingAnalysis
	var anomalies []core.SessionAnomaly
	if e.cfg.TimingEnabled && e.analyzer != nil {
		elapsed := float64(e.now().UnixMilli() - record.CreatedAtMs)
		rtt := 0.0
		if input.ClientRTTMs > 0 {
			rtt = math.Min(input.ClientRTTMs, elapsed*0.5)
		}
		// The boundary widening sees the same capped value as the elapsed
		// compensation, so a claimed RTT can never stretch the AI zone past
		// what half the observed elapsed time supports.
		analysis := e.analyzer.Analyze(timing.AnalyzeParams{
			ElapsedMs:     elapsed - rtt,
			ChallengeType: record.ChallengeType,
			Difficulty:    record.Difficulty,
			RTTMs:         rtt,
		})
		timingAnalysis = &analysis
		e.metrics.TimingZone(string(analysis.Zone))
		e.metrics.SolveElapsed(record.ChallengeType, analysis.ElapsedMs)

		if e.tracker != nil {
			key := sessionKey(record, input.Metadata)
			e.tracker.Record(key, analysis.ElapsedMs, analysis.Zone)
			anomalies = e.tracker.Analyze(key)
		}

		switch analysis.Zone {
		case core.ZoneTooFast:
			result := e.fail(id, core.FailTooFast)
			result.TimingAnalysis = timingAnalysis
			result.Anomalies = anomalies
			return result, nil
		case core.ZoneTimeout:
			result := e.fail(id, core.FailTimeout)
			result.TimingAnalysis = timingAnalysis
			result.Anomalies = anomalies
			return result, nil
		}
	}

	var patternAnalysis *core.PatternAnalysis
	if len(input.StepTimings) > 0 && e.analyzer != nil {
		analysis := e.analyzer.AnalyzePattern(input.StepTimings)
		patternAnalysis = &analysis
	}

	var identity *core.ModelIdentification
	if e.cfg.PoMIEnabled && e.classifier != nil && len(record.Canaries) > 0 {
		classified := e.classifier.Classify(record.Canaries, input.CanaryResponses)
		identity = &classified
		e.metrics.ModelFamily(classified.Family)
	}

	score := ComputeScore(record.Dimensions, timingAnalysis, patternAnalysis)

	modelFamily := "unknown"
	if identity != nil && identity.Family != "" {
		modelFamily = identity.Family
	}
	signed, err := e.tokens.Sign(&token.SignInput{
		Sub:          record.ID,
		Capabilities: score,
		ModelFamily:  modelFamily,
		ChallengeIDs: []string{record.ID},
	}, e.cfg.TokenTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("sign token for %s: %w", id, err)
	}

	e.metrics.SolveResult("success")
	e.metrics.TokenIssued()
	e.logger.Info("challenge solved",
		"challenge_id", id,
		"type", record.ChallengeType,
		"score", score.Mean(),
		"model_family", modelFamily,
	)

	return &core.VerifyResult{
		Success:         true,
		Score:           score,
		Token:           signed,
		ModelIdentity:   identity,
		TimingAnalysis:  timingAnalysis,
		PatternAnalysis: patternAnalysis,
		Anomalies:       anomalies,
	}, nil
}

// VerifyToken statelessly checks a capability token. Any verification error
// collapses to Valid=false; the caller learns nothing about why.
func (e *Engine) VerifyToken(tok string) *core.VerifyTokenResult {
	claims, err := e.tokens.Verify(tok)
	if err != nil {
		return &core.VerifyTokenResult{Valid: false}
	}
	capabilities := claims.Capabilities
	return &core.VerifyTokenResult{
		Valid:        true,
		Capabilities: &capabilities,
		ModelFamily:  claims.ModelFamily,
		IssuedAt:     claims.Iat,
		ExpiresAt:    claims.Exp,
	}
}

// TokenExpiry reports the exp claim of an already-issued token, for transport
// adapters that surface it as a header.
func (e *Engine) TokenExpiry(tok string) int64 {
	claims, err := e.tokens.Decode(tok)
	if err != nil {
		return 0
	}
	return claims.Exp
}

func (e *Engine) fail(id string, reason core.FailReason) *core.VerifyResult {
	e.metrics.SolveResult(string(reason))
	e.logger.Info("challenge rejected", "challenge_id", id, "reason", reason)
	return &core.VerifyResult{Success: false, Reason: reason}
}

// sessionKey groups solves for the tracker. Clients declaring model metadata
// share a session across challenges; anonymous clients fall back to the
// per-challenge session token, which yields at most one entry.
func sessionKey(record *core.ChallengeRecord, meta *core.SolveMetadata) string {
	if meta != nil && (meta.Model != "" || meta.Framework != "") {
		return meta.Model + "/" + meta.Framework
	}
	return record.SessionToken
}

// mergeCanaryIDs writes the injected canary ids into the payload's opaque
// context without disturbing the driver's own keys.
func mergeCanaryIDs(raw json.RawMessage, canaries []core.Canary) (json.RawMessage, error) {
	contextMap := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &contextMap); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(canaries))
	for i, c := range canaries {
		ids[i] = c.ID
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	contextMap["canary_ids"] = encoded
	return json.Marshal(contextMap)
}
