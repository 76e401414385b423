package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/backend/internal/challenge"
	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
	"github.com/agentauth/backend/internal/pomi"
	"github.com/agentauth/backend/internal/store"
	"github.com/agentauth/backend/internal/timing"
	"github.com/agentauth/backend/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// staticDriver always expects the answer "echo".
type staticDriver struct {
	name string
	dims []core.Dimension
}

func (d *staticDriver) Name() string                 { return d.name }
func (d *staticDriver) Dimensions() []core.Dimension { return d.dims }
func (d *staticDriver) EstimatedHumanTimeMs() int64  { return 60000 }
func (d *staticDriver) EstimatedAITimeMs() int64     { return 500 }

func (d *staticDriver) Generate(core.Difficulty) (*core.ChallengePayload, error) {
	return &core.ChallengePayload{
		Type:         d.name,
		Instructions: "Reply with the word the data decodes to.",
		Data:         base64.StdEncoding.EncodeToString([]byte("echo")),
		Steps:        1,
		Context:      json.RawMessage(`{"expected":"echo"}`),
	}, nil
}

func (d *staticDriver) ComputeAnswerHash(*core.ChallengePayload) (string, error) {
	return crypto.SHA256Hex([]byte("echo")), nil
}

func (d *staticDriver) Verify(answerHash, submitted string) bool {
	return crypto.ConstantTimeEquals(answerHash, crypto.SHA256Hex([]byte(submitted)))
}

func newTestEngine(t *testing.T, cfg Config, mutate func(*Deps)) (*Engine, *store.MemoryStore) {
	t.Helper()

	registry := challenge.NewRegistry()
	require.NoError(t, registry.Register(&staticDriver{
		name: "echo",
		dims: []core.Dimension{core.DimensionReasoning, core.DimensionExecution},
	}))

	memory := store.NewMemoryStore()
	deps := Deps{
		Store:    memory,
		Registry: registry,
		Tokens:   token.NewManager(testSecret),
		Analyzer: timing.NewAnalyzer(nil),
	}
	if mutate != nil {
		mutate(&deps)
	}

	e, err := New(cfg, deps)
	require.NoError(t, err)
	return e, memory
}

func solveInput(answer, sessionToken string) *core.SolveInput {
	return &core.SolveInput{
		Answer: answer,
		HMAC:   crypto.HMACSHA256Hex(answer, sessionToken),
	}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestInitStoresRecord(t *testing.T) {
	e, memory := newTestEngine(t, Config{}, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, res.ID, "ch_")
	assert.Contains(t, res.SessionToken, "st_")
	assert.Equal(t, DefaultChallengeTTLSeconds, res.TTLSeconds)
	assert.Equal(t, base.Unix()+DefaultChallengeTTLSeconds, res.ExpiresAt)

	record, err := memory.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "echo", record.ChallengeType)
	assert.Equal(t, core.DifficultyMedium, record.Difficulty)
	assert.Equal(t, core.DefaultMaxAttempts, record.MaxAttempts)
	assert.Empty(t, record.Canaries)
	assert.Equal(t, 1, memory.Len())
}

func TestInitHonorsOptions(t *testing.T) {
	e, memory := newTestEngine(t, Config{}, nil)

	res, err := e.Init(context.Background(), &InitOptions{
		Difficulty: core.DifficultyHard,
		Dimensions: []core.Dimension{core.DimensionExecution},
	})
	require.NoError(t, err)

	record, err := memory.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, core.DifficultyHard, record.Difficulty)
}

func TestInitWithPoMIInjectsCanaries(t *testing.T) {
	catalog := pomi.NewCatalog(nil)
	e, memory := newTestEngine(t, Config{PoMIEnabled: true}, func(d *Deps) {
		d.Injector = pomi.NewInjector(catalog)
		d.Classifier = pomi.NewClassifier(pomi.ModelFamilies, nil)
	})

	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	record, err := memory.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Len(t, record.Canaries, DefaultCanariesPerChallenge)
	assert.Contains(t, record.Payload.Instructions, "canary_responses")

	var ctxMap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(record.Payload.Context, &ctxMap))
	var ids []string
	require.NoError(t, json.Unmarshal(ctxMap["canary_ids"], &ids))
	assert.Len(t, ids, DefaultCanariesPerChallenge)
	assert.Equal(t, record.Canaries[0].ID, ids[0])
	// The driver's own context keys survive injection.
	assert.Contains(t, ctxMap, "expected")
}

func TestRetrieveStripsPrivateFields(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	public, err := e.Retrieve(context.Background(), res.ID, res.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, public)
	assert.Equal(t, res.ID, public.ID)
	assert.Nil(t, public.Payload.Context)
	assert.NotEmpty(t, public.Payload.Instructions)
}

func TestRetrieveMismatchLooksLikeNotFound(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	wrongToken, err := e.Retrieve(context.Background(), res.ID, "st_wrong")
	require.NoError(t, err)
	unknownID, err2 := e.Retrieve(context.Background(), "ch_missing", res.SessionToken)
	require.NoError(t, err2)
	assert.Nil(t, wrongToken)
	assert.Nil(t, unknownID)
}

func TestSolveHappyPath(t *testing.T) {
	e, memory := newTestEngine(t, Config{TimingEnabled: true}, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	e.now = func() time.Time { return base.Add(300 * time.Millisecond) }
	result, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Reason)
	require.NotNil(t, result.TimingAnalysis)
	assert.Equal(t, core.ZoneAI, result.TimingAnalysis.Zone)
	assert.Equal(t, 0.9, result.Score.Reasoning)
	assert.Equal(t, 0.95, result.Score.Speed)

	claims, err := token.NewManager(testSecret).Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, res.ID, claims.Sub)
	assert.Equal(t, []string{res.ID}, claims.ChallengeIDs)
	assert.Equal(t, "unknown", claims.ModelFamily)

	// Consumed on success.
	assert.Equal(t, 0, memory.Len())
}

func TestSolveInvalidHMACPreservesRecord(t *testing.T) {
	e, memory := newTestEngine(t, Config{}, nil)
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	result, err := e.Solve(context.Background(), res.ID, &core.SolveInput{
		Answer: "echo",
		HMAC:   "deadbeef",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, core.FailInvalidHMAC, result.Reason)
	assert.Equal(t, 1, memory.Len())

	// A well-formed retry still works.
	retry, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)
	assert.True(t, retry.Success)
}

func TestSolveWrongAnswerConsumesChallenge(t *testing.T) {
	e, memory := newTestEngine(t, Config{}, nil)
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	result, err := e.Solve(context.Background(), res.ID, solveInput("not-echo", res.SessionToken))
	require.NoError(t, err)
	assert.Equal(t, core.FailWrongAnswer, result.Reason)
	assert.Equal(t, 0, memory.Len())

	second, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)
	assert.Equal(t, core.FailExpired, second.Reason)
}

func TestSolveUnknownIDIsExpired(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	result, err := e.Solve(context.Background(), "ch_never_existed", solveInput("echo", "st_x"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, core.FailExpired, result.Reason)
}

func TestSolveTooFastRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{TimingEnabled: true}, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	e.now = func() time.Time { return base.Add(10 * time.Millisecond) }
	result, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, core.FailTooFast, result.Reason)
	assert.Empty(t, result.Token)
	require.NotNil(t, result.TimingAnalysis)
	assert.Equal(t, core.ZoneTooFast, result.TimingAnalysis.Zone)
}

func TestSolveTimeoutRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{TimingEnabled: true}, nil)
	base := time.Now()
	e.now = func() time.Time { return base }

	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	e.now = func() time.Time { return base.Add(40 * time.Second) }
	result, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)

	assert.Equal(t, core.FailTimeout, result.Reason)
	assert.Empty(t, result.Token)
}

func TestSolveRTTCompensation(t *testing.T) {
	run := func(rtt float64) *core.VerifyResult {
		e, _ := newTestEngine(t, Config{TimingEnabled: true}, nil)
		base := time.Now()
		e.now = func() time.Time { return base }
		res, err := e.Init(context.Background(), nil)
		require.NoError(t, err)

		e.now = func() time.Time { return base.Add(2100 * time.Millisecond) }
		input := solveInput("echo", res.SessionToken)
		input.ClientRTTMs = rtt
		result, err := e.Solve(context.Background(), res.ID, input)
		require.NoError(t, err)
		return result
	}

	// 2100ms sits just past the fallback AI upper bound of 2000ms.
	withoutRTT := run(0)
	assert.Equal(t, core.ZoneSuspicious, withoutRTT.TimingAnalysis.Zone)

	withRTT := run(600)
	assert.Equal(t, core.ZoneAI, withRTT.TimingAnalysis.Zone)
	assert.InDelta(t, 1500, withRTT.TimingAnalysis.ElapsedMs, 1)
}

func TestSolveInflatedRTTClaimStillPenalized(t *testing.T) {
	e, _ := newTestEngine(t, Config{TimingEnabled: true}, nil)
	base := time.Now()
	e.now = func() time.Time { return base }
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	// A 16s solve claiming a 50s round trip. Compensation and boundary
	// widening both work from the capped value, so the claim cannot stretch
	// the AI zone over an arbitrarily slow solve.
	e.now = func() time.Time { return base.Add(16 * time.Second) }
	input := solveInput("echo", res.SessionToken)
	input.ClientRTTMs = 50000
	result, err := e.Solve(context.Background(), res.ID, input)
	require.NoError(t, err)

	require.True(t, result.Success)
	require.NotNil(t, result.TimingAnalysis)
	assert.Equal(t, core.ZoneSuspicious, result.TimingAnalysis.Zone)
	assert.InDelta(t, 8000, result.TimingAnalysis.ElapsedMs, 1)
	assert.Greater(t, result.TimingAnalysis.Penalty, 0.0)
	assert.InDelta(t, 0.57, result.Score.Speed, 1e-9)
}

func TestSolvePatternArtificialLowersAutonomy(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	input := solveInput("echo", res.SessionToken)
	input.StepTimings = []float64{1000, 1000, 1000}
	result, err := e.Solve(context.Background(), res.ID, input)
	require.NoError(t, err)

	require.True(t, result.Success)
	require.NotNil(t, result.PatternAnalysis)
	assert.Equal(t, core.VerdictArtificial, result.PatternAnalysis.Verdict)
	assert.InDelta(t, 0.63, result.Score.Autonomy, 1e-9)
}

func TestSolveClassifiesCanaryResponses(t *testing.T) {
	catalog := pomi.NewCatalog(nil)
	e, memory := newTestEngine(t, Config{PoMIEnabled: true}, func(d *Deps) {
		d.Injector = pomi.NewInjector(catalog)
		d.Classifier = pomi.NewClassifier(pomi.ModelFamilies, nil)
	})

	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)
	record, err := memory.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotEmpty(t, record.Canaries)

	// No canary responses at all: identification runs but stays unknown.
	result, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.ModelIdentity)
	assert.Equal(t, "unknown", result.ModelIdentity.Family)
}

func TestSolveSessionAnomalies(t *testing.T) {
	e, _ := newTestEngine(t, Config{TimingEnabled: true}, func(d *Deps) {
		d.Tracker = timing.NewSessionTracker()
	})
	base := time.Now()

	meta := &core.SolveMetadata{Model: "test-model", Framework: "test-fw"}
	var last *core.VerifyResult
	for i := 0; i < 2; i++ {
		e.now = func() time.Time { return base }
		res, err := e.Init(context.Background(), nil)
		require.NoError(t, err)

		e.now = func() time.Time { return base.Add(300 * time.Millisecond) }
		input := solveInput("echo", res.SessionToken)
		input.Metadata = meta
		last, err = e.Solve(context.Background(), res.ID, input)
		require.NoError(t, err)
		require.True(t, last.Success)
	}

	// Two solves landed within the rapid-succession window.
	require.NotEmpty(t, last.Anomalies)
	assert.Equal(t, "rapid_succession", last.Anomalies[0].Type)
}

func TestVerifyToken(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)
	res, err := e.Init(context.Background(), nil)
	require.NoError(t, err)

	solved, err := e.Solve(context.Background(), res.ID, solveInput("echo", res.SessionToken))
	require.NoError(t, err)
	require.True(t, solved.Success)

	valid := e.VerifyToken(solved.Token)
	assert.True(t, valid.Valid)
	require.NotNil(t, valid.Capabilities)
	assert.Equal(t, solved.Score, *valid.Capabilities)
	assert.Greater(t, valid.ExpiresAt, valid.IssuedAt)

	invalid := e.VerifyToken("not.a.token")
	assert.False(t, invalid.Valid)
	assert.Nil(t, invalid.Capabilities)
}
