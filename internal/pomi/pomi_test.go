package pomi

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/backend/internal/core"
)

func TestCatalogHasSeventeenDefaults(t *testing.T) {
	c := NewCatalog(nil)
	assert.Len(t, c.List(), 17)
	assert.Equal(t, "1.1.0", c.Version)
}

func TestCatalogGet(t *testing.T) {
	c := NewCatalog(nil)
	can := c.Get("math-precision")
	require.NotNil(t, can)
	assert.Equal(t, core.AnalysisExactMatch, can.Analysis.Kind)
	assert.Nil(t, c.Get("no-such-canary"))
}

func TestCatalogSelectCountAndExclude(t *testing.T) {
	c := NewCatalog(nil)

	got := c.Select(5, nil)
	assert.Len(t, got, 5)

	got = c.Select(100, nil)
	assert.Len(t, got, 17)

	all := c.List()
	var excludeAllButOne []string
	for _, can := range all[1:] {
		excludeAllButOne = append(excludeAllButOne, can.ID)
	}
	got = c.Select(5, &SelectOptions{Exclude: excludeAllButOne})
	require.Len(t, got, 1)
	assert.Equal(t, all[0].ID, got[0].ID)
}

func TestCatalogSelectMethodFilter(t *testing.T) {
	c := NewCatalog(nil)
	method := core.InjectSuffix
	got := c.Select(100, &SelectOptions{Method: &method})
	require.NotEmpty(t, got)
	for _, can := range got {
		assert.Equal(t, core.InjectSuffix, can.InjectionMethod)
	}
}

func TestInjectorPlacesSideTasks(t *testing.T) {
	inj := NewInjector(NewCatalog(nil))
	payload := core.ChallengePayload{
		Type:         "crypto-nl",
		Instructions: "Step 1: XOR each byte with 0x2A",
	}

	res := inj.Inject(payload, 3, nil)
	require.Len(t, res.Injected, 3)
	assert.Contains(t, res.Payload.Instructions, "Step 1: XOR each byte with 0x2A")
	assert.Contains(t, res.Payload.Instructions, "side tasks")
	for _, c := range res.Injected {
		assert.Contains(t, res.Payload.Instructions, c.ID)
	}
}

func TestInjectorPrefixPlacement(t *testing.T) {
	prefixCanary := core.Canary{
		ID:              "warmup",
		Prompt:          "Say ready.",
		InjectionMethod: core.InjectPrefix,
		Analysis:        core.CanaryAnalysis{Kind: core.AnalysisExactMatch, Expected: map[string]string{"gpt-4-class": "ready"}},
	}
	inj := NewInjector(NewCatalog([]core.Canary{prefixCanary}))

	res := inj.Inject(core.ChallengePayload{Instructions: "MAIN TASK"}, 1, nil)
	require.Len(t, res.Injected, 1)
	assert.True(t, strings.HasPrefix(res.Payload.Instructions, "Before starting"))
	assert.Less(t,
		strings.Index(res.Payload.Instructions, "warmup"),
		strings.Index(res.Payload.Instructions, "MAIN TASK"))
}

func TestInjectorZeroCountIsNoop(t *testing.T) {
	inj := NewInjector(NewCatalog(nil))
	payload := core.ChallengePayload{Instructions: "unchanged"}
	res := inj.Inject(payload, 0, nil)
	assert.Equal(t, payload, res.Payload)
	assert.Empty(t, res.Injected)
}

func TestExtractorSkipsMissingResponses(t *testing.T) {
	e := NewExtractor()
	canaries := NewCatalog(nil).Select(5, nil)

	assert.Nil(t, e.Extract(canaries, nil))

	evidence := e.Extract(canaries, map[string]string{canaries[0].ID: "whatever"})
	require.Len(t, evidence, 1)
	assert.Equal(t, canaries[0].ID, evidence[0].CanaryID)
}

func TestExtractorExactMatch(t *testing.T) {
	e := NewExtractor()
	can := *NewCatalog(nil).Get("math-precision")

	evidence := e.Extract([]core.Canary{can}, map[string]string{"math-precision": " 0.30000000000000004 "})
	require.Len(t, evidence, 1)
	assert.True(t, evidence[0].Match)
	assert.InDelta(t, can.ConfidenceWeight, evidence[0].ConfidenceContribution, 1e-9)

	evidence = e.Extract([]core.Canary{can}, map[string]string{"math-precision": "five"})
	require.Len(t, evidence, 1)
	assert.False(t, evidence[0].Match)
	assert.InDelta(t, can.ConfidenceWeight*0.3, evidence[0].ConfidenceContribution, 1e-9)
}

func TestExtractorPattern(t *testing.T) {
	e := NewExtractor()
	can := *NewCatalog(nil).Get("reasoning-style")

	evidence := e.Extract([]core.Canary{can}, map[string]string{"reasoning-style": "Therefore, no: the sets may not overlap."})
	require.Len(t, evidence, 1)
	assert.True(t, evidence[0].Match)
	assert.InDelta(t, can.ConfidenceWeight, evidence[0].ConfidenceContribution, 1e-9)
}

func TestExtractorStatistical(t *testing.T) {
	e := NewExtractor()
	can := *NewCatalog(nil).Get("number-between")

	evidence := e.Extract([]core.Canary{can}, map[string]string{"number-between": "7"})
	require.Len(t, evidence, 1)
	assert.True(t, evidence[0].Match)
	assert.InDelta(t, can.ConfidenceWeight*0.7, evidence[0].ConfidenceContribution, 1e-9)

	evidence = e.Extract([]core.Canary{can}, map[string]string{"number-between": "no number here"})
	require.Len(t, evidence, 1)
	assert.False(t, evidence[0].Match)
	assert.InDelta(t, can.ConfidenceWeight*0.1, evidence[0].ConfidenceContribution, 1e-9)
}

func TestClassifierNoResponsesIsUnknown(t *testing.T) {
	c := NewClassifier(ModelFamilies, nil)
	got := c.Classify(NewCatalog(nil).List(), nil)
	assert.Equal(t, "unknown", got.Family)
	assert.Zero(t, got.Confidence)
}

func TestClassifierIdentifiesClaudeClass(t *testing.T) {
	catalog := NewCatalog(nil)
	canaries := []core.Canary{
		*catalog.Get("math-precision"),
		*catalog.Get("emoji-choice"),
		*catalog.Get("temperature-words"),
	}
	responses := map[string]string{
		"math-precision":    "0.30000000000000004",
		"emoji-choice":      "\U0001F604",
		"temperature-words": "Pleasant",
	}

	c := NewClassifier(ModelFamilies, nil)
	got := c.Classify(canaries, responses)
	assert.Equal(t, "claude-3-class", got.Family)
	assert.Greater(t, got.Confidence, 0.5)
	assert.Len(t, got.Evidence, 3)
	assert.Len(t, got.Alternatives, len(ModelFamilies)-1)
}

func TestClassifierBelowThresholdReportsUnknown(t *testing.T) {
	catalog := NewCatalog(nil)
	canaries := []core.Canary{*catalog.Get("analogy-completion")}
	responses := map[string]string{"analogy-completion": "puppy"}

	// Every family expects "puppy", so the posterior stays uniform at 0.2.
	c := NewClassifier(ModelFamilies, nil)
	got := c.Classify(canaries, responses)
	assert.Equal(t, "unknown", got.Family)
	assert.Less(t, got.Confidence, 0.5)
	require.NotEmpty(t, got.Alternatives)
	assert.Len(t, got.Alternatives, len(ModelFamilies))
	assert.InDelta(t, got.Confidence, got.Alternatives[0].Confidence, 1e-9)
}

func TestClassifierCustomThreshold(t *testing.T) {
	catalog := NewCatalog(nil)
	canaries := []core.Canary{*catalog.Get("analogy-completion")}
	responses := map[string]string{"analogy-completion": "puppy"}

	c := NewClassifier(ModelFamilies, &ClassifierOptions{ConfidenceThreshold: 0.1})
	got := c.Classify(canaries, responses)
	assert.NotEqual(t, "unknown", got.Family)
}

func TestClassifierConfidenceGrowsWithMatches(t *testing.T) {
	mk := func(id string) core.Canary {
		return core.Canary{
			ID:               id,
			Prompt:           "Reply with the word indigo.",
			InjectionMethod:  core.InjectInline,
			ConfidenceWeight: 0.8,
			Analysis: core.CanaryAnalysis{
				Kind:     core.AnalysisExactMatch,
				Expected: map[string]string{"gpt-4-class": "indigo"},
			},
		}
	}
	canaries := []core.Canary{mk("c1"), mk("c2"), mk("c3")}
	responses := map[string]string{"c1": "indigo", "c2": "indigo", "c3": "indigo"}

	c := NewClassifier(ModelFamilies, nil)
	prev := 0.0
	for n := 1; n <= len(canaries); n++ {
		got := c.Classify(canaries[:n], responses)
		assert.Greater(t, got.Confidence, prev, "posterior after %d matching canaries", n)
		prev = got.Confidence
	}
}

func TestClassifierNegativeThresholdAlwaysNames(t *testing.T) {
	catalog := NewCatalog(nil)
	canaries := []core.Canary{*catalog.Get("analogy-completion")}
	responses := map[string]string{"analogy-completion": "puppy"}

	// The posterior stays uniform at 0.2, below any positive threshold.
	c := NewClassifier(ModelFamilies, &ClassifierOptions{ConfidenceThreshold: -1})
	got := c.Classify(canaries, responses)
	assert.NotEqual(t, "unknown", got.Family)
	assert.InDelta(t, 0.2, got.Confidence, 1e-9)
}

func TestClassifierZeroStdDevIsUninformative(t *testing.T) {
	degenerate := core.Canary{
		ID:               "flat",
		Prompt:           "Pick a number between 1 and 10.",
		InjectionMethod:  core.InjectSuffix,
		ConfidenceWeight: 0.5,
		Analysis: core.CanaryAnalysis{
			Kind: core.AnalysisStatistical,
			Distributions: map[string]core.Distribution{
				"gpt-4-class": {Mean: 7, StdDev: 0},
			},
		},
	}

	c := NewClassifier(ModelFamilies, nil)
	got := c.Classify([]core.Canary{degenerate}, map[string]string{"flat": "7"})
	assert.False(t, math.IsNaN(got.Confidence))
	assert.Equal(t, "unknown", got.Family)
	assert.InDelta(t, 0.2, got.Confidence, 1e-9)
}

func TestClassifierPosteriorsSumToOne(t *testing.T) {
	catalog := NewCatalog(nil)
	canaries := catalog.List()
	responses := map[string]string{
		"math-precision": "0.3",
		"number-between": "7",
	}

	c := NewClassifier(ModelFamilies, &ClassifierOptions{ConfidenceThreshold: 0.01})
	got := c.Classify(canaries, responses)

	sum := got.Confidence
	for _, alt := range got.Alternatives {
		sum += alt.Confidence
	}
	assert.InDelta(t, 1.0, sum, 0.01)
}
