package timing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/backend/internal/core"
)

func TestDefaultBaselinesCoverAllPairs(t *testing.T) {
	assert.Len(t, DefaultBaselines, 16)
	types := []string{"crypto-nl", "multi-step", "ambiguous-logic", "code-execution"}
	difficulties := []core.Difficulty{core.DifficultyEasy, core.DifficultyMedium, core.DifficultyHard, core.DifficultyAdversarial}
	for _, ct := range types {
		for _, d := range difficulties {
			require.NotNil(t, Baseline(ct, d), "%s/%s", ct, d)
		}
	}
	assert.Nil(t, Baseline("no-such-type", core.DifficultyEasy))
}

func TestAnalyzeZoneClassification(t *testing.T) {
	a := NewAnalyzer(nil)

	cases := []struct {
		elapsed float64
		zone    core.TimingZone
	}{
		{10, core.ZoneTooFast},
		{30, core.ZoneAI},
		{999, core.ZoneAI},
		{1500, core.ZoneSuspicious},
		{9000, core.ZoneHuman},
		{31000, core.ZoneTimeout},
	}
	for _, tc := range cases {
		got := a.Analyze(AnalyzeParams{
			ElapsedMs:     tc.elapsed,
			ChallengeType: "crypto-nl",
			Difficulty:    core.DifficultyEasy,
		})
		assert.Equal(t, tc.zone, got.Zone, "elapsed=%v", tc.elapsed)
	}
}

func TestAnalyzeZeroStdBaseline(t *testing.T) {
	a := NewAnalyzer(&AnalyzerConfig{Baselines: []core.TimingBaseline{{
		ChallengeType: "fixed",
		Difficulty:    core.DifficultyEasy,
		MeanMs:        1234,
		StdMs:         0,
		TooFastMs:     50,
		AILowerMs:     50,
		AIUpperMs:     2000,
		HumanMs:       10000,
		TimeoutMs:     30000,
	}}})

	atMean := a.Analyze(AnalyzeParams{ElapsedMs: 1234, ChallengeType: "fixed", Difficulty: core.DifficultyEasy})
	assert.Equal(t, core.ZoneAI, atMean.Zone)
	assert.False(t, math.IsNaN(atMean.Confidence))
	assert.Equal(t, 1.0, atMean.Confidence)

	offMean := a.Analyze(AnalyzeParams{ElapsedMs: 777, ChallengeType: "fixed", Difficulty: core.DifficultyEasy})
	assert.False(t, math.IsNaN(offMean.Confidence))
	assert.Equal(t, 0.5, offMean.Confidence)
	assert.Zero(t, offMean.ZScore)
}

func TestAnalyzePenalties(t *testing.T) {
	a := NewAnalyzer(nil)
	baseline := *Baseline("crypto-nl", core.DifficultyEasy)

	tooFast := a.Analyze(AnalyzeParams{ElapsedMs: 5, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.Equal(t, 1.0, tooFast.Penalty)

	ai := a.Analyze(AnalyzeParams{ElapsedMs: 300, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.Equal(t, 0.0, ai.Penalty)

	// Halfway through the suspicious band: penalty 0.3 + 0.5*0.4 = 0.5.
	mid := baseline.AIUpperMs + (baseline.HumanMs-baseline.AIUpperMs)/2
	susp := a.Analyze(AnalyzeParams{ElapsedMs: mid, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.InDelta(t, 0.5, susp.Penalty, 1e-9)

	human := a.Analyze(AnalyzeParams{ElapsedMs: 9001, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.Equal(t, 0.9, human.Penalty)

	timeout := a.Analyze(AnalyzeParams{ElapsedMs: 40000, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.Equal(t, 1.0, timeout.Penalty)
}

func TestAnalyzeZScore(t *testing.T) {
	a := NewAnalyzer(nil)
	// crypto-nl easy: mean 150, std 60; elapsed 270 is exactly +2 sigma.
	got := a.Analyze(AnalyzeParams{ElapsedMs: 270, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.InDelta(t, 2.0, got.ZScore, 1e-9)
}

func TestAnalyzeRTTToleranceWidensBoundaries(t *testing.T) {
	a := NewAnalyzer(nil)

	// 1100ms is just past crypto-nl easy's AI upper bound of 1000ms.
	noRTT := a.Analyze(AnalyzeParams{ElapsedMs: 1100, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy})
	assert.Equal(t, core.ZoneSuspicious, noRTT.Zone)

	withRTT := a.Analyze(AnalyzeParams{ElapsedMs: 1100, ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy, RTTMs: 100})
	assert.Equal(t, core.ZoneAI, withRTT.Zone)
}

func TestAnalyzeRoundNumberLowersAIConfidence(t *testing.T) {
	a := NewAnalyzer(nil)

	round := a.Analyze(AnalyzeParams{ElapsedMs: 500, ChallengeType: "crypto-nl", Difficulty: core.DifficultyMedium})
	require.Equal(t, core.ZoneAI, round.Zone)
	assert.Contains(t, round.Details, "round-number")

	offRound := a.Analyze(AnalyzeParams{ElapsedMs: 503, ChallengeType: "crypto-nl", Difficulty: core.DifficultyMedium})
	require.Equal(t, core.ZoneAI, offRound.Zone)
	assert.NotContains(t, offRound.Details, "round-number")
	assert.Greater(t, offRound.Confidence, round.Confidence)
}

func TestAnalyzeUnknownTypeUsesFallbackBaseline(t *testing.T) {
	a := NewAnalyzer(nil)
	got := a.Analyze(AnalyzeParams{ElapsedMs: 1000, ChallengeType: "custom-driver", Difficulty: core.DifficultyEasy})
	assert.Equal(t, core.ZoneAI, got.Zone)
}

func TestAnalyzePatternVerdicts(t *testing.T) {
	a := NewAnalyzer(nil)

	short := a.AnalyzePattern([]float64{100})
	assert.Equal(t, core.VerdictInconclusive, short.Verdict)

	uniform := a.AnalyzePattern([]float64{1001, 1002, 1003, 1001})
	assert.Equal(t, core.VerdictArtificial, uniform.Verdict)

	rounds := a.AnalyzePattern([]float64{500, 1000, 700})
	assert.Equal(t, core.VerdictArtificial, rounds.Verdict)
	assert.Equal(t, 1.0, rounds.RoundNumberRatio)

	natural := a.AnalyzePattern([]float64{312, 877, 445, 1203})
	assert.Equal(t, core.VerdictNatural, natural.Verdict)
}

func TestAnalyzePatternTrend(t *testing.T) {
	a := NewAnalyzer(nil)

	increasing := a.AnalyzePattern([]float64{100, 300, 500, 700})
	assert.Equal(t, "increasing", increasing.Trend)

	decreasing := a.AnalyzePattern([]float64{700, 500, 300, 100})
	assert.Equal(t, "decreasing", decreasing.Trend)

	constant := a.AnalyzePattern([]float64{400, 401, 399, 400})
	assert.Equal(t, "constant", constant.Trend)
}

func TestSessionTrackerZoneInconsistency(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Now()
	tick := 0
	tr.now = func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * 10 * time.Second)
	}

	tr.Record("sess", 300, core.ZoneAI)
	tr.Record("sess", 9000, core.ZoneHuman)
	tr.Record("sess", 400, core.ZoneAI)

	anomalies := tr.Analyze("sess")
	require.NotEmpty(t, anomalies)
	assert.Equal(t, "zone_inconsistency", anomalies[0].Type)
	assert.Equal(t, "medium", anomalies[0].Severity)
}

func TestSessionTrackerVarianceAnomaly(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Now()
	tick := 0
	tr.now = func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * 10 * time.Second)
	}

	tr.Record("sess", 1000, core.ZoneAI)
	tr.Record("sess", 1001, core.ZoneAI)
	tr.Record("sess", 1002, core.ZoneAI)

	anomalies := tr.Analyze("sess")
	require.Len(t, anomalies, 1)
	assert.Equal(t, "timing_variance_anomaly", anomalies[0].Type)
	assert.Equal(t, "high", anomalies[0].Severity)
}

func TestSessionTrackerRapidSuccession(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Now()
	times := []time.Duration{0, 1500 * time.Millisecond}
	idx := 0
	tr.now = func() time.Time {
		d := times[idx]
		idx++
		return now.Add(d)
	}

	tr.Record("sess", 300, core.ZoneAI)
	tr.Record("sess", 600, core.ZoneAI)

	anomalies := tr.Analyze("sess")
	require.Len(t, anomalies, 1)
	assert.Equal(t, "rapid_succession", anomalies[0].Type)
	assert.Equal(t, "high", anomalies[0].Severity)
}

func TestSessionTrackerSingleEntryIsClean(t *testing.T) {
	tr := NewSessionTracker()
	tr.Record("sess", 300, core.ZoneAI)
	assert.Nil(t, tr.Analyze("sess"))
}

func TestSessionTrackerClear(t *testing.T) {
	tr := NewSessionTracker()
	tr.Record("sess", 300, core.ZoneAI)
	tr.Clear("sess")
	assert.Nil(t, tr.Analyze("sess"))
}
