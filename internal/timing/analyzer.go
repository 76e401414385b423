package timing

import (
	"fmt"
	"math"

	"github.com/agentauth/backend/internal/core"
)

// AnalyzerConfig overrides the baseline set and the thresholds used when no
// baseline matches a (type, difficulty) pair. Zero values keep the defaults.
type AnalyzerConfig struct {
	Baselines        []core.TimingBaseline
	DefaultTooFastMs float64
	DefaultAILowerMs float64
	DefaultAIUpperMs float64
	DefaultHumanMs   float64
	DefaultTimeoutMs float64
}

// AnalyzeParams are the inputs of one per-solve classification.
type AnalyzeParams struct {
	ElapsedMs     float64
	ChallengeType string
	Difficulty    core.Difficulty
	RTTMs         float64
}

// Analyzer classifies elapsed solve times into zones and derives the
// penalty, z-score, and confidence for each classification.
type Analyzer struct {
	baselines map[string]core.TimingBaseline
	fallback  core.TimingBaseline
}

// NewAnalyzer builds an analyzer from the config, or entirely from defaults
// when config is nil.
func NewAnalyzer(config *AnalyzerConfig) *Analyzer {
	baselines := DefaultBaselines
	if config != nil && len(config.Baselines) > 0 {
		baselines = config.Baselines
	}

	a := &Analyzer{baselines: make(map[string]core.TimingBaseline, len(baselines))}
	for _, b := range baselines {
		a.baselines[baselineKey(b.ChallengeType, b.Difficulty)] = b
	}

	defaults := struct{ tooFast, aiLower, aiUpper, human, timeout float64 }{50, 50, 2000, 10000, 30000}
	if config != nil {
		if config.DefaultTooFastMs > 0 {
			defaults.tooFast = config.DefaultTooFastMs
		}
		if config.DefaultAILowerMs > 0 {
			defaults.aiLower = config.DefaultAILowerMs
		}
		if config.DefaultAIUpperMs > 0 {
			defaults.aiUpper = config.DefaultAIUpperMs
		}
		if config.DefaultHumanMs > 0 {
			defaults.human = config.DefaultHumanMs
		}
		if config.DefaultTimeoutMs > 0 {
			defaults.timeout = config.DefaultTimeoutMs
		}
	}
	a.fallback = core.TimingBaseline{
		ChallengeType: "default",
		Difficulty:    core.DifficultyMedium,
		MeanMs:        (defaults.aiLower + defaults.aiUpper) / 2,
		StdMs:         (defaults.aiUpper - defaults.aiLower) / 4,
		TooFastMs:     defaults.tooFast,
		AILowerMs:     defaults.aiLower,
		AIUpperMs:     defaults.aiUpper,
		HumanMs:       defaults.human,
		TimeoutMs:     defaults.timeout,
	}
	return a
}

func baselineKey(challengeType string, difficulty core.Difficulty) string {
	return challengeType + ":" + string(difficulty)
}

// Analyze classifies one solve. RTT widens the upper zone boundaries by
// max(rtt/2, 200ms) so slow links are not punished as suspicious.
func (a *Analyzer) Analyze(params AnalyzeParams) core.TimingAnalysis {
	baseline, ok := a.baselines[baselineKey(params.ChallengeType, params.Difficulty)]
	if !ok {
		baseline = a.fallback
	}

	adjusted := baseline
	if params.RTTMs > 0 {
		tolerance := math.Max(params.RTTMs*0.5, 200)
		adjusted.AIUpperMs = baseline.AIUpperMs + tolerance
		adjusted.HumanMs = baseline.HumanMs + tolerance
	}

	zone := classifyZone(params.ElapsedMs, adjusted)
	confidence := zoneConfidence(params.ElapsedMs, adjusted, zone)
	details := describeZone(zone, params.ElapsedMs, adjusted)

	// A conspicuously round elapsed time inside the AI zone hints at an
	// artificial sleep before submission.
	if isRoundElapsed(params.ElapsedMs) && zone == core.ZoneAI && params.ElapsedMs > 0 {
		confidence = round3(confidence * 0.85)
		details += " [round-number timing detected]"
	}

	return core.TimingAnalysis{
		ElapsedMs:  params.ElapsedMs,
		Zone:       zone,
		Confidence: confidence,
		ZScore:     math.Round(zScore(params.ElapsedMs, baseline)*100) / 100,
		Penalty:    round3(zonePenalty(zone, params.ElapsedMs, adjusted)),
		Details:    details,
	}
}

func isRoundElapsed(elapsed float64) bool {
	ms := int(elapsed)
	return ms%500 == 0 || (ms%100 == 0 && ms%500 != 0)
}

func classifyZone(elapsed float64, b core.TimingBaseline) core.TimingZone {
	switch {
	case elapsed < b.TooFastMs:
		return core.ZoneTooFast
	case elapsed <= b.AIUpperMs:
		return core.ZoneAI
	case elapsed <= b.HumanMs:
		return core.ZoneSuspicious
	case elapsed <= b.TimeoutMs:
		return core.ZoneHuman
	default:
		return core.ZoneTimeout
	}
}

func zonePenalty(zone core.TimingZone, elapsed float64, b core.TimingBaseline) float64 {
	switch zone {
	case core.ZoneTooFast, core.ZoneTimeout:
		return 1.0
	case core.ZoneAI:
		return 0.0
	case core.ZoneSuspicious:
		span := b.HumanMs - b.AIUpperMs
		if span <= 0 {
			return 0.5
		}
		return 0.3 + 0.4*((elapsed-b.AIUpperMs)/span)
	case core.ZoneHuman:
		return 0.9
	}
	return 0.0
}

func zScore(elapsed float64, b core.TimingBaseline) float64 {
	if b.StdMs == 0 {
		return 0
	}
	return (elapsed - b.MeanMs) / b.StdMs
}

func zoneConfidence(elapsed float64, b core.TimingBaseline, zone core.TimingZone) float64 {
	switch zone {
	case core.ZoneTooFast:
		return math.Max(0.5, 1-elapsed/b.TooFastMs)
	case core.ZoneAI:
		if b.StdMs <= 0 {
			if elapsed == b.MeanMs {
				return 1
			}
			return 0.5
		}
		dist := math.Abs(elapsed-b.MeanMs) / b.StdMs
		return math.Max(0.5, math.Min(1, 1-dist*0.15))
	case core.ZoneSuspicious:
		span := b.HumanMs - b.AIUpperMs
		if span <= 0 {
			return 0.4
		}
		return 0.4 + 0.2*((elapsed-b.AIUpperMs)/span)
	case core.ZoneHuman:
		return 0.8
	case core.ZoneTimeout:
		return 0.95
	}
	return 0.5
}

func describeZone(zone core.TimingZone, elapsed float64, b core.TimingBaseline) string {
	ms := int(math.Round(elapsed))
	switch zone {
	case core.ZoneTooFast:
		return fmt.Sprintf("Response time %dms is below %.0fms threshold -- likely pre-computed or scripted", ms, b.TooFastMs)
	case core.ZoneAI:
		return fmt.Sprintf("Response time %dms is within expected AI range [%.0fms, %.0fms]", ms, b.AILowerMs, b.AIUpperMs)
	case core.ZoneSuspicious:
		return fmt.Sprintf("Response time %dms exceeds AI range -- possible human assistance", ms)
	case core.ZoneHuman:
		return fmt.Sprintf("Response time %dms exceeds %.0fms -- likely human solver", ms, b.HumanMs)
	case core.ZoneTimeout:
		return fmt.Sprintf("Response time %dms exceeds timeout threshold of %.0fms", ms, b.TimeoutMs)
	}
	return ""
}

// AnalyzePattern scores a series of per-step durations. Near-zero variance
// over three or more steps, or a majority of round numbers, reads as
// artificial pacing; healthy variance reads as natural.
func (a *Analyzer) AnalyzePattern(stepTimings []float64) core.PatternAnalysis {
	if len(stepTimings) < 2 {
		return core.PatternAnalysis{Trend: "constant", Verdict: core.VerdictInconclusive}
	}

	mean := 0.0
	for _, t := range stepTimings {
		mean += t
	}
	mean /= float64(len(stepTimings))

	variance := 0.0
	for _, t := range stepTimings {
		d := t - mean
		variance += d * d
	}
	variance /= float64(len(stepTimings))

	vc := 0.0
	if mean > 0 {
		vc = math.Sqrt(variance) / mean
	}

	roundCount := 0
	for _, t := range stepTimings {
		if isRoundElapsed(t) {
			roundCount++
		}
	}
	roundRatio := float64(roundCount) / float64(len(stepTimings))

	verdict := core.VerdictInconclusive
	switch {
	case vc < 0.05 && len(stepTimings) >= 3:
		verdict = core.VerdictArtificial
	case roundRatio > 0.5:
		verdict = core.VerdictArtificial
	case vc > 0.1:
		verdict = core.VerdictNatural
	}

	return core.PatternAnalysis{
		VarianceCoefficient: round3(vc),
		Trend:               detectTrend(stepTimings),
		RoundNumberRatio:    math.Round(roundRatio*100) / 100,
		Verdict:             verdict,
	}
}

// detectTrend fits a least-squares line over the step index and classifies
// the normalized slope.
func detectTrend(timings []float64) string {
	if len(timings) < 3 {
		return "variable"
	}

	n := float64(len(timings))
	xMean := (n - 1) / 2
	yMean := 0.0
	for _, t := range timings {
		yMean += t
	}
	yMean /= n

	num, den := 0.0, 0.0
	for i, t := range timings {
		xi := float64(i) - xMean
		num += xi * (t - yMean)
		den += xi * xi
	}
	if den == 0 {
		return "constant"
	}

	slope := num / den
	normalized := 0.0
	if yMean > 0 {
		normalized = slope / yMean
	}

	switch {
	case math.Abs(normalized) < 0.05:
		return "constant"
	case normalized > 0.1:
		return "increasing"
	case normalized < -0.1:
		return "decreasing"
	default:
		return "variable"
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
