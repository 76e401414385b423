package engine

import (
	"math"

	"github.com/agentauth/backend/internal/core"
)

// ComputeScore derives the five-dimensional capability vector from the
// driver's declared dimensions plus the optional timing and pattern analyses.
// The function is pure; it never touches the store or the clock.
func ComputeScore(dimensions []core.Dimension, timing *core.TimingAnalysis, pattern *core.PatternAnalysis) core.CapabilityScore {
	has := make(map[core.Dimension]bool, len(dimensions))
	for _, d := range dimensions {
		has[d] = true
	}

	reasoning := 0.5
	if has[core.DimensionReasoning] {
		reasoning = 0.9
	}
	execution := 0.5
	if has[core.DimensionExecution] {
		execution = 0.95
	}

	timingPenalty := 0.0
	humanLike := false
	if timing != nil {
		timingPenalty = timing.Penalty
		humanLike = timing.Zone == core.ZoneHuman || timing.Zone == core.ZoneSuspicious
	}
	speed := (1 - timingPenalty) * 0.95

	patternPenalty := 0.0
	if pattern != nil && pattern.Verdict == core.VerdictArtificial {
		patternPenalty = 0.3
	}

	autonomy := 0.9
	if humanLike {
		autonomy = (1 - timingPenalty) * 0.9
	}
	autonomy *= 1 - patternPenalty

	consistency := 0.9
	if has[core.DimensionMemory] {
		consistency = 0.92
	}
	consistency *= 1 - patternPenalty

	return core.CapabilityScore{
		Reasoning:   scoreRound(reasoning),
		Execution:   scoreRound(execution),
		Autonomy:    scoreRound(autonomy),
		Speed:       scoreRound(speed),
		Consistency: scoreRound(consistency),
	}
}

// scoreRound clamps to [0,1] and rounds to 3 decimals.
func scoreRound(v float64) float64 {
	v = math.Max(0, math.Min(1, v))
	return math.Round(v*1000) / 1000
}
