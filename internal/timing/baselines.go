// Package timing classifies solve latencies into zones, scores per-step
// timing patterns, and tracks cross-challenge anomalies per session.
package timing

import "github.com/agentauth/backend/internal/core"

// DefaultBaselines are the calibrated zone thresholds for each of the four
// challenge types at each difficulty.
var DefaultBaselines = []core.TimingBaseline{
	{ChallengeType: "crypto-nl", Difficulty: core.DifficultyEasy, MeanMs: 150, StdMs: 60, TooFastMs: 20, AILowerMs: 40, AIUpperMs: 1000, HumanMs: 8000, TimeoutMs: 30000},
	{ChallengeType: "crypto-nl", Difficulty: core.DifficultyMedium, MeanMs: 300, StdMs: 120, TooFastMs: 30, AILowerMs: 50, AIUpperMs: 2000, HumanMs: 10000, TimeoutMs: 30000},
	{ChallengeType: "crypto-nl", Difficulty: core.DifficultyHard, MeanMs: 600, StdMs: 200, TooFastMs: 50, AILowerMs: 100, AIUpperMs: 3000, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: "crypto-nl", Difficulty: core.DifficultyAdversarial, MeanMs: 1000, StdMs: 350, TooFastMs: 80, AILowerMs: 150, AIUpperMs: 5000, HumanMs: 20000, TimeoutMs: 30000},

	{ChallengeType: "multi-step", Difficulty: core.DifficultyEasy, MeanMs: 400, StdMs: 150, TooFastMs: 40, AILowerMs: 80, AIUpperMs: 2000, HumanMs: 12000, TimeoutMs: 30000},
	{ChallengeType: "multi-step", Difficulty: core.DifficultyMedium, MeanMs: 800, StdMs: 300, TooFastMs: 60, AILowerMs: 150, AIUpperMs: 4000, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: "multi-step", Difficulty: core.DifficultyHard, MeanMs: 1200, StdMs: 400, TooFastMs: 100, AILowerMs: 300, AIUpperMs: 5000, HumanMs: 20000, TimeoutMs: 30000},
	{ChallengeType: "multi-step", Difficulty: core.DifficultyAdversarial, MeanMs: 1800, StdMs: 500, TooFastMs: 150, AILowerMs: 400, AIUpperMs: 7000, HumanMs: 25000, TimeoutMs: 30000},

	{ChallengeType: "ambiguous-logic", Difficulty: core.DifficultyEasy, MeanMs: 200, StdMs: 80, TooFastMs: 20, AILowerMs: 50, AIUpperMs: 1500, HumanMs: 10000, TimeoutMs: 30000},
	{ChallengeType: "ambiguous-logic", Difficulty: core.DifficultyMedium, MeanMs: 400, StdMs: 150, TooFastMs: 40, AILowerMs: 80, AIUpperMs: 2500, HumanMs: 12000, TimeoutMs: 30000},
	{ChallengeType: "ambiguous-logic", Difficulty: core.DifficultyHard, MeanMs: 700, StdMs: 250, TooFastMs: 60, AILowerMs: 120, AIUpperMs: 3500, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: "ambiguous-logic", Difficulty: core.DifficultyAdversarial, MeanMs: 1000, StdMs: 350, TooFastMs: 80, AILowerMs: 200, AIUpperMs: 5000, HumanMs: 20000, TimeoutMs: 30000},

	{ChallengeType: "code-execution", Difficulty: core.DifficultyEasy, MeanMs: 300, StdMs: 100, TooFastMs: 30, AILowerMs: 60, AIUpperMs: 1500, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: "code-execution", Difficulty: core.DifficultyMedium, MeanMs: 500, StdMs: 200, TooFastMs: 50, AILowerMs: 100, AIUpperMs: 3000, HumanMs: 20000, TimeoutMs: 30000},
	{ChallengeType: "code-execution", Difficulty: core.DifficultyHard, MeanMs: 900, StdMs: 300, TooFastMs: 80, AILowerMs: 150, AIUpperMs: 4500, HumanMs: 25000, TimeoutMs: 30000},
	{ChallengeType: "code-execution", Difficulty: core.DifficultyAdversarial, MeanMs: 1500, StdMs: 450, TooFastMs: 120, AILowerMs: 250, AIUpperMs: 6000, HumanMs: 30000, TimeoutMs: 30000},
}

// Baseline looks up the default baseline for a (type, difficulty) pair, or
// nil when no calibration exists.
func Baseline(challengeType string, difficulty core.Difficulty) *core.TimingBaseline {
	for i := range DefaultBaselines {
		if DefaultBaselines[i].ChallengeType == challengeType && DefaultBaselines[i].Difficulty == difficulty {
			return &DefaultBaselines[i]
		}
	}
	return nil
}
