package challenge

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
)

// ============================================================================
// AMBIGUOUS-LOGIC — deliberately underspecified instructions
// ============================================================================

// Each template produces instructions with a vague predicate ("lucky",
// "famous", "big") plus the full set of defensible readings. The most common
// reading is the primary answer and the only one that passes verification;
// the scored alternatives are persisted in the challenge context for audit.

type scoredAnswer struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
}

type scoredAnswerHash struct {
	AnswerHash string  `json:"answer_hash"`
	Score      float64 `json:"score"`
}

type ambiguousContext struct {
	Templates     []string           `json:"templates"`
	PrimaryAnswer string             `json:"primary_answer"`
	ScoredAnswers []scoredAnswerHash `json:"scored_answers"`
	CanaryIDs     []string           `json:"canary_ids,omitempty"`
}

// ----------------------------------------------------------------------------
// Byte helpers
// ----------------------------------------------------------------------------

func xorAll(data []byte, key int) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ byte(key)
	}
	return out
}

func sortedAscending(data []byte) []byte {
	out := append([]byte{}, data...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func reversed(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}

// ----------------------------------------------------------------------------
// Templates
// ----------------------------------------------------------------------------

type ambiguousTemplate struct {
	name     string
	generate func(data []byte, difficulty core.Difficulty) (string, []scoredAnswer)
}

// luckyNumber: "if the byte count is a lucky number" with 7 as the canonical
// reading and 3, 8, 13 as culturally plausible alternatives.
func luckyNumber(data []byte, difficulty core.Difficulty) (string, []scoredAnswer) {
	n := len(data)

	resolve := func(lucky int) string {
		if n == lucky {
			return hex.EncodeToString(xorAll(data, 7))
		}
		return hex.EncodeToString(xorAll(data, 13))
	}

	answers := []scoredAnswer{{Answer: resolve(7), Score: 1.0}}
	if difficulty != core.DifficultyEasy {
		altScores := []struct {
			lucky int
			score float64
		}{{3, 0.6}, {8, 0.6}, {13, 0.7}}
		for _, alt := range altScores {
			a := resolve(alt.lucky)
			if a != answers[0].Answer {
				answers = append(answers, scoredAnswer{Answer: a, Score: alt.score})
			}
		}
	}

	instructions := pick([]string{
		fmt.Sprintf("You are given %d bytes of data (base64-encoded).\nIf the number of bytes is a lucky number, XOR each byte with 7.\nOtherwise, XOR each byte with 13.\nReturn the hex-encoded result.", n),
		fmt.Sprintf("The data below contains %d bytes.\nWhen the byte count is lucky, apply XOR 7 to every byte.\nWhen unlucky, apply XOR 13 instead.\nProvide your answer as a hex string.", n),
	})
	return instructions, answers
}

// famousConstant: pi (31) is canonical; e (27) and phi (16) are scored lower.
func famousConstant(data []byte, _ core.Difficulty) (string, []scoredAnswer) {
	answers := []scoredAnswer{
		{Answer: hex.EncodeToString(xorAll(data, 31)), Score: 1.0},
		{Answer: hex.EncodeToString(xorAll(data, 27)), Score: 0.8},
		{Answer: hex.EncodeToString(xorAll(data, 16)), Score: 0.6},
	}
	instructions := pick([]string{
		"XOR each byte of the provided data with the most famous mathematical constant's first two digits as an integer.\nReturn the hex-encoded result.",
		"Take the universally recognized mathematical constant, extract its first two digits as a whole number, and XOR every byte of the data with that number.\nProvide the hex-encoded output.",
	})
	return instructions, answers
}

// bigSmall: "big" canonically means above 127; thresholds 100 and 200 are the
// alternative readings.
func bigSmall(data []byte, _ core.Difficulty) (string, []scoredAnswer) {
	resolve := func(threshold byte) string {
		if data[0] > threshold {
			return hex.EncodeToString(reversed(data))
		}
		return hex.EncodeToString(sortedAscending(data))
	}

	answers := []scoredAnswer{{Answer: resolve(127), Score: 1.0}}
	if a := resolve(100); a != answers[0].Answer {
		answers = append(answers, scoredAnswer{Answer: a, Score: 0.8})
	}
	if a := resolve(200); a != answers[0].Answer && (len(answers) < 2 || a != answers[1].Answer) {
		answers = append(answers, scoredAnswer{Answer: a, Score: 0.7})
	}

	instructions := pick([]string{
		"If the first byte of the data is big, reverse the entire byte array.\nOtherwise, sort all bytes in ascending order.\nReturn the hex-encoded result.",
		"Examine the first byte. If it is a big value, flip the array end-to-end.\nIf it is small, arrange bytes from lowest to highest.\nProvide the hex-encoded output.",
	})
	return instructions, answers
}

var ambiguousTemplates = []ambiguousTemplate{
	{name: "lucky-number", generate: luckyNumber},
	{name: "famous-constant", generate: famousConstant},
	{name: "big-small", generate: bigSmall},
}

var ambiguousShape = map[core.Difficulty]struct{ dataSize, templates int }{
	core.DifficultyEasy:        {8, 1},
	core.DifficultyMedium:      {16, 1},
	core.DifficultyHard:        {32, 2},
	core.DifficultyAdversarial: {64, 3},
}

// ----------------------------------------------------------------------------
// Driver
// ----------------------------------------------------------------------------

// AmbiguousLogicDriver generates challenges whose instructions admit several
// defensible interpretations; only the canonical one passes verification.
type AmbiguousLogicDriver struct{}

func (d *AmbiguousLogicDriver) Name() string { return "ambiguous-logic" }

func (d *AmbiguousLogicDriver) Dimensions() []core.Dimension {
	return []core.Dimension{core.DimensionReasoning, core.DimensionAmbiguity}
}

func (d *AmbiguousLogicDriver) EstimatedHumanTimeMs() int64 { return 45000 }
func (d *AmbiguousLogicDriver) EstimatedAITimeMs() int64    { return 1000 }

func (d *AmbiguousLogicDriver) Generate(difficulty core.Difficulty) (*core.ChallengePayload, error) {
	shape, ok := ambiguousShape[difficulty]
	if !ok {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}

	data := crypto.RandomBytes(shape.dataSize)

	shuffled := append([]ambiguousTemplate{}, ambiguousTemplates...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	count := shape.templates
	if count > len(shuffled) {
		count = len(shuffled)
	}
	selected := shuffled[:count]

	instructions, answers := d.resolveChain(selected, data, difficulty)

	names := make([]string, len(selected))
	for i, t := range selected {
		names[i] = t.name
	}
	hashed := make([]scoredAnswerHash, len(answers))
	for i, a := range answers {
		hashed[i] = scoredAnswerHash{AnswerHash: crypto.SHA256Hex([]byte(a.Answer)), Score: a.Score}
	}

	ctx, err := json.Marshal(ambiguousContext{
		Templates:     names,
		PrimaryAnswer: answers[0].Answer,
		ScoredAnswers: hashed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ambiguous-logic context: %w", err)
	}

	return &core.ChallengePayload{
		Type:         d.Name(),
		Instructions: instructions,
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        len(selected),
		Context:      ctx,
	}, nil
}

// resolveChain runs the selected templates in order. For chained parts the
// alternative set is the cross product of readings, scored multiplicatively,
// deduplicated keeping the best score; the primary answer of each part feeds
// the next.
func (d *AmbiguousLogicDriver) resolveChain(
	templates []ambiguousTemplate, data []byte, difficulty core.Difficulty,
) (string, []scoredAnswer) {
	if len(templates) == 1 {
		return templates[0].generate(data, difficulty)
	}

	current := data
	var parts []string
	var acceptable []scoredAnswer

	for i, tmpl := range templates {
		instructions, answers := tmpl.generate(current, difficulty)
		parts = append(parts, fmt.Sprintf("--- Part %d ---\n%s", i+1, instructions))

		if i == 0 {
			acceptable = answers
		} else {
			var chained []scoredAnswer
			for _, prev := range acceptable {
				prevData, _ := hex.DecodeString(prev.Answer)
				_, next := tmpl.generate(prevData, difficulty)
				for _, a := range next {
					chained = append(chained, scoredAnswer{Answer: a.Answer, Score: prev.Score * a.Score})
				}
			}
			acceptable = chained
		}
		current, _ = hex.DecodeString(acceptable[0].Answer)
	}

	best := make(map[string]float64)
	for _, a := range acceptable {
		if s, ok := best[a.Answer]; !ok || a.Score > s {
			best[a.Answer] = a.Score
		}
	}
	deduped := make([]scoredAnswer, 0, len(best))
	for answer, score := range best {
		deduped = append(deduped, scoredAnswer{Answer: answer, Score: score})
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Score != deduped[j].Score {
			return deduped[i].Score > deduped[j].Score
		}
		return deduped[i].Answer < deduped[j].Answer
	})

	header := "This is a multi-part ambiguous logic challenge.\nApply each part's transformation in order, using the output of the previous part as input for the next.\n\n"
	return header + strings.Join(parts, "\n\n"), deduped
}

func (d *AmbiguousLogicDriver) ComputeAnswerHash(payload *core.ChallengePayload) (string, error) {
	var ctx ambiguousContext
	if err := json.Unmarshal(payload.Context, &ctx); err != nil {
		return "", fmt.Errorf("unmarshal ambiguous-logic context: %w", err)
	}
	if ctx.PrimaryAnswer == "" {
		return "", fmt.Errorf("ambiguous-logic context has no primary answer")
	}
	return crypto.SHA256Hex([]byte(ctx.PrimaryAnswer)), nil
}

func (d *AmbiguousLogicDriver) Verify(answerHash, submitted string) bool {
	return verifySubmission(answerHash, submitted)
}
