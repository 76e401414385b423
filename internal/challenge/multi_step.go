package challenge

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
)

// ============================================================================
// MULTI-STEP — chained crypto operations with memory references
// ============================================================================

// A multi-step challenge is a sequence R1..Rk where each step either computes
// on the previous result or references an earlier step (recall a byte, or
// re-apply an earlier operation). The final answer hashes the concatenation
// of all intermediate results.

const (
	msSHA256 = "sha256"
	msXOR    = "xor"
	msHMAC   = "hmac"
	msSlice  = "slice"
	msRecall = "memory_recall"
	msApply  = "memory_apply"
)

type msStep struct {
	Kind      string `json:"kind"`
	Key       int    `json:"key,omitempty"`
	KeyHex    string `json:"key_hex,omitempty"`
	Start     int    `json:"start,omitempty"`
	End       int    `json:"end,omitempty"`
	RefStep   int    `json:"ref_step,omitempty"`
	ByteIndex int    `json:"byte_index,omitempty"`
}

func (s msStep) isMemory() bool { return s.Kind == msRecall || s.Kind == msApply }

type multiStepContext struct {
	Steps     []msStep `json:"steps"`
	CanaryIDs []string `json:"canary_ids,omitempty"`
}

var multiStepShape = map[core.Difficulty]struct {
	compute, recall, apply, dataSize int
}{
	core.DifficultyEasy:        {compute: 3, recall: 0, apply: 0, dataSize: 32},
	core.DifficultyMedium:      {compute: 3, recall: 1, apply: 0, dataSize: 32},
	core.DifficultyHard:        {compute: 3, recall: 1, apply: 1, dataSize: 64},
	core.DifficultyAdversarial: {compute: 4, recall: 2, apply: 1, dataSize: 64},
}

// ----------------------------------------------------------------------------
// Execution
// ----------------------------------------------------------------------------

// runStep evaluates one step. Results are hex strings; compute steps read the
// previous result (or the input on R1), memory steps read the step they
// reference.
func runStep(idx int, step msStep, inputHex string, prior []string, priorDefs []msStep) (string, error) {
	source := func() ([]byte, error) {
		if idx == 0 {
			return hex.DecodeString(inputHex)
		}
		return hex.DecodeString(prior[idx-1])
	}

	switch step.Kind {
	case msSHA256:
		src, err := source()
		if err != nil {
			return "", err
		}
		return crypto.SHA256Hex(src), nil

	case msXOR:
		src, err := source()
		if err != nil {
			return "", err
		}
		out := make([]byte, len(src))
		for i, b := range src {
			out[i] = b ^ byte(step.Key)
		}
		return hex.EncodeToString(out), nil

	case msHMAC:
		// R1 uses an explicit key; later steps key on the previous result and
		// always sign the original input data.
		var key []byte
		var err error
		if idx == 0 {
			key, err = hex.DecodeString(step.KeyHex)
		} else {
			key, err = hex.DecodeString(prior[idx-1])
		}
		if err != nil {
			return "", err
		}
		msg, err := hex.DecodeString(inputHex)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(crypto.HMACSHA256(key, msg)), nil

	case msSlice:
		src, err := source()
		if err != nil {
			return "", err
		}
		start, end := step.Start, step.End
		if start > len(src) {
			start = len(src)
		}
		if end > len(src) {
			end = len(src)
		}
		return hex.EncodeToString(src[start:end]), nil

	case msRecall:
		if step.RefStep >= len(prior) {
			return "", fmt.Errorf("memory_recall references future step %d", step.RefStep)
		}
		src, err := hex.DecodeString(prior[step.RefStep])
		if err != nil {
			return "", err
		}
		if step.ByteIndex >= len(src) {
			return "", fmt.Errorf("memory_recall byte index %d out of range", step.ByteIndex)
		}
		return fmt.Sprintf("%02x", src[step.ByteIndex]), nil

	case msApply:
		if step.RefStep >= len(priorDefs) {
			return "", fmt.Errorf("memory_apply references future step %d", step.RefStep)
		}
		return runStep(idx, priorDefs[step.RefStep], inputHex, prior, priorDefs)
	}
	return "", fmt.Errorf("unknown step kind %q", step.Kind)
}

func runAllSteps(steps []msStep, inputHex string) ([]string, error) {
	results := make([]string, 0, len(steps))
	for i, step := range steps {
		r, err := runStep(i, step, inputHex, results, steps[:i])
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Kind, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// finalAnswer is the SHA-256 hex of all step results concatenated without
// separators.
func finalAnswer(results []string) string {
	return crypto.SHA256Hex([]byte(strings.Join(results, "")))
}

// ----------------------------------------------------------------------------
// Instruction rendering
// ----------------------------------------------------------------------------

func pick[T any](items []T) T { return items[rand.Intn(len(items))] }

func stepRef(idx int) string {
	if idx == 0 {
		return "the provided data"
	}
	return fmt.Sprintf("R%d", idx)
}

func renderStep(idx int, step msStep) string {
	num := idx + 1
	label := fmt.Sprintf("R%d", num)
	ref := stepRef(idx)

	var body string
	switch step.Kind {
	case msSHA256:
		body = pick([]string{
			fmt.Sprintf("Compute the SHA-256 hash of %s", ref),
			fmt.Sprintf("Hash %s using SHA-256", ref),
			fmt.Sprintf("Apply SHA-256 to %s", ref),
		})
	case msXOR:
		body = pick([]string{
			fmt.Sprintf("XOR each byte of %s with 0x%02X", ref, step.Key),
			fmt.Sprintf("Apply exclusive-or with the value %d to every byte of %s", step.Key, ref),
			fmt.Sprintf("Bitwise XOR each byte of %s using the key 0x%02x", ref, step.Key),
		})
	case msHMAC:
		keyRef := fmt.Sprintf("the hex key \"%s\"", step.KeyHex)
		if idx > 0 {
			keyRef = fmt.Sprintf("R%d", idx)
		}
		body = pick([]string{
			fmt.Sprintf("Compute HMAC-SHA256 with %s as key and the provided data as message", keyRef),
			fmt.Sprintf("Use %s as an HMAC-SHA256 key to sign the provided data", keyRef),
		})
	case msSlice:
		body = pick([]string{
			fmt.Sprintf("Take bytes %d through %d (inclusive) from %s", step.Start, step.End-1, ref),
			fmt.Sprintf("Extract the first %d bytes of %s starting at offset %d", step.End-step.Start, ref, step.Start),
		})
	case msRecall:
		body = pick([]string{
			fmt.Sprintf("What was byte %d (0-indexed) of your result R%d? Express as a 2-digit hex value", step.ByteIndex, step.RefStep+1),
			fmt.Sprintf("Recall the value of the byte at position %d in R%d, written as two hex digits", step.ByteIndex, step.RefStep+1),
		})
	case msApply:
		body = pick([]string{
			fmt.Sprintf("Apply the same operation you performed in step %d to %s", step.RefStep+1, ref),
			fmt.Sprintf("Repeat the operation from step %d, but this time on %s", step.RefStep+1, ref),
		})
	}
	return fmt.Sprintf("Step %d: %s. Your result is %s.", num, body, label)
}

func renderAllSteps(steps []msStep) string {
	lines := make([]string, 0, len(steps)+1)
	for i, s := range steps {
		lines = append(lines, renderStep(i, s))
	}
	refs := make([]string, len(steps))
	for i := range steps {
		refs[i] = fmt.Sprintf("R%d", i+1)
	}
	lines = append(lines, fmt.Sprintf(
		"\nYour final answer: SHA-256 of the concatenation of %s (all as lowercase hex strings, concatenated without separators).",
		strings.Join(refs, " + ")))
	return strings.Join(lines, "\n")
}

// ----------------------------------------------------------------------------
// Step generation
// ----------------------------------------------------------------------------

func newComputeStep(idx, dataSize int, prior []string) msStep {
	kinds := []string{msSHA256, msXOR, msHMAC, msSlice}
	if idx == 0 {
		kinds = []string{msSHA256, msXOR}
	}

	switch pick(kinds) {
	case msXOR:
		return msStep{Kind: msXOR, Key: randBetween(1, 255)}
	case msHMAC:
		if idx == 0 {
			return msStep{Kind: msHMAC, KeyHex: hex.EncodeToString(crypto.RandomBytes(16))}
		}
		return msStep{Kind: msHMAC}
	case msSlice:
		srcLen := dataSize
		if idx > 0 {
			srcLen = len(prior[idx-1]) / 2
			if srcLen == 0 {
				srcLen = 32
			}
		}
		if srcLen < 4 {
			srcLen = 4
		}
		start := randBetween(0, srcLen/4)
		end := randBetween(start+2, minInt(start+srcLen/2, srcLen))
		return msStep{Kind: msSlice, Start: start, End: end}
	default:
		return msStep{Kind: msSHA256}
	}
}

func newRecallStep(prior []string) (msStep, error) {
	ref := rand.Intn(len(prior))
	src, err := hex.DecodeString(prior[ref])
	if err != nil {
		return msStep{}, err
	}
	return msStep{Kind: msRecall, RefStep: ref, ByteIndex: rand.Intn(len(src))}, nil
}

// newApplyStep only ever references compute steps: re-applying a memory step
// is circular and has no well-defined meaning.
func newApplyStep(steps []msStep) msStep {
	var candidates []int
	for i, s := range steps {
		if !s.isMemory() {
			candidates = append(candidates, i)
		}
	}
	return msStep{Kind: msApply, RefStep: pick(candidates)}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ----------------------------------------------------------------------------
// Driver
// ----------------------------------------------------------------------------

// MultiStepDriver generates chained operation sequences with recall and
// re-apply references that force the solver to keep intermediate state.
type MultiStepDriver struct{}

func (d *MultiStepDriver) Name() string { return "multi-step" }

func (d *MultiStepDriver) Dimensions() []core.Dimension {
	return []core.Dimension{core.DimensionReasoning, core.DimensionExecution, core.DimensionMemory}
}

func (d *MultiStepDriver) EstimatedHumanTimeMs() int64 { return 120000 }
func (d *MultiStepDriver) EstimatedAITimeMs() int64    { return 2000 }

func (d *MultiStepDriver) Generate(difficulty core.Difficulty) (*core.ChallengePayload, error) {
	shape, ok := multiStepShape[difficulty]
	if !ok {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}

	data := crypto.RandomBytes(shape.dataSize)
	inputHex := hex.EncodeToString(data)

	var steps []msStep
	var results []string
	appendStep := func(s msStep) error {
		r, err := runStep(len(steps), s, inputHex, results, steps)
		if err != nil {
			return err
		}
		steps = append(steps, s)
		results = append(results, r)
		return nil
	}

	for i := 0; i < shape.compute; i++ {
		if err := appendStep(newComputeStep(i, shape.dataSize, results)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < shape.recall; i++ {
		s, err := newRecallStep(results)
		if err != nil {
			return nil, err
		}
		if err := appendStep(s); err != nil {
			return nil, err
		}
	}
	for i := 0; i < shape.apply; i++ {
		if err := appendStep(newApplyStep(steps)); err != nil {
			return nil, err
		}
	}

	ctx, err := json.Marshal(multiStepContext{Steps: steps})
	if err != nil {
		return nil, fmt.Errorf("marshal multi-step context: %w", err)
	}

	return &core.ChallengePayload{
		Type:         d.Name(),
		Instructions: renderAllSteps(steps),
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        len(steps),
		Context:      ctx,
	}, nil
}

func (d *MultiStepDriver) ComputeAnswerHash(payload *core.ChallengePayload) (string, error) {
	var ctx multiStepContext
	if err := json.Unmarshal(payload.Context, &ctx); err != nil {
		return "", fmt.Errorf("unmarshal multi-step context: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return "", fmt.Errorf("decode challenge data: %w", err)
	}

	results, err := runAllSteps(ctx.Steps, hex.EncodeToString(data))
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex([]byte(finalAnswer(results))), nil
}

func (d *MultiStepDriver) Verify(answerHash, submitted string) bool {
	return verifySubmission(answerHash, submitted)
}
