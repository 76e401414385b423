package challenge

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
)

// ============================================================================
// CODE-EXECUTION — find the bugs, fix them mentally, run the fixed code
// ============================================================================

// The payload shows a short JavaScript function seeded with one or more known
// bugs. The solver must spot the bugs, execute the corrected function on the
// given input, and submit its output. The correct output is computed here in
// Go against the reference semantics.

type codeBug struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	bugOffByOne    = codeBug{Name: "off_by_one", Description: "Uses % 255 instead of % 256 in modulo operation"}
	bugWrongOp     = codeBug{Name: "wrong_operator", Description: "Uses + (addition) instead of ^ (XOR) as the accumulator operator"}
	bugMissingStep = codeBug{Name: "missing_step", Description: "Missing byte reversal between hash rounds"}
	bugWrongInit   = codeBug{Name: "wrong_init", Description: "Accumulator initialized to 1 instead of 0"}
	bugWrongPad    = codeBug{Name: "wrong_pad", Description: "padStart uses length 1 instead of 2 for hex encoding"}
	bugWrongShift  = codeBug{Name: "wrong_shift", Description: "Shift amount is 7 instead of 8 in bit shifting"}
)

func hasBug(bugs []codeBug, name string) bool {
	for _, b := range bugs {
		if b.Name == name {
			return true
		}
	}
	return false
}

type codeInput struct {
	Data   string `json:"data"` // base64
	Rounds int    `json:"rounds,omitempty"`
}

type codeTemplate struct {
	name          string
	availableBugs []codeBug
	newInput      func() codeInput
	buggySource   func(in codeInput, bugs []codeBug) string
	correctOutput func(in codeInput) (string, error)
}

// ----------------------------------------------------------------------------
// byte_transform: multiply each byte by its 1-based index, mod 256, hash.
// ----------------------------------------------------------------------------

var byteTransform = codeTemplate{
	name:          "byte_transform",
	availableBugs: []codeBug{bugOffByOne, bugWrongShift},
	newInput: func() codeInput {
		return codeInput{Data: base64.StdEncoding.EncodeToString(crypto.RandomBytes(randBetween(8, 16)))}
	},
	buggySource: func(in codeInput, bugs []codeBug) string {
		mod := "256"
		if hasBug(bugs, "off_by_one") {
			mod = "255"
		}
		multiplier := "(i + 1)"
		if hasBug(bugs, "wrong_shift") {
			multiplier = "((i + 1) << 7)"
		}
		return fmt.Sprintf(`function transform(data) {
  // data is a Uint8Array
  const result = [];
  for (let i = 0; i < data.length; i++) {
    result.push((data[i] * %s) %% %s);
  }
  // Return the SHA-256 hex digest of the resulting byte array
  return sha256hex(Uint8Array.from(result));
}`, multiplier, mod)
	},
	correctOutput: func(in codeInput) (string, error) {
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			return "", err
		}
		out := make([]byte, len(data))
		for i, b := range data {
			out[i] = byte((int(b) * (i + 1)) % 256)
		}
		return crypto.SHA256Hex(out), nil
	},
}

// ----------------------------------------------------------------------------
// array_processing: XOR-fold the array into a single byte, hex-encode it.
// ----------------------------------------------------------------------------

var arrayProcessing = codeTemplate{
	name:          "array_processing",
	availableBugs: []codeBug{bugWrongOp, bugWrongInit, bugWrongPad},
	newInput: func() codeInput {
		return codeInput{Data: base64.StdEncoding.EncodeToString(crypto.RandomBytes(randBetween(8, 24)))}
	},
	buggySource: func(in codeInput, bugs []codeBug) string {
		operator := "^"
		if hasBug(bugs, "wrong_operator") {
			operator = "+"
		}
		initVal := "0"
		if hasBug(bugs, "wrong_init") {
			initVal = "1"
		}
		padLen := "2"
		if hasBug(bugs, "wrong_pad") {
			padLen = "1"
		}
		return fmt.Sprintf(`function process(data) {
  // data is a Uint8Array
  let acc = %s;
  for (const byte of data) {
    acc = (acc %s byte) & 0xFF;
  }
  return acc.toString(16).padStart(%s, '0');
}`, initVal, operator, padLen)
	},
	correctOutput: func(in codeInput) (string, error) {
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			return "", err
		}
		acc := 0
		for _, b := range data {
			acc = (acc ^ int(b)) & 0xFF
		}
		return fmt.Sprintf("%02x", acc), nil
	},
}

// ----------------------------------------------------------------------------
// hash_chain: repeated SHA-256 with a byte reversal between rounds.
// ----------------------------------------------------------------------------

var hashChain = codeTemplate{
	name:          "hash_chain",
	availableBugs: []codeBug{bugMissingStep, bugOffByOne},
	newInput: func() codeInput {
		return codeInput{
			Data:   base64.StdEncoding.EncodeToString(crypto.RandomBytes(randBetween(8, 16))),
			Rounds: randBetween(2, 4),
		}
	},
	buggySource: func(in codeInput, bugs []codeBug) string {
		loopEnd := fmt.Sprintf("%d", in.Rounds)
		if hasBug(bugs, "off_by_one") {
			loopEnd = fmt.Sprintf("%d - 1", in.Rounds)
		}
		reverseLine := "      current = current.reverse();"
		if hasBug(bugs, "missing_step") {
			reverseLine = "      // (no reversal step)"
		}
		return fmt.Sprintf(`function hashChain(data, rounds) {
  // data is a Uint8Array, rounds = %d
  let current = data;
  for (let i = 0; i < %s; i++) {
    current = sha256(current); // returns Uint8Array
%s
  }
  return hex(current); // returns hex string
}`, in.Rounds, loopEnd, reverseLine)
	},
	correctOutput: func(in codeInput) (string, error) {
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			return "", err
		}
		current := data
		for i := 0; i < in.Rounds; i++ {
			sum, err := hex.DecodeString(crypto.SHA256Hex(current))
			if err != nil {
				return "", err
			}
			for l, r := 0, len(sum)-1; l < r; l, r = l+1, r-1 {
				sum[l], sum[r] = sum[r], sum[l]
			}
			current = sum
		}
		return hex.EncodeToString(current), nil
	},
}

var codeTemplates = []codeTemplate{byteTransform, arrayProcessing, hashChain}

func codeTemplateByName(name string) (codeTemplate, bool) {
	for _, t := range codeTemplates {
		if t.name == name {
			return t, true
		}
	}
	return codeTemplate{}, false
}

// hash_chain enters at medium; bug count and the boundary-condition hint grow
// with difficulty.
var codeShape = map[core.Difficulty]struct {
	bugs      int
	templates []string
	edgeHint  bool
}{
	core.DifficultyEasy:        {1, []string{"byte_transform", "array_processing"}, false},
	core.DifficultyMedium:      {1, []string{"byte_transform", "array_processing", "hash_chain"}, false},
	core.DifficultyHard:        {2, []string{"byte_transform", "array_processing", "hash_chain"}, false},
	core.DifficultyAdversarial: {3, []string{"byte_transform", "array_processing", "hash_chain"}, true},
}

type codeExecContext struct {
	Template  string    `json:"template"`
	Bugs      []codeBug `json:"bugs"`
	Rounds    int       `json:"rounds,omitempty"`
	CanaryIDs []string  `json:"canary_ids,omitempty"`
}

func pickBugs(tmpl codeTemplate, count int) []codeBug {
	available := append([]codeBug{}, tmpl.availableBugs...)
	if count > len(available) {
		count = len(available)
	}
	selected := make([]codeBug, 0, count)
	for i := 0; i < count; i++ {
		idx := rand.Intn(len(available))
		selected = append(selected, available[idx])
		available = append(available[:idx], available[idx+1:]...)
	}
	return selected
}

// ----------------------------------------------------------------------------
// Driver
// ----------------------------------------------------------------------------

// CodeExecutionDriver generates buggy JavaScript functions the solver must
// correct and execute mentally.
type CodeExecutionDriver struct{}

func (d *CodeExecutionDriver) Name() string { return "code-execution" }

func (d *CodeExecutionDriver) Dimensions() []core.Dimension {
	return []core.Dimension{core.DimensionReasoning, core.DimensionExecution}
}

func (d *CodeExecutionDriver) EstimatedHumanTimeMs() int64 { return 120000 }
func (d *CodeExecutionDriver) EstimatedAITimeMs() int64    { return 2000 }

func (d *CodeExecutionDriver) Generate(difficulty core.Difficulty) (*core.ChallengePayload, error) {
	shape, ok := codeShape[difficulty]
	if !ok {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}

	var eligible []codeTemplate
	for _, name := range shape.templates {
		if t, ok := codeTemplateByName(name); ok {
			eligible = append(eligible, t)
		}
	}
	tmpl := pick(eligible)

	input := tmpl.newInput()
	bugs := pickBugs(tmpl, shape.bugs)
	source := tmpl.buggySource(input, bugs)

	inputBytes, err := base64.StdEncoding.DecodeString(input.Data)
	if err != nil {
		return nil, fmt.Errorf("decode challenge data: %w", err)
	}

	paramLines := ""
	if input.Rounds > 0 {
		paramLines = fmt.Sprintf("Rounds: %d\n", input.Rounds)
	}
	edgeNote := ""
	if shape.edgeHint {
		edgeNote = "\n\nNote: Pay close attention to boundary conditions, operator precedence, and off-by-one errors."
	}

	instructions := fmt.Sprintf(`The following JavaScript function contains bug(s). Your task is to:
1. Identify and fix all bugs in the code
2. Mentally execute the fixed code with the provided input
3. Return the correct output

## Code
`+"```javascript\n%s\n```"+`

## Input
Data (hex): %s
%s
## Notes
- sha256hex() / sha256() compute SHA-256 and return hex string / Uint8Array respectively
- hex() converts a Uint8Array to a hex string
- All arithmetic on bytes should stay within 0-255 range%s

Return the exact output of the fixed function.`, source, hex.EncodeToString(inputBytes), paramLines, edgeNote)

	ctx, err := json.Marshal(codeExecContext{Template: tmpl.name, Bugs: bugs, Rounds: input.Rounds})
	if err != nil {
		return nil, fmt.Errorf("marshal code-execution context: %w", err)
	}

	return &core.ChallengePayload{
		Type:         d.Name(),
		Instructions: instructions,
		Data:         input.Data,
		Steps:        len(bugs),
		Context:      ctx,
	}, nil
}

func (d *CodeExecutionDriver) ComputeAnswerHash(payload *core.ChallengePayload) (string, error) {
	var ctx codeExecContext
	if err := json.Unmarshal(payload.Context, &ctx); err != nil {
		return "", fmt.Errorf("unmarshal code-execution context: %w", err)
	}
	tmpl, ok := codeTemplateByName(ctx.Template)
	if !ok {
		return "", fmt.Errorf("unknown code template %q", ctx.Template)
	}

	correct, err := tmpl.correctOutput(codeInput{Data: payload.Data, Rounds: ctx.Rounds})
	if err != nil {
		return "", fmt.Errorf("compute reference output: %w", err)
	}
	return crypto.SHA256Hex([]byte(correct)), nil
}

func (d *CodeExecutionDriver) Verify(answerHash, submitted string) bool {
	return verifySubmission(answerHash, submitted)
}
