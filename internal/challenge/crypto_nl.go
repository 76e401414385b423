package challenge

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
)

// ============================================================================
// CRYPTO-NL — byte operations described in natural language
// ============================================================================

// byteOp is one operation in a crypto-nl pipeline. The ordered op list is
// the driver's private payload context; verification replays it.
type byteOp struct {
	Kind      string `json:"kind"`
	Key       int    `json:"key,omitempty"`
	KeyHex    string `json:"key_hex,omitempty"`
	Start     int    `json:"start,omitempty"`
	End       int    `json:"end,omitempty"`
	Positions int    `json:"positions,omitempty"`
	Times     int    `json:"times,omitempty"`
}

const (
	opXOR        = "xor"
	opReverse    = "reverse"
	opSlice      = "slice"
	opSort       = "sort"
	opRotate     = "rotate"
	opSHA256     = "sha256"
	opBitwiseNot = "bitwise_not"
	opRepeat     = "repeat"
	opHMAC       = "hmac"
	opBase64     = "base64_encode"
)

// Op pools grow with difficulty: hashing and bit tricks enter at medium,
// expansion and keyed ops at hard.
var (
	cryptoBasicOps  = []string{opXOR, opReverse, opSlice, opSort, opRotate}
	cryptoMediumOps = append(append([]string{}, cryptoBasicOps...), opSHA256, opBitwiseNot)
	cryptoFullOps   = append(append([]string{}, cryptoMediumOps...), opRepeat, opHMAC, opBase64)
)

var cryptoOpPools = map[core.Difficulty][]string{
	core.DifficultyEasy:        cryptoBasicOps,
	core.DifficultyMedium:      cryptoMediumOps,
	core.DifficultyHard:        cryptoFullOps,
	core.DifficultyAdversarial: cryptoFullOps,
}

var cryptoShape = map[core.Difficulty]struct{ ops, dataSize int }{
	core.DifficultyEasy:        {1, 16},
	core.DifficultyMedium:      {2, 32},
	core.DifficultyHard:        {4, 64},
	core.DifficultyAdversarial: {6, 128},
}

type cryptoContext struct {
	Ops       []byteOp `json:"ops"`
	CanaryIDs []string `json:"canary_ids,omitempty"`
}

// ----------------------------------------------------------------------------
// Natural-language phrasings: every op has at least three wordings so that
// instruction text cannot be pattern-matched by a fixed script.
// ----------------------------------------------------------------------------

var cryptoPhrasings = map[string][]func(byteOp) string{
	opXOR: {
		func(o byteOp) string { return fmt.Sprintf("XOR each byte with 0x%02X", o.Key) },
		func(o byteOp) string {
			return fmt.Sprintf("Apply exclusive-or with the value %d to every byte", o.Key)
		},
		func(o byteOp) string { return fmt.Sprintf("Bitwise XOR each octet using the key %d", o.Key) },
		func(o byteOp) string { return fmt.Sprintf("For every byte, flip bits using 0x%02X as mask", o.Key) },
	},
	opReverse: {
		func(byteOp) string { return "Reverse the byte order" },
		func(byteOp) string { return "Flip the sequence end-to-end" },
		func(byteOp) string { return "Mirror the byte array so the last byte becomes first" },
		func(byteOp) string { return "Invert the positional ordering of all bytes" },
	},
	opSlice: {
		func(o byteOp) string { return fmt.Sprintf("Take bytes from offset %d to %d", o.Start, o.End) },
		func(o byteOp) string { return fmt.Sprintf("Extract the slice [%d:%d] from the data", o.Start, o.End) },
		func(o byteOp) string {
			return fmt.Sprintf("Isolate bytes at positions %d through the byte before %d", o.Start, o.End)
		},
	},
	opSort: {
		func(byteOp) string { return "Sort all bytes in ascending order" },
		func(byteOp) string { return "Arrange the bytes from smallest to largest value" },
		func(byteOp) string { return "Order the octets numerically, lowest first" },
	},
	opRotate: {
		func(o byteOp) string { return fmt.Sprintf("Rotate the bytes left by %d positions", o.Positions) },
		func(o byteOp) string {
			return fmt.Sprintf("Shift all bytes %d positions to the left, wrapping around", o.Positions)
		},
		func(o byteOp) string { return fmt.Sprintf("Circular left-shift the array by %d", o.Positions) },
	},
	opSHA256: {
		func(byteOp) string {
			return "Compute the SHA-256 hash of the current data (producing 32 raw bytes)"
		},
		func(byteOp) string {
			return "Hash the byte array with SHA-256, replacing it with the 32-byte digest"
		},
		func(byteOp) string {
			return "Apply SHA-256 to the data -- the result is the raw 32-byte hash"
		},
	},
	opBitwiseNot: {
		func(byteOp) string { return "Flip every bit in each byte (bitwise NOT, masked to 8 bits)" },
		func(byteOp) string { return "Apply bitwise complement to every byte (~byte & 0xFF)" },
		func(byteOp) string {
			return "Invert all bits in the array -- each byte becomes its one's complement"
		},
	},
	opRepeat: {
		func(o byteOp) string {
			return fmt.Sprintf("Concatenate the array with itself %d times (total %dx copies)", o.Times, o.Times)
		},
		func(o byteOp) string {
			return fmt.Sprintf("Repeat the data %d times by appending it to itself", o.Times)
		},
		func(o byteOp) string {
			return fmt.Sprintf("Duplicate the byte sequence so it appears %d times in a row", o.Times)
		},
	},
	opHMAC: {
		func(o byteOp) string {
			return fmt.Sprintf("Compute HMAC-SHA256 of the data using the hex key %s (producing 32 raw bytes)", o.KeyHex)
		},
		func(o byteOp) string {
			return fmt.Sprintf("HMAC the byte array with SHA-256 and key 0x%s, yielding 32 bytes", o.KeyHex)
		},
		func(o byteOp) string {
			return fmt.Sprintf("Apply HMAC-SHA256 using the secret key (hex) %s -- the result is 32 raw bytes", o.KeyHex)
		},
	},
	opBase64: {
		func(byteOp) string {
			return "Base64-encode the data, then treat the resulting ASCII string as a new byte array"
		},
		func(byteOp) string {
			return "Encode the bytes as a base64 string and reinterpret its characters as byte values"
		},
		func(byteOp) string {
			return "Convert the data to base64 and use the encoded string's character codes as the new bytes"
		},
	},
}

// ----------------------------------------------------------------------------
// Generation and execution
// ----------------------------------------------------------------------------

func randBetween(lo, hi int) int {
	return lo + rand.Intn(hi-lo+1)
}

func randomOp(pool []string, dataSize int) byteOp {
	kind := pool[rand.Intn(len(pool))]
	op := byteOp{Kind: kind}
	switch kind {
	case opXOR:
		op.Key = randBetween(1, 255)
	case opSlice:
		op.Start = randBetween(0, dataSize/4)
		maxEnd := op.Start + dataSize/2
		if maxEnd > dataSize {
			maxEnd = dataSize
		}
		op.End = randBetween(op.Start+4, maxEnd)
	case opRotate:
		op.Positions = randBetween(1, dataSize/2)
	case opRepeat:
		op.Times = randBetween(2, 3)
	case opHMAC:
		op.KeyHex = hex.EncodeToString(crypto.RandomBytes(16))
	}
	return op
}

func applyByteOp(data []byte, op byteOp) ([]byte, error) {
	switch op.Kind {
	case opXOR:
		out := make([]byte, len(data))
		for i, b := range data {
			out[i] = b ^ byte(op.Key)
		}
		return out, nil

	case opReverse:
		out := make([]byte, len(data))
		for i, b := range data {
			out[len(data)-1-i] = b
		}
		return out, nil

	case opSlice:
		start, end := op.Start, op.End
		if start > len(data) {
			start = len(data)
		}
		if end > len(data) {
			end = len(data)
		}
		return append([]byte{}, data[start:end]...), nil

	case opSort:
		out := append([]byte{}, data...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil

	case opRotate:
		if len(data) == 0 {
			return data, nil
		}
		shift := op.Positions % len(data)
		out := make([]byte, len(data))
		for i := range data {
			out[i] = data[(i+shift)%len(data)]
		}
		return out, nil

	case opSHA256:
		sum, err := hex.DecodeString(crypto.SHA256Hex(data))
		if err != nil {
			return nil, err
		}
		return sum, nil

	case opBitwiseNot:
		out := make([]byte, len(data))
		for i, b := range data {
			out[i] = ^b
		}
		return out, nil

	case opRepeat:
		out := make([]byte, 0, len(data)*op.Times)
		for t := 0; t < op.Times; t++ {
			out = append(out, data...)
		}
		return out, nil

	case opHMAC:
		key, err := hex.DecodeString(op.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid hmac key hex: %w", err)
		}
		return crypto.HMACSHA256(key, data), nil

	case opBase64:
		return []byte(base64.StdEncoding.EncodeToString(data)), nil
	}
	return nil, fmt.Errorf("unknown byte op %q", op.Kind)
}

func runByteOps(data []byte, ops []byteOp) ([]byte, error) {
	cur := data
	for i, op := range ops {
		next, err := applyByteOp(cur, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i+1, op.Kind, err)
		}
		cur = next
	}
	return cur, nil
}

func renderOpInstructions(ops []byteOp) string {
	text := ""
	for i, op := range ops {
		wordings := cryptoPhrasings[op.Kind]
		line := wordings[rand.Intn(len(wordings))](op)
		if i > 0 {
			text += "\n"
		}
		text += fmt.Sprintf("Step %d: %s", i+1, line)
	}
	return text
}

// ----------------------------------------------------------------------------
// Driver
// ----------------------------------------------------------------------------

// CryptoNLDriver generates sequences of byte operations described in natural
// language; the answer is the SHA-256 hex digest of the final byte array.
type CryptoNLDriver struct{}

func (d *CryptoNLDriver) Name() string { return "crypto-nl" }

func (d *CryptoNLDriver) Dimensions() []core.Dimension {
	return []core.Dimension{core.DimensionReasoning, core.DimensionExecution}
}

func (d *CryptoNLDriver) EstimatedHumanTimeMs() int64 { return 60000 }
func (d *CryptoNLDriver) EstimatedAITimeMs() int64    { return 500 }

func (d *CryptoNLDriver) Generate(difficulty core.Difficulty) (*core.ChallengePayload, error) {
	shape, ok := cryptoShape[difficulty]
	if !ok {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}

	data := crypto.RandomBytes(shape.dataSize)
	ops := make([]byteOp, 0, shape.ops)
	for i := 0; i < shape.ops; i++ {
		ops = append(ops, randomOp(cryptoOpPools[difficulty], shape.dataSize))
	}

	ctx, err := json.Marshal(cryptoContext{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("marshal crypto-nl context: %w", err)
	}

	return &core.ChallengePayload{
		Type:         d.Name(),
		Instructions: renderOpInstructions(ops) + "\n\nThen compute the SHA-256 hex digest of the final result.",
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        len(ops),
		Context:      ctx,
	}, nil
}

func (d *CryptoNLDriver) ComputeAnswerHash(payload *core.ChallengePayload) (string, error) {
	var ctx cryptoContext
	if err := json.Unmarshal(payload.Context, &ctx); err != nil {
		return "", fmt.Errorf("unmarshal crypto-nl context: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return "", fmt.Errorf("decode challenge data: %w", err)
	}

	result, err := runByteOps(data, ctx.Ops)
	if err != nil {
		return "", err
	}

	answer := crypto.SHA256Hex(result)
	return crypto.SHA256Hex([]byte(answer)), nil
}

func (d *CryptoNLDriver) Verify(answerHash, submitted string) bool {
	return verifySubmission(answerHash, submitted)
}
