package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed response header names transport adapters emit on successful solves
// and token checks.
const (
	HeaderStatus         = "AgentAuth-Status"
	HeaderScore          = "AgentAuth-Score"
	HeaderModelFamily    = "AgentAuth-Model-Family"
	HeaderPoMIConfidence = "AgentAuth-PoMI-Confidence"
	HeaderCapabilities   = "AgentAuth-Capabilities"
	HeaderVersion        = "AgentAuth-Version"
	HeaderChallengeID    = "AgentAuth-Challenge-Id"
	HeaderTokenExpires   = "AgentAuth-Token-Expires"
)

// ProtocolVersion is the value of the AgentAuth-Version header and of the
// agentauth_version token claim.
const ProtocolVersion = "1"

// FormatCapabilities renders a score vector as comma-joined k=v pairs, e.g.
// "reasoning=0.9,execution=0.95,autonomy=0.9,speed=0.95,consistency=0.9".
func FormatCapabilities(s CapabilityScore) string {
	return fmt.Sprintf("reasoning=%g,execution=%g,autonomy=%g,speed=%g,consistency=%g",
		s.Reasoning, s.Execution, s.Autonomy, s.Speed, s.Consistency)
}

// ParseCapabilities parses a capabilities header back into a dimension→score
// map. Malformed pairs are skipped.
func ParseCapabilities(header string) map[string]float64 {
	out := make(map[string]float64)
	if header == "" {
		return out
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out
}
