package pomi

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentauth/backend/internal/core"
)

var firstNumberRe = regexp.MustCompile(`-?\d+\.?\d*`)

// Extractor turns canary responses into per-canary evidence. Canaries that
// received no response produce no evidence at all.
type Extractor struct{}

// NewExtractor creates an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract evaluates every injected canary that has a response.
func (e *Extractor) Extract(injected []core.Canary, responses map[string]string) []core.CanaryEvidence {
	if responses == nil {
		return nil
	}
	var evidence []core.CanaryEvidence
	for _, canary := range injected {
		response, ok := responses[canary.ID]
		if !ok {
			continue
		}
		evidence = append(evidence, e.evaluate(canary, response))
	}
	return evidence
}

func (e *Extractor) evaluate(canary core.Canary, observed string) core.CanaryEvidence {
	switch canary.Analysis.Kind {
	case core.AnalysisExactMatch:
		return e.evaluateExact(canary, observed)
	case core.AnalysisPattern:
		return e.evaluatePattern(canary, observed)
	case core.AnalysisStatistical:
		return e.evaluateStatistical(canary, observed)
	}
	return core.CanaryEvidence{CanaryID: canary.ID, Observed: observed}
}

func (e *Extractor) evaluateExact(canary core.Canary, observed string) core.CanaryEvidence {
	var reference string
	match := false
	for _, expected := range canary.Analysis.Expected {
		if strings.EqualFold(strings.TrimSpace(observed), strings.TrimSpace(expected)) {
			reference = expected
			match = true
			break
		}
	}
	if !match {
		for _, v := range canary.Analysis.Expected {
			reference = v
			break
		}
	}

	contribution := canary.ConfidenceWeight * 0.3
	if match {
		contribution = canary.ConfidenceWeight
	}
	return core.CanaryEvidence{
		CanaryID:               canary.ID,
		Observed:               observed,
		Expected:               reference,
		Match:                  match,
		ConfidenceContribution: contribution,
	}
}

func (e *Extractor) evaluatePattern(canary core.Canary, observed string) core.CanaryEvidence {
	var reference string
	match := false
	for _, pattern := range canary.Analysis.Patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if re.MatchString(observed) {
			reference = pattern
			match = true
			break
		}
	}
	if !match {
		for _, v := range canary.Analysis.Patterns {
			reference = v
			break
		}
	}

	contribution := canary.ConfidenceWeight * 0.2
	if match {
		contribution = canary.ConfidenceWeight
	}
	return core.CanaryEvidence{
		CanaryID:               canary.ID,
		Observed:               observed,
		Expected:               reference,
		Match:                  match,
		ConfidenceContribution: contribution,
	}
}

// evaluateStatistical checks whether the first number in the response falls
// within two standard deviations of any family's distribution.
func (e *Extractor) evaluateStatistical(canary core.Canary, observed string) core.CanaryEvidence {
	value := math.NaN()
	if m := firstNumberRe.FindString(observed); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			value = v
		}
	}

	var reference string
	match := false
	if !math.IsNaN(value) {
		for family, dist := range canary.Analysis.Distributions {
			if math.Abs(value-dist.Mean) <= 2*dist.StdDev {
				reference = fmt.Sprintf("%s: mean=%g, stddev=%g", family, dist.Mean, dist.StdDev)
				match = true
				break
			}
		}
	}
	if !match {
		for family, dist := range canary.Analysis.Distributions {
			reference = fmt.Sprintf("%s: mean=%g, stddev=%g", family, dist.Mean, dist.StdDev)
			break
		}
	}

	contribution := canary.ConfidenceWeight * 0.1
	if match {
		contribution = canary.ConfidenceWeight * 0.7
	}
	return core.CanaryEvidence{
		CanaryID:               canary.ID,
		Observed:               observed,
		Expected:               reference,
		Match:                  match,
		ConfidenceContribution: contribution,
	}
}
