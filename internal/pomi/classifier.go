package pomi

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agentauth/backend/internal/core"
)

// Classifier runs Bayesian inference over model families from canary
// responses. It starts from a uniform prior, multiplies in a per-canary
// likelihood, and renormalizes after every update to avoid underflow.
type Classifier struct {
	families  []string
	threshold float64
	extractor *Extractor
}

// ClassifierOptions tunes classification behavior.
type ClassifierOptions struct {
	// ConfidenceThreshold is the minimum posterior for a named verdict;
	// anything below reports "unknown". Zero keeps the 0.5 default; a
	// negative value disables the threshold so the best family is always
	// named.
	ConfidenceThreshold float64
}

// NewClassifier creates a classifier over the given families.
func NewClassifier(families []string, opts *ClassifierOptions) *Classifier {
	threshold := 0.5
	if opts != nil {
		switch {
		case opts.ConfidenceThreshold > 0:
			threshold = opts.ConfidenceThreshold
		case opts.ConfidenceThreshold < 0:
			threshold = 0
		}
	}
	return &Classifier{
		families:  families,
		threshold: threshold,
		extractor: NewExtractor(),
	}
}

func unknownIdentity() core.ModelIdentification {
	return core.ModelIdentification{Family: "unknown"}
}

// Classify computes the posterior over families given the injected canaries
// and their responses.
func (c *Classifier) Classify(canaries []core.Canary, responses map[string]string) core.ModelIdentification {
	if responses == nil || len(canaries) == 0 {
		return unknownIdentity()
	}

	evidence := c.extractor.Extract(canaries, responses)
	if len(evidence) == 0 {
		return unknownIdentity()
	}

	posteriors := make(map[string]float64, len(c.families))
	for _, family := range c.families {
		posteriors[family] = 1.0 / float64(len(c.families))
	}

	for _, canary := range canaries {
		response, ok := responses[canary.ID]
		if !ok {
			continue
		}
		for _, family := range c.families {
			posteriors[family] *= c.likelihood(canary, response, family)
		}
		normalize(posteriors)
	}

	bestFamily, bestConfidence := "unknown", 0.0
	for family, p := range posteriors {
		if p > bestConfidence {
			bestFamily, bestConfidence = family, p
		}
	}

	var alternatives []core.ModelAlternative
	for family, p := range posteriors {
		if family != bestFamily {
			alternatives = append(alternatives, core.ModelAlternative{
				Family:     family,
				Confidence: round3(p),
			})
		}
	}
	sort.Slice(alternatives, func(i, j int) bool {
		if alternatives[i].Confidence != alternatives[j].Confidence {
			return alternatives[i].Confidence > alternatives[j].Confidence
		}
		return alternatives[i].Family < alternatives[j].Family
	})

	if bestConfidence < c.threshold {
		return core.ModelIdentification{
			Family:     "unknown",
			Confidence: round3(bestConfidence),
			Evidence:   evidence,
			Alternatives: append([]core.ModelAlternative{
				{Family: bestFamily, Confidence: round3(bestConfidence)},
			}, alternatives...),
		}
	}
	return core.ModelIdentification{
		Family:       bestFamily,
		Confidence:   round3(bestConfidence),
		Evidence:     evidence,
		Alternatives: alternatives,
	}
}

// likelihood is P(response | family) for one canary. Missing per-family data
// is uninformative and returns 0.5.
func (c *Classifier) likelihood(canary core.Canary, response, family string) float64 {
	weight := canary.ConfidenceWeight

	switch canary.Analysis.Kind {
	case core.AnalysisExactMatch:
		expected, ok := canary.Analysis.Expected[family]
		if !ok {
			return 0.5
		}
		if strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(expected)) {
			return 0.5 + 0.5*weight
		}
		return 0.5 - 0.4*weight

	case core.AnalysisPattern:
		pattern, ok := canary.Analysis.Patterns[family]
		if !ok {
			return 0.5
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return 0.5
		}
		if re.MatchString(response) {
			return 0.5 + 0.45*weight
		}
		return 0.5 - 0.35*weight

	case core.AnalysisStatistical:
		dist, ok := canary.Analysis.Distributions[family]
		if !ok || dist.StdDev <= 0 {
			return 0.5
		}
		m := firstNumberRe.FindString(response)
		if m == "" {
			return 0.5
		}
		value, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0.5
		}
		pdf := gaussianPDF(value, dist.Mean, dist.StdDev)
		peak := gaussianPDF(dist.Mean, dist.Mean, dist.StdDev)
		return 0.1 + 0.8*(pdf/peak)*weight
	}
	return 0.5
}

func gaussianPDF(x, mean, stddev float64) float64 {
	z := (x - mean) / stddev
	return math.Exp(-0.5*z*z) / (stddev * math.Sqrt(2*math.Pi))
}

func normalize(posteriors map[string]float64) {
	sum := 0.0
	for _, v := range posteriors {
		sum += v
	}
	if sum == 0 {
		for k := range posteriors {
			posteriors[k] = 1.0 / float64(len(posteriors))
		}
		return
	}
	for k, v := range posteriors {
		posteriors[k] = v / sum
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
