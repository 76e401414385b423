// Package monitoring exposes the Prometheus instrumentation for the
// challenge lifecycle. All methods are nil-safe so instrumentation stays
// optional in tests.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	challengesInitiated *prometheus.CounterVec
	solveResults        *prometheus.CounterVec
	timingZones         *prometheus.CounterVec
	modelFamilies       *prometheus.CounterVec
	tokensIssued        prometheus.Counter
	solveElapsed        *prometheus.HistogramVec
	rateLimited         prometheus.Counter
}

// New registers the collectors on the given registerer (use
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		challengesInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentauth_challenges_initiated_total",
			Help: "Challenges created, by type and difficulty.",
		}, []string{"challenge_type", "difficulty"}),
		solveResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentauth_solve_results_total",
			Help: "Solve outcomes, by result (success or failure reason).",
		}, []string{"result"}),
		timingZones: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentauth_timing_zones_total",
			Help: "Timing zone classifications on solve attempts.",
		}, []string{"zone"}),
		modelFamilies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentauth_model_families_total",
			Help: "PoMI model family verdicts on successful solves.",
		}, []string{"family"}),
		tokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentauth_tokens_issued_total",
			Help: "Capability tokens issued.",
		}),
		solveElapsed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentauth_solve_elapsed_seconds",
			Help:    "RTT-compensated solve latency, by challenge type.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"challenge_type"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentauth_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}

func (m *Metrics) ChallengeInitiated(challengeType, difficulty string) {
	if m == nil {
		return
	}
	m.challengesInitiated.WithLabelValues(challengeType, difficulty).Inc()
}

func (m *Metrics) SolveResult(result string) {
	if m == nil {
		return
	}
	m.solveResults.WithLabelValues(result).Inc()
}

func (m *Metrics) TimingZone(zone string) {
	if m == nil {
		return
	}
	m.timingZones.WithLabelValues(zone).Inc()
}

func (m *Metrics) ModelFamily(family string) {
	if m == nil {
		return
	}
	m.modelFamilies.WithLabelValues(family).Inc()
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) SolveElapsed(challengeType string, elapsedMs float64) {
	if m == nil {
		return
	}
	m.solveElapsed.WithLabelValues(challengeType).Observe(elapsedMs / 1000)
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
