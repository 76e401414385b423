package timing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/agentauth/backend/internal/core"
)

// maxEntriesPerSession bounds per-session history; older entries fall off.
const maxEntriesPerSession = 32

type trackedSolve struct {
	elapsedMs float64
	zone      core.TimingZone
	atMs      int64
}

// SessionTracker detects cross-challenge timing anomalies within a session:
// zone oscillation, suspiciously uniform timing, and rapid successive solves.
// Tracking is opt-in; the engine only records when a tracker is attached.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string][]trackedSolve

	now func() time.Time
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string][]trackedSolve),
		now:      time.Now,
	}
}

// Record appends one solve to the session history.
func (t *SessionTracker) Record(sessionID string, elapsedMs float64, zone core.TimingZone) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := append(t.sessions[sessionID], trackedSolve{
		elapsedMs: elapsedMs,
		zone:      zone,
		atMs:      t.now().UnixMilli(),
	})
	if len(entries) > maxEntriesPerSession {
		entries = entries[len(entries)-maxEntriesPerSession:]
	}
	t.sessions[sessionID] = entries
}

// Analyze returns the anomalies visible in the session's history, or nil for
// sessions with fewer than two recorded solves.
func (t *SessionTracker) Analyze(sessionID string) []core.SessionAnomaly {
	t.mu.Lock()
	entries := append([]trackedSolve{}, t.sessions[sessionID]...)
	t.mu.Unlock()

	if len(entries) < 2 {
		return nil
	}

	var anomalies []core.SessionAnomaly

	aiCount, humanCount := 0, 0
	for _, e := range entries {
		switch e.zone {
		case core.ZoneAI:
			aiCount++
		case core.ZoneHuman, core.ZoneSuspicious:
			humanCount++
		}
	}
	if aiCount > 0 && humanCount > 0 && len(entries) >= 3 {
		severity := "medium"
		if humanCount >= aiCount {
			severity = "high"
		}
		anomalies = append(anomalies, core.SessionAnomaly{
			Type:        "zone_inconsistency",
			Description: fmt.Sprintf("Session oscillates between AI zone (%dx) and human/suspicious zone (%dx) across %d challenges", aiCount, humanCount, len(entries)),
			Severity:    severity,
		})
	}

	if len(entries) >= 3 {
		sum := 0.0
		for _, e := range entries {
			sum += e.elapsedMs
		}
		mean := sum / float64(len(entries))
		if mean > 0 {
			varianceSum := 0.0
			for _, e := range entries {
				d := e.elapsedMs - mean
				varianceSum += d * d
			}
			cv := math.Sqrt(varianceSum/float64(len(entries))) / mean
			if cv < 0.05 {
				anomalies = append(anomalies, core.SessionAnomaly{
					Type:        "timing_variance_anomaly",
					Description: fmt.Sprintf("Timing variance coefficient %.1f%% is suspiciously low across %d challenges", cv*100, len(entries)),
					Severity:    "high",
				})
			}
		}
	}

	for i := 1; i < len(entries); i++ {
		gap := entries[i].atMs - entries[i-1].atMs
		if gap < 5000 {
			severity := "low"
			if gap < 2000 {
				severity = "high"
			}
			anomalies = append(anomalies, core.SessionAnomaly{
				Type:        "rapid_succession",
				Description: fmt.Sprintf("Challenges %d and %d completed %dms apart (< 5000ms threshold)", i-1, i, gap),
				Severity:    severity,
			})
			break
		}
	}

	return anomalies
}

// Clear drops all history for a session.
func (t *SessionTracker) Clear(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}
