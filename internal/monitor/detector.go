package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BruteForceDetector watches flag validation failures per (owner, exercise)
// over a sliding window. Validation answers only match / no match, so rapid
// repeated failures are the signature of scripted guessing rather than a
// participant mistyping a flag.
type BruteForceDetector struct {
	mu       sync.Mutex
	window   time.Duration
	attempts map[string][]time.Time

	now func() time.Time
}

// Severity levels for detected abuse.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a crossed abuse threshold.
type Detection struct {
	Owner    string `json:"owner"`
	Exercise string `json:"exercise"`
	Failures int    `json:"failures"`
	Severity string `json:"severity"`
}

// Escalation thresholds within one window. A Detection fires exactly when a
// threshold is crossed, not on every failure past it.
var bruteForceThresholds = []struct {
	failures int
	severity Severity
}{
	{5, SeverityLow},
	{15, SeverityMedium},
	{40, SeverityHigh},
	{100, SeverityCritical},
}

// NewBruteForceDetector creates a detector with the given sliding window.
// A zero window defaults to five minutes.
func NewBruteForceDetector(window time.Duration) *BruteForceDetector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &BruteForceDetector{
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// RecordFailure notes one failed validation and returns a Detection when the
// failure count crosses an escalation threshold, nil otherwise.
func (d *BruteForceDetector) RecordFailure(owner, exercise string) *Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := owner + "|" + exercise
	now := d.now()

	recent := pruneBefore(d.attempts[key], now.Add(-d.window))
	recent = append(recent, now)
	d.attempts[key] = recent

	for _, t := range bruteForceThresholds {
		if len(recent) == t.failures {
			det := &Detection{
				Owner:    owner,
				Exercise: exercise,
				Failures: len(recent),
				Severity: t.severity.String(),
			}

			log.Warn().
				Str("owner", owner).
				Str("exercise", exercise).
				Int("failures", det.Failures).
				Str("severity", det.Severity).
				Msg("flag brute force suspected")

			return det
		}
	}
	return nil
}

// RecordSuccess clears the failure history for (owner, exercise). A correct
// flag ends the guessing episode.
func (d *BruteForceDetector) RecordSuccess(owner, exercise string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempts, owner+"|"+exercise)
}

// Failures reports the current in-window failure count for (owner, exercise).
func (d *BruteForceDetector) Failures(owner, exercise string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(pruneBefore(d.attempts[owner+"|"+exercise], d.now().Add(-d.window)))
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
