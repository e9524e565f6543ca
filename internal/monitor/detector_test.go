package monitor

import (
	"testing"
	"time"
)

func newTestDetector(window time.Duration) (*BruteForceDetector, *time.Time) {
	d := NewBruteForceDetector(window)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestRecordFailure_FiresAtThreshold(t *testing.T) {
	d, _ := newTestDetector(5 * time.Minute)

	for i := 1; i < 5; i++ {
		if det := d.RecordFailure("alice", "pwn-101"); det != nil {
			t.Fatalf("detection fired at %d failures, want none below 5", i)
		}
	}

	det := d.RecordFailure("alice", "pwn-101")
	if det == nil {
		t.Fatal("no detection at 5 failures")
	}
	if det.Severity != "low" {
		t.Errorf("Severity = %q, want low", det.Severity)
	}
	if det.Failures != 5 {
		t.Errorf("Failures = %d, want 5", det.Failures)
	}

	// Failures 6..14 stay quiet; 15 escalates.
	for i := 6; i < 15; i++ {
		if det := d.RecordFailure("alice", "pwn-101"); det != nil {
			t.Fatalf("detection fired again at %d failures", i)
		}
	}
	det = d.RecordFailure("alice", "pwn-101")
	if det == nil || det.Severity != "medium" {
		t.Errorf("detection at 15 failures = %+v, want medium", det)
	}
}

func TestRecordFailure_IsolatesKeys(t *testing.T) {
	d, _ := newTestDetector(5 * time.Minute)

	for i := 0; i < 4; i++ {
		d.RecordFailure("alice", "pwn-101")
	}
	if got := d.Failures("alice", "web-200"); got != 0 {
		t.Errorf("other exercise has %d failures, want 0", got)
	}
	if got := d.Failures("bob", "pwn-101"); got != 0 {
		t.Errorf("other owner has %d failures, want 0", got)
	}
}

func TestRecordSuccess_ResetsHistory(t *testing.T) {
	d, _ := newTestDetector(5 * time.Minute)

	for i := 0; i < 4; i++ {
		d.RecordFailure("alice", "pwn-101")
	}
	d.RecordSuccess("alice", "pwn-101")

	if got := d.Failures("alice", "pwn-101"); got != 0 {
		t.Errorf("failures after success = %d, want 0", got)
	}
	if det := d.RecordFailure("alice", "pwn-101"); det != nil {
		t.Errorf("detection after reset: %+v", det)
	}
}

func TestRecordFailure_WindowExpires(t *testing.T) {
	d, now := newTestDetector(time.Minute)

	for i := 0; i < 4; i++ {
		d.RecordFailure("alice", "pwn-101")
	}

	*now = now.Add(2 * time.Minute)

	if got := d.Failures("alice", "pwn-101"); got != 0 {
		t.Errorf("failures after window elapsed = %d, want 0", got)
	}
	if det := d.RecordFailure("alice", "pwn-101"); det != nil {
		t.Errorf("stale failures counted toward detection: %+v", det)
	}
}

func TestNewBruteForceDetector_DefaultWindow(t *testing.T) {
	d := NewBruteForceDetector(0)
	if d.window != 5*time.Minute {
		t.Errorf("window = %v, want 5m", d.window)
	}
}
