package fallback

import "testing"

func TestMonitorQuality(t *testing.T) {
	m := NewMonitor()

	if q := m.Quality(1); q != QualityUnknown {
		t.Fatalf("no probes yet, got %q", q)
	}

	// 4 of last 5 good
	for _, ok := range []bool{true, true, false, true, true} {
		m.Record(1, ok)
	}
	if q := m.Quality(1); q != QualityGood {
		t.Fatalf("expected good, got %q", q)
	}

	// 2 of last 5 good
	m.Reset(1)
	for _, ok := range []bool{false, true, false, true, false} {
		m.Record(1, ok)
	}
	if q := m.Quality(1); q != QualityFair {
		t.Fatalf("expected fair, got %q", q)
	}

	// 1 of last 5 good
	m.Reset(1)
	for _, ok := range []bool{false, false, true, false, false} {
		m.Record(1, ok)
	}
	if q := m.Quality(1); q != QualityPoor {
		t.Fatalf("expected poor, got %q", q)
	}
}

func TestMonitorShouldActivate(t *testing.T) {
	m := NewMonitor()

	m.Record(2, false)
	m.Record(2, false)
	if m.ShouldActivate(2) {
		t.Fatalf("two failures must not activate")
	}
	m.Record(2, false)
	if !m.ShouldActivate(2) {
		t.Fatalf("three consecutive failures must activate")
	}

	// a success breaks the streak
	m.Record(2, true)
	if m.ShouldActivate(2) {
		t.Fatalf("success resets the streak")
	}
	m.Record(2, false)
	m.Record(2, false)
	m.Record(2, false)
	if !m.ShouldActivate(2) {
		t.Fatalf("streak rebuilt after success")
	}
}

func TestMonitorWindowBounded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 25; i++ {
		m.Record(3, i%2 == 0)
	}
	if got := len(m.Snapshot(3)); got != windowSize {
		t.Fatalf("window must cap at %d, got %d", windowSize, got)
	}
}

func TestMonitorPerUserIsolation(t *testing.T) {
	m := NewMonitor()
	m.Record(1, false)
	m.Record(1, false)
	m.Record(1, false)
	m.Record(2, true)

	if !m.ShouldActivate(1) {
		t.Fatalf("user 1 should activate")
	}
	if m.ShouldActivate(2) {
		t.Fatalf("user 2 must be unaffected")
	}
}
