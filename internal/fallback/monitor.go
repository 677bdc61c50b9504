package fallback

import "sync"

// Quality buckets derived from the recent probe window.
const (
	QualityGood    = "good"
	QualityFair    = "fair"
	QualityPoor    = "poor"
	QualityUnknown = "unknown"
)

const (
	windowSize       = 10
	qualitySample    = 5
	failureThreshold = 3
)

// Monitor keeps a sliding window of connectivity probe results per
// user. All methods are safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	windows map[uint64][]bool
}

func NewMonitor() *Monitor {
	return &Monitor{windows: make(map[uint64][]bool)}
}

// Record appends one probe result, keeping only the last windowSize
// entries.
func (m *Monitor) Record(userID uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := append(m.windows[userID], ok)
	if len(w) > windowSize {
		w = w[len(w)-windowSize:]
	}
	m.windows[userID] = w
}

// Quality classifies the connection from the last qualitySample probes:
// 4+ successes is good, 2+ is fair, fewer is poor. Unknown until at
// least one probe has been recorded.
func (m *Monitor) Quality(userID uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[userID]
	if len(w) == 0 {
		return QualityUnknown
	}
	sample := w
	if len(sample) > qualitySample {
		sample = sample[len(sample)-qualitySample:]
	}
	successes := 0
	for _, ok := range sample {
		if ok {
			successes++
		}
	}
	switch {
	case successes >= 4:
		return QualityGood
	case successes >= 2:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ShouldActivate reports whether the last failureThreshold probes were
// all failures.
func (m *Monitor) ShouldActivate(userID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[userID]
	if len(w) < failureThreshold {
		return false
	}
	for _, ok := range w[len(w)-failureThreshold:] {
		if ok {
			return false
		}
	}
	return true
}

// Reset clears a user's window, typically after a fallback activation
// so stale failures do not immediately re-trigger.
func (m *Monitor) Reset(userID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, userID)
}

// Snapshot returns the current window as a copy, newest last.
func (m *Monitor) Snapshot(userID uint64) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[userID]
	out := make([]bool, len(w))
	copy(out, w)
	return out
}
