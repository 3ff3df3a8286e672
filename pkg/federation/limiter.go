package federation

import (
	"sync"
	"time"
)

// breakGlassLimiter allows at most max emergency accesses per actor within a
// rolling window.
type breakGlassLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newBreakGlassLimiter(max int, window time.Duration) *breakGlassLimiter {
	return &breakGlassLimiter{
		max:     max,
		window:  window,
		entries: make(map[string][]time.Time),
	}
}

func (l *breakGlassLimiter) allow(actorID string, now time.Time) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	existing := l.entries[actorID]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= l.max {
		l.entries[actorID] = pruned
		return false
	}
	l.entries[actorID] = append(pruned, now)
	return true
}

// sweep drops actors with no access inside the window.
func (l *breakGlassLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	for actorID, timestamps := range l.entries {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(l.entries, actorID)
		}
	}
}
