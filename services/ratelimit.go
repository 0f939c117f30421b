package services

import "time"

// addWindow is a per-user sliding window over add timestamps. Callers hold
// the service mutex.
type addWindow struct {
	limit  int
	window time.Duration
	seen   map[string][]time.Time
}

func newAddWindow(limit int, window time.Duration) *addWindow {
	return &addWindow{limit: limit, window: window, seen: make(map[string][]time.Time)}
}

// allow reports whether user may add at now. It does not record the add.
func (w *addWindow) allow(user string, now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	return len(w.prune(user, now)) < w.limit
}

func (w *addWindow) record(user string, now time.Time) {
	w.seen[user] = append(w.prune(user, now), now)
}

// retryAfter is how long until the oldest add leaves the window.
func (w *addWindow) retryAfter(user string, now time.Time) time.Duration {
	times := w.prune(user, now)
	if len(times) == 0 {
		return 0
	}
	return times[0].Add(w.window).Sub(now)
}

func (w *addWindow) prune(user string, now time.Time) []time.Time {
	times := w.seen[user]
	cut := 0
	for cut < len(times) && !times[cut].After(now.Add(-w.window)) {
		cut++
	}
	times = times[cut:]
	if len(times) == 0 {
		delete(w.seen, user)
		return nil
	}
	w.seen[user] = times
	return times
}
