package services

import "time"

const (
	defaultReplayWindowTTL  = 10 * time.Minute
	defaultReplayWindowSize = 4096
)

// replayWindow remembers message ids for ttl, holding at most size of them.
// Expired ids are swept on insert; when still full, the oldest id goes.
// Not safe for concurrent use.
type replayWindow struct {
	ttl   time.Duration
	size  int
	seen  map[string]time.Time
	order []string
}

func newReplayWindow(ttl time.Duration, size int) *replayWindow {
	if ttl <= 0 {
		ttl = defaultReplayWindowTTL
	}
	if size <= 0 {
		size = defaultReplayWindowSize
	}
	return &replayWindow{ttl: ttl, size: size, seen: make(map[string]time.Time)}
}

// Contains reports whether id was added and has not expired by now.
func (w *replayWindow) Contains(id string, now time.Time) bool {
	at, ok := w.seen[id]
	return ok && now.Sub(at) < w.ttl
}

// Add records id at now. Re-adding a known id keeps its original time.
func (w *replayWindow) Add(id string, now time.Time) {
	w.cleanup(now)
	if _, ok := w.seen[id]; ok {
		return
	}
	if len(w.order) >= w.size {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	w.seen[id] = now
	w.order = append(w.order, id)
}

func (w *replayWindow) Len() int { return len(w.seen) }

// cleanup drops ids older than ttl. order is oldest first.
func (w *replayWindow) cleanup(now time.Time) {
	n := 0
	for n < len(w.order) && now.Sub(w.seen[w.order[n]]) >= w.ttl {
		delete(w.seen, w.order[n])
		n++
	}
	if n > 0 {
		w.order = append(w.order[:0:0], w.order[n:]...)
	}
}
