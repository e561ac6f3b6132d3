package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of Allow.
type Decision int

const (
	Allowed Decision = iota
	RateLimited
	CoolingDown
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case CoolingDown:
		return "cooldown"
	}
	return "unknown"
}

type window struct {
	sent []time.Time // ascending
	last time.Time
}

// Limiter is a keyed sliding-window counter with a per-key cooldown.
type Limiter struct {
	mu sync.Mutex
	m  map[string]*window
}

func New() *Limiter { return &Limiter{m: make(map[string]*window)} }

// Allow checks the trailing-window cap, then the cooldown since the last
// allowed event. Only an Allowed decision records the event.
func (l *Limiter) Allow(key string, now time.Time, limit int, span, cooldown time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.m[key]
	if !ok {
		w = &window{}
		l.m[key] = w
	}
	w.prune(now, span)

	if limit > 0 && len(w.sent) >= limit {
		return RateLimited
	}
	if cooldown > 0 && !w.last.IsZero() && now.Sub(w.last) < cooldown {
		return CoolingDown
	}
	w.sent = append(w.sent, now)
	w.last = now
	return Allowed
}

// Count returns events inside the trailing span and the last allowed time.
func (l *Limiter) Count(key string, now time.Time, span time.Duration) (int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.m[key]
	if !ok {
		return 0, time.Time{}
	}
	w.prune(now, span)
	return len(w.sent), w.last
}

// Retain drops state for every key not listed.
func (l *Limiter) Retain(keys []string) {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.m {
		if _, ok := keep[k]; !ok {
			delete(l.m, k)
		}
	}
}

func (w *window) prune(now time.Time, span time.Duration) {
	cut := 0
	for cut < len(w.sent) && now.Sub(w.sent[cut]) >= span {
		cut++
	}
	if cut > 0 {
		w.sent = append(w.sent[:0], w.sent[cut:]...)
	}
}
