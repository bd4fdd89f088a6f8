// Package ratelimit implements a per-key sliding window rate limiter.
package ratelimit

import (
	"sync"
	"time"
)

const maxKeys = 10000

// Limiter tracks request timestamps per key and enforces two sliding
// windows at once: a per-minute and a per-hour limit. A single request
// counts against both.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	perMinute int
	perHour   int
	now       func() time.Time
}

type window struct {
	// stamps holds request times within the last hour, oldest first.
	stamps   []time.Time
	lastSeen time.Time
}

// Result reports a limiter decision.
type Result struct {
	Allowed bool
	// Window names the limit that tripped: "minute" or "hour".
	Window string
}

// New creates a limiter with the given per-minute and per-hour limits.
// Non-positive limits disable the corresponding window.
func New(perMinute, perHour int) *Limiter {
	return &Limiter{
		windows:   make(map[string]*window),
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow records a request for key and reports whether it fits both
// windows. A denied request is not recorded.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil {
		if len(l.windows) >= maxKeys {
			l.evictStalest()
		}
		w = &window{}
		l.windows[key] = w
	}
	w.lastSeen = now

	// Drop stamps older than one hour.
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]

	if l.perHour > 0 && len(w.stamps) >= l.perHour {
		return Result{Allowed: false, Window: "hour"}
	}

	if l.perMinute > 0 {
		minuteCutoff := now.Add(-time.Minute)
		recent := 0
		for j := len(w.stamps) - 1; j >= 0; j-- {
			if w.stamps[j].Before(minuteCutoff) {
				break
			}
			recent++
		}
		if recent >= l.perMinute {
			return Result{Allowed: false, Window: "minute"}
		}
	}

	w.stamps = append(w.stamps, now)
	return Result{Allowed: true}
}

// evictStalest removes the key with the oldest lastSeen. Caller holds mu.
func (l *Limiter) evictStalest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, w := range l.windows {
		if first || w.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = w.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		delete(l.windows, oldestKey)
	}
}
