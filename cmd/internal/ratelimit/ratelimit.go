// Package ratelimit provides in-memory sliding-window limiters.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a single sliding-window limiter.
type Window struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewWindow allows limit events per window. Non-positive inputs fall back to defaults.
func NewWindow(limit int, window time.Duration, defLimit int, defWindow time.Duration) *Window {
	if limit <= 0 {
		limit = defLimit
	}
	if window <= 0 {
		window = defWindow
	}
	return &Window{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now is permitted and records it if so.
func (w *Window) Allow(now time.Time) bool {
	ok, _ := w.Reserve(now)
	return ok
}

// Reserve is Allow that also reports how long until the oldest event leaves the window.
func (w *Window) Reserve(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.events) >= w.limit {
		return false, w.events[0].Add(w.window).Sub(now)
	}
	w.events = append(w.events, now)
	return true, 0
}

func (w *Window) prune(now time.Time) {
	cut := now.Add(-w.window)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = dst
}

func (w *Window) idle(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.events) == 0
}

// Keyed keeps one Window per key (client IP, user id).
//
// Idle windows are dropped every sweepEvery calls so the map stays bounded by
// the number of recently active keys.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*Window
	limit   int
	window  time.Duration
	calls   int
}

const sweepEvery = 1024

// NewKeyed allows limit events per window per key.
func NewKeyed(limit int, window time.Duration) *Keyed {
	return &Keyed{
		windows: make(map[string]*Window),
		limit:   limit,
		window:  window,
	}
}

// Reserve records an event for key. A disabled limiter (limit <= 0) always allows.
func (k *Keyed) Reserve(key string, now time.Time) (bool, time.Duration) {
	if k == nil || k.limit <= 0 || k.window <= 0 {
		return true, 0
	}

	k.mu.Lock()
	k.calls++
	if k.calls%sweepEvery == 0 {
		for key, w := range k.windows {
			if w.idle(now) {
				delete(k.windows, key)
			}
		}
	}
	w, ok := k.windows[key]
	if !ok {
		w = NewWindow(k.limit, k.window, k.limit, k.window)
		k.windows[key] = w
	}
	k.mu.Unlock()

	return w.Reserve(now)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}
