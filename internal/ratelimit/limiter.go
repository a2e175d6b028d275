package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Options configure the sliding window.
type Options struct {
	Calls  int
	Window time.Duration
	Now    func() time.Time
}

// Limiter admits at most Calls requests per caller within any rolling Window.
type Limiter struct {
	calls  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	callers map[string][]time.Time
}

// New constructs a Limiter.
func New(opts Options) *Limiter {
	if opts.Calls <= 0 {
		panic("ratelimit calls must be positive")
	}
	if opts.Window <= 0 {
		panic("ratelimit window must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		calls:   opts.Calls,
		window:  opts.Window,
		now:     now,
		callers: make(map[string][]time.Time),
	}
}

// Admit records a call for callerID when the window has room. Otherwise it
// reports how long the caller must wait before the oldest call leaves the window.
func (l *Limiter) Admit(callerID string) (bool, time.Duration) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.callers[callerID], cutoff)
	if len(stamps) >= l.calls {
		l.callers[callerID] = stamps
		retryAfter := l.window - now.Sub(stamps[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	l.callers[callerID] = append(stamps, now)
	return true, 0
}

// Forget drops callers with no call newer than idleFor and returns how many were removed.
func (l *Limiter) Forget(idleFor time.Duration) int {
	if idleFor < l.window {
		idleFor = l.window
	}
	cutoff := l.now().Add(-idleFor)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, stamps := range l.callers {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.callers, id)
			removed++
		}
	}
	return removed
}

// Callers returns the number of tracked callers.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}

// FormatWait renders a wait duration for end users.
func FormatWait(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	if secs == 1 {
		return "Please wait 1 second before trying again."
	}
	return fmt.Sprintf("Please wait %d seconds before trying again.", secs)
}
