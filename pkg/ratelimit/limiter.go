package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the throttle shared by every caller of one upstream service.
// A single value is created per run and handed to the fetcher and to every
// download worker.
type Limiter interface {
	// Wait blocks until a request may be sent or ctx is done.
	Wait(ctx context.Context) error
	// Penalize suspends all callers for at least d, e.g. after a 429.
	Penalize(d time.Duration)
	// Reset clears any pending penalty.
	Reset()
}

// penalty is the "not before" timestamp shared by both strategies.
type penalty struct {
	mu        sync.Mutex
	notBefore time.Time
}

func (p *penalty) extend(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	p.mu.Lock()
	if until.After(p.notBefore) {
		p.notBefore = until
	}
	p.mu.Unlock()
}

func (p *penalty) clear() {
	p.mu.Lock()
	p.notBefore = time.Time{}
	p.mu.Unlock()
}

// wait sleeps until the current penalty has expired. A penalty extended while
// sleeping is honoured by looping.
func (p *penalty) wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		remaining := time.Until(p.notBefore)
		p.mu.Unlock()
		if remaining <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Throttle enforces a minimum interval between requests using a
// golang.org/x/time/rate limiter with a burst of one.
type Throttle struct {
	penalty
	limiter *rate.Limiter
}

// NewThrottle allows requestsPerMinute evenly spaced requests. A value of
// zero or less disables spacing; penalties still apply.
func NewThrottle(requestsPerMinute int) *Throttle {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// NewThrottleInterval spaces requests at least interval apart.
func NewThrottleInterval(interval time.Duration) *Throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the penalty has expired and a token is available.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := t.penalty.wait(ctx); err != nil {
		return err
	}
	return t.limiter.Wait(ctx)
}

// Penalize suspends every caller for at least d.
func (t *Throttle) Penalize(d time.Duration) {
	t.penalty.extend(d)
}

// Reset clears the penalty.
func (t *Throttle) Reset() {
	t.penalty.clear()
}

// Interval returns the minimum spacing between requests.
func (t *Throttle) Interval() time.Duration {
	l := t.limiter.Limit()
	if l == rate.Inf || l <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l))
}

// SlidingWindow implements a sliding window rate limiter: at most
// maxRequests within any windowSize span.
type SlidingWindow struct {
	penalty
	windowSize  time.Duration
	maxRequests int
	requests    []time.Time
	mu          sync.Mutex
}

// NewSlidingWindow creates a new sliding window rate limiter
func NewSlidingWindow(maxRequests int, windowSize time.Duration) *SlidingWindow {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &SlidingWindow{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		requests:    make([]time.Time, 0, maxRequests),
	}
}

// Allow checks if a request can proceed and records it if so.
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.cleanOldRequests(now)

	if len(sw.requests) < sw.maxRequests {
		sw.requests = append(sw.requests, now)
		return true
	}

	return false
}

// Wait blocks until a request is allowed
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	if err := sw.penalty.wait(ctx); err != nil {
		return err
	}
	for !sw.Allow() {
		sw.mu.Lock()
		timeToWait := 10 * time.Millisecond
		if len(sw.requests) > 0 {
			if d := sw.windowSize - time.Since(sw.requests[0]); d > 0 {
				timeToWait = d
			}
		}
		sw.mu.Unlock()

		timer := time.NewTimer(timeToWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Penalize suspends every caller for at least d.
func (sw *SlidingWindow) Penalize(d time.Duration) {
	sw.penalty.extend(d)
}

// Reset clears all recorded requests and the penalty.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	sw.requests = sw.requests[:0]
	sw.mu.Unlock()
	sw.penalty.clear()
}

// cleanOldRequests removes requests outside the sliding window
func (sw *SlidingWindow) cleanOldRequests(now time.Time) {
	cutoff := now.Add(-sw.windowSize)

	i := 0
	for i < len(sw.requests) && sw.requests[i].Before(cutoff) {
		i++
	}

	if i > 0 {
		copy(sw.requests, sw.requests[i:])
		sw.requests = sw.requests[:len(sw.requests)-i]
	}
}

// New builds the limiter named by strategy ("interval" or "window").
func New(strategy string, requestsPerMinute int) Limiter {
	if strategy == "window" && requestsPerMinute > 0 {
		return NewSlidingWindow(requestsPerMinute, time.Minute)
	}
	return NewThrottle(requestsPerMinute)
}
