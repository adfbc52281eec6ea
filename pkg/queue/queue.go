// Package queue implements the engine's admission queue (C6): bounded,
// multi-priority admission with aging-based promotion, per-principal rate
// limiting, and deadline-aware rejection.
//
// Priority levels are held as separate slices rather than a
// container/heap-based priority queue, since spec.md's strict-priority
// dequeue order (always drain the highest non-empty level first) plus
// FIFO-within-level is naturally expressed as one ring per level; a heap
// would only add log-n overhead for an ordering this queue never needs.
package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/logging"
	"github.com/ringo380/inferno/pkg/metrics"
	"github.com/ringo380/inferno/pkg/request"
)

// DropPolicy selects what happens when the queue is full at admission time.
type DropPolicy int

const (
	// DropReject rejects the incoming request outright.
	DropReject DropPolicy = iota
	// DropShedLowest evicts the lowest-priority, oldest entry to make room.
	DropShedLowest
)

// Config configures a new Queue.
type Config struct {
	Capacity        int
	DropPolicy      DropPolicy
	AgingThreshold  time.Duration // how long an entry waits before promotion
	RatePerSecond   float64       // per-principal request token bucket refill rate; 0 disables
	RateBurst       int
	DefaultDeadline time.Duration

	// TokensPerSecond and TokenBurst configure a second, independent
	// per-principal token bucket limiting requested generation volume
	// (backend.InferenceParams.MaxTokens per request) rather than request
	// count, per spec.md §4.6's separate requests/minute and
	// tokens/minute limits. 0 disables it.
	TokensPerSecond float64
	TokenBurst      int

	// Metrics, if set, receives QueueDepth/QueueWaitTime/QueueRejected
	// observations. Left nil, the queue runs unobserved.
	Metrics *metrics.Collector
}

// level holds admitted entries for one priority, oldest first.
type level struct {
	entries []*request.Entry
}

func (l *level) pushBack(e *request.Entry) { l.entries = append(l.entries, e) }

func (l *level) popFront() *request.Entry {
	if len(l.entries) == 0 {
		return nil
	}
	e := l.entries[0]
	l.entries = l.entries[1:]
	return e
}

func (l *level) popOldestFromBack() *request.Entry {
	if len(l.entries) == 0 {
		return nil
	}
	e := l.entries[len(l.entries)-1]
	l.entries = l.entries[:len(l.entries)-1]
	return e
}

// Queue is the bounded, multi-priority admission queue.
type Queue struct {
	log logging.Logger
	cfg Config

	mu     sync.Mutex
	levels map[request.Priority]*level
	size   int

	limiters      map[string]*rate.Limiter
	tokenLimiters map[string]*rate.Limiter
	limitersMu    sync.Mutex

	metrics *metrics.Collector
	notify  chan struct{}
}

// New creates an empty Queue.
func New(log logging.Logger, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	q := &Queue{
		log: logging.Component(log, "queue"),
		cfg: cfg,
		levels: map[request.Priority]*level{
			request.PriorityLow:    {},
			request.PriorityNormal: {},
			request.PriorityHigh:   {},
		},
		limiters:      make(map[string]*rate.Limiter),
		tokenLimiters: make(map[string]*rate.Limiter),
		metrics:       cfg.Metrics,
		notify:        make(chan struct{}, 1),
	}
	return q
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// requestLimiterFor returns the per-principal request-rate limiter,
// creating it on first use. Returns nil if request rate limiting is
// disabled.
func (q *Queue) requestLimiterFor(principal string) *rate.Limiter {
	if q.cfg.RatePerSecond <= 0 {
		return nil
	}
	q.limitersMu.Lock()
	defer q.limitersMu.Unlock()
	lim, ok := q.limiters[principal]
	if !ok {
		burst := q.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(q.cfg.RatePerSecond), burst)
		q.limiters[principal] = lim
	}
	return lim
}

// tokenLimiterFor returns the per-principal token-volume limiter, creating
// it on first use. Returns nil if token rate limiting is disabled. This is
// a second, independent bucket from requestLimiterFor: spec.md §4.6
// requires separate requests/minute and tokens/minute limits, since a
// caller can stay under the request count while still asking for an
// unbounded number of tokens per request.
func (q *Queue) tokenLimiterFor(principal string) *rate.Limiter {
	if q.cfg.TokensPerSecond <= 0 {
		return nil
	}
	q.limitersMu.Lock()
	defer q.limitersMu.Unlock()
	lim, ok := q.tokenLimiters[principal]
	if !ok {
		burst := q.cfg.TokenBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(q.cfg.TokensPerSecond), burst)
		q.tokenLimiters[principal] = lim
	}
	return lim
}

// Admit enqueues e, applying rate limiting and the configured drop policy.
// It returns an apierr when the request cannot be admitted.
func (q *Queue) Admit(e *request.Entry, principal string) *apierr.Error {
	reqLim := q.requestLimiterFor(principal)
	tokLim := q.tokenLimiterFor(principal)

	if reqLim != nil && !reqLim.Allow() {
		q.countRejected("request_rate_exceeded")
		return apierr.New(apierr.RateLimited, "request rate exceeded for principal").
			WithRateLimitHeaders(q.buildRateLimitHeaders(reqLim, tokLim))
	}

	if tokens := e.Request.Params.MaxTokens; tokLim != nil && tokens > 0 && !tokLim.AllowN(time.Now(), tokens) {
		q.countRejected("token_rate_exceeded")
		return apierr.New(apierr.RateLimited, "token rate exceeded for principal").
			WithRateLimitHeaders(q.buildRateLimitHeaders(reqLim, tokLim))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.Capacity {
		switch q.cfg.DropPolicy {
		case DropShedLowest:
			if !q.shedLockedFor(e.Priority) {
				q.countRejected("queue_full")
				return apierr.New(apierr.RateLimited, "queue is full")
			}
		default:
			q.countRejected("queue_full")
			return apierr.New(apierr.RateLimited, "queue is full")
		}
	}

	q.levels[e.Priority].pushBack(e)
	q.size++
	q.observeDepthLocked()
	q.signal()
	return nil
}

// countRejected increments QueueRejected, if metrics are configured.
func (q *Queue) countRejected(reason string) {
	if q.metrics != nil {
		q.metrics.QueueRejected.WithLabelValues(reason).Inc()
	}
}

// observeDepthLocked reports current per-priority queue depth, if metrics
// are configured. Caller holds q.mu.
func (q *Queue) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	for p, lvl := range q.levels {
		q.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(lvl.entries)))
	}
}

// buildRateLimitHeaders reports the current state of reqLim and tokLim
// (either may be nil if that bucket is disabled) as the six X-RateLimit-*
// values spec.md §6 requires.
func (q *Queue) buildRateLimitHeaders(reqLim, tokLim *rate.Limiter) apierr.RateLimitHeaders {
	var h apierr.RateLimitHeaders
	now := time.Now()
	if reqLim != nil {
		h.LimitRequests = reqLim.Burst()
		h.RemainingRequests = remainingAt(reqLim, now)
		h.ResetRequestsSecs = secondsUntilRefill(float64(reqLim.Limit()))
	}
	if tokLim != nil {
		h.LimitTokens = tokLim.Burst()
		h.RemainingTokens = remainingAt(tokLim, now)
		h.ResetTokensSecs = secondsUntilRefill(float64(tokLim.Limit()))
	}
	return h
}

func remainingAt(lim *rate.Limiter, now time.Time) int {
	n := int(lim.TokensAt(now))
	if n < 0 {
		n = 0
	}
	return n
}

// secondsUntilRefill estimates how long until one more unit refills into
// the bucket, for the Reset header's hint. Always at least 1 second.
func secondsUntilRefill(perSecond float64) int {
	if perSecond <= 0 {
		return 1
	}
	secs := int(1 / perSecond)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func shedOrder() []request.Priority {
	return []request.Priority{request.PriorityLow, request.PriorityNormal, request.PriorityHigh}
}

// shedLockedFor tries to evict the oldest entry at a priority lower than or
// equal to incoming, working from the lowest level upward; caller holds
// q.mu. Returns whether an entry was evicted.
func (q *Queue) shedLockedFor(incoming request.Priority) bool {
	for _, p := range shedOrder() {
		if p > incoming {
			break
		}
		lvl := q.levels[p]
		if victim := lvl.popFront(); victim != nil {
			victim.Cancel()
			q.size--
			q.observeDepthLocked()
			return true
		}
	}
	return false
}

// Dequeue blocks until an entry is available or ctx is done, applying
// strict priority order (always drain the highest non-empty level first)
// with aging-based promotion: an entry waiting longer than AgingThreshold
// is dequeued ahead of fresher higher-priority entries to avoid
// starvation, per spec.md §4.6.
func (q *Queue) Dequeue(ctx context.Context) (*request.Entry, bool) {
	for {
		if e, ok := q.tryDequeue(); ok {
			return e, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		case <-time.After(10 * time.Millisecond):
			// Bounded poll interval so aging promotions are re-evaluated even
			// without a fresh admission waking the dequeuer.
		}
	}
}

func (q *Queue) tryDequeue() (*request.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	if q.cfg.AgingThreshold > 0 {
		if e := q.popAgedLocked(now); e != nil {
			q.size--
			q.observeDequeueLocked(e, now)
			return e, true
		}
	}

	for _, p := range []request.Priority{request.PriorityHigh, request.PriorityNormal, request.PriorityLow} {
		if e := q.levels[p].popFront(); e != nil {
			q.size--
			q.observeDequeueLocked(e, now)
			return e, true
		}
	}
	return nil, false
}

// observeDequeueLocked reports updated depth and the entry's queue wait
// time, if metrics are configured. Caller holds q.mu.
func (q *Queue) observeDequeueLocked(e *request.Entry, now time.Time) {
	q.observeDepthLocked()
	if q.metrics != nil {
		q.metrics.QueueWaitTime.Observe(now.Sub(e.EnqueuedAt).Seconds())
	}
}

// popAgedLocked returns the oldest entry across all levels that has waited
// past AgingThreshold, regardless of its priority, if any exists. Caller
// holds q.mu.
func (q *Queue) popAgedLocked(now time.Time) *request.Entry {
	var oldestLevel *level
	var oldestIdx = -1
	var oldestAt time.Time

	for _, lvl := range q.levels {
		if len(lvl.entries) == 0 {
			continue
		}
		head := lvl.entries[0]
		if now.Sub(head.EnqueuedAt) < q.cfg.AgingThreshold {
			continue
		}
		if oldestIdx == -1 || head.EnqueuedAt.Before(oldestAt) {
			oldestLevel = lvl
			oldestIdx = 0
			oldestAt = head.EnqueuedAt
		}
	}
	if oldestLevel == nil {
		return nil
	}
	return oldestLevel.popFront()
}

// Remove cancels and removes e from the queue if it is still present,
// e.g. when the client disconnects before dequeue. Returns whether it was
// found.
func (q *Queue) Remove(e *request.Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	lvl := q.levels[e.Priority]
	for i, entry := range lvl.entries {
		if entry == e {
			lvl.entries = append(lvl.entries[:i], lvl.entries[i+1:]...)
			q.size--
			q.observeDepthLocked()
			e.Cancel()
			return true
		}
	}
	return false
}

// ExpireDeadlines scans every level and cancels entries whose deadline has
// passed, returning how many were removed. The queue runs no background
// goroutines, so expired entries are only removed when a caller invokes
// this.
func (q *Queue) ExpireDeadlines(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for _, lvl := range q.levels {
		kept := lvl.entries[:0]
		for _, e := range lvl.entries {
			if e.Expired(now) {
				e.Cancel()
				removed++
				q.size--
				continue
			}
			kept = append(kept, e)
		}
		lvl.entries = kept
	}
	if removed > 0 {
		q.observeDepthLocked()
	}
	return removed
}

// Len returns the total number of entries across all priority levels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
