// Package flowcontrol implements the engine's per-stream backpressure state
// machine (C7): each streaming response owns a bounded token buffer and
// transitions between Healthy, Moderate, and Critical as that buffer fills,
// with separate enter/exit thresholds (hysteresis) so the state doesn't
// flap at the boundary.
package flowcontrol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ringo380/inferno/pkg/backend"
)

// ErrClosed is returned by PushWait once Close has been called.
var ErrClosed = errors.New("flowcontrol: controller closed")

// State is a backpressure level.
type State int

const (
	Healthy State = iota
	Moderate
	Critical
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Moderate:
		return "moderate"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// DropPolicy selects what a Critical-state stream does with new tokens.
type DropPolicy int

const (
	// Slowdown applies cooperative backpressure: the producer blocks until
	// the consumer drains enough of the buffer to re-enter Moderate.
	Slowdown DropPolicy = iota
	// DropOldest discards the oldest buffered, not-yet-sent token to make
	// room for the newest one, trading completeness for liveness.
	DropOldest
)

// thresholds, expressed as buffer-occupancy fractions, per spec.md §4.7.
const (
	moderateEnter = 0.70
	criticalEnter = 0.90
	// exitLow and criticalExit are the hysteresis floors: Moderate only
	// drops to Healthy below exitLow, and Critical only drops to Moderate
	// below criticalExit, so occupancy oscillating near an enter threshold
	// doesn't flap the state on every token.
	exitLow      = 0.60
	criticalExit = 0.80
)

// Controller manages the bounded buffer and state machine for one stream.
type Controller struct {
	capacity int
	policy   DropPolicy

	mu      sync.Mutex
	buf     []backend.Token
	state   State
	dropped atomic.Int64

	// dataCh is closed and replaced every time a token is pushed, waking
	// any Next waiting on an empty buffer. roomCh is closed and replaced
	// every time a token is drained, waking any PushWait blocked on a
	// full Critical buffer. closed marks that production has ended.
	dataCh chan struct{}
	roomCh chan struct{}
	closed bool
}

// New creates a Controller with the given buffer capacity and drop policy
// for the Critical state.
func New(capacity int, policy DropPolicy) *Controller {
	if capacity <= 0 {
		capacity = 64
	}
	return &Controller{capacity: capacity, policy: policy, dataCh: make(chan struct{}), roomCh: make(chan struct{})}
}

// wakeData wakes anything blocked in Next waiting for a token to arrive.
// Caller holds c.mu.
func (c *Controller) wakeData() {
	close(c.dataCh)
	c.dataCh = make(chan struct{})
}

// wakeRoom wakes anything blocked in PushWait waiting for buffer space.
// Caller holds c.mu.
func (c *Controller) wakeRoom() {
	close(c.roomCh)
	c.roomCh = make(chan struct{})
}

func (c *Controller) occupancy() float64 {
	return float64(len(c.buf)) / float64(c.capacity)
}

// recomputeLocked applies hysteresis to transition c.state given the
// current occupancy. Caller holds c.mu.
func (c *Controller) recomputeLocked() {
	occ := c.occupancy()
	switch c.state {
	case Healthy:
		if occ >= criticalEnter {
			c.state = Critical
		} else if occ >= moderateEnter {
			c.state = Moderate
		}
	case Moderate:
		if occ >= criticalEnter {
			c.state = Critical
		} else if occ < exitLow {
			c.state = Healthy
		}
	case Critical:
		if occ < exitLow {
			c.state = Healthy
		} else if occ < criticalExit {
			c.state = Moderate
		}
	}
}

// State returns the controller's current backpressure state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Push enqueues a token for delivery. Under Critical state with DropOldest,
// it discards the oldest buffered token to make room rather than blocking;
// under Slowdown it reports false for as long as the state stays Critical,
// signalling the caller to hold the producer until draining brings
// occupancy below the Critical exit threshold.
func (c *Controller) Push(tok backend.Token) (accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Critical && c.policy == Slowdown {
		return false
	}
	if len(c.buf) >= c.capacity {
		// DropOldest, or Slowdown that raced past capacity between the
		// occupancy check and this call.
		c.buf = c.buf[1:]
		c.dropped.Add(1)
	}
	c.buf = append(c.buf, tok)
	c.recomputeLocked()
	c.wakeData()
	return true
}

// PushWait enqueues a token like Push, but under Slowdown+Critical it
// blocks until draining takes the controller out of Critical (occupancy
// below the 0.80 exit threshold) instead of reporting failure, so no token
// is ever silently dropped under the Slowdown policy. It returns ctx's
// error if ctx is cancelled first, or ErrClosed if Close was called.
func (c *Controller) PushWait(ctx context.Context, tok backend.Token) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.state == Critical && c.policy == Slowdown {
			wait := c.roomCh
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(c.buf) >= c.capacity {
			c.buf = c.buf[1:]
			c.dropped.Add(1)
		}
		c.buf = append(c.buf, tok)
		c.recomputeLocked()
		c.wakeData()
		c.mu.Unlock()
		return nil
	}
}

// Drain pops up to n buffered tokens in FIFO order for delivery to the
// transport, updating the backpressure state as occupancy falls.
func (c *Controller) Drain(n int) []backend.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > len(c.buf) {
		n = len(c.buf)
	}
	out := append([]backend.Token(nil), c.buf[:n]...)
	c.buf = c.buf[n:]
	c.recomputeLocked()
	if n > 0 {
		c.wakeRoom()
	}
	return out
}

// Next blocks until a single token is available, the controller is closed
// with an empty buffer, or ctx ends. The bool is false only in the closed/
// drained case, signalling the caller to stop consuming.
func (c *Controller) Next(ctx context.Context) (backend.Token, bool) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			tok := c.buf[0]
			c.buf = c.buf[1:]
			c.recomputeLocked()
			c.wakeRoom()
			c.mu.Unlock()
			return tok, true
		}
		if c.closed {
			c.mu.Unlock()
			return backend.Token{}, false
		}
		wait := c.dataCh
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return backend.Token{}, false
		}
	}
}

// Close marks the controller as done producing. Any Next call blocked on
// an empty buffer returns false once the buffer is fully drained, and any
// PushWait call blocked on room returns ErrClosed. Calls after the first
// are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wakeData()
	c.wakeRoom()
}

// Len returns the number of currently buffered tokens.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Dropped returns how many tokens have been discarded under DropOldest.
func (c *Controller) Dropped() int64 {
	return c.dropped.Load()
}
