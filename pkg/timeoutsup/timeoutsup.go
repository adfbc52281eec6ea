// Package timeoutsup implements the engine's per-stream timeout supervisor
// (C9): four independently restartable timers (total, inter-token, ack,
// keep-alive) whose expiry either cancels the stream or triggers a
// keep-alive frame. Cancellation is cooperative: expiry only closes the
// stream's cancel signal, which the executor observes at its next safe
// point (spec.md §4.9).
package timeoutsup

import (
	"sync"
	"time"
)

// Config holds the four timer durations, all independently configurable
// per spec.md §4.9/§6.
type Config struct {
	Total      time.Duration
	InterToken time.Duration
	Ack        time.Duration
	KeepAlive  time.Duration
}

// DefaultConfig returns the defaults from spec.md §4.9's table.
func DefaultConfig() Config {
	return Config{
		Total:      5 * time.Minute,
		InterToken: 30 * time.Second,
		Ack:        30 * time.Second,
		KeepAlive:  30 * time.Second,
	}
}

// Supervisor owns the four timers for one stream.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	stopped bool

	total      *time.Timer
	interToken *time.Timer
	ack        *time.Timer
	keepAlive  *time.Timer

	cancelSignal chan struct{}
	cancelOnce   sync.Once

	onKeepAlive func()
	onExpire    func(timer string)
}

// New creates a Supervisor and arms the total and inter-token timers
// immediately; the ack timer is armed only once EnableAck is called (it
// applies to WebSocket streams exclusively), and the keep-alive timer is
// armed once StartKeepAlive is called with its callback.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		cancelSignal: make(chan struct{}),
	}
	s.total = time.AfterFunc(cfg.Total, s.expireTotal)
	s.interToken = time.AfterFunc(cfg.InterToken, s.expireInterToken)
	return s
}

// Done returns a channel closed once any timer has fired its cancelling
// expiry action (total, inter-token, or ack — keep-alive never cancels).
func (s *Supervisor) Done() <-chan struct{} {
	return s.cancelSignal
}

func (s *Supervisor) cancel() {
	s.cancelOnce.Do(func() { close(s.cancelSignal) })
}

// OnExpire registers cb to be called with a timer's name ("total",
// "inter_token", "ack") the moment it fires, before the stream is
// cancelled. Must be called before the timer in question can fire.
func (s *Supervisor) OnExpire(cb func(timer string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = cb
}

func (s *Supervisor) fireExpire(timer string) {
	s.mu.Lock()
	cb := s.onExpire
	s.mu.Unlock()
	if cb != nil {
		cb(timer)
	}
	s.cancel()
}

func (s *Supervisor) expireTotal()      { s.fireExpire("total") }
func (s *Supervisor) expireInterToken() { s.fireExpire("inter_token") }
func (s *Supervisor) expireAck()        { s.fireExpire("ack") }

// OnTokenProduced resets the inter-token timer, per spec.md §4.9's reset
// event for that timer.
func (s *Supervisor) OnTokenProduced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.interToken == nil {
		return
	}
	s.interToken.Reset(s.cfg.InterToken)
}

// EnableAck arms the ack timer, used by WebSocket streams that expect
// periodic client acknowledgements.
func (s *Supervisor) EnableAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.ack = time.AfterFunc(s.cfg.Ack, s.expireAck)
}

// OnAckReceived resets the ack timer, per spec.md §4.9's reset event.
func (s *Supervisor) OnAckReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ack == nil {
		return
	}
	s.ack.Reset(s.cfg.Ack)
}

// StartKeepAlive arms the keep-alive timer, invoking onKeepAlive each time
// it fires and automatically rearming (keep-alive never cancels the
// stream; it only signals "send a ping/comment now").
func (s *Supervisor) StartKeepAlive(onKeepAlive func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.onKeepAlive = onKeepAlive
	s.keepAlive = time.AfterFunc(s.cfg.KeepAlive, s.fireKeepAlive)
}

func (s *Supervisor) fireKeepAlive() {
	s.mu.Lock()
	stopped := s.stopped
	cb := s.onKeepAlive
	s.mu.Unlock()
	if stopped {
		return
	}
	if cb != nil {
		cb()
	}
	s.OnFrameSent()
}

// OnFrameSent resets the keep-alive timer, per spec.md §4.9's reset event
// ("any frame sent").
func (s *Supervisor) OnFrameSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.keepAlive == nil {
		return
	}
	s.keepAlive.Reset(s.cfg.KeepAlive)
}

// Stop disarms every timer. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.total != nil {
		s.total.Stop()
	}
	if s.interToken != nil {
		s.interToken.Stop()
	}
	if s.ack != nil {
		s.ack.Stop()
	}
	if s.keepAlive != nil {
		s.keepAlive.Stop()
	}
}
