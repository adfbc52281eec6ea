// Package batcher implements the engine's token batcher (C8): it groups
// individual generated tokens into frames to amortize per-frame transport
// overhead, emitting a frame once batch_size tokens accumulate, max_wait
// elapses since the first token of the current batch, or the stream ends.
// Order is always preserved; the batcher itself never drops a token (loss
// is the flow controller's concern, not this package's).
package batcher

import (
	"time"

	"github.com/ringo380/inferno/pkg/backend"
)

// Config configures a Batcher.
type Config struct {
	BatchSize int
	MaxWait   time.Duration
}

// DefaultConfig returns the defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{BatchSize: 3, MaxWait: 50 * time.Millisecond}
}

// Batcher accumulates tokens from an input channel and emits batches on an
// output channel, one goroutine-free read loop at a time (callers drive it
// via Run from their own goroutine).
type Batcher struct {
	cfg Config
}

// New creates a Batcher. A non-positive BatchSize or MaxWait is replaced
// with the default for that field rather than rejected, since spec.md
// treats 0 as "use default" at this layer; outright invalid combinations
// (e.g. negative) are caught at config-validation time before reaching
// here.
func New(cfg Config) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}
	return &Batcher{cfg: cfg}
}

// Run reads tokens from in until it closes, emitting []backend.Token
// batches to out according to the batch_size/max_wait rule. It closes out
// before returning. The final, possibly partial batch is flushed when in
// closes (rule (c): stream termination).
func (b *Batcher) Run(in <-chan backend.Token, out chan<- []backend.Token) {
	defer close(out)

	var batch []backend.Token
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out <- batch
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case tok, ok := <-in:
			if !ok {
				flush()
				return
			}
			if len(batch) == 0 {
				timer = time.NewTimer(b.cfg.MaxWait)
				timerC = timer.C
			}
			batch = append(batch, tok)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-timerC:
			flush()
		}
	}
}
