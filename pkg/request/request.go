// Package request defines the engine's request sum type, queue entries, and
// streaming wire frames (the data model spanning C5-C9 of the design).
package request

import (
	"sync"
	"time"

	"github.com/ringo380/inferno/pkg/backend"
)

// Kind discriminates the Request sum type.
type Kind int

const (
	KindChatCompletion Kind = iota
	KindCompletion
	KindEmbedding
)

// Request is a decoded, not-yet-validated client request. Exactly one of
// the Chat/Completion/Embedding-specific fields is meaningful, selected by
// Kind — mirroring spec.md §3's sum type without needing a language-level
// tagged union.
type Request struct {
	Kind Kind

	Model string

	// Chat completion.
	Messages []backend.ChatMessage

	// Completion.
	Prompts []string

	// Embedding.
	Input []string

	Params backend.InferenceParams

	// User is the opaque caller-supplied identifier from the OpenAI "user"
	// field, used only for logging/tracking, never for authorization.
	User string
}

// Priority is the queue admission priority (C6).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Entry is a request admitted to the queue (C6), carrying its fingerprint,
// priority, deadline, and cancellation signal.
type Entry struct {
	RequestID   string
	Fingerprint [32]byte
	Priority    Priority
	EnqueuedAt  time.Time
	Deadline    time.Time
	Request     Request
	BackendKind backend.Kind

	cancel chan struct{}
	once   sync.Once
}

// NewEntry constructs an Entry with a fresh cancel signal.
func NewEntry(id string, req Request, kind backend.Kind, priority Priority, timeout time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		RequestID:   id,
		Priority:    priority,
		EnqueuedAt:  now,
		Deadline:    now.Add(timeout),
		Request:     req,
		BackendKind: kind,
		cancel:      make(chan struct{}),
	}
}

// Cancel signals cancellation exactly once; subsequent calls are no-ops.
func (e *Entry) Cancel() {
	e.once.Do(func() { close(e.cancel) })
}

// Done returns a channel closed when the entry has been cancelled.
func (e *Entry) Done() <-chan struct{} {
	return e.cancel
}

// Expired reports whether the entry's deadline has passed as of now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.Deadline)
}

// FrameKind discriminates a StreamFrame.
type FrameKind int

const (
	FrameStart FrameKind = iota
	FrameToken
	FrameDone
	FrameError
)

// StreamFrame is one unit of a streaming response (C11/C3 data model,
// spec.md §3's StreamFrame sum type).
type StreamFrame struct {
	Kind FrameKind

	// Start
	ID        string
	Model     string
	CreatedAt int64

	// Token
	Delta string
	Index int

	// Done
	FinishReason backend.FinishReason
	Usage        backend.Usage

	// Error
	ErrorKind    string
	ErrorMessage string
}
