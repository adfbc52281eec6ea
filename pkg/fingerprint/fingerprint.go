// Package fingerprint computes the deterministic cache key for a request
// (C2): a 32-byte Blake3 digest of a canonical byte encoding of the model,
// backend kind, normalized parameters, and prompt payload, per spec.md §3
// and §4.2.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"lukechampine.com/blake3"

	"github.com/ringo380/inferno/pkg/backend"
)

// Fingerprint is the 32-byte digest identifying a request's cacheable
// effect on a model.
type Fingerprint [32]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// MarshalText implements encoding.TextMarshaler so a Fingerprint can be used
// directly as a map key in JSON-serialized structures (e.g. persisted cache
// snapshots).
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// field tags for the canonical encoding. Fixed so that adding a new field
// never reorders existing ones, keeping old fingerprints stable.
const (
	tagAbsent byte = 0x00
	tagPresent byte = 0x01
)

// RequestKind tags which sum-type variant of request.Request produced this
// fingerprint, folded into the digest so identical prompts against
// different request shapes (chat vs completion) never collide.
type RequestKind byte

const (
	KindChatCompletion RequestKind = 1
	KindCompletion     RequestKind = 2
	KindEmbedding      RequestKind = 3
)

// encoder accumulates the canonical byte encoding. Every append method is
// order-stable and length-prefixes variable-size data, matching spec.md
// §4.2's canonical encoding rules.
type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) string(s string) {
	e.byte(tagPresent)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	e.buf = append(e.buf, lenBuf[:]...)
	e.buf = append(e.buf, s...)
}

func (e *encoder) absent() {
	e.byte(tagAbsent)
}

func (e *encoder) uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) int64(v int64) {
	e.uint64(uint64(v))
}

// float64Bits encodes v as its IEEE-754 little-endian bit pattern, per
// spec.md §3. NaN is forbidden at validation (C5) and must never reach
// this encoder.
func (e *encoder) float64Bits(v float64) {
	e.uint64(math.Float64bits(v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.byte(1)
	} else {
		e.byte(0)
	}
}

// params canonically encodes the parameter set, in the fixed field order
// from spec.md §3/§4.2.
func (e *encoder) params(p backend.InferenceParams) {
	e.float64Bits(p.Temperature)
	e.float64Bits(p.TopP)
	e.int64(int64(p.TopK))
	e.int64(int64(p.MaxTokens))
	e.int64(int64(len(p.Stop)))
	for _, s := range p.Stop {
		e.string(s)
	}
	e.float64Bits(p.PresencePenalty)
	e.float64Bits(p.FrequencyPenalty)
	e.bool(p.Stream)
	if p.Seed != nil {
		e.byte(tagPresent)
		e.uint64(*p.Seed)
	} else {
		e.absent()
	}
}

func (e *encoder) messages(msgs []backend.ChatMessage) {
	e.int64(int64(len(msgs)))
	for _, m := range msgs {
		e.byte(roleTag(m.Role))
		e.string(m.Content)
		if m.Name != "" {
			e.string(m.Name)
		} else {
			e.absent()
		}
	}
}

func roleTag(r backend.Role) byte {
	switch r {
	case backend.RoleSystem:
		return 1
	case backend.RoleUser:
		return 2
	case backend.RoleAssistant:
		return 3
	case backend.RoleTool:
		return 4
	default:
		return 0
	}
}

// ChatCompletionInput is the subset of a chat completion request relevant
// to fingerprinting.
type ChatCompletionInput struct {
	Model    string
	Messages []backend.ChatMessage
	Params   backend.InferenceParams
}

// CompletionInput is the subset of a completion request relevant to
// fingerprinting.
type CompletionInput struct {
	Model  string
	Prompt []string
	Params backend.InferenceParams
}

// EmbeddingInput is the subset of an embedding request relevant to
// fingerprinting.
type EmbeddingInput struct {
	Model string
	Input []string
}

// Canonical returns the canonical byte encoding for a chat completion
// request. Model and backend kind are folded in first so identical prompts
// to different models never collide (spec.md §4.2).
func Canonical(kind backend.Kind, in ChatCompletionInput) []byte {
	e := &encoder{}
	e.string(in.Model)
	e.byte(byte(KindChatCompletion))
	e.string(string(kind))
	e.messages(in.Messages)
	e.params(in.Params)
	return e.buf
}

// CanonicalCompletion returns the canonical byte encoding for a completion
// request.
func CanonicalCompletion(kind backend.Kind, in CompletionInput) []byte {
	e := &encoder{}
	e.string(in.Model)
	e.byte(byte(KindCompletion))
	e.string(string(kind))
	e.int64(int64(len(in.Prompt)))
	for _, p := range in.Prompt {
		e.string(p)
	}
	e.params(in.Params)
	return e.buf
}

// CanonicalEmbedding returns the canonical byte encoding for an embedding
// request.
func CanonicalEmbedding(kind backend.Kind, in EmbeddingInput) []byte {
	e := &encoder{}
	e.string(in.Model)
	e.byte(byte(KindEmbedding))
	e.string(string(kind))
	e.int64(int64(len(in.Input)))
	for _, s := range in.Input {
		e.string(s)
	}
	return e.buf
}

// Compute hashes canonical bytes with Blake3 into a Fingerprint.
func Compute(canonicalBytes []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(canonicalBytes))
}

// ChatCompletion fingerprints a chat completion request in one call.
func ChatCompletion(kind backend.Kind, in ChatCompletionInput) Fingerprint {
	return Compute(Canonical(kind, in))
}

// Completion fingerprints a completion request in one call.
func Completion(kind backend.Kind, in CompletionInput) Fingerprint {
	return Compute(CanonicalCompletion(kind, in))
}

// Embedding fingerprints an embedding request in one call.
func Embedding(kind backend.Kind, in EmbeddingInput) Fingerprint {
	return Compute(CanonicalEmbedding(kind, in))
}
