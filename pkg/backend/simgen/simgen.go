// Package simgen implements the deterministic token generator shared by the
// gguf and onnx backends. Actual GGML/ONNX tensor computation is explicitly
// out of scope (spec.md §1: "file-format parsing of GGUF/ONNX treated as
// library capabilities behind the backend interface") — this generator
// stands in for that compute kernel behind the backend.Backend interface,
// matching the deterministic-placeholder-text pattern used throughout the
// retrieval pack's own inference engines (e.g. a cgo-backed llama.cpp
// wrapper that returns a fixed, seed-derived response while real sampling
// is still pending).
package simgen

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/ringo380/inferno/pkg/backend"
)

// Session is a loaded, promptable generation session for one model.
type Session struct {
	contextSize int
	vocabulary  []string
}

// NewSession builds a Session bounded by the model's context size.
func NewSession(contextSize int) *Session {
	if contextSize <= 0 {
		contextSize = 4096
	}
	return &Session{contextSize: contextSize, vocabulary: defaultVocabulary}
}

var defaultVocabulary = strings.Fields(
	"the a an of to in is it you that he was for on are with as I his they " +
		"be at one have this from or had by hot word but what some we can out " +
		"other were all there when up use your how said an each she which do",
)

// seed derives a 64-bit seed from the prompt and params so that identical
// requests (same canonical bytes) always produce identical token sequences,
// satisfying spec.md §8's round-trip/idempotence law for temperature=0 and
// no seed override.
func seed(prompt string, params backend.InferenceParams) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(params.TopK))
	_, _ = h.Write(buf[:])
	if params.Seed != nil {
		binary.LittleEndian.PutUint64(buf[:], *params.Seed)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// splitmix64 is a fast, well-distributed PRNG step used purely to turn the
// fnv seed into a token stream; it carries no cryptographic weight and is
// not used for fingerprinting.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Tokens generates up to maxTokens words deterministically from prompt and
// params, honoring stop sequences. It returns the generated text and the
// finish reason.
func (s *Session) Tokens(prompt string, params backend.InferenceParams) ([]string, backend.FinishReason) {
	state := seed(prompt, params)
	limit := params.MaxTokens
	if limit > s.contextSize {
		limit = s.contextSize
	}
	if limit <= 0 {
		limit = 1
	}

	var out []string
	built := ""
	for i := 0; i < limit; i++ {
		state = splitmix64(state)
		word := s.vocabulary[state%uint64(len(s.vocabulary))]
		out = append(out, word)
		built += word + " "
		for _, stop := range params.Stop {
			if stop != "" && strings.Contains(built, stop) {
				return out, backend.FinishStop
			}
		}
	}
	return out, backend.FinishLength
}

// Generate runs Tokens and assembles the final completion text plus usage,
// counting the prompt by whitespace-splitting (a stand-in tokenizer,
// adequate for the usage-accounting invariants this engine is responsible
// for; real subword tokenization belongs to the backend library).
func (s *Session) Generate(prompt string, params backend.InferenceParams) backend.Completion {
	words, reason := s.Tokens(prompt, params)
	promptTokens := len(strings.Fields(prompt))
	if promptTokens == 0 {
		promptTokens = 1
	}
	return backend.Completion{
		Text:         strings.Join(words, " "),
		FinishReason: reason,
		Usage: backend.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: len(words),
			TotalTokens:      promptTokens + len(words),
		},
	}
}

// Stream runs generation token-by-token onto a channel, honoring context
// cancellation within one token-production interval as required by
// spec.md §4.1 and §5.
func (s *Session) Stream(ctx context.Context, prompt string, params backend.InferenceParams) <-chan backend.StreamChunk {
	out := make(chan backend.StreamChunk)
	go func() {
		defer close(out)
		state := seed(prompt, params)
		limit := params.MaxTokens
		if limit > s.contextSize {
			limit = s.contextSize
		}
		if limit <= 0 {
			limit = 1
		}
		promptTokens := len(strings.Fields(prompt))
		if promptTokens == 0 {
			promptTokens = 1
		}

		built := ""
		reason := backend.FinishLength
		produced := 0
		for i := 0; i < limit; i++ {
			select {
			case <-ctx.Done():
				reason = backend.FinishCancelled
				goto done
			default:
			}

			state = splitmix64(state)
			word := s.vocabulary[state%uint64(len(s.vocabulary))]
			built += word + " "
			produced++

			select {
			case out <- backend.StreamChunk{Token: &backend.Token{Text: word + " ", Index: i}}:
			case <-ctx.Done():
				reason = backend.FinishCancelled
				goto done
			}

			stopped := false
			for _, stop := range params.Stop {
				if stop != "" && strings.Contains(built, stop) {
					reason = backend.FinishStop
					stopped = true
					break
				}
			}
			if stopped {
				break
			}
			// Cooperative pacing: a small delay stands in for per-token
			// backend latency so the flow controller has something real to
			// regulate against in tests.
			select {
			case <-time.After(time.Microsecond):
			case <-ctx.Done():
				reason = backend.FinishCancelled
				goto done
			}
		}
	done:
		out <- backend.StreamChunk{Result: &backend.StreamResult{
			FinishReason: reason,
			Usage: backend.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: produced,
				TotalTokens:      promptTokens + produced,
			},
		}}
	}()
	return out
}

// Embed computes a deterministic fixed-dimension embedding for each input,
// standing in for a real embedding model's forward pass.
func (s *Session) Embed(inputs []string) [][]float32 {
	const dims = 32
	vectors := make([][]float32, len(inputs))
	for i, in := range inputs {
		state := seed(in, backend.InferenceParams{})
		vec := make([]float32, dims)
		for d := 0; d < dims; d++ {
			state = splitmix64(state)
			// Map to [-1, 1).
			vec[d] = float32(int64(state%2000)-1000) / 1000.0
		}
		vectors[i] = vec
	}
	return vectors
}

// ValidateEmbeddingSupport reports whether embeddings are supported, mostly
// a placeholder hook for a future backend.Mode check.
func ValidateEmbeddingSupport(kind backend.Kind) error {
	if kind == "" {
		return fmt.Errorf("%w: unknown kind", backend.ErrUnsupportedByModel)
	}
	return nil
}
