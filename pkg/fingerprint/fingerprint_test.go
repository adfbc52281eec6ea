package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/backend"
)

func TestChatCompletionDeterministic(t *testing.T) {
	in := ChatCompletionInput{
		Model: "llama-7b",
		Messages: []backend.ChatMessage{
			{Role: backend.RoleSystem, Content: "You are helpful."},
			{Role: backend.RoleUser, Content: "Say 'ok'."},
		},
		Params: backend.InferenceParams{Temperature: 0, TopP: 0.9, TopK: 40, MaxTokens: 4},
	}

	a := ChatCompletion(backend.KindGguf, in)
	b := ChatCompletion(backend.KindGguf, in)
	require.Equal(t, a, b, "identical requests must yield equal fingerprints")
}

func TestChatCompletionDiffersByModel(t *testing.T) {
	base := ChatCompletionInput{
		Model:    "llama-7b",
		Messages: []backend.ChatMessage{{Role: backend.RoleUser, Content: "hi"}},
		Params:   backend.DefaultParams(),
	}
	other := base
	other.Model = "llama-13b"

	require.NotEqual(t, ChatCompletion(backend.KindGguf, base), ChatCompletion(backend.KindGguf, other))
}

func TestChatCompletionDiffersByBackendKind(t *testing.T) {
	in := ChatCompletionInput{
		Model:    "llama-7b",
		Messages: []backend.ChatMessage{{Role: backend.RoleUser, Content: "hi"}},
		Params:   backend.DefaultParams(),
	}

	require.NotEqual(t, ChatCompletion(backend.KindGguf, in), ChatCompletion(backend.KindOnnx, in))
}

func TestChatCompletionDiffersBySeedPresence(t *testing.T) {
	in := ChatCompletionInput{
		Model:    "llama-7b",
		Messages: []backend.ChatMessage{{Role: backend.RoleUser, Content: "hi"}},
		Params:   backend.DefaultParams(),
	}
	seeded := in
	seed := uint64(42)
	seeded.Params.Seed = &seed

	require.NotEqual(t, ChatCompletion(backend.KindGguf, in), ChatCompletion(backend.KindGguf, seeded))
}

func TestEmbeddingFingerprint(t *testing.T) {
	a := Embedding(backend.KindGguf, EmbeddingInput{Model: "m", Input: []string{"a", "b"}})
	b := Embedding(backend.KindGguf, EmbeddingInput{Model: "m", Input: []string{"a", "b"}})
	c := Embedding(backend.KindGguf, EmbeddingInput{Model: "m", Input: []string{"a", "c"}})

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
