// Package wire implements the OpenAI-compatible wire adapter (C11): JSON
// request/response types, HTTP handlers for every /v1 endpoint, SSE and
// WebSocket streaming transports, and content-encoding negotiation.
package wire

import (
	"github.com/ringo380/inferno/pkg/backend"
)

// ChatCompletionRequest is the JSON body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model            string         `json:"model"`
	Messages         []WireMessage  `json:"messages"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	TopK             *int           `json:"top_k,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	Stream           bool           `json:"stream,omitempty"`
	User             string         `json:"user,omitempty"`
}

// WireMessage is one chat message on the wire.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CompletionRequest is the JSON body of POST /v1/completions. Prompt may be
// decoded from either a JSON string or a JSON array of strings.
type CompletionRequest struct {
	Model            string       `json:"model"`
	Prompt           PromptField  `json:"prompt"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	TopK             *int         `json:"top_k,omitempty"`
	MaxTokens        *int         `json:"max_tokens,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	Stream           bool         `json:"stream,omitempty"`
	User             string       `json:"user,omitempty"`
}

// EmbeddingRequest is the JSON body of POST /v1/embeddings. Input may be
// decoded from either a JSON string or a JSON array of strings.
type EmbeddingRequest struct {
	Model string      `json:"model"`
	Input PromptField `json:"input"`
	User  string      `json:"user,omitempty"`
}

// ChatCompletionResponse is the non-streaming chat completion envelope.
type ChatCompletionResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Usage   backend.Usage  `json:"usage"`
}

// ChatChoice is one entry in ChatCompletionResponse.Choices. The engine
// only ever produces one choice per request (spec.md names no `n` param).
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      WireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE/WebSocket streaming delta.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
}

// ChatChunkChoice is one entry in ChatCompletionChunk.Choices.
type ChatChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChatDelta  `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatDelta carries the incremental content of one streaming chunk.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// CompletionResponse is the non-streaming legacy completion envelope.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   backend.Usage      `json:"usage"`
}

// CompletionChoice is one entry in CompletionResponse.Choices.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// EmbeddingResponse is the response envelope for POST /v1/embeddings.
type EmbeddingResponse struct {
	Object string             `json:"object"`
	Data   []EmbeddingDatum   `json:"data"`
	Model  string             `json:"model"`
	Usage  backend.Usage      `json:"usage"`
}

// EmbeddingDatum is one vector in EmbeddingResponse.Data.
type EmbeddingDatum struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// ModelList is the response envelope for GET /v1/models.
type ModelList struct {
	Object string          `json:"object"`
	Data   []ModelListItem `json:"data"`
}

// ModelListItem describes one model entry in ModelList.Data.
type ModelListItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// WSEnvelope is the typed WebSocket message envelope from spec.md §4.11:
// {type, id, data}, with types inference/start/token/complete/error/ping/
// pong/ack.
type WSEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data,omitempty"`
}

const (
	WSTypeInference = "inference"
	WSTypeStart     = "start"
	WSTypeToken     = "token"
	WSTypeComplete  = "complete"
	WSTypeError     = "error"
	WSTypePing      = "ping"
	WSTypePong      = "pong"
	WSTypeAck       = "ack"
)
