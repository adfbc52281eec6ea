package wire

import (
	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/request"
)

// paramsFromChat builds backend.InferenceParams from a ChatCompletionRequest,
// applying the defaults from spec.md §6 for any field left unset.
func paramsFromChat(r ChatCompletionRequest) backend.InferenceParams {
	p := backend.DefaultParams()
	applyOverrides(&p, r.Temperature, r.TopP, r.TopK, r.MaxTokens, r.Stop, r.PresencePenalty, r.FrequencyPenalty, r.Stream)
	return p
}

func paramsFromCompletion(r CompletionRequest) backend.InferenceParams {
	p := backend.DefaultParams()
	applyOverrides(&p, r.Temperature, r.TopP, r.TopK, r.MaxTokens, r.Stop, r.PresencePenalty, r.FrequencyPenalty, r.Stream)
	return p
}

func applyOverrides(p *backend.InferenceParams, temp, topP *float64, topK, maxTokens *int, stop []string, presence, frequency *float64, stream bool) {
	if temp != nil {
		p.Temperature = *temp
	}
	if topP != nil {
		p.TopP = *topP
	}
	if topK != nil {
		p.TopK = *topK
	}
	if maxTokens != nil {
		p.MaxTokens = *maxTokens
	}
	if stop != nil {
		p.Stop = stop
	}
	if presence != nil {
		p.PresencePenalty = *presence
	}
	if frequency != nil {
		p.FrequencyPenalty = *frequency
	}
	p.Stream = stream
}

// toChatMessages converts the wire message list to the domain type.
func toChatMessages(msgs []WireMessage) []backend.ChatMessage {
	out := make([]backend.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = backend.ChatMessage{Role: backend.Role(m.Role), Content: m.Content, Name: m.Name}
	}
	return out
}

// ChatRequestToDomain converts a decoded ChatCompletionRequest into a
// request.Request ready for validation and admission.
func ChatRequestToDomain(r ChatCompletionRequest) request.Request {
	return request.Request{
		Kind:     request.KindChatCompletion,
		Model:    r.Model,
		Messages: toChatMessages(r.Messages),
		Params:   paramsFromChat(r),
		User:     r.User,
	}
}

// CompletionRequestToDomain converts a decoded CompletionRequest into a
// request.Request ready for validation and admission.
func CompletionRequestToDomain(r CompletionRequest) request.Request {
	return request.Request{
		Kind:    request.KindCompletion,
		Model:   r.Model,
		Prompts: []string(r.Prompt),
		Params:  paramsFromCompletion(r),
		User:    r.User,
	}
}

// EmbeddingRequestToDomain converts a decoded EmbeddingRequest into a
// request.Request ready for validation and admission.
func EmbeddingRequestToDomain(r EmbeddingRequest) request.Request {
	return request.Request{
		Kind:   request.KindEmbedding,
		Model:  r.Model,
		Input:  []string(r.Input),
		Params: backend.DefaultParams(),
		User:   r.User,
	}
}

// ChatResponseFromCompletion builds the non-streaming chat envelope from an
// executed completion.
func ChatResponseFromCompletion(id, model string, createdAt int64, comp backend.Completion) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdAt,
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      WireMessage{Role: string(backend.RoleAssistant), Content: comp.Text},
			FinishReason: string(comp.FinishReason),
		}},
		Usage: comp.Usage,
	}
}

// CompletionResponseFromCompletion builds the non-streaming legacy
// completion envelope from an executed completion.
func CompletionResponseFromCompletion(id, model string, createdAt int64, comp backend.Completion) CompletionResponse {
	return CompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: createdAt,
		Model:   model,
		Choices: []CompletionChoice{{Index: 0, Text: comp.Text, FinishReason: string(comp.FinishReason)}},
		Usage:   comp.Usage,
	}
}

// EmbeddingResponseFromVectors builds the embeddings response envelope.
func EmbeddingResponseFromVectors(model string, vectors [][]float32, usage backend.Usage) EmbeddingResponse {
	data := make([]EmbeddingDatum, len(vectors))
	for i, v := range vectors {
		data[i] = EmbeddingDatum{Object: "embedding", Embedding: v, Index: i}
	}
	return EmbeddingResponse{Object: "list", Data: data, Model: model, Usage: usage}
}

// ChunkFromFrame builds one SSE/WebSocket streaming chunk from a token
// frame. role is only set on the first chunk of a stream, matching the
// OpenAI wire convention.
func ChunkFromFrame(id, model string, createdAt int64, role, delta string, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdAt,
		Model:   model,
		Choices: []ChatChunkChoice{{
			Index:        0,
			Delta:        ChatDelta{Role: role, Content: delta},
			FinishReason: finishReason,
		}},
	}
}
