// Package validate enforces the request schema and parameter ranges from
// spec.md §4.5 (C5), rejecting the first violation found with a typed
// InvalidRequest error.
package validate

import (
	"math"
	"strings"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/request"
)

const (
	maxPromptArrayLen  = 64
	maxEmbeddingInputs = 100
	maxEmbeddingChars  = 8000
	maxStopItems       = 4
	maxStopItemLen     = 32
	minStopItemLen     = 1
)

var allowedRoles = map[backend.Role]bool{
	backend.RoleSystem:    true,
	backend.RoleUser:      true,
	backend.RoleAssistant: true,
	backend.RoleTool:      true,
}

// Request validates req against the rules in spec.md §4.5, returning the
// first violation as an *apierr.Error{Kind: InvalidRequest}.
func Request(req request.Request) *apierr.Error {
	if strings.TrimSpace(req.Model) == "" {
		return apierr.New(apierr.InvalidRequest, "model is required").WithParam("model")
	}

	switch req.Kind {
	case request.KindChatCompletion:
		if err := validateMessages(req.Messages); err != nil {
			return err
		}
	case request.KindCompletion:
		if err := validatePrompts(req.Prompts); err != nil {
			return err
		}
	case request.KindEmbedding:
		if err := validateEmbeddingInput(req.Input); err != nil {
			return err
		}
	}

	return validateParams(req.Params)
}

func validateMessages(messages []backend.ChatMessage) *apierr.Error {
	if len(messages) == 0 {
		return apierr.New(apierr.InvalidRequest, "messages must not be empty").WithParam("messages")
	}
	for _, m := range messages {
		if !allowedRoles[m.Role] {
			return apierr.Newf(apierr.InvalidRequest, "invalid message role %q", m.Role).WithParam("messages")
		}
	}
	return nil
}

func validatePrompts(prompts []string) *apierr.Error {
	if len(prompts) == 0 {
		return apierr.New(apierr.InvalidRequest, "prompt must not be empty").WithParam("prompt")
	}
	if len(prompts) > maxPromptArrayLen {
		return apierr.Newf(apierr.InvalidRequest, "prompt array must have at most %d elements", maxPromptArrayLen).WithParam("prompt")
	}
	for _, p := range prompts {
		if p == "" {
			return apierr.New(apierr.InvalidRequest, "prompt elements must not be empty").WithParam("prompt")
		}
	}
	return nil
}

func validateEmbeddingInput(input []string) *apierr.Error {
	if len(input) == 0 {
		return apierr.New(apierr.InvalidRequest, "input must not be empty").WithParam("input")
	}
	if len(input) > maxEmbeddingInputs {
		return apierr.Newf(apierr.InvalidRequest, "input must have at most %d elements", maxEmbeddingInputs).WithParam("input")
	}
	for _, s := range input {
		if s == "" {
			return apierr.New(apierr.InvalidRequest, "input elements must not be empty").WithParam("input")
		}
		if len(s) > maxEmbeddingChars {
			return apierr.Newf(apierr.InvalidRequest, "input elements must be at most %d characters", maxEmbeddingChars).WithParam("input")
		}
	}
	return nil
}

func validateParams(p backend.InferenceParams) *apierr.Error {
	if isNaNOrInf(p.Temperature) {
		return apierr.New(apierr.InvalidRequest, "temperature must not be NaN or Inf").WithParam("temperature")
	}
	if p.Temperature < 0.0 || p.Temperature > 2.0 {
		return apierr.New(apierr.InvalidRequest, "temperature must be between 0.0 and 2.0").WithParam("temperature")
	}
	if isNaNOrInf(p.TopP) {
		return apierr.New(apierr.InvalidRequest, "top_p must not be NaN or Inf").WithParam("top_p")
	}
	if p.TopP < 0.0 || p.TopP > 1.0 {
		return apierr.New(apierr.InvalidRequest, "top_p must be between 0.0 and 1.0").WithParam("top_p")
	}
	if p.TopK < 1 || p.TopK > 100 {
		return apierr.New(apierr.InvalidRequest, "top_k must be between 1 and 100").WithParam("top_k")
	}
	if p.MaxTokens < 1 || p.MaxTokens > 2_000_000 {
		return apierr.New(apierr.InvalidRequest, "max_tokens must be between 1 and 2000000").WithParam("max_tokens")
	}
	if len(p.Stop) > maxStopItems {
		return apierr.Newf(apierr.InvalidRequest, "stop must have at most %d items", maxStopItems).WithParam("stop")
	}
	for _, s := range p.Stop {
		if len(s) < minStopItemLen || len(s) > maxStopItemLen {
			return apierr.Newf(apierr.InvalidRequest, "each stop item must be %d..=%d characters", minStopItemLen, maxStopItemLen).WithParam("stop")
		}
	}
	if isNaNOrInf(p.PresencePenalty) || p.PresencePenalty < -2.0 || p.PresencePenalty > 2.0 {
		return apierr.New(apierr.InvalidRequest, "presence_penalty must be between -2.0 and 2.0").WithParam("presence_penalty")
	}
	if isNaNOrInf(p.FrequencyPenalty) || p.FrequencyPenalty < -2.0 || p.FrequencyPenalty > 2.0 {
		return apierr.New(apierr.InvalidRequest, "frequency_penalty must be between -2.0 and 2.0").WithParam("frequency_penalty")
	}
	return nil
}

func isNaNOrInf(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
