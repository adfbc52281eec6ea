package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/request"
)

func chatReq(params backend.InferenceParams) request.Request {
	return request.Request{
		Kind:     request.KindChatCompletion,
		Model:    "m",
		Messages: []backend.ChatMessage{{Role: backend.RoleUser, Content: "hi"}},
		Params:   params,
	}
}

func TestValidDefaultsAccepted(t *testing.T) {
	require.Nil(t, Request(chatReq(backend.DefaultParams())))
}

func TestTemperatureOutOfRangeRejected(t *testing.T) {
	params := backend.DefaultParams()
	params.Temperature = 3.0
	err := Request(chatReq(params))
	require.NotNil(t, err)
	require.Equal(t, apierr.InvalidRequest, err.Kind)
	require.Equal(t, "temperature", err.Param)
}

func TestMaxTokensBoundaries(t *testing.T) {
	params := backend.DefaultParams()
	params.MaxTokens = 1
	require.Nil(t, Request(chatReq(params)))

	params.MaxTokens = 2_000_000
	require.Nil(t, Request(chatReq(params)))

	params.MaxTokens = 2_000_001
	err := Request(chatReq(params))
	require.NotNil(t, err)
	require.Equal(t, "max_tokens", err.Param)

	params.MaxTokens = 0
	require.NotNil(t, Request(chatReq(params)))
}

func TestStopBoundaries(t *testing.T) {
	params := backend.DefaultParams()
	params.Stop = []string{strings.Repeat("a", 32), "b", "c", "d"}
	require.Nil(t, Request(chatReq(params)))

	params.Stop = append(params.Stop, "e")
	err := Request(chatReq(params))
	require.NotNil(t, err)
	require.Equal(t, "stop", err.Param)

	params.Stop = []string{strings.Repeat("a", 33)}
	err = Request(chatReq(params))
	require.NotNil(t, err)
	require.Equal(t, "stop", err.Param)
}

func TestEmbeddingInputBoundaries(t *testing.T) {
	req := request.Request{Kind: request.KindEmbedding, Model: "m", Params: backend.DefaultParams()}

	req.Input = []string{strings.Repeat("x", 8000)}
	require.Nil(t, Request(req))

	req.Input = []string{strings.Repeat("x", 8001)}
	err := Request(req)
	require.NotNil(t, err)
	require.Equal(t, "input", err.Param)

	inputs := make([]string, 100)
	for i := range inputs {
		inputs[i] = "a"
	}
	req.Input = inputs
	require.Nil(t, Request(req))

	inputs = append(inputs, "b")
	req.Input = inputs
	err = Request(req)
	require.NotNil(t, err)
}

func TestNaNRejected(t *testing.T) {
	params := backend.DefaultParams()
	params.Temperature = nan()
	err := Request(chatReq(params))
	require.NotNil(t, err)
	require.Equal(t, "temperature", err.Param)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
