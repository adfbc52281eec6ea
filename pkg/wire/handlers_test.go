package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/executor"
	"github.com/ringo380/inferno/pkg/flowcontrol"
	"github.com/ringo380/inferno/pkg/metrics"
	"github.com/ringo380/inferno/pkg/modelcache"
	"github.com/ringo380/inferno/pkg/queue"
	"github.com/ringo380/inferno/pkg/request"
	"github.com/ringo380/inferno/pkg/responsecache"
	"github.com/ringo380/inferno/pkg/timeoutsup"
)

type echoBackend struct{ kind backend.Kind }

func (b *echoBackend) Kind() backend.Kind                                  { return b.kind }
func (b *echoBackend) Load(ctx context.Context, meta backend.Metadata) error { return nil }
func (b *echoBackend) Infer(ctx context.Context, params backend.InferenceParams, prompt string) (backend.Completion, error) {
	return backend.Completion{Text: "echo: " + prompt, FinishReason: backend.FinishStop, Usage: backend.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}, nil
}
func (b *echoBackend) InferStream(ctx context.Context, params backend.InferenceParams, prompt string) (<-chan backend.StreamChunk, error) {
	ch := make(chan backend.StreamChunk, 3)
	go func() {
		defer close(ch)
		ch <- backend.StreamChunk{Token: &backend.Token{Text: "he", Index: 0}}
		ch <- backend.StreamChunk{Token: &backend.Token{Text: "llo", Index: 1}}
		ch <- backend.StreamChunk{Result: &backend.StreamResult{FinishReason: backend.FinishStop, Usage: backend.Usage{CompletionTokens: 2, TotalTokens: 2}}}
	}()
	return ch, nil
}
func (b *echoBackend) Embed(ctx context.Context, input []string) ([][]float32, error) {
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}
func (b *echoBackend) Unload() {}

type stubResolver struct{}

func (stubResolver) Resolve(modelID string) (backend.Metadata, error) {
	return backend.Metadata{ID: modelID, Path: "/tmp/" + modelID, Kind: backend.KindGguf}, nil
}

type stubModelLister struct{}

func (stubModelLister) List() []ModelListItem {
	return []ModelListItem{{ID: "m1", Object: "model", OwnedBy: "local"}}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reg := backend.NewRegistry()
	reg.Register(backend.KindGguf, func() backend.Backend { return &echoBackend{kind: backend.KindGguf} })

	mc, err := modelcache.New(log, reg, modelcache.Config{MaxLoadedModels: 2, HandleAcquireTimeout: time.Second})
	require.NoError(t, err)
	rc, err := responsecache.New(log, responsecache.Config{})
	require.NoError(t, err)

	ex := executor.New(log, mc, rc, stubResolver{}, metrics.NewWithRegisterer(prometheus.NewRegistry()), executor.Config{
		BatchSize:      2,
		MaxWait:        20 * time.Millisecond,
		BufferCapacity: 16,
		DropPolicy:     flowcontrol.Slowdown,
		Timeouts:       timeoutsup.Config{Total: time.Minute, InterToken: time.Minute, Ack: time.Minute, KeepAlive: time.Minute},
	})

	q := queue.New(log, queue.Config{Capacity: 16, AgingThreshold: time.Second})

	s := NewServer(log, q, ex, stubModelLister{}, ServerConfig{
		AllowedEncodings: []Encoding{EncodingGzip},
		DefaultPriority:  request.PriorityNormal,
		DefaultTimeout:   5 * time.Second,
		Timeouts:         timeoutsup.Config{Total: time.Minute, InterToken: time.Minute, Ack: time.Minute, KeepAlive: time.Minute},
	})
	t.Cleanup(s.Close)
	return s
}

func TestHandleChatCompletionsNonStream(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "m1",
		Messages: []WireMessage{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Choices[0].Message.Content, "echo:")
}

func TestHandleChatCompletionsRejectsInvalidRequest(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(ChatCompletionRequest{Model: "m1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEmbeddings(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(EmbeddingRequest{Model: "m1", Input: PromptField{"hi"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, resp.Data[0].Embedding)
}

func TestHandleModels(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, "m1", list.Data[0].ID)
}

func TestHandleSSEStreamEmitsChunksAndDone(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "m1",
		Messages: []WireMessage{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/stream/sse", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "data: ")
	require.Contains(t, rec.Body.String(), "[DONE]")
}

func TestHandleSSEStreamGETEmitsChunksAndDone(t *testing.T) {
	s := newTestServer(t)
	messages, _ := json.Marshal([]WireMessage{{Role: "user", Content: "hi"}})

	q := url.Values{}
	q.Set("model", "m1")
	q.Set("messages", string(messages))

	req := httptest.NewRequest(http.MethodGet, "/v1/stream/sse?"+q.Encode(), nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "data: ")
	require.Contains(t, rec.Body.String(), "[DONE]")
}

func TestHandleSSEStreamGETRejectsMissingMessages(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/sse?model=m1", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSSEStreamGETRejectsMalformedNumericParam(t *testing.T) {
	s := newTestServer(t)
	messages, _ := json.Marshal([]WireMessage{{Role: "user", Content: "hi"}})

	q := url.Values{}
	q.Set("model", "m1")
	q.Set("messages", string(messages))
	q.Set("temperature", "not-a-number")

	req := httptest.NewRequest(http.MethodGet, "/v1/stream/sse?"+q.Encode(), nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleWebSocketInferenceRoundTrip(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	conn := dialWS(t, srv)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "m1",
		Messages: []WireMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "inference", "id": "req-1", "data": json.RawMessage(body)}))

	var kinds []string
	for i := 0; i < 4; i++ {
		var env WSEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		kinds = append(kinds, env.Type)
		if env.Type == WSTypeComplete {
			break
		}
	}
	require.Contains(t, kinds, WSTypeStart)
	require.Contains(t, kinds, WSTypeToken)
	require.Contains(t, kinds, WSTypeComplete)
}

func TestHandleWebSocketUnknownEnvelopeTypeReturnsError(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus", "id": "x"}))

	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, WSTypeError, env.Type)
}

func TestHandleWebSocketAckTimeoutCancelsStream(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reg := backend.NewRegistry()
	reg.Register(backend.KindGguf, func() backend.Backend { return &hangingBackend{} })

	mc, err := modelcache.New(log, reg, modelcache.Config{MaxLoadedModels: 2, HandleAcquireTimeout: time.Second})
	require.NoError(t, err)
	rc, err := responsecache.New(log, responsecache.Config{})
	require.NoError(t, err)

	ex := executor.New(log, mc, rc, stubResolver{}, metrics.NewWithRegisterer(prometheus.NewRegistry()), executor.Config{
		BatchSize:      2,
		MaxWait:        20 * time.Millisecond,
		BufferCapacity: 16,
		DropPolicy:     flowcontrol.Slowdown,
		Timeouts:       timeoutsup.Config{Total: time.Minute, InterToken: time.Minute, Ack: time.Minute, KeepAlive: time.Minute},
	})
	q := queue.New(log, queue.Config{Capacity: 16, AgingThreshold: time.Second})
	s := NewServer(log, q, ex, stubModelLister{}, ServerConfig{
		DefaultPriority: request.PriorityNormal,
		DefaultTimeout:  5 * time.Second,
		Timeouts:        timeoutsup.Config{Total: time.Minute, InterToken: time.Minute, Ack: 50 * time.Millisecond, KeepAlive: time.Minute},
	})
	t.Cleanup(s.Close)

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	conn := dialWS(t, srv)
	body, _ := json.Marshal(ChatCompletionRequest{
		Model:    "m1",
		Messages: []WireMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "inference", "id": "req-1", "data": json.RawMessage(body)}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	terminated := false
	for i := 0; i < 10; i++ {
		var env WSEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		if env.Type == WSTypeError || env.Type == WSTypeComplete {
			terminated = true
			break
		}
	}
	require.True(t, terminated, "expected the stream to terminate once the ack timer expired instead of hanging")
}

// hangingBackend never produces a token or a terminal result on its own; it
// only reacts to context cancellation, exercising the ack-timeout path
// without racing a real stream to completion first.
type hangingBackend struct{}

func (b *hangingBackend) Kind() backend.Kind                                  { return backend.KindGguf }
func (b *hangingBackend) Load(ctx context.Context, meta backend.Metadata) error { return nil }
func (b *hangingBackend) Infer(ctx context.Context, params backend.InferenceParams, prompt string) (backend.Completion, error) {
	<-ctx.Done()
	return backend.Completion{}, ctx.Err()
}
func (b *hangingBackend) InferStream(ctx context.Context, params backend.InferenceParams, prompt string) (<-chan backend.StreamChunk, error) {
	ch := make(chan backend.StreamChunk)
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}
func (b *hangingBackend) Embed(ctx context.Context, input []string) ([][]float32, error) {
	return nil, ctx.Err()
}
func (b *hangingBackend) Unload() {}
