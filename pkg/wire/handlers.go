package wire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/executor"
	"github.com/ringo380/inferno/pkg/logging"
	"github.com/ringo380/inferno/pkg/metrics"
	"github.com/ringo380/inferno/pkg/queue"
	"github.com/ringo380/inferno/pkg/request"
	"github.com/ringo380/inferno/pkg/timeoutsup"
	"github.com/ringo380/inferno/pkg/validate"
)

// maximumRequestBodyBytes bounds the size of any decoded JSON request body,
// read up front so a client write timeout never races the decoder.
const maximumRequestBodyBytes = 8 * 1024 * 1024

// ModelLister answers GET /v1/models.
type ModelLister interface {
	List() []ModelListItem
}

// dispatchResult carries whichever outcome a dequeued entry produced back to
// the HTTP/WebSocket goroutine that admitted it.
type dispatchResult struct {
	completion backend.Completion
	err        *apierr.Error
	frames     <-chan request.StreamFrame
}

// Server wires the wire adapter (C11) to the admission queue and executor,
// exposing the OpenAI-compatible HTTP surface. Routing follows the reference
// model-runner's hand-rolled http.ServeMux with Go 1.22+ method+path
// patterns rather than a third-party router.
//
// One background dispatch loop is the queue's sole consumer: it calls
// Dequeue and executes whatever entry comes back, then routes the result to
// that entry's own waiting goroutine via the pending map. This keeps
// Dequeue's priority/aging order meaningful even though many HTTP handler
// goroutines admit entries concurrently — without it, a handler that calls
// Dequeue itself could receive a different caller's entry.
type Server struct {
	log    logging.Logger
	queue  *queue.Queue
	exec   *executor.Executor
	models ModelLister

	allowedEncodings []Encoding
	defaultPriority  request.Priority
	defaultTimeout   time.Duration
	timeouts         timeoutsup.Config
	metrics          *metrics.Collector

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[*request.Entry]chan dispatchResult
}

// ServerConfig configures a new Server.
type ServerConfig struct {
	AllowedEncodings []Encoding
	DefaultPriority  request.Priority
	DefaultTimeout   time.Duration
	Timeouts         timeoutsup.Config

	// Metrics, if set, receives TimeoutsTotal observations for the
	// WebSocket ack timer. Left nil, the server runs unobserved.
	Metrics *metrics.Collector
}

// NewServer creates a Server, starts its background dispatch loop, and
// returns it. Callers apply middleware.Chain around Routes() themselves so
// the wire adapter stays agnostic of CORS/request-id/recovery policy.
func NewServer(log logging.Logger, q *queue.Queue, exec *executor.Executor, models ModelLister, cfg ServerConfig) *Server {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:              logging.Component(log, "wire"),
		queue:            q,
		exec:             exec,
		models:           models,
		allowedEncodings: cfg.AllowedEncodings,
		defaultPriority:  cfg.DefaultPriority,
		defaultTimeout:   cfg.DefaultTimeout,
		timeouts:         cfg.Timeouts,
		metrics:          cfg.Metrics,
		dispatchCtx:      ctx,
		dispatchCancel:   cancel,
		pending:          make(map[*request.Entry]chan dispatchResult),
	}
	go s.dispatchLoop()
	return s
}

// Close stops the background dispatch loop. Entries already admitted but
// not yet dequeued are left for the caller to drain or cancel via the
// queue directly.
func (s *Server) Close() {
	s.dispatchCancel()
}

func (s *Server) dispatchLoop() {
	for {
		e, ok := s.queue.Dequeue(s.dispatchCtx)
		if !ok {
			return
		}
		go s.execute(e)
	}
}

func (s *Server) execute(e *request.Entry) {
	s.pendingMu.Lock()
	ch := s.pending[e]
	delete(s.pending, e)
	s.pendingMu.Unlock()
	if ch == nil {
		// The admitting goroutine already gave up (client disconnected) and
		// removed its bookkeeping; nothing to deliver to.
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if e.Request.Params.Stream {
		ch <- dispatchResult{frames: s.exec.RunStream(runCtx, e)}
	} else {
		comp, aerr := s.exec.RunNonStream(runCtx, e)
		ch <- dispatchResult{completion: comp, err: aerr}
	}
	close(ch)
}

// admitAndDispatch validates req, admits it to the queue at the server's
// default priority, and blocks until the background dispatch loop has
// executed it (or ctx ends first, in which case the entry is cancelled and
// removed).
func (s *Server) admitAndDispatch(ctx context.Context, req request.Request, kind backend.Kind, principal string) (*request.Entry, dispatchResult, *apierr.Error) {
	if verr := validate.Request(req); verr != nil {
		return nil, dispatchResult{}, verr
	}

	id := logging.RequestID(ctx)
	e := request.NewEntry(id, req, kind, s.defaultPriority, s.defaultTimeout)

	resultCh := make(chan dispatchResult, 1)
	s.pendingMu.Lock()
	s.pending[e] = resultCh
	s.pendingMu.Unlock()

	if aerr := s.queue.Admit(e, principal); aerr != nil {
		s.pendingMu.Lock()
		delete(s.pending, e)
		s.pendingMu.Unlock()
		return nil, dispatchResult{}, aerr
	}

	select {
	case res := <-resultCh:
		return e, res, nil
	case <-ctx.Done():
		s.queue.Remove(e)
		s.pendingMu.Lock()
		delete(s.pending, e)
		s.pendingMu.Unlock()
		return nil, dispatchResult{}, apierr.New(apierr.Cancelled, "client disconnected while queued")
	}
}

// Routes returns the engine's full HTTP route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/stream/sse", s.handleSSEStream)
	mux.HandleFunc("GET /v1/stream/sse", s.handleSSEStreamGET)
	mux.HandleFunc("GET /ws/stream", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func readBody(w http.ResponseWriter, r *http.Request, v any) *apierr.Error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierr.New(apierr.InvalidRequest, "request body too large")
		}
		return apierr.New(apierr.InvalidRequest, "failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apierr.New(apierr.InvalidRequest, "malformed JSON body")
	}
	return nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wireReq ChatCompletionRequest
	if aerr := readBody(w, r, &wireReq); aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}

	if wireReq.Stream {
		s.streamChatViaSSE(w, r, wireReq)
		return
	}

	_, res, aerr := s.admitAndDispatch(r.Context(), ChatRequestToDomain(wireReq), backend.KindGguf, wireReq.User)
	if aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}
	if res.err != nil {
		apierr.WriteHTTP(w, res.err)
		return
	}

	resp := ChatResponseFromCompletion(logging.RequestID(r.Context()), wireReq.Model, time.Now().Unix(), res.completion)
	writeJSON(w, s.allowedEncodings, r.Header.Get("Accept-Encoding"), resp)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var wireReq CompletionRequest
	if aerr := readBody(w, r, &wireReq); aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}

	_, res, aerr := s.admitAndDispatch(r.Context(), CompletionRequestToDomain(wireReq), backend.KindGguf, wireReq.User)
	if aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}
	if res.err != nil {
		apierr.WriteHTTP(w, res.err)
		return
	}

	resp := CompletionResponseFromCompletion(logging.RequestID(r.Context()), wireReq.Model, time.Now().Unix(), res.completion)
	writeJSON(w, s.allowedEncodings, r.Header.Get("Accept-Encoding"), resp)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var wireReq EmbeddingRequest
	if aerr := readBody(w, r, &wireReq); aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}

	_, res, aerr := s.admitAndDispatch(r.Context(), EmbeddingRequestToDomain(wireReq), backend.KindGguf, wireReq.User)
	if aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}
	if res.err != nil {
		apierr.WriteHTTP(w, res.err)
		return
	}

	// Embeddings are not batched by the token batcher; the executor's
	// non-stream path folds the vectors into comp.Text as JSON, decoded back
	// out here since backend.Completion has no dedicated vector field.
	var vectors [][]float32
	if err := json.Unmarshal([]byte(res.completion.Text), &vectors); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.InternalError, "malformed embedding result", err))
		return
	}

	resp := EmbeddingResponseFromVectors(wireReq.Model, vectors, res.completion.Usage)
	writeJSON(w, s.allowedEncodings, r.Header.Get("Accept-Encoding"), resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := ModelList{Object: "list", Data: s.models.List()}
	writeJSON(w, s.allowedEncodings, r.Header.Get("Accept-Encoding"), list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, nil, "", map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, allowed []Encoding, acceptEncoding string, v any) {
	enc := NegotiateEncoding(acceptEncoding, allowed)
	w.Header().Set("Content-Type", "application/json")
	wc, err := NewEncoder(w, enc)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer wc.Close()
	_ = json.NewEncoder(wc).Encode(v)
}

// handleSSEStream services POST /v1/stream/sse: the request body is a chat
// completion request, always treated as streaming regardless of its
// "stream" field, per spec.md §6's dedicated SSE endpoint.
func (s *Server) handleSSEStream(w http.ResponseWriter, r *http.Request) {
	var wireReq ChatCompletionRequest
	if aerr := readBody(w, r, &wireReq); aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}
	wireReq.Stream = true
	s.streamChatViaSSE(w, r, wireReq)
}

// handleSSEStreamGET services GET /v1/stream/sse?...: the query-encoded
// variant of handleSSEStream, for clients such as the browser EventSource
// API that cannot attach a body to a GET request, per spec.md §6.
func (s *Server) handleSSEStreamGET(w http.ResponseWriter, r *http.Request) {
	wireReq, aerr := chatRequestFromQuery(r.URL.Query())
	if aerr != nil {
		apierr.WriteHTTP(w, aerr)
		return
	}
	wireReq.Stream = true
	s.streamChatViaSSE(w, r, wireReq)
}

// chatRequestFromQuery decodes a ChatCompletionRequest from URL query
// parameters. "messages" carries the JSON-encoded message array, the one
// field with no flat scalar representation; every other field is a plain
// query parameter named after its JSON tag.
func chatRequestFromQuery(q url.Values) (ChatCompletionRequest, *apierr.Error) {
	var req ChatCompletionRequest
	req.Model = q.Get("model")
	req.User = q.Get("user")

	if raw := q.Get("messages"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
			return req, apierr.New(apierr.InvalidRequest, "messages must be a JSON-encoded array of chat messages").WithParam("messages")
		}
	}
	if len(req.Messages) == 0 {
		return req, apierr.New(apierr.InvalidRequest, "messages is required").WithParam("messages")
	}
	if raw := q.Get("stop"); raw != "" {
		req.Stop = strings.Split(raw, ",")
	}

	var err *apierr.Error
	if req.Temperature, err = queryFloat(q, "temperature"); err != nil {
		return req, err
	}
	if req.TopP, err = queryFloat(q, "top_p"); err != nil {
		return req, err
	}
	if req.PresencePenalty, err = queryFloat(q, "presence_penalty"); err != nil {
		return req, err
	}
	if req.FrequencyPenalty, err = queryFloat(q, "frequency_penalty"); err != nil {
		return req, err
	}
	if req.TopK, err = queryInt(q, "top_k"); err != nil {
		return req, err
	}
	if req.MaxTokens, err = queryInt(q, "max_tokens"); err != nil {
		return req, err
	}
	return req, nil
}

func queryFloat(q url.Values, key string) (*float64, *apierr.Error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apierr.New(apierr.InvalidRequest, key+" must be a number").WithParam(key)
	}
	return &v, nil
}

func queryInt(q url.Values, key string) (*int, *apierr.Error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apierr.New(apierr.InvalidRequest, key+" must be an integer").WithParam(key)
	}
	return &v, nil
}

func (s *Server) streamChatViaSSE(w http.ResponseWriter, r *http.Request, wireReq ChatCompletionRequest) {
	sse, err := NewSSEWriter(w)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.InternalError, "streaming unsupported by this connection"))
		return
	}

	requestID := logging.RequestID(r.Context())
	_, res, aerr := s.admitAndDispatch(r.Context(), ChatRequestToDomain(wireReq), backend.KindGguf, wireReq.User)
	if aerr != nil {
		_ = sse.WriteEvent(aerr.Envelope())
		_ = sse.WriteDone()
		return
	}

	role := string(backend.RoleAssistant)
	for frame := range res.frames {
		switch frame.Kind {
		case request.FrameStart:
			continue
		case request.FrameToken:
			chunk := ChunkFromFrame(requestID, wireReq.Model, time.Now().Unix(), role, frame.Delta, nil)
			role = ""
			if err := sse.WriteEvent(chunk); err != nil {
				return
			}
		case request.FrameDone:
			reason := string(frame.FinishReason)
			chunk := ChunkFromFrame(requestID, wireReq.Model, time.Now().Unix(), "", "", &reason)
			_ = sse.WriteEvent(chunk)
			_ = sse.WriteDone()
			return
		case request.FrameError:
			apiErr := apierr.New(apierr.Kind(frame.ErrorKind), frame.ErrorMessage)
			_ = sse.WriteEvent(apiErr.Envelope())
			_ = sse.WriteDone()
			return
		}
	}
}

// ackRegistry lets the connection's single reader goroutine forward a
// client ack envelope to the right in-flight stream's ack timer without
// blocking on that stream's writes. Streams register under their envelope
// id for the duration of serveWebSocketInference and unregister on return.
type ackRegistry struct {
	mu       sync.Mutex
	handlers map[string]func()
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{handlers: make(map[string]func())}
}

func (r *ackRegistry) register(id string, onAck func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = onAck
}

func (r *ackRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

func (r *ackRegistry) notify(id string) {
	r.mu.Lock()
	onAck := r.handlers[id]
	r.mu.Unlock()
	if onAck != nil {
		onAck()
	}
}

// handleWebSocket services GET /ws/stream: the client sends one {type:
// "inference", data: <chat completion request>} envelope per request and
// receives start/token/complete/error envelopes back, matching spec.md
// §4.11/§6. Each inference runs in its own goroutine so the connection's
// reader keeps consuming ping/ack envelopes while a stream is in flight —
// gorilla/websocket permits one concurrent reader alongside one concurrent
// writer, and WSConn serializes writers itself.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	acks := newAckRegistry()
	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.Close()

	for {
		env, data, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		switch env.Type {
		case WSTypePing:
			_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypePong, ID: env.ID})
		case WSTypeAck:
			acks.notify(env.ID)
		case WSTypeInference:
			wg.Add(1)
			go func(id string, payload []byte) {
				defer wg.Done()
				s.serveWebSocketInference(r.Context(), conn, id, payload, acks)
			}(env.ID, data)
		default:
			_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeError, ID: env.ID, Data: apierr.New(apierr.InvalidRequest, "unknown envelope type").Envelope()})
		}
	}
}

// serveWebSocketInference drives one WebSocket inference request. A client
// that stops sending ack envelopes leaves its ack timer unreset; on expiry
// the timer cancels the entry so the stream terminates instead of hanging
// around a legacy or wedged client indefinitely (spec.md §9).
func (s *Server) serveWebSocketInference(ctx context.Context, conn *WSConn, id string, data []byte, acks *ackRegistry) {
	var wireReq ChatCompletionRequest
	if err := json.Unmarshal(data, &wireReq); err != nil {
		_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeError, ID: id, Data: apierr.New(apierr.InvalidRequest, "malformed inference envelope").Envelope()})
		return
	}
	wireReq.Stream = true

	e, res, aerr := s.admitAndDispatch(ctx, ChatRequestToDomain(wireReq), backend.KindGguf, wireReq.User)
	if aerr != nil {
		_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeError, ID: id, Data: aerr.Envelope()})
		return
	}

	ackTimeout := s.timeouts.Ack
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	ackTimer := time.AfterFunc(ackTimeout, func() {
		if s.metrics != nil {
			s.metrics.TimeoutsTotal.WithLabelValues("ack").Inc()
		}
		e.Cancel()
	})
	defer ackTimer.Stop()
	acks.register(id, func() { ackTimer.Reset(ackTimeout) })
	defer acks.unregister(id)

	for frame := range res.frames {
		switch frame.Kind {
		case request.FrameStart:
			_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeStart, ID: id, Data: map[string]any{
				"id": frame.ID, "model": frame.Model, "created": frame.CreatedAt,
			}})
		case request.FrameToken:
			_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeToken, ID: id, Data: map[string]any{
				"delta": frame.Delta, "index": frame.Index,
			}})
		case request.FrameDone:
			_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeComplete, ID: id, Data: map[string]any{
				"finish_reason": string(frame.FinishReason), "usage": frame.Usage,
			}})
		case request.FrameError:
			_ = conn.WriteEnvelope(WSEnvelope{Type: WSTypeError, ID: id, Data: apierr.New(apierr.Kind(frame.ErrorKind), frame.ErrorMessage).Envelope()})
		}
	}
}
