// Package executor implements the inference executor (C10): the component
// that takes one dequeued request and drives it end to end through the
// response cache, model cache, flow controller, batcher, and timeout
// supervisor, emitting StreamFrames for the wire adapter to encode.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/batcher"
	"github.com/ringo380/inferno/pkg/fingerprint"
	"github.com/ringo380/inferno/pkg/flowcontrol"
	"github.com/ringo380/inferno/pkg/logging"
	"github.com/ringo380/inferno/pkg/metrics"
	"github.com/ringo380/inferno/pkg/modelcache"
	"github.com/ringo380/inferno/pkg/request"
	"github.com/ringo380/inferno/pkg/responsecache"
	"github.com/ringo380/inferno/pkg/timeoutsup"
)

// ModelResolver maps a requested model id to the metadata the model cache
// needs to load it (path, kind, context size, ...). In the full engine
// this is backed by a models directory scan; kept as an interface here so
// the executor has no filesystem dependency of its own.
type ModelResolver interface {
	Resolve(modelID string) (backend.Metadata, error)
}

// Executor wires C3/C4/C6(via caller)/C7/C8/C9/C13 together per spec.md
// §4.10's dequeue steps.
type Executor struct {
	log       logging.Logger
	models    *modelcache.Cache
	responses *responsecache.Cache
	resolver  ModelResolver
	metrics   *metrics.Collector

	batchCfg      batcher.Config
	flowCfg       flowControlConfig
	timeoutCfg    timeoutsup.Config
	moderateDelay time.Duration

	handleAcquireTimeout time.Duration

	// backendSem bounds concurrent calls into a loaded backend's Infer/
	// InferStream, independent of how many models are resident in the
	// model cache, mirroring the reference model-runner's pullTokens
	// semaphore around its own backend calls (spec.md §5).
	backendSem chan struct{}
}

type flowControlConfig struct {
	BufferCapacity int
	DropPolicy     flowcontrol.DropPolicy
}

// Config configures a new Executor.
type Config struct {
	BatchSize            int
	MaxWait              time.Duration
	BufferCapacity       int
	DropPolicy           flowcontrol.DropPolicy
	Timeouts             timeoutsup.Config
	HandleAcquireTimeout time.Duration

	// ModerateSlowdownDelay is how long RunStream pauses before emitting
	// each token while a stream's flow controller is in Moderate state,
	// the cooperative-slowdown behavior of spec.md §4.7. Defaults to 3ms.
	ModerateSlowdownDelay time.Duration

	// BlockingPoolSize bounds concurrent backend calls; callers derive it
	// from max_loaded_models * a configured multiplier (spec.md §5).
	BlockingPoolSize int
}

// New creates an Executor.
func New(log logging.Logger, models *modelcache.Cache, responses *responsecache.Cache, resolver ModelResolver, mc *metrics.Collector, cfg Config) *Executor {
	if cfg.HandleAcquireTimeout <= 0 {
		cfg.HandleAcquireTimeout = 10 * time.Second
	}
	if cfg.BlockingPoolSize <= 0 {
		cfg.BlockingPoolSize = 8
	}
	if cfg.ModerateSlowdownDelay <= 0 {
		cfg.ModerateSlowdownDelay = 3 * time.Millisecond
	}
	return &Executor{
		log:                  logging.Component(log, "executor"),
		models:               models,
		responses:            responses,
		resolver:             resolver,
		metrics:              mc,
		batchCfg:             batcher.Config{BatchSize: cfg.BatchSize, MaxWait: cfg.MaxWait},
		flowCfg:              flowControlConfig{BufferCapacity: cfg.BufferCapacity, DropPolicy: cfg.DropPolicy},
		timeoutCfg:           cfg.Timeouts,
		moderateDelay:        cfg.ModerateSlowdownDelay,
		handleAcquireTimeout: cfg.HandleAcquireTimeout,
		backendSem:           make(chan struct{}, cfg.BlockingPoolSize),
	}
}

// acquireBackend blocks until a backend call slot is free or ctx ends.
func (ex *Executor) acquireBackend(ctx context.Context) error {
	select {
	case ex.backendSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ex *Executor) releaseBackend() {
	<-ex.backendSem
}

func promptFor(req request.Request) string {
	switch req.Kind {
	case request.KindChatCompletion:
		var b []byte
		for _, m := range req.Messages {
			b = append(b, []byte(string(m.Role)+": "+m.Content+"\n")...)
		}
		return string(b)
	case request.KindCompletion:
		if len(req.Prompts) > 0 {
			return req.Prompts[0]
		}
		return ""
	default:
		return ""
	}
}

func fingerprintFor(kind backend.Kind, req request.Request) fingerprint.Fingerprint {
	switch req.Kind {
	case request.KindChatCompletion:
		return fingerprint.ChatCompletion(kind, fingerprint.ChatCompletionInput{Model: req.Model, Messages: req.Messages, Params: req.Params})
	case request.KindCompletion:
		return fingerprint.Completion(kind, fingerprint.CompletionInput{Model: req.Model, Prompt: req.Prompts, Params: req.Params})
	default:
		return fingerprint.Embedding(kind, fingerprint.EmbeddingInput{Model: req.Model, Input: req.Input})
	}
}

// RunNonStream executes steps 1-4/6 of spec.md §4.10 for a non-streaming
// request, returning the completion.
func (ex *Executor) RunNonStream(ctx context.Context, e *request.Entry) (backend.Completion, *apierr.Error) {
	start := time.Now()
	meta, err := ex.resolver.Resolve(e.Request.Model)
	if err != nil {
		return backend.Completion{}, apierr.Wrap(apierr.ModelNotFound, "model not found", err)
	}
	fp := fingerprintFor(meta.Kind, e.Request)

	if entry, hit := ex.responses.Get(ctx, fp); hit {
		ex.metrics.RequestsTotal.WithLabelValues("completion", "cache_hit").Inc()
		ex.metrics.RequestDuration.WithLabelValues("completion").Observe(time.Since(start).Seconds())
		return entry.Completion, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, ex.handleAcquireTimeout)
	defer cancel()
	handle, hErr := ex.models.Get(acquireCtx, e.Request.Model, meta)
	if hErr != nil {
		ex.metrics.RequestsTotal.WithLabelValues("completion", "error").Inc()
		if errors.Is(hErr, modelcache.ErrBusy) {
			return backend.Completion{}, apierr.New(apierr.RateLimited, "model is busy, try again shortly")
		}
		return backend.Completion{}, apierr.Wrap(apierr.InternalError, "failed to load model", hErr)
	}
	defer ex.models.Release(handle)

	if lockErr := handle.Lock(ctx); lockErr != nil {
		ex.metrics.RequestsTotal.WithLabelValues("completion", "cancelled").Inc()
		return backend.Completion{}, apierr.New(apierr.Cancelled, "request cancelled while waiting for model")
	}
	defer handle.Unlock()

	if semErr := ex.acquireBackend(ctx); semErr != nil {
		ex.metrics.RequestsTotal.WithLabelValues("completion", "cancelled").Inc()
		return backend.Completion{}, apierr.New(apierr.Cancelled, "request cancelled while waiting for a backend slot")
	}
	defer ex.releaseBackend()

	var comp backend.Completion
	var infErr error
	if e.Request.Kind == request.KindEmbedding {
		comp, infErr = embedToCompletion(ctx, handle.Backend(), e.Request.Input)
	} else {
		comp, infErr = handle.Backend().Infer(ctx, e.Request.Params, promptFor(e.Request))
	}
	if infErr != nil {
		ex.metrics.RequestsTotal.WithLabelValues("completion", "error").Inc()
		return backend.Completion{}, mapBackendError(infErr)
	}

	ex.responses.Put(fp, e.Request.Params, comp)
	ex.metrics.RequestsTotal.WithLabelValues("completion", "ok").Inc()
	ex.metrics.RequestDuration.WithLabelValues("completion").Observe(time.Since(start).Seconds())
	ex.metrics.TokensGenerated.WithLabelValues(e.Request.Model).Add(float64(comp.Usage.CompletionTokens))
	return comp, nil
}

// RunStream executes step 5 of spec.md §4.10: it drives backend streaming
// through the batcher and flow controller, emitting StreamFrames on the
// returned channel. The channel is closed once a terminal frame (Done or
// Error) has been sent.
func (ex *Executor) RunStream(ctx context.Context, e *request.Entry) <-chan request.StreamFrame {
	out := make(chan request.StreamFrame, 4)

	go func() {
		defer close(out)
		start := time.Now()

		meta, err := ex.resolver.Resolve(e.Request.Model)
		if err != nil {
			out <- errorFrame(apierr.Wrap(apierr.ModelNotFound, "model not found", err))
			return
		}

		acquireCtx, cancel := context.WithTimeout(ctx, ex.handleAcquireTimeout)
		defer cancel()
		handle, hErr := ex.models.Get(acquireCtx, e.Request.Model, meta)
		if hErr != nil {
			out <- errorFrame(apierr.Wrap(apierr.InternalError, "failed to load model", hErr))
			return
		}
		defer ex.models.Release(handle)

		if lockErr := handle.Lock(ctx); lockErr != nil {
			out <- errorFrame(apierr.New(apierr.Cancelled, "request cancelled while waiting for model"))
			return
		}
		defer handle.Unlock()

		sup := timeoutsup.New(ex.timeoutCfg)
		defer sup.Stop()

		runCtx, runCancel := context.WithCancel(ctx)
		defer runCancel()
		go func() {
			select {
			case <-sup.Done():
				runCancel()
			case <-runCtx.Done():
			}
		}()

		if semErr := ex.acquireBackend(runCtx); semErr != nil {
			out <- errorFrame(apierr.New(apierr.Cancelled, "request cancelled while waiting for a backend slot"))
			return
		}
		defer ex.releaseBackend()

		chunks, sErr := handle.Backend().InferStream(runCtx, e.Request.Params, promptFor(e.Request))
		if sErr != nil {
			out <- errorFrame(mapBackendError(sErr))
			return
		}

		fc := flowcontrol.New(ex.flowCfg.BufferCapacity, ex.flowCfg.DropPolicy)
		tokenCh := make(chan backend.Token, 8)
		batchOut := make(chan []backend.Token, 8)
		b := batcher.New(ex.batchCfg)
		go b.Run(tokenCh, batchOut)

		streamID := e.RequestID
		ex.metrics.StreamsActive.Inc()
		defer ex.metrics.StreamsActive.Dec()
		defer ex.metrics.BackpressureState.DeleteLabelValues(streamID)
		sup.OnExpire(func(timer string) { ex.metrics.TimeoutsTotal.WithLabelValues(timer).Inc() })

		out <- request.StreamFrame{Kind: request.FrameStart, ID: e.RequestID, Model: e.Request.Model, CreatedAt: start.Unix()}

		var finish backend.FinishReason = backend.FinishError
		var usage backend.Usage
		var streamErr error
		index := 0

		// fillLoop feeds every batched token into the flow controller,
		// blocking under Slowdown+Critical instead of dropping it, and
		// closes fc once production ends so emitLoop can stop cleanly.
		fillDone := make(chan struct{})
		go func() {
			defer close(fillDone)
			defer fc.Close()
			for batch := range batchOut {
				for _, tok := range batch {
					if err := fc.PushWait(runCtx, tok); err != nil {
						return
					}
				}
			}
		}()

		// emitLoop drains one token at a time as the transport is ready to
		// take it, so fc's buffer (not the out channel) absorbs a slow
		// consumer and the Moderate/Critical state machine reflects real
		// backpressure instead of producer batch size.
		emitDone := make(chan struct{})
		go func() {
			defer close(emitDone)
			for {
				tok, ok := fc.Next(runCtx)
				if !ok {
					return
				}
				if fc.State() == flowcontrol.Moderate {
					select {
					case <-time.After(ex.moderateDelay):
					case <-runCtx.Done():
						return
					}
				}
				ex.metrics.BackpressureState.WithLabelValues(streamID).Set(float64(fc.State()))
				out <- request.StreamFrame{Kind: request.FrameToken, Delta: tok.Text, Index: index}
				index++
				sup.OnTokenProduced()
				sup.OnFrameSent()
			}
		}()

	chunkLoop:
		for chunk := range chunks {
			if chunk.Token != nil {
				tokenCh <- *chunk.Token
			}
			if chunk.Result != nil {
				finish = chunk.Result.FinishReason
				usage = chunk.Result.Usage
				streamErr = chunk.Result.Err
				break chunkLoop
			}
		}
		close(tokenCh)
		<-fillDone
		<-emitDone
		if dropped := fc.Dropped(); dropped > 0 {
			ex.metrics.BackpressureDrops.WithLabelValues(streamID).Add(float64(dropped))
		}

		if streamErr != nil {
			ex.metrics.RequestsTotal.WithLabelValues("stream", "error").Inc()
			out <- errorFrame(mapBackendError(streamErr))
			return
		}

		ex.metrics.RequestsTotal.WithLabelValues("stream", string(finish)).Inc()
		ex.metrics.RequestDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		ex.metrics.TokensGenerated.WithLabelValues(e.Request.Model).Add(float64(usage.CompletionTokens))
		out <- request.StreamFrame{Kind: request.FrameDone, FinishReason: finish, Usage: usage}
	}()

	return out
}

// embedToCompletion runs a backend's Embed and folds the resulting vectors
// into a Completion whose Text carries the JSON-encoded [][]float32, since
// the cache and cache-fingerprinting plumbing only know how to carry a
// single Completion value through RunNonStream. The wire adapter decodes it
// back out when building the embeddings response envelope.
func embedToCompletion(ctx context.Context, be backend.Backend, input []string) (backend.Completion, error) {
	vectors, err := be.Embed(ctx, input)
	if err != nil {
		return backend.Completion{}, err
	}
	data, err := json.Marshal(vectors)
	if err != nil {
		return backend.Completion{}, err
	}
	usage := backend.Usage{PromptTokens: len(input), TotalTokens: len(input)}
	return backend.Completion{Text: string(data), FinishReason: backend.FinishStop, Usage: usage}, nil
}

func errorFrame(err *apierr.Error) request.StreamFrame {
	return request.StreamFrame{Kind: request.FrameError, ErrorKind: string(err.Kind), ErrorMessage: err.Message}
}

// mapBackendError translates a backend sentinel error into the closed API
// error taxonomy (C12's mapping, applied at the executor boundary per
// spec.md §4.1/§4.12).
func mapBackendError(err error) *apierr.Error {
	switch {
	case errors.Is(err, backend.ErrModelNotFound):
		return apierr.Wrap(apierr.ModelNotFound, "model not found", err)
	case errors.Is(err, backend.ErrCancelled):
		return apierr.Wrap(apierr.Cancelled, "request cancelled", err)
	case errors.Is(err, backend.ErrTimeout):
		return apierr.Wrap(apierr.Timeout, "inference timed out", err)
	case errors.Is(err, backend.ErrContextOverflow):
		return apierr.Wrap(apierr.InvalidRequest, "prompt exceeds model context window", err)
	case errors.Is(err, backend.ErrInsufficientMemory):
		return apierr.Wrap(apierr.InsufficientStorage, "insufficient memory to run model", err)
	case errors.Is(err, backend.ErrUnsupportedByModel), errors.Is(err, backend.ErrUnsupportedDevice):
		return apierr.Wrap(apierr.InvalidRequest, "operation not supported by this model", err)
	default:
		return apierr.Wrap(apierr.InternalError, "inference failed", err)
	}
}
