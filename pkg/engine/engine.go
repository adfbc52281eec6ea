// Package engine wires every component (C1-C13) into one process-wide
// instance: it owns the model cache, response cache, admission queue,
// executor, and wire adapter, and drives startup and graceful shutdown, in
// the same spirit as the reference model-runner's top-level manager that
// owns a single Service for the whole process.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/backend/gguf"
	"github.com/ringo380/inferno/pkg/backend/onnx"
	"github.com/ringo380/inferno/pkg/config"
	"github.com/ringo380/inferno/pkg/executor"
	"github.com/ringo380/inferno/pkg/logging"
	"github.com/ringo380/inferno/pkg/metrics"
	"github.com/ringo380/inferno/pkg/middleware"
	"github.com/ringo380/inferno/pkg/modelcache"
	"github.com/ringo380/inferno/pkg/queue"
	"github.com/ringo380/inferno/pkg/request"
	"github.com/ringo380/inferno/pkg/responsecache"
	"github.com/ringo380/inferno/pkg/timeoutsup"
	"github.com/ringo380/inferno/pkg/wire"
)

// Engine owns every long-lived component of the running server.
type Engine struct {
	log    logging.Logger
	cfg    config.Config
	models *modelDirectory

	modelCache    *modelcache.Cache
	responseCache *responsecache.Cache
	queue         *queue.Queue
	executor      *executor.Executor
	metrics       *metrics.Collector
	wireServer    *wire.Server

	httpServer *http.Server
}

// New builds every component and wires them together, but does not start
// listening; call Run for that. Returns an error if cfg is invalid or any
// component fails to construct.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	registry := backend.NewRegistry()
	registry.Register(backend.KindGguf, gguf.New)
	registry.Register(backend.KindOnnx, onnx.New)

	models := newModelDirectory(cfg.ModelsDir)

	mc := metrics.New()

	modelCache, err := modelcache.New(log, registry, modelcache.Config{
		MaxLoadedModels:      cfg.MaxLoadedModels,
		HandleAcquireTimeout: cfg.HandleAcquireTimeout,
		CacheDir:             cfg.CacheDir,
		PersistEnabled:       cfg.PersistCache,
		PersistInterval:      cfg.PersistInterval,
		Metrics:              mc,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building model cache: %w", err)
	}

	var diskTier string
	if cfg.ResponseCache.Enabled && cfg.PersistCache {
		diskTier = cfg.CacheDir
	}
	responseCache, err := responsecache.New(log, responsecache.Config{
		Shards:           cfg.ResponseCacheShards,
		PerShardCapacity: cfg.ResponseCache.MaxEntries / max1(cfg.ResponseCacheShards),
		TTL:              cfg.ResponseCache.TTL,
		MaxEntryBytes:    int(cfg.MaxCacheEntryBytes),
		DiskTier:         diskTier,
		Metrics:          mc,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building response cache: %w", err)
	}

	ex := executor.New(log, modelCache, responseCache, models, mc, executor.Config{
		BatchSize:      cfg.BatchSize,
		MaxWait:        cfg.MaxWait,
		BufferCapacity: cfg.BufferCapacity,
		DropPolicy:     flowDropPolicy(cfg.DropPolicy),
		Timeouts: timeoutsup.Config{
			Total:      cfg.RequestTimeout,
			InterToken: cfg.InterTokenTimeout,
			Ack:        cfg.AckTimeout,
			KeepAlive:  cfg.KeepAliveInterval,
		},
		HandleAcquireTimeout:  cfg.HandleAcquireTimeout,
		BlockingPoolSize:      cfg.MaxLoadedModels * cfg.BlockingPoolMultiplier,
		ModerateSlowdownDelay: cfg.ModerateSlowdownDelay,
	})

	burst := cfg.RateLimit.RequestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	tokenBurst := cfg.RateLimit.TokensPerMinute / 60
	if tokenBurst < 1 {
		tokenBurst = 1
	}
	q := queue.New(log, queue.Config{
		Capacity:        cfg.MaxQueued,
		DropPolicy:      queueDropPolicy(cfg.AdmissionPolicy),
		AgingThreshold:  cfg.AgingThreshold,
		RatePerSecond:   float64(cfg.RateLimit.RequestsPerMinute) / 60,
		RateBurst:       burst,
		TokensPerSecond: float64(cfg.RateLimit.TokensPerMinute) / 60,
		TokenBurst:      tokenBurst,
		DefaultDeadline: cfg.RequestTimeout,
		Metrics:         mc,
	})

	wireServer := wire.NewServer(log, q, ex, models, wire.ServerConfig{
		AllowedEncodings: allowedEncodings(cfg.AllowedCompressions),
		DefaultPriority:  request.PriorityNormal,
		DefaultTimeout:   cfg.RequestTimeout,
		Timeouts: timeoutsup.Config{
			Total:      cfg.RequestTimeout,
			InterToken: cfg.InterTokenTimeout,
			Ack:        cfg.AckTimeout,
			KeepAlive:  cfg.KeepAliveInterval,
		},
		Metrics: mc,
	})

	e := &Engine{
		log:           log,
		cfg:           cfg,
		models:        models,
		modelCache:    modelCache,
		responseCache: responseCache,
		queue:         q,
		executor:      ex,
		metrics:       mc,
		wireServer:    wireServer,
	}

	mux := http.NewServeMux()
	mux.Handle("/", wireServer.Routes())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /internal/status", e.handleStatus)
	mux.HandleFunc("POST /internal/cache/snapshot", e.handleCacheSnapshot)

	handler := middleware.Chain(mux,
		middleware.RequestID,
		func(next http.Handler) http.Handler { return middleware.Recover(log, next) },
		func(next http.Handler) http.Handler { return middleware.CORS(cfg.CORSOrigins, next) },
	)

	e.httpServer = &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: handler,
	}

	return e, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Run starts the model cache's background persistence loop (if enabled),
// warms up any configured models, and blocks serving HTTP until ctx is
// cancelled, at which point it performs a graceful drain shutdown per
// spec.md §9.
func (e *Engine) Run(ctx context.Context) error {
	e.modelCache.StartPeriodicPersist()
	go e.warmup(ctx)

	serveErr := make(chan error, 1)
	go func() {
		e.log.Info("engine listening", "address", e.cfg.ListenAddress)
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		return e.Shutdown(context.Background())
	case err := <-serveErr:
		return err
	}
}

// warmup resolves and preloads the configured warm-model list in priority
// order, per spec.md §4.3. Resolution failures (a configured id with no
// matching file) are logged and skipped, same as a load failure.
func (e *Engine) warmup(ctx context.Context) {
	if len(e.cfg.WarmModels) == 0 {
		return
	}
	var list []modelcache.WarmEntry
	for _, id := range e.cfg.WarmModels {
		meta, err := e.models.Resolve(id)
		if err != nil {
			e.log.Warn("warm-up model not found", "model_id", id, "error", err)
			continue
		}
		list = append(list, modelcache.WarmEntry{ModelID: id, Meta: meta})
	}
	e.modelCache.Warmup(ctx, list)
}

// Shutdown drains in-flight requests (bounded by ctx's deadline), stops the
// wire adapter's dispatch loop, and persists a final model cache snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.log.Info("engine shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpErr := e.httpServer.Shutdown(shutdownCtx)
	e.wireServer.Close()
	cacheErr := e.modelCache.Shutdown()

	if httpErr != nil {
		return fmt.Errorf("engine: shutting down http server: %w", httpErr)
	}
	if cacheErr != nil {
		return fmt.Errorf("engine: persisting model cache on shutdown: %w", cacheErr)
	}
	return nil
}

// Status summarizes the engine's current runtime state, served by
// GET /internal/status, which the enginectl status command queries.
type Status struct {
	LoadedModels []string `json:"loaded_models"`
	QueueDepth   int      `json:"queue_depth"`
}

// Snapshot returns the engine's current status.
func (e *Engine) Snapshot() Status {
	return Status{
		LoadedModels: e.modelCache.Loaded(),
		QueueDepth:   e.queue.Len(),
	}
}

// Metrics returns the engine's metrics collector, e.g. for tests that want
// to assert on counters directly.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// PersistCacheSnapshot triggers an out-of-band model cache snapshot write,
// used by the enginectl cache-snapshot command.
func (e *Engine) PersistCacheSnapshot() error {
	return e.modelCache.Persist()
}

// handleStatus serves GET /internal/status, the HTTP surface enginectl's
// status command queries against a running server, mirroring the reference
// model-runner CLI talking to its daemon over HTTP rather than reading
// in-process state directly.
func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(e.Snapshot())
}

// handleCacheSnapshot serves POST /internal/cache/snapshot, the HTTP surface
// enginectl's cache-snapshot command triggers.
func (e *Engine) handleCacheSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := e.PersistCacheSnapshot(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
