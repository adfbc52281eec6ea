// Package modelcache implements the engine's model cache (C3): a
// thread-safe map from model id to loaded backend handle, with LRU
// eviction biased toward refcount-zero entries, optional warm-up, and
// optional disk persistence of cache metadata (never model weights).
//
// The LRU recency bookkeeping reuses hashicorp/golang-lru/v2's ordered
// cache rather than hand-rolling a linked list, the way the reference
// model-runner pulls in purpose-built ordered-map dependencies elsewhere
// in its stack; eviction itself stays custom because spec.md requires
// skipping any entry whose refcount is nonzero, which a stock LRU's
// capacity-triggered eviction cannot express.
package modelcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/logging"
	"github.com/ringo380/inferno/pkg/metrics"
)

// ErrBusy indicates that a load request timed out waiting for an eviction
// slot because every loaded model was in use (spec.md §4.3: "block the load
// request (with timeout) instead of evicting in-use models").
var ErrBusy = fmt.Errorf("model cache: no eviction slot available within timeout")

// Handle is a shared, clonable reference to a loaded backend instance,
// protected by an exclusive lock for the duration of one inference call
// (spec.md §3's ModelHandle). Acquire/Release implement the refcounting
// half; Lock/Unlock implement the per-handle exclusive call lock.
type Handle struct {
	id      string
	kind    backend.Kind
	backend backend.Backend
	meta    backend.Metadata

	mu       sync.Mutex // exclusive lock: held for one infer call, or the whole stream
	refCount atomic.Int32

	lastUsedAt atomic.Int64 // unix nanos
	useCount   atomic.Int64
}

// ID returns the model id this handle serves.
func (h *Handle) ID() string { return h.id }

// Backend returns the underlying backend implementation.
func (h *Handle) Backend() backend.Backend { return h.backend }

// Metadata returns the handle's load-time metadata.
func (h *Handle) Metadata() backend.Metadata { return h.meta }

// Lock acquires the handle's exclusive inference lock, honoring ctx
// cancellation while waiting.
func (h *Handle) Lock(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above will still acquire the lock eventually and
		// immediately be unlocked by nobody; to avoid leaking a held lock we
		// spawn a cleanup once it does acquire.
		go func() {
			<-done
			h.mu.Unlock()
		}()
		return ctx.Err()
	}
}

// Unlock releases the handle's exclusive inference lock.
func (h *Handle) Unlock() { h.mu.Unlock() }

func (h *Handle) acquire() {
	h.refCount.Add(1)
	h.lastUsedAt.Store(time.Now().UnixNano())
	h.useCount.Add(1)
}

func (h *Handle) release() {
	h.refCount.Add(-1)
}

// RefCount reports the handle's current reference count.
func (h *Handle) RefCount() int32 { return h.refCount.Load() }

// entry is the cache's bookkeeping record for one model id.
type entry struct {
	handle *Handle
}

// WarmEntry names a model to preload at startup, in priority order.
type WarmEntry struct {
	ModelID string
	Meta    backend.Metadata
}

// Cache owns loaded backends, keyed by model id (C3).
type Cache struct {
	log      logging.Logger
	registry *backend.Registry

	mu      sync.RWMutex // protects order and entries together
	order   *lru.Cache[string, *entry]
	entries map[string]*entry

	capacity       int
	evictWaitLimit time.Duration

	cacheDir        string
	persistEnabled  bool
	persistInterval time.Duration

	stopPersist chan struct{}
	persistWG   sync.WaitGroup

	metrics *metrics.Collector
}

// Config configures a new Cache.
type Config struct {
	MaxLoadedModels      int
	HandleAcquireTimeout time.Duration
	CacheDir             string
	PersistEnabled       bool
	PersistInterval      time.Duration

	// Metrics, if set, receives ModelsLoaded/ModelLoadTime/ModelEvicted
	// observations. Left nil, the cache runs unobserved.
	Metrics *metrics.Collector
}

// New creates an empty Cache.
func New(log logging.Logger, registry *backend.Registry, cfg Config) (*Cache, error) {
	if cfg.MaxLoadedModels < 1 {
		cfg.MaxLoadedModels = 4
	}
	order, err := lru.New[string, *entry](max(cfg.MaxLoadedModels*4, 16))
	if err != nil {
		return nil, fmt.Errorf("modelcache: building LRU order index: %w", err)
	}
	return &Cache{
		log:             logging.Component(log, "modelcache"),
		registry:        registry,
		order:           order,
		entries:         make(map[string]*entry),
		capacity:        cfg.MaxLoadedModels,
		evictWaitLimit:  cfg.HandleAcquireTimeout,
		cacheDir:        cfg.CacheDir,
		persistEnabled:  cfg.PersistEnabled,
		persistInterval: cfg.PersistInterval,
		stopPersist:     make(chan struct{}),
		metrics:         cfg.Metrics,
	}, nil
}

// observeLoadedLocked reports the current resident model count, if metrics
// are configured. Caller must hold c.mu.
func (c *Cache) observeLoadedLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.ModelsLoaded.Set(float64(len(c.entries)))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Get returns the handle for modelID, loading it on demand via meta if not
// already cached. Every call updates last-used-at and the usage counter
// (spec.md §4.3's access accounting), and increments the returned handle's
// refcount — callers must call Release when done.
func (c *Cache) Get(ctx context.Context, modelID string, meta backend.Metadata) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[modelID]; ok {
		e.handle.acquire()
		c.order.Add(modelID, e)
		c.mu.Unlock()
		return e.handle, nil
	}
	c.mu.Unlock()

	return c.load(ctx, modelID, meta)
}

// Release decrements a handle's refcount. It must be called exactly once
// per successful Get.
func (c *Cache) Release(h *Handle) {
	h.release()
}

func (c *Cache) load(ctx context.Context, modelID string, meta backend.Metadata) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[modelID]; ok {
		e.handle.acquire()
		c.order.Add(modelID, e)
		c.mu.Unlock()
		return e.handle, nil
	}

	if len(c.entries) >= c.capacity {
		if !c.evictLocked() {
			c.mu.Unlock()
			if ok := c.waitForSlot(ctx); !ok {
				return nil, ErrBusy
			}
			return c.load(ctx, modelID, meta)
		}
	}

	be, err := c.registry.New(meta.Kind)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	loadStart := time.Now()
	if err := be.Load(ctx, meta); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ModelLoadTime.WithLabelValues(string(meta.Kind)).Observe(time.Since(loadStart).Seconds())
	}

	h := &Handle{id: modelID, kind: meta.Kind, backend: be, meta: meta}
	h.acquire()

	c.mu.Lock()
	e := &entry{handle: h}
	c.entries[modelID] = e
	c.order.Add(modelID, e)
	c.observeLoadedLocked()
	c.mu.Unlock()

	c.log.Info("model loaded", "model_id", modelID, "kind", meta.Kind)
	return h, nil
}

// evictLocked attempts to evict the least-recently-used refcount-zero
// entry. Caller must hold c.mu. Returns true if an entry was evicted.
func (c *Cache) evictLocked() bool {
	for _, key := range c.order.Keys() {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if e.handle.RefCount() == 0 {
			e.handle.backend.Unload()
			delete(c.entries, key)
			c.order.Remove(key)
			c.observeLoadedLocked()
			if c.metrics != nil {
				c.metrics.ModelEvicted.WithLabelValues(string(e.handle.kind)).Inc()
			}
			c.log.Info("model evicted", "model_id", key)
			return true
		}
	}
	return false
}

// waitForSlot blocks (bounded by ctx and c.evictWaitLimit) until an
// eviction slot opens, polling because refcount transitions are not
// observable as a single channel without adding a broadcast mechanism to
// every handle.
func (c *Cache) waitForSlot(ctx context.Context) bool {
	deadline := time.Now().Add(c.evictWaitLimit)
	if c.evictWaitLimit <= 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.mu.Lock()
			if len(c.entries) < c.capacity {
				c.mu.Unlock()
				return true
			}
			freed := c.evictLocked()
			c.mu.Unlock()
			if freed {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// Unload explicitly removes modelID from the cache regardless of LRU order,
// provided its refcount is zero; in-flight requests holding the handle
// directly are unaffected since they hold their own reference.
func (c *Cache) Unload(modelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok || e.handle.RefCount() != 0 {
		return false
	}
	e.handle.backend.Unload()
	delete(c.entries, modelID)
	c.order.Remove(modelID)
	c.observeLoadedLocked()
	return true
}

// Swap hot-swaps the handle registered at modelID with a freshly loaded
// backend, per spec.md §4.3's hot-swap policy: in-flight requests on the
// old handle keep running against it (they hold their own *Handle
// reference), while new Get calls observe the new one immediately.
func (c *Cache) Swap(ctx context.Context, modelID string, meta backend.Metadata) (*Handle, error) {
	be, err := c.registry.New(meta.Kind)
	if err != nil {
		return nil, err
	}
	if err := be.Load(ctx, meta); err != nil {
		return nil, err
	}
	h := &Handle{id: modelID, kind: meta.Kind, backend: be, meta: meta}
	h.acquire()

	c.mu.Lock()
	c.entries[modelID] = &entry{handle: h}
	c.order.Add(modelID, c.entries[modelID])
	c.mu.Unlock()

	c.log.Info("model hot-swapped", "model_id", modelID)
	return h, nil
}

// Loaded returns the ids of every currently loaded model.
func (c *Cache) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of currently loaded models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Warmup preloads the given list in order. Failures are logged and
// non-fatal, per spec.md §4.3.
func (c *Cache) Warmup(ctx context.Context, list []WarmEntry) {
	for _, w := range list {
		if _, err := c.Get(ctx, w.ModelID, w.Meta); err != nil {
			c.log.Warn("warm-up failed", "model_id", w.ModelID, "error", err)
			continue
		}
		c.Release(c.mustPeek(w.ModelID))
	}
}

func (c *Cache) mustPeek(modelID string) *Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[modelID].handle
}

// snapshot is the persisted cache-state format: per-model metadata and
// usage stats (use count, last use). It does not include the warm list or
// any model weights.
type snapshot struct {
	SavedAt time.Time           `json:"saved_at"`
	Models  []snapshotModelInfo `json:"models"`
}

type snapshotModelInfo struct {
	ID         string          `json:"id"`
	Path       string          `json:"path"`
	Kind       backend.Kind    `json:"kind"`
	SizeBytes  int64           `json:"size_bytes"`
	UseCount   int64           `json:"use_count"`
	LastUsedAt time.Time       `json:"last_used_at"`
	Meta       backend.Metadata `json:"metadata"`
}

// Persist serializes cache metadata, gzip-compresses it, and writes it
// atomically (temp file + rename) to <cache_dir>/modelcache.snapshot.gz.
func (c *Cache) Persist() error {
	if c.cacheDir == "" {
		return nil
	}
	c.mu.RLock()
	snap := snapshot{SavedAt: time.Now()}
	for id, e := range c.entries {
		snap.Models = append(snap.Models, snapshotModelInfo{
			ID:         id,
			Path:       e.handle.meta.Path,
			Kind:       e.handle.kind,
			SizeBytes:  e.handle.meta.SizeBytes,
			UseCount:   e.handle.useCount.Load(),
			LastUsedAt: time.Unix(0, e.handle.lastUsedAt.Load()),
			Meta:       e.handle.meta,
		})
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("modelcache: marshaling snapshot: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("modelcache: compressing snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("modelcache: closing compressor: %w", err)
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return fmt.Errorf("modelcache: creating cache dir: %w", err)
	}
	path := filepath.Join(c.cacheDir, "modelcache.snapshot.gz")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed.Bytes(), 0o644); err != nil {
		return fmt.Errorf("modelcache: writing snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Restore reads a previously persisted snapshot and returns the model infos
// whose backing file still exists with a matching size, discarding stale
// entries per spec.md §4.3. It does not reload any backend; callers decide
// whether/when to re-warm.
func Restore(cacheDir string) ([]snapshotModelInfo, error) {
	path := filepath.Join(cacheDir, "modelcache.snapshot.gz")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("modelcache: reading snapshot: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("modelcache: decompressing snapshot: %w", err)
	}
	defer gz.Close()

	var snap snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("modelcache: decoding snapshot: %w", err)
	}

	var valid []snapshotModelInfo
	for _, m := range snap.Models {
		info, err := os.Stat(m.Path)
		if err != nil || info.Size() != m.SizeBytes {
			continue
		}
		valid = append(valid, m)
	}
	return valid, nil
}

// StartPeriodicPersist runs Persist on PersistInterval until Shutdown is called,
// matching spec.md §4.3's "written atomically on shutdown and at a fixed
// interval".
func (c *Cache) StartPeriodicPersist() {
	if !c.persistEnabled || c.persistInterval <= 0 {
		return
	}
	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		ticker := time.NewTicker(c.persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Persist(); err != nil {
					c.log.Warn("periodic cache persist failed", "error", err)
				}
			case <-c.stopPersist:
				return
			}
		}
	}()
}

// Shutdown stops periodic persistence and performs one final snapshot.
func (c *Cache) Shutdown() error {
	close(c.stopPersist)
	c.persistWG.Wait()
	if c.persistEnabled {
		return c.Persist()
	}
	return nil
}
