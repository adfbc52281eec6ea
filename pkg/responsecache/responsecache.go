// Package responsecache implements the engine's response cache (C4): a
// sharded, TTL-bounded map from request fingerprint to completed inference
// result, used to short-circuit deterministic repeat requests.
//
// Sharding follows the reference model-runner's preference for per-shard
// locks over one global mutex wherever a component sees concurrent,
// independently-keyed traffic; each shard carries its own LRU via
// hashicorp/golang-lru/v2 and its own sync.RWMutex, so lookups for
// different fingerprints never contend.
package responsecache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/fingerprint"
	"github.com/ringo380/inferno/pkg/logging"
	"github.com/ringo380/inferno/pkg/metrics"
)

const defaultShardCount = 32

// Entry is one cached response. The cache never stores partially streamed
// responses: only a completion whose write-policy checks (spec.md §4.4) all
// passed is ever inserted.
type Entry struct {
	Completion backend.Completion
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Config configures a new Cache.
type Config struct {
	Shards           int
	PerShardCapacity int
	TTL              time.Duration
	MaxEntryBytes    int

	// DiskTier, when non-empty, is a directory where every stored entry is
	// also written as a zstd-compressed blob, consulted on a memory miss
	// before falling through to recomputation.
	DiskTier string

	// Metrics, if set, receives ResponseCacheHits/Misses/Evictions
	// observations. Left nil, the cache runs unobserved.
	Metrics *metrics.Collector
}

// Stats reports atomic cache counters, matching spec.md §7's
// hit/miss/eviction accounting surfaced to the metrics collector (C13).
type Stats struct {
	Hits      int64
	Misses    int64
	Stores    int64
	Evictions int64
	Rejected  int64
}

type shard struct {
	mu  sync.RWMutex
	lru *lru.Cache[fingerprint.Fingerprint, *Entry]
}

// Cache is the sharded response cache.
type Cache struct {
	log    logging.Logger
	shards []*shard
	ttl    time.Duration
	maxLen int

	diskTier *diskTier

	hits      atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64
	rejected  atomic.Int64

	metrics *metrics.Collector
}

func (c *Cache) observeHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.ResponseCacheHits.Inc()
	}
}

func (c *Cache) observeMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.ResponseCacheMisses.Inc()
	}
}

func (c *Cache) observeEviction() {
	c.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.ResponseCacheEvictions.Inc()
	}
}

// New creates a Cache with the given configuration.
func New(log logging.Logger, cfg Config) (*Cache, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShardCount
	}
	if cfg.PerShardCapacity <= 0 {
		cfg.PerShardCapacity = 256
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 64 * 1024
	}

	c := &Cache{
		log:     logging.Component(log, "responsecache"),
		shards:  make([]*shard, cfg.Shards),
		ttl:     cfg.TTL,
		maxLen:  cfg.MaxEntryBytes,
		metrics: cfg.Metrics,
	}
	for i := range c.shards {
		l, err := lru.New[fingerprint.Fingerprint, *Entry](cfg.PerShardCapacity)
		if err != nil {
			return nil, err
		}
		c.shards[i] = &shard{lru: l}
	}
	if cfg.DiskTier != "" {
		dt, err := newDiskTier(cfg.DiskTier)
		if err != nil {
			return nil, err
		}
		c.diskTier = dt
	}
	return c, nil
}

func (c *Cache) shardFor(fp fingerprint.Fingerprint) *shard {
	// The fingerprint is already a uniformly distributed cryptographic hash
	// (blake3), so its first byte alone is a sound shard selector.
	return c.shards[int(fp[0])%len(c.shards)]
}

// Get returns the cached entry for fp, if present and unexpired. An expired
// entry is evicted eagerly on lookup.
func (c *Cache) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool) {
	s := c.shardFor(fp)
	s.mu.Lock()
	e, ok := s.lru.Get(fp)
	if ok {
		if time.Now().After(e.ExpiresAt) {
			s.lru.Remove(fp)
			s.mu.Unlock()
			c.observeEviction()
			c.observeMiss()
			return nil, false
		}
		s.mu.Unlock()
		c.observeHit()
		return e, true
	}
	s.mu.Unlock()

	if c.diskTier != nil {
		if entry, ok := c.diskTier.load(fp); ok && time.Now().Before(entry.ExpiresAt) {
			c.observeHit()
			s.mu.Lock()
			s.lru.Add(fp, entry)
			s.mu.Unlock()
			return entry, true
		}
	}

	c.observeMiss()
	return nil, false
}

// Put inserts comp under fp, provided req is eligible under the write
// policy (spec.md §4.4: non-stream, deterministic params, size within
// MaxEntryBytes). It reports whether the entry was actually stored.
func (c *Cache) Put(fp fingerprint.Fingerprint, params backend.InferenceParams, comp backend.Completion) bool {
	if params.Stream {
		c.rejected.Add(1)
		return false
	}
	if !params.Deterministic() {
		c.rejected.Add(1)
		return false
	}
	if len(comp.Text) > c.maxLen {
		c.rejected.Add(1)
		return false
	}

	now := time.Now()
	entry := &Entry{Completion: comp, StoredAt: now, ExpiresAt: now.Add(c.ttl)}

	s := c.shardFor(fp)
	s.mu.Lock()
	evicted := s.lru.Add(fp, entry)
	s.mu.Unlock()
	if evicted {
		c.observeEviction()
	}
	c.stores.Add(1)

	if c.diskTier != nil {
		if err := c.diskTier.store(fp, entry); err != nil {
			c.log.Warn("disk tier store failed", "error", err)
		}
	}
	return true
}

// Purge removes every entry, e.g. on an explicit admin cache-clear.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// Stats returns a point-in-time snapshot of the cache's atomic counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
		Rejected:  c.rejected.Load(),
	}
}

// diskTier writes every stored entry through to disk as zstd-compressed
// gob-free JSON blobs, named by hex fingerprint, avoiding any dependency on
// a particular on-disk schema surviving process restarts beyond the TTL
// window already enforced in memory.
type diskTier struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newDiskTier(dir string) (*diskTier, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &diskTier{dir: dir, encoder: enc, decoder: dec}, nil
}

func (d *diskTier) path(fp fingerprint.Fingerprint) string {
	return d.dir + "/" + fingerprintHex(fp) + ".rcache"
}

func (d *diskTier) store(fp fingerprint.Fingerprint, e *Entry) error {
	data, err := marshalEntry(e)
	if err != nil {
		return err
	}
	compressed := d.encoder.EncodeAll(data, nil)
	return atomicWriteFile(d.path(fp), compressed)
}

func (d *diskTier) load(fp fingerprint.Fingerprint) (*Entry, bool) {
	data, err := readFile(d.path(fp))
	if err != nil {
		return nil, false
	}
	decompressed, err := d.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, false
	}
	e, err := unmarshalEntry(decompressed)
	if err != nil {
		return nil, false
	}
	return e, true
}

func fingerprintHex(fp fingerprint.Fingerprint) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(fp)*2)
	for i, b := range fp {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

func atomicWriteFile(path string, data []byte) error {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

type diskEntry struct {
	Text         string              `json:"text"`
	FinishReason backend.FinishReason `json:"finish_reason"`
	Usage        backend.Usage       `json:"usage"`
	StoredAt     time.Time           `json:"stored_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

func marshalEntry(e *Entry) ([]byte, error) {
	return json.Marshal(diskEntry{
		Text:         e.Completion.Text,
		FinishReason: e.Completion.FinishReason,
		Usage:        e.Completion.Usage,
		StoredAt:     e.StoredAt,
		ExpiresAt:    e.ExpiresAt,
	})
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var d diskEntry
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &Entry{
		Completion: backend.Completion{Text: d.Text, FinishReason: d.FinishReason, Usage: d.Usage},
		StoredAt:   d.StoredAt,
		ExpiresAt:  d.ExpiresAt,
	}, nil
}
