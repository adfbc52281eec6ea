package responsecache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/fingerprint"
	"github.com/ringo380/inferno/pkg/metrics"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func fp(s string) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	copy(f[:], s)
	return f
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(testLog(), Config{})
	require.NoError(t, err)

	f := fp("a")
	ok := c.Put(f, backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "hello"})
	require.True(t, ok)

	entry, found := c.Get(context.Background(), f)
	require.True(t, found)
	require.Equal(t, "hello", entry.Completion.Text)
	require.Equal(t, int64(1), c.Stats().Hits)
}

func TestPutRejectsStreamingAndNonDeterministic(t *testing.T) {
	c, err := New(testLog(), Config{})
	require.NoError(t, err)

	require.False(t, c.Put(fp("a"), backend.InferenceParams{Stream: true}, backend.Completion{}))
	require.False(t, c.Put(fp("b"), backend.InferenceParams{Temperature: 0.7}, backend.Completion{}))
	require.Equal(t, int64(2), c.Stats().Rejected)
}

func TestPutRejectsOversizeEntry(t *testing.T) {
	c, err := New(testLog(), Config{MaxEntryBytes: 4})
	require.NoError(t, err)

	ok := c.Put(fp("a"), backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "way too long"})
	require.False(t, ok)
}

func TestExpiredEntryIsEvictedOnLookup(t *testing.T) {
	c, err := New(testLog(), Config{TTL: time.Millisecond})
	require.NoError(t, err)

	f := fp("a")
	require.True(t, c.Put(f, backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "x"}))
	time.Sleep(5 * time.Millisecond)

	_, found := c.Get(context.Background(), f)
	require.False(t, found)
	require.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMetricsTrackHitsMissesAndEvictions(t *testing.T) {
	mc := metrics.NewWithRegisterer(prometheus.NewRegistry())
	c, err := New(testLog(), Config{Shards: 1, PerShardCapacity: 1, Metrics: mc})
	require.NoError(t, err)

	_, found := c.Get(context.Background(), fp("missing"))
	require.False(t, found)
	require.Equal(t, float64(1), testutil.ToFloat64(mc.ResponseCacheMisses))

	a, b := fp("a"), fp("b")
	require.True(t, c.Put(a, backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "a-text"}))
	require.True(t, c.Put(b, backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "b-text"}))
	require.Equal(t, float64(1), testutil.ToFloat64(mc.ResponseCacheEvictions), "putting b should evict a under a 1-entry shard")

	_, found = c.Get(context.Background(), b)
	require.True(t, found)
	require.Equal(t, float64(1), testutil.ToFloat64(mc.ResponseCacheHits))
}

func TestDiskTierSurvivesMemoryEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(testLog(), Config{Shards: 1, PerShardCapacity: 1, DiskTier: dir})
	require.NoError(t, err)

	a, b := fp("a"), fp("b")
	require.True(t, c.Put(a, backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "a-text"}))
	require.True(t, c.Put(b, backend.InferenceParams{Temperature: 0}, backend.Completion{Text: "b-text"}))

	entry, found := c.Get(context.Background(), a)
	require.True(t, found)
	require.Equal(t, "a-text", entry.Completion.Text)
}
