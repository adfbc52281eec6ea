package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/metrics"
	"github.com/ringo380/inferno/pkg/request"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func entry(priority request.Priority) *request.Entry {
	return request.NewEntry("req-1", request.Request{Model: "m", Params: backend.DefaultParams()}, backend.KindGguf, priority, time.Minute)
}

func entryWithTokens(priority request.Priority, maxTokens int) *request.Entry {
	params := backend.DefaultParams()
	params.MaxTokens = maxTokens
	return request.NewEntry("req-1", request.Request{Model: "m", Params: params}, backend.KindGguf, priority, time.Minute)
}

func TestStrictPriorityDequeueOrder(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10})

	low := entry(request.PriorityLow)
	normal := entry(request.PriorityNormal)
	high := entry(request.PriorityHigh)

	require.Nil(t, q.Admit(low, "p1"))
	require.Nil(t, q.Admit(normal, "p1"))
	require.Nil(t, q.Admit(high, "p1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Same(t, high, first)

	second, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Same(t, normal, second)

	third, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Same(t, low, third)
}

func TestFullQueueRejectsByDefault(t *testing.T) {
	q := New(testLog(), Config{Capacity: 1})
	require.Nil(t, q.Admit(entry(request.PriorityLow), "p1"))

	err := q.Admit(entry(request.PriorityLow), "p1")
	require.NotNil(t, err)
	require.Equal(t, apierr.RateLimited, err.Kind)
}

func TestShedLowestMakesRoomForHigherPriority(t *testing.T) {
	q := New(testLog(), Config{Capacity: 1, DropPolicy: DropShedLowest})

	low := entry(request.PriorityLow)
	require.Nil(t, q.Admit(low, "p1"))

	high := entry(request.PriorityHigh)
	require.Nil(t, q.Admit(high, "p1"))

	require.Equal(t, 1, q.Len())
	select {
	case <-low.Done():
	default:
		t.Fatal("shed entry should have been cancelled")
	}
}

func TestAgingPromotesStarvedLowPriorityEntry(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10, AgingThreshold: 10 * time.Millisecond})

	low := entry(request.PriorityLow)
	require.Nil(t, q.Admit(low, "p1"))
	time.Sleep(20 * time.Millisecond)

	high := entry(request.PriorityHigh)
	require.Nil(t, q.Admit(high, "p1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Same(t, low, first, "aged low-priority entry must be promoted ahead of fresh high-priority one")
}

func TestRateLimitRejectsBurstAboveLimit(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10, RatePerSecond: 1, RateBurst: 1})

	require.Nil(t, q.Admit(entry(request.PriorityLow), "p1"))
	err := q.Admit(entry(request.PriorityLow), "p1")
	require.NotNil(t, err)
	require.Equal(t, apierr.RateLimited, err.Kind)
}

func TestTokenRateLimitRejectsRequestExceedingBudgetEvenUnderRequestLimit(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10, TokensPerSecond: 10, TokenBurst: 10})

	// Well within the request-rate bucket (unset, so unlimited), but the
	// single request alone asks for more tokens than the bucket holds.
	err := q.Admit(entryWithTokens(request.PriorityLow, 20), "p1")
	require.NotNil(t, err)
	require.Equal(t, apierr.RateLimited, err.Kind)
}

func TestTokenRateLimitAdmitsRequestWithinBudget(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10, TokensPerSecond: 100, TokenBurst: 100})

	err := q.Admit(entryWithTokens(request.PriorityLow, 20), "p1")
	require.Nil(t, err)
}

func TestRateLimitErrorIncludesRateLimitHeadersForBothBuckets(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10, RatePerSecond: 1, RateBurst: 1, TokensPerSecond: 100, TokenBurst: 100})

	require.Nil(t, q.Admit(entryWithTokens(request.PriorityLow, 20), "p1"))
	err := q.Admit(entry(request.PriorityLow), "p1")
	require.NotNil(t, err)
	require.NotNil(t, err.RateLimit)
	require.Equal(t, 1, err.RateLimit.LimitRequests)
	require.Equal(t, 0, err.RateLimit.RemainingRequests)
	require.Equal(t, 100, err.RateLimit.LimitTokens)
	require.Greater(t, err.RateLimit.RemainingTokens, 0)
}

func TestRateLimitErrorOmitsTokenHeadersWhenTokenLimitDisabled(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10, RatePerSecond: 1, RateBurst: 1})

	require.Nil(t, q.Admit(entry(request.PriorityLow), "p1"))
	err := q.Admit(entry(request.PriorityLow), "p1")
	require.NotNil(t, err)
	require.NotNil(t, err.RateLimit)
	require.Equal(t, 1, err.RateLimit.LimitRequests)
	require.Equal(t, 0, err.RateLimit.LimitTokens)
}

func TestMetricsTrackDepthRejectionsAndWaitTime(t *testing.T) {
	mc := metrics.NewWithRegisterer(prometheus.NewRegistry())
	q := New(testLog(), Config{Capacity: 1, Metrics: mc})

	require.Nil(t, q.Admit(entry(request.PriorityLow), "p1"))
	require.Equal(t, float64(1), testutil.ToFloat64(mc.QueueDepth.WithLabelValues(request.PriorityLow.String())))

	err := q.Admit(entry(request.PriorityLow), "p1")
	require.NotNil(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(mc.QueueRejected.WithLabelValues("queue_full")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, float64(0), testutil.ToFloat64(mc.QueueDepth.WithLabelValues(request.PriorityLow.String())))
}

func TestExpireDeadlinesRemovesStaleEntries(t *testing.T) {
	q := New(testLog(), Config{Capacity: 10})
	e := request.NewEntry("req-1", request.Request{Model: "m"}, backend.KindGguf, request.PriorityLow, time.Millisecond)
	require.Nil(t, q.Admit(e, "p1"))
	time.Sleep(5 * time.Millisecond)

	removed := q.ExpireDeadlines(time.Now())
	require.Equal(t, 1, removed)
	require.Equal(t, 0, q.Len())
}
