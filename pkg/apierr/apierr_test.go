package apierr

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteHTTPEmitsAllSixRateLimitHeaders(t *testing.T) {
	err := New(RateLimited, "rate exceeded").WithRateLimitHeaders(RateLimitHeaders{
		LimitRequests:     10,
		RemainingRequests: 0,
		ResetRequestsSecs: 5,
		LimitTokens:       1000,
		RemainingTokens:   200,
		ResetTokensSecs:   2,
	})

	rec := httptest.NewRecorder()
	WriteHTTP(rec, err)

	require.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit-Requests"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining-Requests"))
	require.Equal(t, "5", rec.Header().Get("X-RateLimit-Reset-Requests"))
	require.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit-Tokens"))
	require.Equal(t, "200", rec.Header().Get("X-RateLimit-Remaining-Tokens"))
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Reset-Tokens"))
}

func TestWriteHTTPOmitsTokenHeadersWhenBucketDisabled(t *testing.T) {
	err := New(RateLimited, "rate exceeded").WithRateLimitHeaders(RateLimitHeaders{
		LimitRequests:     10,
		RemainingRequests: 3,
		ResetRequestsSecs: 5,
	})

	rec := httptest.NewRecorder()
	WriteHTTP(rec, err)

	require.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit-Requests"))
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit-Tokens"))
	require.Empty(t, rec.Header().Get("X-RateLimit-Remaining-Tokens"))
	require.Empty(t, rec.Header().Get("X-RateLimit-Reset-Tokens"))
}

func TestWriteHTTPFallsBackToResetAfterWithoutRateLimitHeaders(t *testing.T) {
	err := New(RateLimited, "rate exceeded").WithResetAfter(30)

	rec := httptest.NewRecorder()
	WriteHTTP(rec, err)

	require.Equal(t, "30", rec.Header().Get("X-RateLimit-Reset-Requests"))
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit-Requests"))
}

func TestWriteHTTPOmitsRateLimitHeadersForNonRateLimitedErrors(t *testing.T) {
	err := New(InvalidRequest, "bad request")

	rec := httptest.NewRecorder()
	WriteHTTP(rec, err)

	require.Empty(t, rec.Header().Get("X-RateLimit-Reset-Requests"))
	require.Equal(t, 400, rec.Code)
}
