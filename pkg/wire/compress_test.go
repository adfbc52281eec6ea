package wire

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiateEncodingPicksFirstAllowedInClientOrder(t *testing.T) {
	got := NegotiateEncoding("br;q=1.0, gzip;q=0.8", []Encoding{EncodingGzip, EncodingBrotli})
	require.Equal(t, EncodingBrotli, got)
}

func TestNegotiateEncodingSkipsQZero(t *testing.T) {
	got := NegotiateEncoding("gzip;q=0, deflate", []Encoding{EncodingGzip, EncodingDeflate})
	require.Equal(t, EncodingDeflate, got)
}

func TestNegotiateEncodingDefaultsToIdentity(t *testing.T) {
	require.Equal(t, EncodingIdentity, NegotiateEncoding("", []Encoding{EncodingGzip}))
	require.Equal(t, EncodingIdentity, NegotiateEncoding("gzip", nil))
}

func TestNewEncoderSetsContentEncodingHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	wc, err := NewEncoder(rec, EncodingGzip)
	require.NoError(t, err)
	_, err = wc.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, wc.Close())
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestNewEncoderIdentityIsPassthrough(t *testing.T) {
	rec := httptest.NewRecorder()
	wc, err := NewEncoder(rec, EncodingIdentity)
	require.NoError(t, err)
	_, err = wc.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", rec.Body.String())
}
