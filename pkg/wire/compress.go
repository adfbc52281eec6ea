package wire

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Encoding identifies a negotiated content-encoding.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingGzip     Encoding = "gzip"
	EncodingDeflate  Encoding = "deflate"
	EncodingBrotli   Encoding = "br"
)

// NegotiateEncoding parses an Accept-Encoding header and returns the first
// encoding, in client-preference order, that also appears in allowed. An
// empty or unparsable header, or no overlap with allowed, yields identity.
// allowed is server-configurable (spec.md §4.11).
func NegotiateEncoding(acceptEncoding string, allowed []Encoding) Encoding {
	allowedSet := make(map[Encoding]bool, len(allowed))
	for _, e := range allowed {
		allowedSet[e] = true
	}
	if len(allowedSet) == 0 {
		return EncodingIdentity
	}

	for _, candidate := range parsePreferenceOrder(acceptEncoding) {
		if allowedSet[candidate] {
			return candidate
		}
	}
	return EncodingIdentity
}

// parsePreferenceOrder extracts encodings from an Accept-Encoding header in
// client-listed order, ignoring q-values beyond treating q=0 as excluded.
// This does not attempt full RFC 7231 q-value sorting since spec.md only
// requires "client-preference order", i.e. the order encodings are listed.
func parsePreferenceOrder(header string) []Encoding {
	var out []Encoding
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, params, _ := strings.Cut(part, ";")
		name = strings.TrimSpace(name)
		if strings.Contains(params, "q=0") && !strings.Contains(params, "q=0.") {
			continue
		}
		switch strings.ToLower(name) {
		case "gzip":
			out = append(out, EncodingGzip)
		case "deflate":
			out = append(out, EncodingDeflate)
		case "br":
			out = append(out, EncodingBrotli)
		case "identity", "*":
			out = append(out, EncodingIdentity)
		}
	}
	return out
}

// NewEncoder wraps w with a compressing writer for the given encoding, and
// sets the corresponding Content-Encoding header. Identity is a no-op.
func NewEncoder(w http.ResponseWriter, enc Encoding) (io.WriteCloser, error) {
	switch enc {
	case EncodingGzip:
		w.Header().Set("Content-Encoding", "gzip")
		return gzip.NewWriter(w), nil
	case EncodingDeflate:
		w.Header().Set("Content-Encoding", "deflate")
		return flate.NewWriter(w, flate.DefaultCompression)
	case EncodingBrotli:
		w.Header().Set("Content-Encoding", "br")
		return brotli.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
