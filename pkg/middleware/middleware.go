// Package middleware provides the engine's HTTP middleware chain: CORS
// (adapted from the reference model-runner's origin-allowlist approach),
// request-id injection for log correlation, and panic recovery so a
// handler bug surfaces as a 500 instead of killing the server.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ringo380/inferno/pkg/apierr"
	"github.com/ringo380/inferno/pkg/logging"
)

// CORS handles CORS and OPTIONS preflight requests against an explicit
// allowlist of origins. A single "*" entry allows every origin. Unlike a
// permissive default, an empty allowedOrigins list allows none — callers
// must opt in explicitly via configuration.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowedSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowedSet[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		_, inSet := allowedSet[origin]
		allowed := allowAll || inSet

		if origin != "" && !allowed {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if origin != "" && allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			if origin == "" || !allowed {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type requestIDHeaderKey struct{}

// RequestID assigns a fresh request id (or reuses an inbound
// X-Request-Id) and attaches it to the request context via
// logging.WithRequestID, so every log line downstream carries it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logging.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recover catches a panic in the wrapped handler, logs it, and writes an
// InternalError response instead of letting the panic reach the server's
// top-level recovery (which would close the connection abruptly).
func Recover(log logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForRequest(r.Context(), log).Error("panic in handler", "recovered", rec)
				apierr.WriteHTTP(w, apierr.New(apierr.InternalError, "an internal error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Chain applies middlewares in order, so Chain(h, A, B) behaves as
// A(B(h)).
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
