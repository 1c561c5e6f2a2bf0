package httpx

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// DefaultRequestIDHeader is the header used for request id propagation.
const DefaultRequestIDHeader = "X-Request-ID"

const maxIncomingRequestIDLen = 128

type requestIDKey struct{}

// RequestID returns a middleware that ensures each request has a request id.
//
// A single, well-formed incoming X-Request-ID is reused; otherwise a random UUID is
// generated. The id is stored in the request context and echoed in the response header.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		if next == nil {
			panic("httpx: nil next handler")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if vs := r.Header.Values(DefaultRequestIDHeader); len(vs) == 1 && validRequestID(vs[0]) {
				id = vs[0]
			}
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(DefaultRequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// RequestIDFromRequest returns the request id of r, or "" if there is none.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := RequestIDFromContext(r.Context())
	return id
}

// validRequestID accepts printable ASCII without spaces, to keep ids safe for headers and
// logs.
func validRequestID(s string) bool {
	if s == "" || len(s) > maxIncomingRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
