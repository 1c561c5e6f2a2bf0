package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/evan-idocoding/zpool/rt/safego"
)

// RecoverOption configures Recover.
type RecoverOption func(*recoverConfig)

type recoverConfig struct {
	logger *slog.Logger
}

// WithRecoverLogger sets the logger panics are reported to. Default is safego's stderr logger.
func WithRecoverLogger(l *slog.Logger) RecoverOption {
	return func(c *recoverConfig) { c.logger = l }
}

// Recover returns a middleware that recovers panics from downstream handlers, reports them
// through safego and keeps the server alive.
//
// http.ErrAbortHandler is re-panicked to preserve net/http semantics. If the response has
// not started, it writes 500.
func Recover(opts ...RecoverOption) Middleware {
	var cfg recoverConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			panic("httpx: nil next handler")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			var completed, abort bool
			safego.Run(r.Context(), func(context.Context) {
				defer func() {
					if p := recover(); p != nil {
						if p == http.ErrAbortHandler {
							abort = true
							return
						}
						panic(p)
					}
				}()
				next.ServeHTTP(sw, r)
				completed = true
			},
				safego.WithName("http "+r.Method+" "+r.URL.Path),
				safego.WithLogger(cfg.logger),
				safego.WithAttrs(slog.String("request_id", RequestIDFromRequest(r))),
			)
			switch {
			case abort:
				panic(http.ErrAbortHandler)
			case !completed && !sw.wroteHeader:
				http.Error(sw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

// statusWriter records whether the response has started.
type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
