package httpx

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultTokenHeader is the header AccessGuard reads the token from.
const DefaultTokenHeader = "X-Access-Token"

// DenyReason describes why AccessGuard denied a request. It never contains the token.
type DenyReason string

const (
	DenyReasonTokenMissing    DenyReason = "token-missing"
	DenyReasonTokenAmbiguous  DenyReason = "token-ambiguous"
	DenyReasonTokenSetEmpty   DenyReason = "token-set-empty"
	DenyReasonTokenNotAllowed DenyReason = "token-not-allowed"
)

// AccessGuardOption configures AccessGuard.
type AccessGuardOption func(*accessGuardConfig)

type accessGuardConfig struct {
	header string
	logger *slog.Logger
}

// WithTokenHeader overrides DefaultTokenHeader. Blank names are ignored.
func WithTokenHeader(name string) AccessGuardOption {
	return func(c *accessGuardConfig) {
		if name = strings.TrimSpace(name); name != "" {
			c.header = name
		}
	}
}

// WithDenyLogger logs every denial at Warn with its reason.
func WithDenyLogger(l *slog.Logger) AccessGuardOption {
	return func(c *accessGuardConfig) { c.logger = l }
}

// AccessGuard returns a middleware that admits a request only if it carries exactly one
// token header whose value is in tokens. Blank tokens are ignored; an empty set denies all.
// Denied requests get 403.
func AccessGuard(tokens []string, opts ...AccessGuardOption) Middleware {
	cfg := accessGuardConfig{header: DefaultTokenHeader}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	var allowed [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			allowed = append(allowed, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			panic("httpx: nil next handler")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reason, ok := checkToken(r.Header.Values(cfg.header), allowed); !ok {
				if cfg.logger != nil {
					cfg.logger.Warn("access denied",
						"reason", string(reason),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", RequestIDFromRequest(r))
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkToken(values []string, allowed [][]byte) (DenyReason, bool) {
	if len(allowed) == 0 {
		return DenyReasonTokenSetEmpty, false
	}
	switch len(values) {
	case 0:
		return DenyReasonTokenMissing, false
	case 1:
	default:
		return DenyReasonTokenAmbiguous, false
	}
	got := []byte(strings.TrimSpace(values[0]))
	if len(got) == 0 {
		return DenyReasonTokenMissing, false
	}
	for _, want := range allowed {
		if subtle.ConstantTimeCompare(got, want) == 1 {
			return "", true
		}
	}
	return DenyReasonTokenNotAllowed, false
}
