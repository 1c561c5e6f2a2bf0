// Package httpx provides the small net/http middleware set used by the zpool admin surface.
//
// It intentionally does not provide a router.
//
// # Middleware chain
//
//	type Middleware func(http.Handler) http.Handler
//
// Chain(a, b, c).Handler(h) returns a(b(c(h))). Nil middlewares are ignored and a nil
// endpoint panics (assembly error). With derives a new chain without mutating the receiver:
//
//	base := httpx.Chain(httpx.RequestID(), httpx.Recover())
//	writes := base.With(httpx.AccessGuard(tokens))
//
// # Built-in middlewares
//
//   - RequestID: reuses a well-formed X-Request-ID or generates a UUID.
//   - Recover: reports handler panics through safego and answers 500.
//   - AccessGuard: static token allowlist read from X-Access-Token; fail-closed.
package httpx
