package zpool

import (
	"log/slog"
	"net/http"

	"github.com/evan-idocoding/zpool/httpx"
	"github.com/evan-idocoding/zpool/ops"
)

// Admin paths served by NewAdmin.
const (
	PathPool       = "/pool"
	PathPoolCancel = "/pool/cancel"
	PathLogLevel   = "/log/level"
	PathHealthz    = "/healthz"
)

// AdminSpec configures NewAdmin.
//
// Assembly errors are fail-fast and will panic.
type AdminSpec struct {
	// Pool is required. It backs PathPool.
	Pool ops.PoolSnapshotter

	// Workers adds worker utilization to PathPool when non-nil.
	Workers ops.WorkerStats

	// LogLevelVar enables PathLogLevel when non-nil. Reads are open; POST is a write.
	LogLevelVar *slog.LevelVar

	// Cancel enables PathPoolCancel (a write) when non-nil.
	Cancel ops.CancelFunc

	// WriteTokens admit write requests via httpx.DefaultTokenHeader. Empty denies every
	// write (fail-closed).
	WriteTokens []string

	// Logger receives handler panics and denied writes. Default is slog.Default().
	Logger *slog.Logger

	// Format is the default response format. Default is ops.FormatText.
	Format ops.Format
}

// NewAdmin assembles the admin subtree: pool snapshot, task cancel, log level and a
// liveness probe, all behind request id and panic recovery.
func NewAdmin(spec AdminSpec) http.Handler {
	if spec.Pool == nil {
		panic("zpool: NewAdmin: nil Pool")
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	format := spec.Format

	base := httpx.Chain(httpx.RequestID(), httpx.Recover(httpx.WithRecoverLogger(logger)))
	guard := httpx.AccessGuard(spec.WriteTokens, httpx.WithDenyLogger(logger))

	mux := http.NewServeMux()
	mux.HandleFunc(PathHealthz, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	poolOpts := []ops.PoolOption{ops.WithPoolDefaultFormat(format)}
	if spec.Workers != nil {
		poolOpts = append(poolOpts, ops.WithPoolWorkers(spec.Workers))
	}
	mux.Handle(PathPool, ops.PoolSnapshotHandler(spec.Pool, poolOpts...))

	if spec.Cancel != nil {
		mux.Handle(PathPoolCancel, guard(ops.PoolCancelHandler(spec.Cancel, ops.WithPoolDefaultFormat(format))))
	}
	if spec.LogLevelVar != nil {
		h := ops.LogLevelHandler(spec.LogLevelVar, ops.WithLogLevelDefaultFormat(format))
		mux.Handle(PathLogLevel, guardWrites(guard, h))
	}

	return base.Handler(mux)
}

// guardWrites applies guard to every method except GET and HEAD.
func guardWrites(guard httpx.Middleware, h http.Handler) http.Handler {
	guarded := guard(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			h.ServeHTTP(w, r)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}
