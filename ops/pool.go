package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evan-idocoding/zpool/rt/pool"
)

// PoolSnapshotter is implemented by *pool.Manager. Snapshot must be safe for concurrent use.
type PoolSnapshotter interface {
	Snapshot() pool.Snapshot
}

// WorkerStats is implemented by *pool.WorkerPool.
type WorkerStats interface {
	Workers() int
	Running() int
	Queued() int
	Parked() int
}

// CancelFunc cancels task id.
//
// A pool.Manager is owned by one goroutine, so CancelFunc is expected to hand the request
// to that goroutine and wait for the result (or for ctx).
type CancelFunc func(ctx context.Context, id pool.TaskID) error

type poolOpsConfig struct {
	format  Format
	workers WorkerStats
}

// PoolOption configures pool ops handlers.
type PoolOption func(*poolOpsConfig)

// WithPoolDefaultFormat sets the default response format for pool handlers.
//
// This default can be overridden per request by URL query:
//   - ?format=json
//   - ?format=text
//
// Default is FormatText.
func WithPoolDefaultFormat(f Format) PoolOption {
	return func(c *poolOpsConfig) { c.format = f }
}

// WithPoolWorkers adds worker utilization to PoolSnapshotHandler output.
func WithPoolWorkers(ws WorkerStats) PoolOption {
	return func(c *poolOpsConfig) { c.workers = ws }
}

func applyPoolOptions(opts []PoolOption) poolOpsConfig {
	cfg := poolOpsConfig{format: FormatText}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.format = normalizeFormat(cfg.format)
	return cfg
}

type poolTask struct {
	ID    uint64    `json:"id"`
	Name  string    `json:"name"`
	State string    `json:"state"`
	Added time.Time `json:"added"`
	Since time.Time `json:"since"`
}

type poolWorkers struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
	Parked  int `json:"parked"`
}

type poolView struct {
	Manager string `json:"manager"`
	Name    string `json:"name,omitempty"`
	Mode    string `json:"mode"`
	Closed  bool   `json:"closed"`

	Added       uint64 `json:"added"`
	Established uint64 `json:"established"`
	Failed      uint64 `json:"failed"`
	Errored     uint64 `json:"errored"`
	Canceled    uint64 `json:"canceled"`
	Live        int    `json:"live"`

	Workers *poolWorkers `json:"workers,omitempty"`
	Tasks   []poolTask   `json:"tasks,omitempty"`
}

type poolSnapshotResponse struct {
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	Pool  *poolView `json:"pool,omitempty"`
}

// PoolSnapshotHandler returns a handler that outputs a pool manager snapshot.
//
// Behavior:
//   - GET/HEAD only; other methods return 405.
//   - Optional ?state=pending|established|closing lists only tasks in that state.
//     Counters are never filtered.
//   - The response format can be overridden per request by URL query (?format=json|text).
func PoolSnapshotHandler(src PoolSnapshotter, opts ...PoolOption) http.Handler {
	if src == nil {
		panic("ops: nil PoolSnapshotter")
	}
	cfg := applyPoolOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writePoolSnapshot(w, r, format, http.StatusMethodNotAllowed, poolSnapshotResponse{Error: "method not allowed"})
			return
		}

		state := ""
		if raw, ok := getQuery(r, "state"); ok {
			state = strings.ToLower(strings.TrimSpace(raw))
			switch state {
			case "pending", "established", "closing":
			default:
				writePoolSnapshot(w, r, format, http.StatusBadRequest, poolSnapshotResponse{
					Error: "invalid state (want one of: pending, established, closing)",
				})
				return
			}
		}

		v := toPoolView(src.Snapshot(), state)
		if cfg.workers != nil {
			v.Workers = &poolWorkers{
				Limit:   cfg.workers.Workers(),
				Running: cfg.workers.Running(),
				Queued:  cfg.workers.Queued(),
				Parked:  cfg.workers.Parked(),
			}
		}
		writePoolSnapshot(w, r, format, http.StatusOK, poolSnapshotResponse{OK: true, Pool: &v})
	})
}

func toPoolView(s pool.Snapshot, state string) poolView {
	v := poolView{
		Manager:     s.Manager,
		Name:        s.Name,
		Mode:        s.Mode,
		Closed:      s.Closed,
		Added:       s.Added,
		Established: s.Established,
		Failed:      s.Failed,
		Errored:     s.Errored,
		Canceled:    s.Canceled,
		Live:        len(s.Tasks),
	}
	for _, st := range s.Tasks {
		if state != "" && st.State.String() != state {
			continue
		}
		v.Tasks = append(v.Tasks, poolTask{
			ID:    uint64(st.ID),
			Name:  st.ID.String(),
			State: st.State.String(),
			Added: st.Added,
			Since: st.Since,
		})
	}
	return v
}

func writePoolSnapshot(w http.ResponseWriter, r *http.Request, f Format, code int, resp poolSnapshotResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string { return renderPoolText(resp.Pool) })
}

func renderPoolText(v *poolView) string {
	// Stable and greppable:
	//   pool\t<key>\t<value>\n
	//   task\t<name>\t<field>\t<value>\n
	var lw lineWriter
	lw.line("pool", "manager", v.Manager)
	if v.Name != "" {
		lw.line("pool", "name", escapeTextField(v.Name))
	}
	lw.line("pool", "mode", v.Mode)
	lw.line("pool", "closed", strconv.FormatBool(v.Closed))
	lw.line("pool", "added", strconv.FormatUint(v.Added, 10))
	lw.line("pool", "established", strconv.FormatUint(v.Established, 10))
	lw.line("pool", "failed", strconv.FormatUint(v.Failed, 10))
	lw.line("pool", "errored", strconv.FormatUint(v.Errored, 10))
	lw.line("pool", "canceled", strconv.FormatUint(v.Canceled, 10))
	lw.line("pool", "live", strconv.Itoa(v.Live))
	if v.Workers != nil {
		lw.line("workers", "limit", strconv.Itoa(v.Workers.Limit))
		lw.line("workers", "running", strconv.Itoa(v.Workers.Running))
		lw.line("workers", "queued", strconv.Itoa(v.Workers.Queued))
		lw.line("workers", "parked", strconv.Itoa(v.Workers.Parked))
	}
	for _, t := range v.Tasks {
		lw.line("task", t.Name, "state", t.State)
		lw.line("task", t.Name, "added", t.Added.Format(time.RFC3339Nano))
		lw.line("task", t.Name, "since", t.Since.Format(time.RFC3339Nano))
	}
	return lw.String()
}

type poolCancelResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	ID    uint64 `json:"id,omitempty"`
}

// PoolCancelHandler returns a handler that cancels one task.
//
// Input:
//   - POST only
//   - URL query: ?id=<n> or ?id=task-<n>
//
// Output:
//   - 200 if the cancellation was issued (the task ends asynchronously)
//   - 404 if the task is not live, 503 if the manager is closed
//   - 408 if the request context ends first
func PoolCancelHandler(cancel CancelFunc, opts ...PoolOption) http.Handler {
	if cancel == nil {
		panic("ops: nil CancelFunc")
	}
	cfg := applyPoolOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writePoolCancel(w, r, format, http.StatusMethodNotAllowed, poolCancelResponse{Error: "method not allowed"})
			return
		}

		raw, _ := getQuery(r, "id")
		id, ok := parseTaskID(raw)
		if !ok {
			writePoolCancel(w, r, format, http.StatusBadRequest, poolCancelResponse{Error: "missing or invalid id"})
			return
		}

		if err := cancel(r.Context(), id); err != nil {
			writePoolCancel(w, r, format, mapCancelErrorToStatus(err), poolCancelResponse{
				Error: err.Error(),
				ID:    uint64(id),
			})
			return
		}
		writePoolCancel(w, r, format, http.StatusOK, poolCancelResponse{OK: true, ID: uint64(id)})
	})
}

func parseTaskID(s string) (pool.TaskID, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "task-")
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return pool.TaskID(n), true
}

func mapCancelErrorToStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writePoolCancel(w http.ResponseWriter, r *http.Request, f Format, code int, resp poolCancelResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string {
		var lw lineWriter
		lw.line("task_cancel", pool.TaskID(resp.ID).String(), "ok", "true")
		return lw.String()
	})
}
