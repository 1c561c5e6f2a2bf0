package ops

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

type logLevelConfig struct {
	format Format
}

// LogLevelOption configures LogLevelHandler.
type LogLevelOption func(*logLevelConfig)

// WithLogLevelDefaultFormat sets the default response format. Default is FormatText.
func WithLogLevelDefaultFormat(f Format) LogLevelOption {
	return func(c *logLevelConfig) { c.format = f }
}

// LogLevelSnapshot is a point-in-time view of a slog.LevelVar.
type LogLevelSnapshot struct {
	// Level is one of debug/info/warn/error; custom levels are bucketed into the nearest
	// lower default.
	Level string `json:"level"`
	// LevelValue is the numeric slog level (Debug=-4, Info=0, Warn=4, Error=8).
	LevelValue int `json:"level_value"`
}

// LogLevel returns a snapshot of lv.
func LogLevel(lv *slog.LevelVar) LogLevelSnapshot {
	if lv == nil {
		return LogLevelSnapshot{}
	}
	l := lv.Level()
	return LogLevelSnapshot{Level: levelName(l), LevelValue: int(l)}
}

type logLevelResponse struct {
	OK    bool              `json:"ok"`
	Error string            `json:"error,omitempty"`
	Old   *LogLevelSnapshot `json:"old,omitempty"`
	Log   *LogLevelSnapshot `json:"log,omitempty"`
}

// LogLevelHandler returns a handler that reads (GET/HEAD) or sets (POST) lv.
//
// POST takes ?level=debug|info|warn|error (case-insensitive; "warning" and "err" are
// accepted) and reports both the old and the new level.
func LogLevelHandler(lv *slog.LevelVar, opts ...LogLevelOption) http.Handler {
	if lv == nil {
		panic("ops: nil slog.LevelVar")
	}
	cfg := logLevelConfig{format: FormatText}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.format = normalizeFormat(cfg.format)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			cur := LogLevel(lv)
			writeLogLevel(w, r, format, http.StatusOK, logLevelResponse{OK: true, Log: &cur})
		case http.MethodPost:
			raw, _ := getQuery(r, "level")
			l, ok := parseLevel(raw)
			if !ok {
				writeLogLevel(w, r, format, http.StatusBadRequest, logLevelResponse{
					Error: "invalid level (want one of: debug, info, warn, error)",
				})
				return
			}
			old := LogLevel(lv)
			lv.Set(l)
			cur := LogLevel(lv)
			writeLogLevel(w, r, format, http.StatusOK, logLevelResponse{OK: true, Old: &old, Log: &cur})
		default:
			w.Header().Set("Allow", "GET, HEAD, POST")
			writeLogLevel(w, r, format, http.StatusMethodNotAllowed, logLevelResponse{Error: "method not allowed"})
		}
	})
}

func writeLogLevel(w http.ResponseWriter, r *http.Request, f Format, code int, resp logLevelResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string {
		var lw lineWriter
		if resp.Old != nil {
			lw.line("log", "old_level", resp.Old.Level)
			lw.line("log", "old_level_value", strconv.Itoa(resp.Old.LevelValue))
		}
		lw.line("log", "level", resp.Log.Level)
		lw.line("log", "level_value", strconv.Itoa(resp.Log.LevelValue))
		return lw.String()
	})
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "err":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}
