package ops

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Format controls the response rendering format.
//
// This is shared across ops handlers that support multiple output formats.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

func normalizeFormat(f Format) Format {
	if f != FormatText && f != FormatJSON {
		return FormatText
	}
	return f
}

func formatFromRequest(r *http.Request, def Format) Format {
	if r == nil || r.URL == nil {
		return def
	}
	switch r.URL.Query().Get("format") {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		return def
	}
}

// writeResponse writes the common headers, then resp as JSON or the output of text.
// text is only called for successful responses; errors render as a single line.
func writeResponse(w http.ResponseWriter, r *http.Request, f Format, code int, resp any, errMsg string, text func() string) {
	w.Header().Set("Cache-Control", "no-store")
	if f == FormatJSON {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	if errMsg != "" {
		_, _ = w.Write([]byte(escapeTextField(errMsg) + "\n"))
		return
	}
	_, _ = w.Write([]byte(text()))
}

func getQuery(r *http.Request, name string) (string, bool) {
	if r == nil || r.URL == nil {
		return "", false
	}
	vs, ok := r.URL.Query()[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// escapeTextField escapes control characters so that text output stays one record per line
// and tab-separated.
func escapeTextField(s string) string {
	need := false
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '\\' || c < 0x20 {
			need = true
			break
		}
	}
	if !need {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		default:
			if c < 0x20 {
				const hex = "0123456789abcdef"
				b.WriteString(`\u00`)
				b.WriteByte(hex[c>>4])
				b.WriteByte(hex[c&0x0f])
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

// lineWriter renders "<section>\t<key>\t<value>\n" records.
type lineWriter struct {
	b strings.Builder
}

func (lw *lineWriter) line(fields ...string) {
	for i, f := range fields {
		if i > 0 {
			lw.b.WriteByte('\t')
		}
		lw.b.WriteString(f)
	}
	lw.b.WriteByte('\n')
}

func (lw *lineWriter) String() string { return lw.b.String() }
