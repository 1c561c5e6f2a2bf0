package safego

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

var stderrLogger = sync.OnceValue(func() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
})

func (c *config) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return stderrLogger()
}

func logPanic(ctx context.Context, l *slog.Logger, info PanicInfo) {
	attrs := make([]slog.Attr, 0, len(info.Attrs)+3)
	if info.Name != "" {
		attrs = append(attrs, slog.String("name", info.Name))
	}
	attrs = append(attrs, info.Attrs...)
	attrs = append(attrs, slog.Any("panic", info.Value))
	if len(info.Stack) > 0 {
		attrs = append(attrs, slog.String("stack", string(info.Stack)))
	}
	l.LogAttrs(ctx, slog.LevelError, "safego: panic", attrs...)
}

func logError(ctx context.Context, l *slog.Logger, info ErrorInfo) {
	attrs := make([]slog.Attr, 0, len(info.Attrs)+2)
	if info.Name != "" {
		attrs = append(attrs, slog.String("name", info.Name))
	}
	attrs = append(attrs, info.Attrs...)
	attrs = append(attrs, slog.Any("err", info.Err))
	l.LogAttrs(ctx, slog.LevelError, "safego: error", attrs...)
}
