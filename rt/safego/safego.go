package safego

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go starts fn in a new goroutine, applying the configured panic handling.
func Go(ctx context.Context, fn func(context.Context), opts ...Option) {
	go Run(ctx, fn, opts...)
}

// Run executes fn synchronously, applying the configured panic handling.
func Run(ctx context.Context, fn func(context.Context), opts ...Option) {
	RunErr(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// RunErr executes fn synchronously, applying the configured panic/error handling.
//
// The error returned by fn is reported, not returned.
func RunErr(ctx context.Context, fn func(context.Context) error, opts ...Option) {
	if ctx == nil {
		ctx = context.Background()
	}

	c := config{panicPolicy: RecoverAndReport}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}

	defer c.runFinalizers(ctx)

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		c.reportPanic(ctx, PanicInfo{
			Name:  c.name,
			Attrs: cloneAttrs(c.attrs),
			Value: p,
			Stack: debug.Stack(),
		})
		if c.panicPolicy == RepanicAfterReport {
			panic(p)
		}
	}()

	err := fn(ctx)
	if err == nil {
		return
	}
	if !c.reportContextCancel && isContextCancel(err) {
		return
	}
	c.reportError(ctx, ErrorInfo{
		Name:  c.name,
		Attrs: cloneAttrs(c.attrs),
		Err:   err,
	})
}

func (c *config) runFinalizers(ctx context.Context) {
	for i := len(c.finally) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.reportPanic(ctx, PanicInfo{
						Name:  c.name,
						Attrs: cloneAttrs(c.attrs),
						Value: fmt.Sprintf("safego: finalizer panicked: %v", p),
						Stack: debug.Stack(),
					})
				}
			}()
			c.finally[i]()
		}()
	}
}

func (c *config) reportPanic(ctx context.Context, info PanicInfo) {
	if c.onPanic == nil {
		logPanic(ctx, c.log(), info)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logPanic(ctx, c.log(), PanicInfo{
				Name:  info.Name,
				Attrs: info.Attrs,
				Value: fmt.Sprintf("safego: panic handler panicked: %v", p),
				Stack: debug.Stack(),
			})
		}
	}()
	c.onPanic(ctx, info)
}

func (c *config) reportError(ctx context.Context, info ErrorInfo) {
	if c.onError == nil {
		logError(ctx, c.log(), info)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logPanic(ctx, c.log(), PanicInfo{
				Name:  info.Name,
				Attrs: info.Attrs,
				Value: fmt.Sprintf("safego: error handler panicked: %v", p),
				Stack: debug.Stack(),
			})
		}
	}()
	c.onError(ctx, info)
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]slog.Attr, len(attrs))
	copy(out, attrs)
	return out
}

func isContextCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
