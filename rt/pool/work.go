package pool

import (
	"context"
	"fmt"

	"github.com/evan-idocoding/zpool/rt/safego"
)

// Work is the pending operation a task drives to completion (for example, a dial attempt).
//
// Poll is called on the task's drive path once per drive cycle while the task is pending,
// and must not block. While the operation is in progress it returns done=false, after
// arranging for wake to be called (from any goroutine) when another poll can make progress.
// Once done, err is the outcome: nil establishes the task, non-nil fails it. A non-nil err
// counts as done. Poll is not called again after that.
//
// ctx is canceled when the task is canceled; Work that started background activity should
// stop it then. A Work value drives a single task.
type Work interface {
	Poll(ctx context.Context, wake func()) (done bool, err error)
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context, wake func()) (done bool, err error)

// Poll calls f(ctx, wake).
func (f WorkFunc) Poll(ctx context.Context, wake func()) (bool, error) { return f(ctx, wake) }

// Ready returns Work that completes with err on its first poll, in the same drive cycle.
func Ready(err error) Work {
	return WorkFunc(func(context.Context, func()) (bool, error) { return true, err })
}

// Blocking returns Work that runs fn on its own goroutine, started by the first poll.
//
// fn may block; it should return promptly once ctx is canceled. There is no built-in
// timeout. Wrap fn with context.WithTimeout if one is needed.
func Blocking(fn func(ctx context.Context) error) Work {
	if fn == nil {
		panic("pool: Blocking called with nil func")
	}
	return &blockingWork{fn: fn}
}

type blockingWork struct {
	fn     func(ctx context.Context) error
	result chan error // nil until started
}

func (w *blockingWork) Poll(ctx context.Context, wake func()) (bool, error) {
	if w.result == nil {
		res := make(chan error, 1)
		w.result = res
		fn := w.fn
		safego.Go(ctx, func(ctx context.Context) {
			res <- guard(ctx, "work", fn)
		}, safego.WithName("blocking work"), safego.WithFinally(wake))
	}
	select {
	case err := <-w.result:
		return true, err
	default:
		return false, nil
	}
}

// guard calls fn through safego and returns its error. A panic is returned as an error
// wrapping ErrPanicked.
func guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	safego.RunErr(ctx, fn,
		safego.WithName(name),
		safego.WithReportContextCancel(true),
		safego.WithErrorHandler(func(_ context.Context, info safego.ErrorInfo) {
			err = info.Err
		}),
		safego.WithPanicHandler(func(_ context.Context, info safego.PanicInfo) {
			err = fmt.Errorf("%w: %s: %v", ErrPanicked, info.Name, info.Value)
		}),
	)
	return err
}
