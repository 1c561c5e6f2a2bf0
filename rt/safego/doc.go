// Package safego runs background functions so that their failures are observable.
//
// Errors and panics are not returned to the caller. They are passed to handlers when
// configured, and otherwise logged through log/slog (WithLogger, or a stderr text logger by
// default). This fits fire-and-forget goroutines such as pool executors.
//
// # Synchronous vs asynchronous
//
// Go starts a new goroutine. Run and RunErr execute synchronously, which is what an
// executor that manages its own goroutines wants:
//
//	wg.Add(1)
//	go func() {
//		defer wg.Done()
//		safego.Run(ctx, unit, safego.WithName("task-3"))
//	}()
//
// A nil ctx is treated as context.Background().
//
// # Error reporting
//
// context.Canceled and context.DeadlineExceeded are not reported unless
// WithReportContextCancel(true) is set; they are routine during shutdown.
//
// # Panic policy
//
// RecoverAndReport (the default) recovers and reports. RepanicAfterReport reports and then
// panics again with the same value. A PanicHandler replaces the log record, so callers that
// turn panics into errors of their own pass one.
//
// # Finalizers
//
// WithFinally functions always run, in LIFO order, including when the panic is rethrown.
// A panicking finalizer is reported and contained.
package safego
