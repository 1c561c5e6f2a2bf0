// Package pool manages a dynamic set of background tasks, such as connection attempts,
// under a drain-first backpressure discipline.
//
// # Design highlights
//
//   - Task: a state machine that drives a Work (pending), then relays commands to an active
//     Handler (established), and reports lifecycle events to its Manager.
//   - Manager: allocates task IDs, forwards commands, receives events through one bounded
//     mailbox, and keeps a registry of live tasks.
//   - Work: polled once per drive cycle and never blocks. Ready completes on the first poll;
//     Blocking runs a blocking function on its own goroutine and wakes the task when it returns.
//   - Strategy: Pooled runs every task on an Executor (GoExecutor, WorkerPool); Cooperative
//     runs them on the Manager's goroutine while it is driven. A WorkerPool bounds drive
//     cycles, not live tasks: parked tasks give their worker back.
//   - Observability: slog logging, an optional OpenTelemetry span per task, and a
//     concurrency-safe Snapshot for ops handlers.
//
// # Lifecycle
//
//	m := pool.NewManager[string, *conn](pool.Pooled{Executor: pool.NewWorkerPool()})
//	id, _ := m.AddPending(pool.Blocking(dial), newConn())
//	for {
//		ev, err := m.Next(ctx)
//		if err != nil {
//			break
//		}
//		switch ev.Kind {
//		case pool.EventEstablished:
//			_ = m.SendCommand(ev.ID, "ping")
//		case pool.EventFailed:
//			// ev.Handler was never activated
//		}
//	}
//
// Every task ends with exactly one terminal event: EventFailed (the Work failed),
// EventError (the handler failed) or EventClosed (the task was canceled and has exited).
// The ID is removed from the registry at that point and is never reused.
//
// # Backpressure
//
// The mailbox holds at most WithMailboxCapacity events. A task that cannot send keeps its
// event and retries later; before every send attempt it drains all buffered commands, so a
// Manager blocked on a full command channel and a task blocked on a full mailbox can never
// wait on each other. SendCommand itself never blocks: it returns ErrCommandQueueFull.
//
// # Cancellation
//
// Cancel closes the task's command channel. The task cancels its Work context, closes its
// handler if it implements io.Closer, and exits. Close cancels all tasks; drive the Manager
// (or Run it) until it returns ErrClosed/nil to observe every EventClosed.
//
// There are no built-in timeouts; give a Blocking function a context.WithTimeout of its own.
package pool
