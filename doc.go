// Package zpool hosts a pool.Manager as a runnable, shutdownable service with an
// operator-facing admin surface.
//
// The engine itself lives in rt/pool: tasks that first await a unit of work (a dial, a
// handshake) and then serve commands through a Handler, all reporting to one Manager over a
// bounded mailbox. This package adds the process-level assembly around it:
//
//   - NewService: builds the Manager (and a WorkerPool in pooled mode) from config.Config,
//     owns the driver goroutine, and marshals outside calls onto it via Do.
//   - NewAdmin: the admin subtree (pool snapshot, task cancel, log level, healthz) behind
//     request id, panic recovery and a token guard for writes.
//
// # Quick start
//
//	svc := zpool.NewService[string, *peer](zpool.ServiceSpec{Config: cfg, Logger: logger})
//	for range 8 {
//		_, _ = svc.Manager.AddPending(pool.Blocking(dial), &peer{})
//	}
//	err := svc.Run(ctx, func(ev pool.Event[*peer]) {
//		if ev.Kind == pool.EventEstablished {
//			_ = svc.Manager.SendCommand(ev.ID, "hello")
//		}
//	})
//
// Run drives the Manager until ctx ends or a signal (SIGINT/SIGTERM by default) arrives,
// then closes it, keeps delivering events while tasks end, and stops the WorkerPool and the
// admin server within the configured shutdown timeout.
//
// # Admin endpoints
//
//   - GET  /pool         snapshot (?state=pending|established|closing, ?format=json)
//   - POST /pool/cancel  cancel one task (?id=N)
//   - GET  /log/level    current level; POST ?level=debug|info|warn|error sets it
//   - GET  /healthz      liveness
//
// Writes require a token from config.AdminConfig.Tokens in the X-Access-Token header. With
// no tokens configured every write is denied.
package zpool
