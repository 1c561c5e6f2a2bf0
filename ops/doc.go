// Package ops provides small net/http handlers for operating a process that runs a
// pool.Manager.
//
// ops is designed to be mounted into your own routing tree. It intentionally:
//   - does not choose routing paths (mount it anywhere),
//   - does not do authn/authz decisions (protect it with your own middleware),
//   - does not start servers or manage process lifecycle.
//
// # Formats
//
// Every handler renders text by default. The default can be configured by options, and can
// be overridden per request by URL query:
//   - ?format=text
//   - ?format=json
//
// Text output is line-based and stable/greppable. JSON output is structured and suitable
// for tooling.
//
// # What ops provides
//
//   - pool: PoolSnapshotHandler (read), PoolCancelHandler (write)
//   - logging: LogLevelHandler (slog.LevelVar)
//
// # Security notes
//
// PoolCancelHandler and LogLevelHandler change process state. Mount them behind your own
// authentication/authorization middleware.
package ops
