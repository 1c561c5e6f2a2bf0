package pool

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/evan-idocoding/zpool/rt/safego"
)

const (
	defaultMailboxCapacity = 1
	defaultCommandCapacity = 4
	defaultWorkers         = 64
	defaultNamePrefix      = "task-"
)

type managerConfig struct {
	name            string
	mailboxCapacity int
	commandCapacity int

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Manager.
type Option func(*managerConfig)

func managerConfigFrom(opts []Option) managerConfig {
	c := managerConfig{
		mailboxCapacity: defaultMailboxCapacity,
		commandCapacity: defaultCommandCapacity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	if c.mailboxCapacity <= 0 {
		panic(fmt.Sprintf("pool: invalid mailbox capacity %d", c.mailboxCapacity))
	}
	if c.commandCapacity <= 0 {
		panic(fmt.Sprintf("pool: invalid command capacity %d", c.commandCapacity))
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("")
	}
	return c
}

// WithName sets a human-friendly name reported in snapshots.
func WithName(name string) Option {
	return func(c *managerConfig) { c.name = name }
}

// WithMailboxCapacity sets the capacity of the shared task-to-manager event channel.
// Default is 1.
//
// If n <= 0, NewManager panics (configuration error).
func WithMailboxCapacity(n int) Option {
	return func(c *managerConfig) { c.mailboxCapacity = n }
}

// WithCommandCapacity sets the capacity of each task's command channel. Default is 4.
//
// If n <= 0, NewManager panics (configuration error).
func WithCommandCapacity(n int) Option {
	return func(c *managerConfig) { c.commandCapacity = n }
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *managerConfig) { c.logger = l }
}

// WithTracer sets the tracer used for per-task spans. If not set, tracing is disabled.
func WithTracer(t trace.Tracer) Option {
	return func(c *managerConfig) { c.tracer = t }
}

type workerPoolConfig struct {
	workers    int
	namePrefix string
	logger     *slog.Logger
	onPanic    safego.PanicHandler
}

// WorkerPoolOption configures a WorkerPool.
type WorkerPoolOption func(*workerPoolConfig)

// WithWorkers sets the maximum number of units running at once. Default is 64.
//
// A pooled task holds a worker only for its drive cycles; any number of tasks may be alive.
// If n <= 0, NewWorkerPool panics (configuration error).
func WithWorkers(n int) WorkerPoolOption {
	return func(c *workerPoolConfig) { c.workers = n }
}

// WithNamePrefix sets the prefix of unit names used in panic reports. Default is "task-".
func WithNamePrefix(prefix string) WorkerPoolOption {
	return func(c *workerPoolConfig) { c.namePrefix = prefix }
}

// WithWorkerLogger sets the logger for panic reports. If not set, reports go to stderr.
func WithWorkerLogger(l *slog.Logger) WorkerPoolOption {
	return func(c *workerPoolConfig) { c.logger = l }
}

// WithPanicHandler sets the handler called when a unit panics.
func WithPanicHandler(h safego.PanicHandler) WorkerPoolOption {
	return func(c *workerPoolConfig) { c.onPanic = h }
}
