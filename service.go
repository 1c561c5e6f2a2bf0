package zpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/evan-idocoding/zpool/config"
	"github.com/evan-idocoding/zpool/rt/pool"
	"github.com/evan-idocoding/zpool/rt/safego"
)

var (
	// ErrAlreadyStarted indicates Run was called more than once.
	ErrAlreadyStarted = errors.New("zpool: service already started")
	// ErrStopped indicates the service stopped before a request could run.
	ErrStopped = errors.New("zpool: service stopped")
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	requestQueueSize         = 16
)

// ServiceSpec configures NewService.
type ServiceSpec struct {
	// Config supplies pool sizing and the admin listener. nil means config.Default().
	Config *config.Config

	// Logger is used by the Manager, the WorkerPool and the admin surface.
	// Default is slog.Default().
	Logger *slog.Logger

	// LevelVar, when non-nil, is exposed on the admin surface.
	LevelVar *slog.LevelVar

	// Tracer, when non-nil, records one span per task.
	Tracer trace.Tracer

	// Signals controls whether Run listens for OS signals and shuts down.
	Signals SignalSpec

	// Hooks integrate other resources into the service lifecycle.
	Hooks ServiceHooks
}

// SignalSpec selects the signals Run reacts to.
type SignalSpec struct {
	Disable bool
	// Signals nil/empty means SIGINT+SIGTERM on Unix and os.Interrupt elsewhere.
	Signals []os.Signal
}

// ServiceHooks run at fixed lifecycle points.
type ServiceHooks struct {
	// OnShutdown runs after the Manager has drained, before the admin server stops.
	// Hooks run sequentially; errors are aggregated.
	OnShutdown []func(context.Context) error
}

// Service hosts one pool.Manager: it owns the driver goroutine, the optional WorkerPool and
// the optional admin HTTP server.
//
// The Manager is single-owner. Code outside Run's callback reaches it through Do.
type Service[P any, H pool.Handler[P]] struct {
	Manager      *pool.Manager[P, H]
	Workers      *pool.WorkerPool // nil in cooperative mode
	AdminHandler http.Handler
	AdminServer  *http.Server // nil when the admin address is empty

	logger          *slog.Logger
	signals         SignalSpec
	hooks           ServiceHooks
	shutdownTimeout time.Duration

	reqs chan func()
	done chan struct{}

	mu        sync.Mutex
	started   bool
	interrupt context.CancelFunc
	adminLn   net.Listener
}

// NewService assembles a Service from spec.
//
// Assembly errors (an invalid Config) are fail-fast and will panic.
func NewService[P any, H pool.Handler[P]](spec ServiceSpec) *Service[P, H] {
	cfg := spec.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		panic("zpool: NewService: " + err.Error())
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service[P, H]{
		logger:          logger,
		signals:         spec.Signals,
		hooks:           spec.Hooks,
		shutdownTimeout: resolveDuration(cfg.Admin.ShutdownTimeout, defaultShutdownTimeout),
		reqs:            make(chan func(), requestQueueSize),
		done:            make(chan struct{}),
	}

	strategy, wp := cfg.Strategy(pool.WithWorkerLogger(logger))
	s.Workers = wp

	opts := []pool.Option{pool.WithLogger(logger)}
	if spec.Tracer != nil {
		opts = append(opts, pool.WithTracer(spec.Tracer))
	}
	s.Manager = pool.NewManager[P, H](strategy, cfg.ManagerOptions(opts...)...)

	adminSpec := AdminSpec{
		Pool:        s.Manager,
		LogLevelVar: spec.LevelVar,
		Cancel:      s.Cancel,
		WriteTokens: cfg.Admin.Tokens,
		Logger:      logger,
	}
	if wp != nil {
		adminSpec.Workers = wp
	}
	s.AdminHandler = NewAdmin(adminSpec)
	if cfg.Admin.Addr != "" {
		s.AdminServer = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           s.AdminHandler,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			IdleTimeout:       defaultIdleTimeout,
		}
	}
	return s
}

// Do runs fn with the Manager on the driver goroutine and waits for it to return.
//
// Before Run starts, Do waits. It returns ctx.Err() if ctx ends first and ErrStopped if
// the service stops first; in both cases fn may still run later or not at all.
func (s *Service[P, H]) Do(ctx context.Context, fn func(*pool.Manager[P, H])) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ran := make(chan struct{})
	req := func() {
		defer close(ran)
		fn(s.Manager)
	}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}

	s.mu.Lock()
	if s.interrupt != nil {
		s.interrupt()
	}
	s.mu.Unlock()

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// Cancel cancels task id on the driver goroutine. It has the shape of ops.CancelFunc.
func (s *Service[P, H]) Cancel(ctx context.Context, id pool.TaskID) error {
	var err error
	if derr := s.Do(ctx, func(m *pool.Manager[P, H]) { err = m.Cancel(id) }); derr != nil {
		return derr
	}
	return err
}

// AdminAddr returns the bound admin address, or "" if the admin server is not listening.
func (s *Service[P, H]) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Run starts the admin server and drives the Manager, calling onEvent for every event on
// the driver goroutine. onEvent may use the Manager directly.
//
// Run returns when ctx ends, a configured signal arrives, the admin server fails, or the
// Manager was closed (through Do) and every task has ended. It then closes the Manager,
// keeps delivering the remaining events to onEvent until the drain finishes or the shutdown
// timeout passes, and stops the WorkerPool and the admin server.
//
// The returned error joins the cause (nil for a signal or a completed drain) with shutdown
// errors. Run is not idempotent.
func (s *Service[P, H]) Run(ctx context.Context, onEvent func(pool.Event[H])) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if onEvent == nil {
		onEvent = func(pool.Event[H]) {}
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	stopSignals := s.watchSignals(stop)
	defer stopSignals()

	if err := s.startAdmin(stop); err != nil {
		return errors.Join(err, s.shutdown(onEvent))
	}

	s.logger.Info("service started",
		"manager", s.Manager.ID(),
		"mode", s.Manager.Snapshot().Mode,
		"admin", s.AdminAddr())

	cause := s.drive(runCtx, onEvent)
	return errors.Join(cause, s.shutdown(onEvent))
}

func (s *Service[P, H]) drive(ctx context.Context, onEvent func(pool.Event[H])) error {
	for {
		nctx, interrupt := context.WithCancel(ctx)
		s.mu.Lock()
		s.interrupt = interrupt
		s.mu.Unlock()

		s.serveRequests()
		ev, err := s.Manager.Next(nctx)
		interrupt()

		switch {
		case err == nil:
			onEvent(ev)
		case errors.Is(err, pool.ErrClosed):
			return nil
		case ctx.Err() != nil:
			if cause := context.Cause(ctx); !errors.Is(cause, errSignal) {
				return cause
			}
			return nil
		}
	}
}

func (s *Service[P, H]) serveRequests() {
	for {
		select {
		case req := <-s.reqs:
			req()
		default:
			return
		}
	}
}

var errSignal = errors.New("zpool: signal received")

func (s *Service[P, H]) watchSignals(stop context.CancelCauseFunc) func() {
	if s.signals.Disable {
		return func() {}
	}
	sigs := s.signals.Signals
	if len(sigs) == 0 {
		sigs = defaultSignals()
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			s.logger.Info("signal received, shutting down", "signal", sig.String())
			stop(errSignal)
		case <-quit:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(quit)
	}
}

func (s *Service[P, H]) startAdmin(stop context.CancelCauseFunc) error {
	if s.AdminServer == nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.AdminServer.Addr)
	if err != nil {
		return fmt.Errorf("zpool: admin listen %q: %w", s.AdminServer.Addr, err)
	}
	s.mu.Lock()
	s.adminLn = ln
	s.mu.Unlock()

	safego.Go(context.Background(), func(context.Context) {
		err := s.AdminServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop(fmt.Errorf("zpool: admin server: %w", err))
		}
	}, safego.WithName("admin-server"), safego.WithLogger(s.logger))
	return nil
}

func (s *Service[P, H]) shutdown(onEvent func(pool.Event[H])) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	s.Manager.Close()
	if err := s.Manager.Run(ctx, onEvent); err != nil {
		errs = append(errs, fmt.Errorf("manager drain: %w (%d tasks left)", err, s.Manager.Len()))
	}
	// Requests that raced with shutdown still see a consistent, closed Manager.
	s.serveRequests()
	close(s.done)

	if s.Workers != nil {
		if err := s.Workers.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool close: %w", err))
		}
	}

	for i, h := range s.hooks.OnShutdown {
		if h == nil {
			continue
		}
		if err := safeCallHook(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("OnShutdown[%d]: %w", i, err))
		}
	}

	s.mu.Lock()
	ln := s.adminLn
	s.mu.Unlock()
	if ln != nil {
		if err := s.AdminServer.Shutdown(ctx); err != nil {
			_ = s.AdminServer.Close()
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
	}

	err := errors.Join(errs...)
	s.logger.Info("service stopped", "manager", s.Manager.ID(), "err", err)
	return err
}

func resolveDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// safeCallHook returns the hook's error. A panic is returned as an error, not rethrown.
func safeCallHook(ctx context.Context, fn func(context.Context) error) (err error) {
	safego.RunErr(ctx, fn,
		safego.WithName("OnShutdown"),
		safego.WithReportContextCancel(true),
		safego.WithErrorHandler(func(_ context.Context, info safego.ErrorInfo) {
			err = info.Err
		}),
		safego.WithPanicHandler(func(_ context.Context, info safego.PanicInfo) {
			err = fmt.Errorf("panic: %v", info.Value)
		}),
	)
	return err
}
