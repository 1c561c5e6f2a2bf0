package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/evan-idocoding/zpool/rt/safego"
)

// Executor runs units of independently progressing work.
//
// Exec must return promptly; the unit runs to completion in the background. A pooled
// Manager hands each task's drive loop to its Executor exactly once.
type Executor interface {
	Exec(run func())
}

// Parker is implemented by an Executor that can lend a unit's worker to other units while
// the unit waits.
//
// Park is called from inside a unit the Executor is running. It runs wait without holding
// a worker and returns once wait has returned and a worker is held again. A pooled Manager
// parks its tasks between drive cycles, so idle tasks do not occupy workers.
type Parker interface {
	Park(wait func())
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(run func())

// Exec calls f(run).
func (f ExecutorFunc) Exec(run func()) { f(run) }

// GoExecutor runs each unit on its own goroutine.
//
// A panic escaping a unit means a broken internal invariant; it is logged and then
// rethrown, which crashes the process.
type GoExecutor struct {
	// Logger receives panic reports. Nil means stderr.
	Logger *slog.Logger
}

// Exec starts run on a new goroutine.
func (e GoExecutor) Exec(run func()) {
	safego.Go(context.Background(), func(context.Context) { run() },
		safego.WithLogger(e.Logger),
		safego.WithPanicPolicy(safego.RepanicAfterReport),
	)
}

// WorkerPool runs units on goroutines with bounded concurrency.
//
// Exec never blocks: units beyond the worker limit wait (in FIFO order) for a free worker
// on their own goroutine. A unit gives its worker back while it is parked (see Park), so the
// limit bounds units that are running, not units that are alive. A panicking unit is
// recovered and reported, and its worker is released.
//
// It is safe for concurrent use.
type WorkerPool struct {
	cfg workerPoolConfig
	sem *semaphore.Weighted
	seq atomic.Uint64

	running atomic.Int64
	queued  atomic.Int64
	parked  atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool creates a WorkerPool.
func NewWorkerPool(opts ...WorkerPoolOption) *WorkerPool {
	c := workerPoolConfig{
		workers:    defaultWorkers,
		namePrefix: defaultNamePrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	if c.workers <= 0 {
		panic(fmt.Sprintf("pool: invalid worker count %d", c.workers))
	}
	return &WorkerPool{cfg: c, sem: semaphore.NewWeighted(int64(c.workers))}
}

// Exec schedules run. It panics if the pool has been closed.
func (p *WorkerPool) Exec(run func()) {
	if run == nil {
		panic("pool: Exec called with nil func")
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		panic("pool: Exec called on closed WorkerPool")
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	name := p.cfg.namePrefix + strconv.FormatUint(p.seq.Add(1), 10)
	p.queued.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire with a background context cannot fail.
		_ = p.sem.Acquire(context.Background(), 1)
		p.queued.Add(-1)
		p.running.Add(1)
		safego.Run(context.Background(), func(context.Context) { run() },
			safego.WithName(name),
			safego.WithLogger(p.cfg.logger),
			safego.WithPanicHandler(p.cfg.onPanic),
			safego.WithFinally(func() {
				p.running.Add(-1)
				p.sem.Release(1)
			}),
		)
	}()
}

// Park runs wait with the calling unit's worker released, then takes a worker again.
//
// It must only be called from a unit running on p.
func (p *WorkerPool) Park(wait func()) {
	p.running.Add(-1)
	p.parked.Add(1)
	p.sem.Release(1)

	wait()

	p.parked.Add(-1)
	p.queued.Add(1)
	_ = p.sem.Acquire(context.Background(), 1)
	p.queued.Add(-1)
	p.running.Add(1)
}

// Workers returns the configured worker limit.
func (p *WorkerPool) Workers() int { return p.cfg.workers }

// Running returns the number of units currently holding a worker.
func (p *WorkerPool) Running() int { return int(p.running.Load()) }

// Queued returns the number of units waiting for a worker.
func (p *WorkerPool) Queued() int { return int(p.queued.Load()) }

// Parked returns the number of units waiting inside Park without a worker.
func (p *WorkerPool) Parked() int { return int(p.parked.Load()) }

// Close stops accepting units and waits for scheduled ones to finish, or for ctx to be done.
//
// Close is safe to call multiple times. If ctx is nil, it is treated as context.Background().
func (p *WorkerPool) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Strategy selects how a Manager runs its tasks: Pooled or Cooperative.
type Strategy interface {
	isStrategy()
}

// Pooled hands every task to Executor; tasks progress independently of the Manager.
type Pooled struct {
	Executor Executor
}

// Cooperative keeps tasks on the Manager's goroutine; they progress only while the
// Manager is driven (Drive, Next or Run).
type Cooperative struct{}

func (Pooled) isStrategy()      {}
func (Cooperative) isStrategy() {}
