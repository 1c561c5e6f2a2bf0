package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/evan-idocoding/zpool/rt/safego"
)

const (
	modePooled      = "pooled"
	modeCooperative = "cooperative"
)

// taskInfo is the Manager's shadow of a live task.
type taskInfo[P any] struct {
	// sender is nil once closed.
	sender chan<- Command[P]
	state  TaskState
	exited <-chan struct{}

	added time.Time
	since time.Time
	span  trace.Span
}

// Manager owns a dynamic set of tasks: it creates them, forwards commands to them, and
// observes their events through a single bounded mailbox.
//
// A Manager is NOT safe for concurrent use: one goroutine (the driver) calls AddPending,
// SendCommand, Cancel, Drive/Next/Run and Close. Snapshot is the exception and may be called
// from any goroutine.
//
// Each task emits exactly one terminal event (EventFailed, EventError or EventClosed), after
// which its ID is removed from the registry.
type Manager[P any, H Handler[P]] struct {
	id     string
	cfg    managerConfig
	mode   string
	exec   Executor // nil in cooperative mode
	logger *slog.Logger

	mbox *mailbox[H]
	wake chan struct{}

	tasks  map[TaskID]*taskInfo[P]
	local  []*task[P, H]
	nextID TaskID
	closed bool

	added, established, failed, errored, canceled uint64

	dirty bool
	snap  atomic.Pointer[Snapshot]
}

// NewManager creates a Manager using strategy. A nil strategy means Cooperative.
//
// It panics on invalid configuration (for example, Pooled with a nil Executor).
func NewManager[P any, H Handler[P]](strategy Strategy, opts ...Option) *Manager[P, H] {
	c := managerConfigFrom(opts)
	id := uuid.NewString()
	m := &Manager[P, H]{
		id:     id,
		cfg:    c,
		logger: c.logger.With("manager", id),
		mbox:   newMailbox[H](c.mailboxCapacity),
		wake:   make(chan struct{}, 1),
		tasks:  make(map[TaskID]*taskInfo[P]),
	}
	switch s := strategy.(type) {
	case nil, Cooperative:
		m.mode = modeCooperative
	case Pooled:
		if s.Executor == nil {
			panic("pool: Pooled strategy with nil Executor")
		}
		m.mode = modePooled
		m.exec = s.Executor
	default:
		panic(fmt.Sprintf("pool: unknown strategy %T", strategy))
	}
	m.dirty = true
	m.publish()
	return m
}

// ID returns the random identifier of this Manager instance.
func (m *Manager[P, H]) ID() string { return m.id }

// AddPending registers a new task that drives work and will activate handler on success.
//
// The returned ID is greater than every ID this Manager returned before. In pooled mode the
// task starts immediately; in cooperative mode work is first polled on the next drive, so
// Work that is already complete (see Ready) is observed as established by that same drive.
//
// It returns ErrClosed after Close, and panics if work is nil.
func (m *Manager[P, H]) AddPending(work Work, handler H) (TaskID, error) {
	if work == nil {
		panic("pool: AddPending called with nil Work")
	}
	if m.closed {
		return 0, ErrClosed
	}

	m.nextID++
	id := m.nextID
	ctx, span := startTaskSpan(m.cfg.tracer, m.id, id)
	cmds := make(chan Command[P], m.cfg.commandCapacity)
	t := newTask[P, H](ctx, id, m.mbox, cmds, work, handler, m.wakeup, m.logger)

	now := time.Now()
	m.tasks[id] = &taskInfo[P]{
		sender: cmds,
		state:  TaskStatePending,
		exited: t.exited,
		added:  now,
		since:  now,
		span:   span,
	}
	m.added++
	m.dirty = true
	m.logger.Debug("task added", "task", id)

	if m.exec != nil {
		if p, ok := m.exec.(Parker); ok {
			t.park = p.Park
		}
		m.exec.Exec(t.run)
	} else {
		m.local = append(m.local, t)
	}
	m.publish()
	return id, nil
}

// SendCommand forwards payload to the active handler of task id, without blocking.
//
// Errors (test with errors.Is): ErrClosed, ErrTaskNotFound, ErrTaskPending (the task has not
// been observed as established), ErrTaskClosing (the task was canceled), and
// ErrCommandQueueFull (drive the Manager and retry).
func (m *Manager[P, H]) SendCommand(id TaskID, payload P) error {
	if m.closed {
		return ErrClosed
	}
	info, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch info.state {
	case TaskStatePending:
		return fmt.Errorf("%w: %s", ErrTaskPending, id)
	case TaskStateClosing:
		return fmt.Errorf("%w: %s", ErrTaskClosing, id)
	}
	select {
	case info.sender <- NotifyHandler(payload):
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrCommandQueueFull, id)
	}
}

// Cancel asks task id to stop by closing its command channel.
//
// The task stays registered (in TaskStateClosing) until its exit is observed, which is
// reported as EventClosed. Events the task produced before noticing the cancellation are
// discarded. Canceling a task twice is a no-op.
func (m *Manager[P, H]) Cancel(id TaskID) error {
	info, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	m.cancelInfo(id, info)
	return nil
}

func (m *Manager[P, H]) cancelInfo(id TaskID, info *taskInfo[P]) {
	if info.sender == nil {
		return
	}
	close(info.sender)
	info.sender = nil
	info.state = TaskStateClosing
	info.since = time.Now()
	m.canceled++
	m.dirty = true
	info.span.AddEvent("canceled")
	m.logger.Debug("task canceled", "task", id)
}

// Drive returns a lazy sequence of the events that are ready now.
//
// Each step drives cooperative tasks, receives events from the mailbox (updating the
// registry) and reports canceled tasks that have exited as EventClosed. The sequence ends
// when no further progress is possible without blocking. Drive can be called again later.
func (m *Manager[P, H]) Drive() iter.Seq[Event[H]] {
	return func(yield func(Event[H]) bool) {
		defer m.publish()
		for {
			progressed := m.runLocal()
			// Collected before draining: a task delivers its last event before it exits.
			exited := m.exitedClosing()

			for {
				ev, ok := m.mbox.tryRecv()
				if !ok {
					break
				}
				progressed = true
				if m.observe(ev) && !yield(ev) {
					return
				}
			}
			for _, id := range exited {
				progressed = true
				if !yield(m.reap(id)) {
					return
				}
			}
			if !progressed {
				return
			}
		}
	}
}

// Next returns the next event, blocking until one is available or ctx is done.
//
// After Close, Next keeps returning events until every task has ended, then returns
// ErrClosed.
func (m *Manager[P, H]) Next(ctx context.Context) (Event[H], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		for ev := range m.Drive() {
			return ev, nil
		}
		if m.closed && len(m.tasks) == 0 {
			return Event[H]{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Event[H]{}, ctx.Err()
		case <-m.wake:
		case ev := <-m.mbox.events:
			m.mbox.tokens <- struct{}{}
			if m.observe(ev) {
				m.publish()
				return ev, nil
			}
		}
	}
}

// Run calls fn for every event until ctx is done or, after Close, every task has ended.
//
// Run returns nil in the latter case and ctx.Err() in the former. fn runs on the driver
// goroutine and may call the Manager.
func (m *Manager[P, H]) Run(ctx context.Context, fn func(Event[H])) error {
	for {
		ev, err := m.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

// Tasks returns a copy of the registry: every live task and its observed state.
func (m *Manager[P, H]) Tasks() map[TaskID]TaskState {
	out := make(map[TaskID]TaskState, len(m.tasks))
	for id, info := range m.tasks {
		out[id] = info.state
	}
	return out
}

// Len returns the number of live tasks.
func (m *Manager[P, H]) Len() int { return len(m.tasks) }

// Snapshot returns the view published after the last change. It is safe for concurrent use.
func (m *Manager[P, H]) Snapshot() Snapshot {
	s := *m.snap.Load()
	s.Tasks = slices.Clone(s.Tasks)
	return s
}

// Close cancels every task and closes the mailbox. Tasks end lazily: keep driving the
// Manager (or use Run) to observe their EventClosed.
//
// Close is idempotent.
func (m *Manager[P, H]) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, id := range slices.Sorted(maps.Keys(m.tasks)) {
		m.cancelInfo(id, m.tasks[id])
	}
	m.mbox.close()
	m.dirty = true
	m.publish()
	m.logger.Debug("manager closed", "tasks", len(m.tasks))
}

// runLocal polls every cooperative task once and drops the ones that are done.
func (m *Manager[P, H]) runLocal() bool {
	progressed := false
	live := m.local[:0]
	for _, t := range m.local {
		done, p := t.poll()
		if p {
			progressed = true
		}
		if !done {
			live = append(live, t)
		}
	}
	clear(m.local[len(live):])
	m.local = live
	return progressed
}

func (m *Manager[P, H]) exitedClosing() []TaskID {
	var ids []TaskID
	for id, info := range m.tasks {
		if info.state != TaskStateClosing {
			continue
		}
		select {
		case <-info.exited:
			ids = append(ids, id)
		default:
		}
	}
	slices.Sort(ids)
	return ids
}

// observe applies ev to the registry and reports whether it should be yielded.
func (m *Manager[P, H]) observe(ev Event[H]) bool {
	info, ok := m.tasks[ev.ID]
	if !ok {
		m.logger.Warn("event for unknown task dropped", "task", ev.ID, "event", ev.Kind)
		return false
	}
	if info.state == TaskStateClosing {
		m.discard(ev)
		return false
	}

	m.logger.Debug("task event", "task", ev.ID, "event", ev.Kind)
	spanEvent(info.span, ev.Kind)
	m.dirty = true
	switch ev.Kind {
	case EventEstablished:
		info.state = TaskStateEstablished
		info.since = time.Now()
		m.established++
	case EventFailed:
		m.failed++
		m.remove(ev.ID, info, ev.Kind, ev.Err)
	case EventError:
		m.errored++
		m.remove(ev.ID, info, ev.Kind, ev.Err)
	}
	return true
}

// discard drops an event of a canceled task. A handler handed back by EventFailed would
// otherwise never be released, so it is closed here.
func (m *Manager[P, H]) discard(ev Event[H]) {
	m.logger.Debug("event of canceled task discarded", "task", ev.ID, "event", ev.Kind)
	if ev.Kind != EventFailed {
		return
	}
	c, ok := any(ev.Handler).(io.Closer)
	if !ok {
		return
	}
	id, logger := ev.ID, m.logger
	safego.Go(context.Background(), func(ctx context.Context) {
		if err := callClose(ctx, c); err != nil {
			logger.Warn("handler close failed", "task", id, "err", err)
		}
	}, safego.WithName("close "+id.String()), safego.WithLogger(logger))
}

func (m *Manager[P, H]) reap(id TaskID) Event[H] {
	info := m.tasks[id]
	m.remove(id, info, EventClosed, nil)
	m.dirty = true
	return Event[H]{ID: id, Kind: EventClosed}
}

func (m *Manager[P, H]) remove(id TaskID, info *taskInfo[P], kind EventKind, err error) {
	if info.sender != nil {
		close(info.sender)
		info.sender = nil
	}
	delete(m.tasks, id)
	endTaskSpan(info.span, kind, err)
	m.logger.Debug("task removed", "task", id, "event", kind)
}

func (m *Manager[P, H]) wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager[P, H]) publish() {
	if !m.dirty {
		return
	}
	m.dirty = false
	s := &Snapshot{
		Manager:     m.id,
		Name:        m.cfg.name,
		Mode:        m.mode,
		Closed:      m.closed,
		Added:       m.added,
		Established: m.established,
		Failed:      m.failed,
		Errored:     m.errored,
		Canceled:    m.canceled,
		Tasks:       make([]TaskStatus, 0, len(m.tasks)),
	}
	for _, id := range slices.Sorted(maps.Keys(m.tasks)) {
		info := m.tasks[id]
		s.Tasks = append(s.Tasks, TaskStatus{ID: id, State: info.state, Added: info.added, Since: info.since})
	}
	m.snap.Store(s)
}
