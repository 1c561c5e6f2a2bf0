package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newCooperative(opts ...Option) *Manager[int, *testHandler] {
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewManager[int, *testHandler](Cooperative{}, opts...)
}

func mustAdd[P any, H Handler[P]](tb testing.TB, m *Manager[P, H], work Work, h H) TaskID {
	tb.Helper()
	id, err := m.AddPending(work, h)
	if err != nil {
		tb.Fatalf("AddPending err=%v", err)
	}
	return id
}

func TestManager_TaskIDsStrictlyIncrease(t *testing.T) {
	t.Parallel()

	m := newCooperative()
	defer m.Close()

	var prev TaskID
	for i := 0; i < 10; i++ {
		id := mustAdd(t, m, blockUntilCanceled(), &testHandler{})
		if id <= prev {
			t.Fatalf("id=%v after %v, want strictly increasing", id, prev)
		}
		prev = id
	}
	if prev != 10 {
		t.Fatalf("last id=%v, want task-10", prev)
	}
	if got := TaskID(3).String(); got != "task-3" {
		t.Fatalf("String=%q, want %q", got, "task-3")
	}
}

func TestManager_ImmediateSuccessThenCommand(t *testing.T) {
	t.Parallel()

	m := newCooperative()
	defer m.Close()

	id := mustAdd(t, m, succeed, &testHandler{})
	got := slices.Collect(m.Drive())
	if len(got) != 1 || got[0].ID != id || got[0].Kind != EventEstablished {
		t.Fatalf("one Drive yielded %+v, want exactly established for %v", got, id)
	}
	if state := m.Tasks()[id]; state != TaskStateEstablished {
		t.Fatalf("state=%v, want established", state)
	}

	if err := m.SendCommand(id, 42); err != nil {
		t.Fatalf("SendCommand err=%v", err)
	}
	got = slices.Collect(m.Drive())
	if len(got) != 1 || got[0].Kind != EventNotify || got[0].Notification != 42 {
		t.Fatalf("one Drive yielded %+v, want notify 42", got)
	}
}

func TestManager_SendCommandErrors(t *testing.T) {
	t.Parallel()

	m := newCooperative(WithCommandCapacity(2))

	if err := m.SendCommand(99, 1); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("unknown: err=%v, want ErrTaskNotFound", err)
	}

	pending := mustAdd(t, m, blockUntilCanceled(), &testHandler{})
	if err := m.SendCommand(pending, 1); !errors.Is(err, ErrTaskPending) {
		t.Fatalf("pending: err=%v, want ErrTaskPending", err)
	}

	id := mustAdd(t, m, succeed, &testHandler{})
	establish(t, m, id)
	for i := 0; i < 2; i++ {
		if err := m.SendCommand(id, i); err != nil {
			t.Fatalf("SendCommand #%d err=%v", i, err)
		}
	}
	if err := m.SendCommand(id, 2); !errors.Is(err, ErrCommandQueueFull) {
		t.Fatalf("full: err=%v, want ErrCommandQueueFull", err)
	}

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel err=%v", err)
	}
	if err := m.SendCommand(id, 3); !errors.Is(err, ErrTaskClosing) {
		t.Fatalf("closing: err=%v, want ErrTaskClosing", err)
	}

	m.Close()
	if err := m.SendCommand(id, 4); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed: err=%v, want ErrClosed", err)
	}
	if _, err := m.AddPending(succeed, &testHandler{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddPending after Close err=%v, want ErrClosed", err)
	}
}

func TestManager_EventsAreFIFOAcrossTasks(t *testing.T) {
	t.Parallel()

	m := newCooperative(WithMailboxCapacity(1))
	defer m.Close()

	a := mustAdd(t, m, succeed, &testHandler{})
	b := mustAdd(t, m, succeed, &testHandler{})

	var established []TaskID
	for ev := range m.Drive() {
		if ev.Kind != EventEstablished {
			t.Fatalf("event=%+v, want established", ev)
		}
		established = append(established, ev.ID)
	}
	if want := []TaskID{a, b}; !slices.Equal(established, want) {
		t.Fatalf("established order=%v, want %v", established, want)
	}

	if err := m.SendCommand(a, 1); err != nil {
		t.Fatalf("SendCommand(a) err=%v", err)
	}
	if err := m.SendCommand(b, 2); err != nil {
		t.Fatalf("SendCommand(b) err=%v", err)
	}

	var got []TaskID
	for ev := range m.Drive() {
		got = append(got, ev.ID)
	}
	if want := []TaskID{a, b}; !slices.Equal(got, want) {
		t.Fatalf("order=%v, want %v", got, want)
	}
}

func TestManager_CancelIsTerminalWithinOneDrive(t *testing.T) {
	t.Parallel()

	m := NewManager[int, plainHandler](nil, WithLogger(discardLogger()))
	defer m.Close()

	id := mustAdd(t, m, succeed, plainHandler{})
	establish(t, m, id)

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel err=%v", err)
	}
	if got := m.Tasks()[id]; got != TaskStateClosing {
		t.Fatalf("state=%v, want closing", got)
	}

	var got []Event[plainHandler]
	for ev := range m.Drive() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Kind != EventClosed {
		t.Fatalf("events=%+v, want one closed for %v", got, id)
	}
	if m.Len() != 0 {
		t.Fatalf("Len=%d, want 0", m.Len())
	}
	if err := m.Cancel(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second Cancel err=%v, want ErrTaskNotFound", err)
	}
}

func TestManager_CancelEveryTaskYieldsOneClosedEach(t *testing.T) {
	t.Parallel()

	const n = 8
	m := newCooperative()
	defer m.Close()
	ctx := testContext(t)

	handlers := make(map[TaskID]*testHandler, n)
	var established []TaskID
	for i := 0; i < n; i++ {
		h := &testHandler{}
		work := succeed
		if i%2 == 1 {
			work = blockUntilCanceled()
		}
		id := mustAdd(t, m, work, h)
		handlers[id] = h
		if i%2 == 0 {
			established = append(established, id)
		}
	}
	establish(t, m, established...)

	for id := range handlers {
		if err := m.Cancel(id); err != nil {
			t.Fatalf("Cancel(%v) err=%v", id, err)
		}
	}

	closed := make(map[TaskID]int)
	for m.Len() > 0 {
		ev, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next err=%v", err)
		}
		if ev.Kind != EventClosed {
			t.Fatalf("event=%+v, want only closed", ev)
		}
		closed[ev.ID]++
	}
	if len(closed) != n {
		t.Fatalf("closed tasks=%d, want %d", len(closed), n)
	}
	for id, c := range closed {
		if c != 1 {
			t.Fatalf("%v closed %d times, want 1", id, c)
		}
		if got := handlers[id].closed.Load(); got != 1 {
			t.Fatalf("%v handler closed %d times, want 1", id, got)
		}
	}
}

func TestManager_FailedCarriesHandler(t *testing.T) {
	t.Parallel()

	m := newCooperative()
	defer m.Close()

	errDial := errors.New("connection refused")
	h := &testHandler{}
	id := mustAdd(t, m, Ready(errDial), h)

	ev, err := m.Next(testContext(t))
	if err != nil {
		t.Fatalf("Next err=%v", err)
	}
	if ev.ID != id || ev.Kind != EventFailed || ev.Handler != h || !errors.Is(ev.Err, errDial) {
		t.Fatalf("event=%+v, want failed carrying handler and %v", ev, errDial)
	}
	if !ev.Terminal() {
		t.Fatalf("failed must be terminal")
	}
	if m.Len() != 0 {
		t.Fatalf("Len=%d, want 0", m.Len())
	}
	if got := h.closed.Load(); got != 0 {
		t.Fatalf("handler closed %d times, want 0", got)
	}
}

func TestManager_HandlerErrorRemovesTask(t *testing.T) {
	t.Parallel()

	m := newCooperative()
	defer m.Close()
	ctx := testContext(t)

	errBroken := errors.New("broken pipe")
	h := &testHandler{fn: func(p int) (any, error) {
		if p < 0 {
			return nil, errBroken
		}
		return nil, nil
	}}
	id := mustAdd(t, m, succeed, h)
	establish(t, m, id)

	if err := m.SendCommand(id, 1); err != nil {
		t.Fatalf("SendCommand err=%v", err)
	}
	if err := m.SendCommand(id, -1); err != nil {
		t.Fatalf("SendCommand err=%v", err)
	}
	ev, err := m.Next(ctx)
	if err != nil {
		t.Fatalf("Next err=%v", err)
	}
	if ev.Kind != EventError || !errors.Is(ev.Err, errBroken) {
		t.Fatalf("event=%+v, want error %v", ev, errBroken)
	}
	if m.Len() != 0 {
		t.Fatalf("Len=%d, want 0", m.Len())
	}
	// The task keeps running until its handler is closed.
	deadline := time.Now().Add(5 * time.Second)
	for h.closed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("handler not closed")
		}
		for range m.Drive() {
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_CommandToPendingTaskPanics(t *testing.T) {
	t.Parallel()

	m := newCooperative()
	id := mustAdd(t, m, blockUntilCanceled(), &testHandler{})
	defer m.local[0].cancel()

	// Bypass SendCommand, which refuses pending tasks.
	m.tasks[id].sender <- NotifyHandler(1)

	defer func() {
		if _, ok := recover().(*InvariantError); !ok {
			t.Fatalf("expected *InvariantError panic")
		}
	}()
	for range m.Drive() {
	}
}

func TestManager_InvalidConfigurationPanics(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		fn   func()
	}{
		{name: "nil work", fn: func() { _, _ = newCooperative().AddPending(nil, &testHandler{}) }},
		{name: "mailbox capacity", fn: func() { newCooperative(WithMailboxCapacity(0)) }},
		{name: "command capacity", fn: func() { newCooperative(WithCommandCapacity(-1)) }},
		{name: "nil executor", fn: func() { NewManager[int, *testHandler](Pooled{}) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			tc.fn()
		})
	}
}

func TestManager_PooledEndToEnd(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		exec func(t *testing.T) (Executor, func())
	}{
		{name: "go", exec: func(*testing.T) (Executor, func()) { return GoExecutor{}, func() {} }},
		{name: "worker pool", exec: func(t *testing.T) (Executor, func()) {
			p := NewWorkerPool(WithWorkers(4), WithWorkerLogger(discardLogger()))
			return p, func() {
				if err := p.Close(context.Background()); err != nil {
					t.Errorf("WorkerPool.Close err=%v", err)
				}
			}
		}},
		{name: "executor func", exec: func(*testing.T) (Executor, func()) {
			var wg sync.WaitGroup
			return ExecutorFunc(func(run func()) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					run()
				}()
			}), wg.Wait
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			const n = 4
			exec, wait := tc.exec(t)
			m := NewManager[int, *testHandler](Pooled{Executor: exec}, WithLogger(discardLogger()), WithMailboxCapacity(1))

			handlers := make(map[TaskID]*testHandler, n)
			for i := 0; i < n; i++ {
				h := &testHandler{}
				handlers[mustAdd(t, m, succeed, h)] = h
			}

			closed := 0
			err := m.Run(testContext(t), func(ev Event[*testHandler]) {
				switch ev.Kind {
				case EventEstablished:
					if err := m.SendCommand(ev.ID, int(ev.ID)); err != nil {
						t.Errorf("SendCommand(%v) err=%v", ev.ID, err)
					}
				case EventNotify:
					if ev.Notification != int(ev.ID) {
						t.Errorf("notification=%v for %v", ev.Notification, ev.ID)
					}
					if err := m.Cancel(ev.ID); err != nil {
						t.Errorf("Cancel(%v) err=%v", ev.ID, err)
					}
				case EventClosed:
					closed++
					if closed == n {
						m.Close()
					}
				default:
					t.Errorf("unexpected event %+v", ev)
				}
			})
			if err != nil {
				t.Fatalf("Run err=%v", err)
			}
			if closed != n {
				t.Fatalf("closed=%d, want %d", closed, n)
			}
			for id, h := range handlers {
				if got := h.closed.Load(); got != 1 {
					t.Fatalf("%v handler closed %d times, want 1", id, got)
				}
			}
			wait()
		})
	}
}

func TestManager_MoreLiveTasksThanWorkers(t *testing.T) {
	t.Parallel()

	const workers, n = 2, 6
	p := NewWorkerPool(WithWorkers(workers), WithWorkerLogger(discardLogger()))
	m := NewManager[int, *testHandler](Pooled{Executor: p}, WithLogger(discardLogger()))
	ctx := testContext(t)

	ids := make([]TaskID, 0, n)
	for i := 0; i < n; i++ {
		work := succeed
		if i%2 == 1 {
			work = Blocking(func(context.Context) error { return nil })
		}
		ids = append(ids, mustAdd(t, m, work, &testHandler{}))
	}
	establish(t, m, ids...)

	// Every task stays alive and idle; none may hold a worker.
	deadline := time.Now().Add(5 * time.Second)
	for p.Parked() != n || p.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("parked=%d running=%d queued=%d, want %d parked", p.Parked(), p.Running(), p.Queued(), n)
		}
		time.Sleep(time.Millisecond)
	}

	// A task added now still gets a worker.
	late := mustAdd(t, m, succeed, &testHandler{})
	establish(t, m, late)
	ids = append(ids, late)

	for _, id := range ids {
		if err := m.SendCommand(id, int(id)); err != nil {
			t.Fatalf("SendCommand(%v) err=%v", id, err)
		}
	}
	replied := make(map[TaskID]bool, len(ids))
	for len(replied) < len(ids) {
		ev, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next err=%v (replies=%d/%d)", err, len(replied), len(ids))
		}
		if ev.Kind != EventNotify || ev.Notification != int(ev.ID) {
			t.Fatalf("event=%+v, want notify echoing the id", ev)
		}
		replied[ev.ID] = true
	}

	m.Close()
	if err := m.Run(ctx, func(Event[*testHandler]) {}); err != nil {
		t.Fatalf("Run err=%v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("WorkerPool.Close err=%v", err)
	}
}

func TestManager_CloseEndsEveryTask(t *testing.T) {
	t.Parallel()

	p := NewWorkerPool(WithWorkers(2), WithWorkerLogger(discardLogger()))
	m := NewManager[int, *testHandler](Pooled{Executor: p}, WithLogger(discardLogger()))

	established := mustAdd(t, m, succeed, &testHandler{})
	establish(t, m, established)
	for i := 0; i < 3; i++ {
		mustAdd(t, m, blockUntilCanceled(), &testHandler{})
	}

	m.Close()
	m.Close()

	var closed []TaskID
	if err := m.Run(testContext(t), func(ev Event[*testHandler]) {
		if ev.Kind != EventClosed {
			t.Errorf("event=%+v, want closed", ev)
		}
		closed = append(closed, ev.ID)
	}); err != nil {
		t.Fatalf("Run err=%v", err)
	}
	if len(closed) != 4 {
		t.Fatalf("closed=%v, want 4 tasks", closed)
	}
	if _, err := m.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next after drain err=%v, want ErrClosed", err)
	}
	if err := p.Close(testContext(t)); err != nil {
		t.Fatalf("WorkerPool.Close err=%v", err)
	}
}

func TestManager_NextHonorsContext(t *testing.T) {
	t.Parallel()

	m := newCooperative()
	defer m.Close()
	mustAdd(t, m, blockUntilCanceled(), &testHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next err=%v, want context.DeadlineExceeded", err)
	}
}

func TestManager_Snapshot(t *testing.T) {
	t.Parallel()

	m := newCooperative(WithName("dialer"))
	defer m.Close()

	ok := mustAdd(t, m, succeed, &testHandler{})
	pending := mustAdd(t, m, blockUntilCanceled(), &testHandler{})
	mustAdd(t, m, Ready(errors.New("refused")), &testHandler{})

	// Snapshot may be read from any goroutine.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = m.Snapshot()
			}
		}
	}()

	ctx := testContext(t)
	seen := 0
	for seen < 2 {
		if _, err := m.Next(ctx); err != nil {
			t.Fatalf("Next err=%v", err)
		}
		seen++
	}
	if err := m.Cancel(pending); err != nil {
		t.Fatalf("Cancel err=%v", err)
	}
	if ev, err := m.Next(ctx); err != nil || ev.Kind != EventClosed {
		t.Fatalf("Next event=%+v err=%v, want closed", ev, err)
	}
	close(stop)
	wg.Wait()

	s := m.Snapshot()
	if s.Manager != m.ID() || s.Name != "dialer" || s.Mode != "cooperative" || s.Closed {
		t.Fatalf("snapshot header=%+v", s)
	}
	if s.Added != 3 || s.Established != 1 || s.Failed != 1 || s.Canceled != 1 {
		t.Fatalf("counters added=%d established=%d failed=%d canceled=%d", s.Added, s.Established, s.Failed, s.Canceled)
	}
	if len(s.Tasks) != 1 || s.Tasks[0].ID != ok || s.Tasks[0].State != TaskStateEstablished {
		t.Fatalf("tasks=%+v, want only %v established", s.Tasks, ok)
	}
}

func TestManager_TracesTaskLifetimes(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := newCooperative(WithTracer(tp.Tracer("pool-test")))
	defer m.Close()
	ctx := testContext(t)

	errDial := errors.New("refused")
	failed := mustAdd(t, m, Ready(errDial), &testHandler{})
	canceled := mustAdd(t, m, blockUntilCanceled(), &testHandler{})

	if ev, err := m.Next(ctx); err != nil || ev.ID != failed {
		t.Fatalf("Next event=%+v err=%v", ev, err)
	}
	if err := m.Cancel(canceled); err != nil {
		t.Fatalf("Cancel err=%v", err)
	}
	if ev, err := m.Next(ctx); err != nil || ev.Kind != EventClosed {
		t.Fatalf("Next event=%+v err=%v", ev, err)
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans=%d, want 2", len(spans))
	}
	outcomes := map[int64]string{}
	for _, s := range spans {
		if s.Name() != spanName {
			t.Fatalf("span name=%q, want %q", s.Name(), spanName)
		}
		var id int64
		var outcome string
		for _, kv := range s.Attributes() {
			switch kv.Key {
			case attribute.Key("pool.task.id"):
				id = kv.Value.AsInt64()
			case attribute.Key("pool.task.outcome"):
				outcome = kv.Value.AsString()
			}
		}
		outcomes[id] = outcome
		if id == int64(failed) && s.Status().Code != codes.Error {
			t.Fatalf("failed span status=%v, want error", s.Status())
		}
	}
	if outcomes[int64(failed)] != "failed" || outcomes[int64(canceled)] != "closed" {
		t.Fatalf("outcomes=%v", outcomes)
	}
}

func TestManager_DiscardedFailedHandlerIsClosed(t *testing.T) {
	t.Parallel()

	m := NewManager[int, *testHandler](Pooled{Executor: GoExecutor{Logger: discardLogger()}}, WithLogger(discardLogger()))
	defer m.Close()
	ctx := testContext(t)

	h := &testHandler{}
	id := mustAdd(t, m, Ready(errors.New("refused")), h)
	// The Failed event is in the mailbox once the task has exited.
	select {
	case <-m.tasks[id].exited:
	case <-ctx.Done():
		t.Fatalf("task did not exit")
	}
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel err=%v", err)
	}

	got := slices.Collect(m.Drive())
	if len(got) != 1 || got[0].ID != id || got[0].Kind != EventClosed {
		t.Fatalf("events=%+v, want only closed for %v", got, id)
	}
	for h.closed.Load() != 1 {
		select {
		case <-ctx.Done():
			t.Fatalf("handler of discarded failed event not closed")
		case <-time.After(time.Millisecond):
		}
	}
}
