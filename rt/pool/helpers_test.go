package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.log
	r.log = nil
	return out
}

// testHandler echoes every payload back as a notification unless fn says otherwise.
type testHandler struct {
	rec    *recorder
	fn     func(p int) (any, error)
	closed atomic.Int32
}

func (h *testHandler) Handle(_ context.Context, p int) (any, error) {
	if h.rec != nil {
		h.rec.add(fmt.Sprintf("handle:%d", p))
	}
	if h.fn != nil {
		return h.fn(p)
	}
	return p, nil
}

func (h *testHandler) Close() error {
	h.closed.Add(1)
	return nil
}

// plainHandler does not implement io.Closer.
type plainHandler struct{}

func (plainHandler) Handle(_ context.Context, p int) (any, error) { return p, nil }

// fakeSink is a single-goroutine eventSink whose capacity is set by the test.
type fakeSink struct {
	rec      *recorder
	capacity int
	isClosed bool
	released int
	events   []Event[*testHandler]
	done     chan struct{}
}

func newFakeSink(rec *recorder, capacity int) *fakeSink {
	return &fakeSink{rec: rec, capacity: capacity, done: make(chan struct{})}
}

func (s *fakeSink) tryReserve() reserveStatus {
	s.rec.add("reserve")
	if s.isClosed {
		return reserveClosed
	}
	if s.capacity == 0 {
		return reserveNotReady
	}
	s.capacity--
	return reserveOK
}

func (s *fakeSink) slots() <-chan struct{} { return nil }

func (s *fakeSink) release() {
	s.capacity++
	s.released++
}

func (s *fakeSink) deliver(ev Event[*testHandler]) {
	s.rec.add("deliver:" + ev.Kind.String())
	s.events = append(s.events, ev)
}

func (s *fakeSink) closed() <-chan struct{} { return s.done }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var succeed = Ready(nil)

func blockUntilCanceled() Work {
	return Blocking(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

// manualWork completes when finish is called, waking the task it was polled by.
type manualWork struct {
	mu    sync.Mutex
	polls int
	wake  func()
	done  bool
	err   error
}

func (w *manualWork) Poll(_ context.Context, wake func()) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.polls++
	w.wake = wake
	return w.done, w.err
}

func (w *manualWork) finish(err error) {
	w.mu.Lock()
	w.done, w.err = true, err
	wake := w.wake
	w.mu.Unlock()
	if wake != nil {
		wake()
	}
}

func (w *manualWork) pollCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polls
}

func newTestTask(sink eventSink[*testHandler], work Work, h *testHandler) (*task[int, *testHandler], chan Command[int]) {
	cmds := make(chan Command[int], defaultCommandCapacity)
	tk := newTask[int, *testHandler](context.Background(), 1, sink, cmds, work, h, nil, discardLogger())
	return tk, cmds
}

// pollUntil polls tk until cond holds. Blocking work and Close run on their own goroutines,
// so a few cycles may be needed.
func pollUntil[P any, H Handler[P]](tb testing.TB, tk *task[P, H], cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("condition not reached; state=%T", tk.state)
		}
		if done, _ := tk.poll(); done {
			if cond() {
				return
			}
			tb.Fatalf("task done before condition was reached")
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func isState[S taskState](tk interface{ current() taskState }) func() bool {
	return func() bool {
		_, ok := tk.current().(S)
		return ok
	}
}

func (t *task[P, H]) current() taskState { return t.state }

func testContext(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	tb.Cleanup(cancel)
	return ctx
}

// establish drives m until every id has been observed as established.
func establish[P any, H Handler[P]](tb testing.TB, m *Manager[P, H], ids ...TaskID) {
	tb.Helper()
	ctx := testContext(tb)
	want := make(map[TaskID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for len(want) > 0 {
		ev, err := m.Next(ctx)
		if err != nil {
			tb.Fatalf("Next err=%v while waiting for established", err)
		}
		if ev.Kind != EventEstablished {
			tb.Fatalf("event=%v for %s, want established", ev.Kind, ev.ID)
		}
		delete(want, ev.ID)
	}
}
