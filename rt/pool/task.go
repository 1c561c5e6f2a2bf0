package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/evan-idocoding/zpool/rt/safego"
)

// InvariantError is the panic value raised when a task detects a broken protocol
// invariant. It always indicates a bug in the Manager (or in code that drives tasks
// directly), never bad input.
type InvariantError struct {
	Task TaskID
	Msg  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("pool: %s: %s", e.Task, e.Msg)
}

// taskState is the sum type of task states. Exactly one is current at any time.
type taskState interface {
	isTaskState()
}

type statePending[H any] struct {
	work    Work
	handler H
}

type stateEstablished[H any] struct {
	handler H
}

// stateReady holds events waiting for mailbox capacity. queue is never empty.
type stateReady[H any] struct {
	queue []Event[H]
	// handler is released if the task ends before the queue drains.
	handler H
	then    taskState
}

type stateClosing[H any] struct {
	handler H
	done    chan struct{} // nil until Close is started
}

type stateDone struct{}

func (*statePending[H]) isTaskState()     {}
func (*stateEstablished[H]) isTaskState() {}
func (*stateReady[H]) isTaskState()       {}
func (*stateClosing[H]) isTaskState()     {}
func (stateDone) isTaskState()            {}

type recvStatus int

const (
	recvEmpty recvStatus = iota
	recvOK
	recvClosed
)

// task drives one Work to completion and relays its events to the Manager.
//
// A drive cycle (poll) never blocks. In pooled mode, run alternates poll and wait on the
// task's own goroutine, and waits through park so an Executor can lend the worker out; in
// cooperative mode the Manager calls poll from Drive.
//
// Invariant: every buffered command is drained before an event send is attempted, so the
// Manager can never be blocked on a full command channel by a task that is itself blocked
// on the mailbox.
type task[P any, H Handler[P]] struct {
	id     TaskID
	sink   eventSink[H]
	logger *slog.Logger
	// wake asks the Manager for another drive; woken does the same for wait.
	wake  func()
	woken chan struct{}
	park  func(wait func())

	// commands is set to nil once the Manager closes it.
	commands <-chan Command[P]
	// peeked holds a command received by wait and not yet processed by poll.
	peeked *Command[P]

	// reserved reports whether the task holds a mailbox reservation.
	reserved bool

	state      taskState
	progressed bool

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

// newTask builds a task in the Pending state. The Work's context derives from parent.
func newTask[P any, H Handler[P]](parent context.Context, id TaskID, sink eventSink[H], commands <-chan Command[P], work Work, handler H, wake func(), logger *slog.Logger) *task[P, H] {
	if parent == nil {
		parent = context.Background()
	}
	if wake == nil {
		wake = func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &task[P, H]{
		id:       id,
		sink:     sink,
		logger:   logger,
		wake:     wake,
		woken:    make(chan struct{}, 1),
		park:     func(wait func()) { wait() },
		commands: commands,
		state:    &statePending[H]{work: work, handler: handler},
		ctx:      ctx,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
}

// run drives the task until it is done. It is the unit handed to an Executor.
func (t *task[P, H]) run() {
	for {
		if done, _ := t.poll(); done {
			return
		}
		t.park(t.wait)
	}
}

// poll performs one drive cycle. It reports whether the task is done, and whether the
// cycle changed anything (consumed a command, changed state or sent an event).
//
// Calling poll on a done task panics with an *InvariantError.
func (t *task[P, H]) poll() (done, progressed bool) {
	if _, ok := t.state.(stateDone); ok {
		panic(&InvariantError{Task: t.id, Msg: "driven after completion"})
	}
	t.progressed = false
	for {
		var more bool
		switch s := t.state.(type) {
		case *statePending[H]:
			more = t.pollPending(s)
		case *stateEstablished[H]:
			more = t.pollEstablished(s)
		case *stateReady[H]:
			more = t.pollReady(s)
		case *stateClosing[H]:
			more = t.pollClosing(s)
		default:
			panic(&InvariantError{Task: t.id, Msg: fmt.Sprintf("unknown state %T", s)})
		}
		if _, ok := t.state.(stateDone); ok {
			return true, true
		}
		if !more {
			return false, t.progressed
		}
	}
}

func (t *task[P, H]) pollPending(s *statePending[H]) bool {
	// The Manager cancels a task by closing its command channel.
	switch _, st := t.recvCommand(); st {
	case recvClosed:
		t.beginClosing(s.handler)
		return true
	case recvOK:
		panic(&InvariantError{Task: t.id, Msg: "command delivered to pending task"})
	}

	done, err := t.pollWork(s.work)
	if !done {
		return false
	}
	if err != nil {
		t.setState(&stateReady[H]{
			queue:   []Event[H]{{ID: t.id, Kind: EventFailed, Handler: s.handler, Err: err}},
			handler: s.handler,
			then:    stateDone{},
		})
		return true
	}
	t.setState(&stateReady[H]{
		queue:   []Event[H]{{ID: t.id, Kind: EventEstablished}},
		handler: s.handler,
		then:    &stateEstablished[H]{handler: s.handler},
	})
	return true
}

func (t *task[P, H]) pollEstablished(s *stateEstablished[H]) bool {
	var queue []Event[H]
	for {
		cmd, st := t.recvCommand()
		switch st {
		case recvClosed:
			// Canceled: whatever the handler produced in this cycle is dropped.
			t.beginClosing(s.handler)
			return true
		case recvEmpty:
			if len(queue) == 0 {
				return false
			}
			t.setState(&stateReady[H]{queue: queue, handler: s.handler, then: s})
			return true
		}

		ev, ok := t.handle(s.handler, cmd.Payload)
		if !ok {
			continue
		}
		queue = append(queue, ev)
		if ev.Kind == EventError {
			t.setState(&stateReady[H]{queue: queue, handler: s.handler, then: &stateClosing[H]{handler: s.handler}})
			return true
		}
	}
}

func (t *task[P, H]) pollReady(s *stateReady[H]) bool {
	for {
		cmd, st := t.recvCommand()
		if st == recvEmpty {
			break
		}
		if st == recvClosed {
			t.beginClosing(s.handler)
			return true
		}
		if k := s.queue[0].Kind; k == EventEstablished || k == EventFailed {
			panic(&InvariantError{Task: t.id, Msg: "command delivered to pending task"})
		}
		switch next := s.then.(type) {
		case *stateEstablished[H]:
			if ev, ok := t.handle(next.handler, cmd.Payload); ok {
				s.queue = append(s.queue, ev)
				if ev.Kind == EventError {
					s.then = &stateClosing[H]{handler: next.handler}
				}
			}
		case *stateClosing[H]:
			// The handler already failed; late commands are dropped.
		}
	}

	if !t.reserved {
		switch t.sink.tryReserve() {
		case reserveNotReady:
			return false
		case reserveClosed:
			t.beginClosing(s.handler)
			return true
		}
		t.reserved = true
	}

	// A reservation guarantees the handoff. If the Manager goes away right after, the next
	// cycle finds the mailbox closed.
	t.sink.deliver(s.queue[0])
	t.reserved = false
	t.progressed = true
	s.queue[0] = Event[H]{}
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		return true
	}
	if _, ok := s.then.(stateDone); ok {
		t.finish()
		return true
	}
	t.setState(s.then)
	return true
}

func (t *task[P, H]) pollClosing(s *stateClosing[H]) bool {
	if s.done == nil {
		c, ok := any(s.handler).(io.Closer)
		if !ok {
			t.finish()
			return true
		}
		done := make(chan struct{})
		s.done = done
		id, logger := t.id, t.logger
		safego.Go(t.ctx, func(ctx context.Context) {
			if err := callClose(ctx, c); err != nil {
				logger.Warn("handler close failed", "task", id, "err", err)
			}
		}, safego.WithName("close "+id.String()), safego.WithLogger(logger), safego.WithFinally(t.wake), safego.WithFinally(func() { close(done) }))
	}
	select {
	case <-s.done:
		t.finish()
		return true
	default:
		return false
	}
}

// wait blocks until something that can move the current state forward happens.
func (t *task[P, H]) wait() {
	if t.peeked != nil {
		return
	}
	var (
		cmds    = t.commands
		woken   <-chan struct{}
		slots   <-chan struct{}
		closed  <-chan struct{}
		closing <-chan struct{}
	)
	switch s := t.state.(type) {
	case *statePending[H]:
		woken = t.woken
	case *stateReady[H]:
		if !t.reserved {
			slots = t.sink.slots()
			closed = t.sink.closed()
		}
	case *stateClosing[H]:
		cmds = nil
		closing = s.done
	}

	select {
	case cmd, ok := <-cmds:
		if !ok {
			t.commands = nil
			return
		}
		t.peeked = &cmd
	case <-woken:
	case <-slots:
		t.reserved = true
	case <-closed:
	case <-closing:
	}
}

func (t *task[P, H]) recvCommand() (Command[P], recvStatus) {
	if t.peeked != nil {
		cmd := *t.peeked
		t.peeked = nil
		t.progressed = true
		return cmd, recvOK
	}
	if t.commands == nil {
		return Command[P]{}, recvClosed
	}
	select {
	case cmd, ok := <-t.commands:
		if !ok {
			t.commands = nil
			return Command[P]{}, recvClosed
		}
		t.progressed = true
		return cmd, recvOK
	default:
		return Command[P]{}, recvEmpty
	}
}

func (t *task[P, H]) handle(h H, payload P) (Event[H], bool) {
	var n any
	err := guard(t.ctx, "handler", func(ctx context.Context) error {
		var herr error
		n, herr = h.Handle(ctx, payload)
		return herr
	})
	if err != nil {
		return Event[H]{ID: t.id, Kind: EventError, Err: err}, true
	}
	if n == nil {
		return Event[H]{}, false
	}
	return Event[H]{ID: t.id, Kind: EventNotify, Notification: n}, true
}

// pollWork polls w once. A panic completes the Work with an error wrapping ErrPanicked.
func (t *task[P, H]) pollWork(w Work) (done bool, err error) {
	err = guard(t.ctx, "work", func(ctx context.Context) error {
		var werr error
		done, werr = w.Poll(ctx, t.notify)
		return werr
	})
	return done || err != nil, err
}

// notify is the wake function handed to Work.
func (t *task[P, H]) notify() {
	select {
	case t.woken <- struct{}{}:
	default:
	}
	t.wake()
}

func (t *task[P, H]) beginClosing(h H) {
	t.cancel()
	if t.reserved {
		t.sink.release()
		t.reserved = false
	}
	t.setState(&stateClosing[H]{handler: h})
}

func (t *task[P, H]) finish() {
	t.setState(stateDone{})
	t.cancel()
	close(t.exited)
	t.wake()
}

func (t *task[P, H]) setState(s taskState) {
	t.state = s
	t.progressed = true
}

func callClose(ctx context.Context, c io.Closer) error {
	return guard(ctx, "close", func(context.Context) error { return c.Close() })
}
