package pool

import "sync"

type reserveStatus int

const (
	reserveNotReady reserveStatus = iota
	reserveOK
	reserveClosed
)

// eventSink is the send half of the shared mailbox as seen by a task.
//
// Sending is two-phase: a task first reserves capacity (tryReserve, or by receiving from
// slots), and only then delivers. A delivery never blocks.
type eventSink[H any] interface {
	tryReserve() reserveStatus
	// slots returns a channel; receiving from it acquires a reservation.
	slots() <-chan struct{}
	// release returns an unused reservation.
	release()
	deliver(ev Event[H])
	closed() <-chan struct{}
}

// mailbox is the bounded fan-in channel from all tasks to their Manager.
//
// Capacity is accounted by tokens in tokens: a reservation takes a token, the Manager gives
// it back when it receives the event. Therefore len(events) never exceeds cap(events) and
// deliver never blocks.
type mailbox[H any] struct {
	events chan Event[H]
	tokens chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox[H any](capacity int) *mailbox[H] {
	mb := &mailbox[H]{
		events: make(chan Event[H], capacity),
		tokens: make(chan struct{}, capacity),
		done:   make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		mb.tokens <- struct{}{}
	}
	return mb
}

func (mb *mailbox[H]) tryReserve() reserveStatus {
	select {
	case <-mb.done:
		return reserveClosed
	default:
	}
	select {
	case <-mb.tokens:
		return reserveOK
	default:
		return reserveNotReady
	}
}

func (mb *mailbox[H]) slots() <-chan struct{} { return mb.tokens }

func (mb *mailbox[H]) release() { mb.tokens <- struct{}{} }

func (mb *mailbox[H]) deliver(ev Event[H]) { mb.events <- ev }

func (mb *mailbox[H]) closed() <-chan struct{} { return mb.done }

// tryRecv is used by the Manager only.
func (mb *mailbox[H]) tryRecv() (Event[H], bool) {
	select {
	case ev := <-mb.events:
		mb.tokens <- struct{}{}
		return ev, true
	default:
		return Event[H]{}, false
	}
}

func (mb *mailbox[H]) close() {
	mb.closeOnce.Do(func() { close(mb.done) })
}
