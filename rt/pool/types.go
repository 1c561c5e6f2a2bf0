package pool

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// TaskID identifies a task within a Manager.
//
// IDs are allocated in strictly increasing order and are never reused by the same Manager.
// The zero value is never allocated.
type TaskID uint64

func (id TaskID) String() string {
	return "task-" + strconv.FormatUint(uint64(id), 10)
}

// Handler is carried by a task while its Work is pending and becomes active once the Work
// succeeds.
//
// Handle is called synchronously on the task's drive path (the task goroutine in pooled
// mode, the Manager's goroutine in cooperative mode). It must be fast and must not block.
// A non-nil notification is relayed to the Manager as an EventNotify. A non-nil error ends
// the task with an EventError.
//
// If a Handler also implements io.Closer, Close is called once when the task ends while
// holding it (cancellation, handler error, or manager shutdown). It is not called when the
// handler is handed back through EventFailed.
type Handler[P any] interface {
	Handle(ctx context.Context, payload P) (notification any, err error)
}

// Command is a manager-to-task directive.
//
// The only kind of command forwards a payload to the task's active handler; see NotifyHandler.
type Command[P any] struct {
	Payload P
}

// NotifyHandler builds a command that forwards payload to the task's active handler.
func NotifyHandler[P any](payload P) Command[P] {
	return Command[P]{Payload: payload}
}

// EventKind is the kind of a task event.
type EventKind int

const (
	// EventEstablished reports that the Work succeeded and the handler is now active.
	EventEstablished EventKind = iota
	// EventError reports that the active handler failed. It is terminal.
	EventError
	// EventFailed reports that the Work failed. It carries back the handler that was never
	// activated. It is terminal.
	EventFailed
	// EventNotify relays a notification produced by the active handler.
	EventNotify
	// EventClosed is produced by the Manager (never by a task) once a canceled task has been
	// observed to exit. It is terminal.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventError:
		return "error"
	case EventFailed:
		return "failed"
	case EventNotify:
		return "notify"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a task-to-manager message. It is always tagged with the originating TaskID.
type Event[H any] struct {
	ID   TaskID
	Kind EventKind

	// Handler is set for EventFailed: the handler that was never activated.
	Handler H
	// Err is set for EventFailed (the Work error) and EventError (the handler error).
	Err error
	// Notification is set for EventNotify.
	Notification any
}

// Terminal reports whether the event ends its task.
func (e Event[H]) Terminal() bool {
	switch e.Kind {
	case EventError, EventFailed, EventClosed:
		return true
	default:
		return false
	}
}

// TaskState is the state of a task as last observed by its Manager.
type TaskState int

const (
	// TaskStatePending means the Work has not been observed to resolve.
	TaskStatePending TaskState = iota
	// TaskStateEstablished means an EventEstablished has been observed.
	TaskStateEstablished
	// TaskStateClosing means the task was canceled and its exit has not been observed yet.
	TaskStateClosing
)

func (s TaskState) String() string {
	switch s {
	case TaskStatePending:
		return "pending"
	case TaskStateEstablished:
		return "established"
	case TaskStateClosing:
		return "closing"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// TaskStatus is one entry of a Snapshot.
type TaskStatus struct {
	ID    TaskID
	State TaskState

	Added time.Time
	// Since is when State was entered.
	Since time.Time
}

// Snapshot is a point-in-time view of a Manager, designed for consumption by an ops layer.
type Snapshot struct {
	// Manager is a random identifier of the Manager instance.
	Manager string
	Name    string
	Mode    string
	Closed  bool

	// Counters of observed task outcomes over the Manager's lifetime.
	Added       uint64
	Established uint64
	Failed      uint64
	Errored     uint64
	Canceled    uint64

	// Tasks is sorted by ID.
	Tasks []TaskStatus
}
