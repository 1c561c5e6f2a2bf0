package pool

import "errors"

var (
	// ErrClosed is returned when the Manager has been closed.
	ErrClosed = errors.New("pool: manager closed")
	// ErrTaskNotFound is returned when no live task has the given ID.
	ErrTaskNotFound = errors.New("pool: task not found")
	// ErrTaskPending is returned by SendCommand when the task has not been observed as
	// established. Commands are never forwarded to pending tasks.
	ErrTaskPending = errors.New("pool: task not established")
	// ErrTaskClosing is returned by SendCommand when the task has been canceled.
	ErrTaskClosing = errors.New("pool: task closing")
	// ErrCommandQueueFull is returned by SendCommand when the task's command channel is at
	// capacity. Drive the Manager (or wait for the task goroutine) and retry.
	ErrCommandQueueFull = errors.New("pool: command queue full")
	// ErrPanicked wraps a value recovered from a panicking Work, Handle or Close call.
	ErrPanicked = errors.New("pool: panicked")
)
