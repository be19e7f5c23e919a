package transport

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned by engine operations after Close.
var ErrEngineClosed = errors.New("engine is closed")

// ErrQueueFull is returned when a link's send queue has no room. The
// packet was not queued; callers may retry after draining.
var ErrQueueFull = errors.New("send queue is full")

// ErrUnknownHandle reports an operation on a handle the engine no longer
// tracks, typically because the link already went down.
type ErrUnknownHandle struct {
	Handle Handle
}

func (e ErrUnknownHandle) Error() string {
	return fmt.Sprintf("unknown handle %d", e.Handle)
}

// ErrPayloadTooLarge reports a payload exceeding the engine's frame limit.
type ErrPayloadTooLarge struct {
	Size  int
	Limit int
}

func (e ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d", e.Size, e.Limit)
}
