package enet

import "fmt"

// EventKind is the payload of an Event. The kind space is closed: Connect,
// Disconnect and Receive are the only implementations.
type EventKind interface {
	isEventKind()
}

// Connect reports a newly established connection. It carries no payload.
type Connect struct{}

// Disconnect reports a connection that ended. Data is the 32-bit
// application datum supplied by whichever side initiated the teardown.
type Disconnect struct {
	Data uint32
}

// Receive reports an inbound packet on a channel.
type Receive struct {
	ChannelID uint8
	Packet    *Packet
}

func (Connect) isEventKind()    {}
func (Disconnect) isEventKind() {}
func (Receive) isEventKind()    {}

// Event binds one occurrence on the network to the peer it concerns. An
// event is a single-use capability: exactly one of Take or Close completes
// it. For a Disconnect, completion runs the peer cleanup (dropping the
// application payload and retiring the slot generation) exactly once,
// whichever path the caller picks. Inspecting an event and dropping it is
// therefore always safe; Close is the safety net for callers that never
// call Take.
//
// After completion the event is inert. Accessors panic rather than hand
// out references to a peer that may already belong to a new connection.
type Event struct {
	peer *Peer
	id   PeerID
	kind EventKind
	done bool
}

func newEvent(peer *Peer, kind EventKind) *Event {
	return &Event{peer: peer, id: peer.id, kind: kind}
}

// Peer returns the peer this event concerns. The reference is only
// meaningful while the event is live; across events, retain the PeerID and
// re-resolve it instead.
func (e *Event) Peer() *Peer {
	e.mustBeLive("Peer")
	return e.peer
}

// PeerID returns the generation-stamped handle of the event's peer. Unlike
// the peer reference, the returned value stays usable after the event and
// even the peer are gone.
func (e *Event) PeerID() PeerID {
	e.mustBeLive("PeerID")
	return e.id
}

// Kind returns the event's payload without consuming the event.
func (e *Event) Kind() EventKind {
	e.mustBeLive("Kind")
	return e.kind
}

// Take consumes the event and returns its payload. For a Disconnect the
// peer cleanup runs first, while the event still holds its peer, so by the
// time the caller sees the datum the peer's payload is gone and its ID is
// stale. The kind slot is left holding a harmless Connect so a later Close
// has nothing to act on.
func (e *Event) Take() EventKind {
	e.mustBeLive("Take")
	e.cleanup()
	kind := e.kind
	e.kind = Connect{}
	e.done = true
	return kind
}

// Close completes an event that was not consumed with Take, running the
// same peer cleanup Take would have. Closing a consumed or already closed
// event does nothing, and a nil event is fine, so deferring Close
// unconditionally is the intended pattern.
func (e *Event) Close() {
	if e == nil || e.done {
		return
	}
	e.cleanup()
	e.done = true
}

// cleanup runs the completion action for the current kind: Disconnect
// retires the bound peer, Connect and Receive do nothing.
func (e *Event) cleanup() {
	if _, ok := e.kind.(Disconnect); ok {
		e.peer.cleanupAfterDisconnect()
	}
}

func (e *Event) mustBeLive(op string) {
	if e.done {
		panic(fmt.Sprintf("enet: %s called on consumed event", op))
	}
}
