// Package transport defines the contract between a Host and the engines that
// move its bytes. An engine owns sockets, handshakes and retransmission; the
// host owns peers, channels and event delivery.
package transport

import (
	"net"
	"time"
)

// Handle identifies a live remote endpoint inside an engine. Handles are
// opaque and never reused for the lifetime of the engine, even after the
// endpoint goes away.
type Handle uint64

// PacketFlags select the delivery guarantees for a single payload.
type PacketFlags uint8

const (
	// FlagReliable requests retransmission until the payload is acknowledged.
	FlagReliable PacketFlags = 1 << iota
	// FlagUnsequenced exempts the payload from sequencing, so it may
	// overtake earlier unsequenced payloads on the same channel.
	FlagUnsequenced
	// FlagUnreliableFragment permits an unreliable payload that exceeds the
	// engine's datagram limit to travel fragmented over the reliable path
	// instead of being rejected.
	FlagUnreliableFragment
)

// Reliable reports whether the flags request acknowledged delivery.
func (f PacketFlags) Reliable() bool { return f&FlagReliable != 0 }

// Unsequenced reports whether the flags exempt the payload from sequencing.
func (f PacketFlags) Unsequenced() bool { return f&FlagUnsequenced != 0 }

// UnreliableFragment reports whether an oversized unreliable payload may
// fall back to the reliable path.
func (f PacketFlags) UnreliableFragment() bool { return f&FlagUnreliableFragment != 0 }

// RawKind discriminates the events an engine may emit. The set is closed;
// hosts treat any other value as a protocol violation.
type RawKind uint8

const (
	RawNone RawKind = iota
	RawConnect
	RawDisconnect
	RawReceive
)

func (k RawKind) String() string {
	switch k {
	case RawNone:
		return "none"
	case RawConnect:
		return "connect"
	case RawDisconnect:
		return "disconnect"
	case RawReceive:
		return "receive"
	default:
		return "invalid"
	}
}

// RawEvent is a single occurrence reported by an engine. Which fields are
// meaningful depends on Kind: Data carries the application datum of a
// connect and the reason of a disconnect, ChannelID/Payload/Flags describe a
// received message, and Addr and ChannelCount are set on connects.
type RawEvent struct {
	Kind         RawKind
	Handle       Handle
	Data         uint32
	ChannelID    uint8
	Payload      []byte
	Flags        PacketFlags
	Addr         net.Addr
	ChannelCount uint8
}

// DisconnectMode controls how an engine tears a link down.
type DisconnectMode uint8

const (
	// DisconnectGraceful negotiates the teardown with the remote side.
	DisconnectGraceful DisconnectMode = iota
	// DisconnectLater delays the teardown until queued payloads are flushed.
	DisconnectLater
	// DisconnectNow resets the link without notifying delivery to the
	// remote side beyond a best-effort goodbye.
	DisconnectNow
)

// Engine moves bytes on behalf of a host. An engine runs its own goroutines
// and funnels everything that happened into a single queue drained by Poll;
// it never calls back into the host. After Disconnect with DisconnectNow an
// engine emits no further events for that handle.
type Engine interface {
	// Connect opens a link to addr with channelCount channels. data is an
	// application datum handed to the remote side together with its
	// connect event. The returned handle is allocated immediately, but
	// the link only becomes usable once the engine emits RawConnect
	// for it.
	Connect(addr string, channelCount uint8, data uint32) (Handle, error)

	// Poll returns the next pending event, waiting up to timeout for one
	// to arrive. A zero timeout makes Poll non-blocking. When nothing is
	// pending the returned event has Kind RawNone.
	Poll(timeout time.Duration) (RawEvent, error)

	// Send queues payload on the given channel of h.
	Send(h Handle, channelID uint8, payload []byte, flags PacketFlags) error

	// Disconnect tears down h according to mode, delivering data as the
	// reason to the remote side where the mode allows it.
	Disconnect(h Handle, data uint32, mode DisconnectMode) error

	// Ping sends a keepalive probe on h.
	Ping(h Handle) error

	// Flush pushes queued outgoing payloads toward the wire without
	// waiting for acknowledgements.
	Flush() error

	// Addr reports the local listening address, or nil for client-only
	// engines.
	Addr() net.Addr

	// Close tears down every link and releases the engine's resources.
	// Poll returns ErrEngineClosed afterwards.
	Close() error
}
