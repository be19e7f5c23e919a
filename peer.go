package enet

import (
	"net"

	"github.com/riyuzenn/enet-go/transport"
)

// PeerState tracks where a connection is in its lifecycle.
type PeerState uint8

const (
	// StateDisconnected means no connection exists and the peer's slot
	// has been cleaned up.
	StateDisconnected PeerState = iota
	// StateConnecting means an outgoing connect is waiting for the remote
	// side to acknowledge.
	StateConnecting
	// StateConnected means the link is established in both directions.
	StateConnected
	// StateDisconnecting means a teardown has been requested and its
	// Disconnect event has not surfaced yet.
	StateDisconnecting
	// StateZombie means the link is gone but the slot's cleanup has not
	// run yet, because the Disconnect event is still live.
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateZombie:
		return "zombie"
	default:
		return "invalid"
	}
}

// Peer is one remote endpoint of a host. Peers are created by the host when
// a connection arises and stay addressable until the Disconnect event that
// ends them completes, at which point the application payload is dropped
// and the peer's ID stops resolving.
type Peer struct {
	host         *Host
	id           PeerID
	handle       transport.Handle
	addr         net.Addr
	state        PeerState
	channelCount uint8
	data         any
	hasData      bool
}

// ID returns the peer's generation-stamped handle.
func (p *Peer) ID() PeerID { return p.id }

// State returns the peer's lifecycle state.
func (p *Peer) State() PeerState { return p.state }

// Address returns the remote address, or nil while an outgoing connect has
// not been acknowledged yet.
func (p *Peer) Address() net.Addr { return p.addr }

// ChannelCount returns the number of channels negotiated for the link.
func (p *Peer) ChannelCount() uint8 { return p.channelCount }

// SetData attaches an application payload to the peer, replacing any
// previous one. The payload is dropped when the peer is cleaned up.
func (p *Peer) SetData(v any) {
	p.data = v
	p.hasData = true
}

// Data returns the attached application payload. ok is false when nothing
// is attached, including after cleanup has dropped it.
func (p *Peer) Data() (v any, ok bool) {
	return p.data, p.hasData
}

// TakeData detaches the application payload and returns it. After TakeData
// the peer holds nothing, as if SetData had never been called.
func (p *Peer) TakeData() (v any, ok bool) {
	v, ok = p.data, p.hasData
	p.data = nil
	p.hasData = false
	return v, ok
}

// Send queues a packet on the given channel. The engine owns the packet's
// buffer afterwards.
func (p *Peer) Send(channelID uint8, pk *Packet) error {
	if p.state != StateConnected {
		return ErrPeerNotConnected
	}
	if channelID >= p.channelCount {
		return ErrChannelOutOfRange
	}
	if err := p.host.engine.Send(p.handle, channelID, pk.data, pk.flags); err != nil {
		return err
	}
	p.host.packetSent(len(pk.data))
	return nil
}

// Disconnect asks for a graceful teardown, delivering data to the remote
// side as the disconnect datum. The teardown completes when a later
// service call surfaces this peer's Disconnect event.
func (p *Peer) Disconnect(data uint32) error {
	return p.disconnect(data, transport.DisconnectGraceful)
}

// DisconnectLater is Disconnect delayed until queued outgoing packets have
// been delivered.
func (p *Peer) DisconnectLater(data uint32) error {
	return p.disconnect(data, transport.DisconnectLater)
}

func (p *Peer) disconnect(data uint32, mode transport.DisconnectMode) error {
	if p.state != StateConnected && p.state != StateConnecting {
		return ErrPeerNotConnected
	}
	if err := p.host.engine.Disconnect(p.handle, data, mode); err != nil {
		return err
	}
	p.state = StateDisconnecting
	return nil
}

// DisconnectNow resets the link immediately. No Disconnect event follows:
// the peer is cleaned up before DisconnectNow returns, so its payload is
// gone and its ID stale once this call completes. The remote side is told
// the reason on a best-effort basis only.
func (p *Peer) DisconnectNow(data uint32) error {
	if p.state == StateDisconnected || p.state == StateZombie {
		return ErrPeerNotConnected
	}
	err := p.host.engine.Disconnect(p.handle, data, transport.DisconnectNow)
	p.host.resetPeer(p)
	return err
}

// Ping sends a keepalive probe on the link.
func (p *Peer) Ping() error {
	if p.state != StateConnected {
		return ErrPeerNotConnected
	}
	return p.host.engine.Ping(p.handle)
}

// cleanupAfterDisconnect drops the application payload and retires the
// peer's slot so its generation stops validating. It runs exactly once per
// slot generation; the single-use event discipline enforces that, so there
// is no idempotence check here.
func (p *Peer) cleanupAfterDisconnect() {
	p.data = nil
	p.hasData = false
	p.state = StateDisconnected
	p.host.slots.retire(p.id)
	p.host.peerRetired()
}
