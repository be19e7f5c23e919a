// Package enet provides connection-oriented, multi-channel messaging with
// per-packet reliability on top of pluggable datagram engines. A Host owns
// the peer table and drives an engine; the engine owns sockets, handshakes
// and retransmission. Everything the network does reaches the application
// as a stream of single-use Events drained through Host.Service.
package enet

import (
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/riyuzenn/enet-go/transport"
)

// Host owns the peer slot table and the engine that moves its bytes. A host
// takes no locks: all methods, and all use of the events and peers it hands
// out, belong to one goroutine.
type Host struct {
	engine transport.Engine
	slots  *slotTable

	// reset remembers handles that were force-closed locally, so events
	// the engine queued for them before the reset are discarded instead
	// of tripping the unknown-handle check.
	reset *lru.Cache[transport.Handle, struct{}]

	// outstanding is the event returned by the previous Service call. It
	// is closed before the next poll, so at most one live event exists.
	outstanding *Event

	log     *zap.Logger
	cfg     config
	metrics *hostMetrics
	closed  bool
}

// NewHost wraps engine in a host. The host assumes sole ownership of the
// engine: it drains the engine's event queue and closes the engine together
// with itself.
func NewHost(engine transport.Engine, opts ...Option) (*Host, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	reset, err := lru.New[transport.Handle, struct{}](cfg.resetCacheSize)
	if err != nil {
		return nil, fmt.Errorf("reset cache: %w", err)
	}
	h := &Host{
		engine: engine,
		slots:  newSlotTable(),
		reset:  reset,
		log:    cfg.log,
		cfg:    cfg,
	}
	if cfg.registerer != nil {
		h.metrics = newHostMetrics(cfg.registerer)
	}
	return h, nil
}

// Connect opens an outgoing connection to addr with channelCount channels.
// data is an application datum handed to the remote engine along with the
// connect. The returned peer starts in StateConnecting; its Connect event
// surfaces through Service once the remote side acknowledges.
func (h *Host) Connect(addr string, channelCount uint8, data uint32) (*Peer, error) {
	if h.closed {
		return nil, ErrHostClosed
	}
	if channelCount == 0 {
		return nil, fmt.Errorf("connect to %s: channel count must be at least 1", addr)
	}
	if h.slots.len() >= h.cfg.peerLimit {
		return nil, ErrNoAvailablePeers
	}
	handle, err := h.engine.Connect(addr, channelCount, data)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	peer := &Peer{
		host:         h,
		handle:       handle,
		state:        StateConnecting,
		channelCount: channelCount,
	}
	peer.id = h.slots.bind(peer, handle)
	h.peerBound()
	h.log.Debug("connecting",
		zap.String("addr", addr),
		zap.Stringer("peer", peer.id))
	return peer, nil
}

// Service drains one event from the engine, waiting up to timeout for
// something to happen. It returns nil when nothing happened in time. An
// unconsumed event from the previous Service call is closed first, so code
// that holds an event across Service calls will find it consumed; retain
// PeerIDs, not events.
func (h *Host) Service(timeout time.Duration) (*Event, error) {
	if h.closed {
		return nil, ErrHostClosed
	}
	h.outstanding.Close()
	h.outstanding = nil

	raw, err := h.engine.Poll(timeout)
	if err != nil {
		return nil, fmt.Errorf("poll engine: %w", err)
	}
	ev := h.eventFromRaw(raw)
	h.outstanding = ev
	return ev, nil
}

// eventFromRaw classifies one engine event and binds it to its peer slot.
// The engine's event space is closed and a handle it just emitted must
// resolve; an unknown kind or an unresolvable fresh handle means the engine
// broke its contract, and continuing would risk aliasing peer state, so
// both are fatal. Handles in the reset cache are the exception: those
// events raced a local force-close and are silently discarded.
func (h *Host) eventFromRaw(raw transport.RawEvent) *Event {
	switch raw.Kind {
	case transport.RawNone:
		return nil

	case transport.RawConnect:
		peer, ok := h.slots.resolve(raw.Handle)
		if !ok {
			if h.reset.Contains(raw.Handle) {
				return nil
			}
			if h.slots.len() >= h.cfg.peerLimit {
				h.log.Warn("refusing connection, peer limit reached",
					zap.Int("limit", h.cfg.peerLimit))
				h.engine.Disconnect(raw.Handle, 0, transport.DisconnectNow)
				h.reset.Add(raw.Handle, struct{}{})
				return nil
			}
			peer = &Peer{host: h, handle: raw.Handle}
			peer.id = h.slots.bind(peer, raw.Handle)
			h.peerBound()
		}
		peer.state = StateConnected
		if raw.Addr != nil {
			peer.addr = raw.Addr
		}
		if raw.ChannelCount > 0 {
			peer.channelCount = raw.ChannelCount
		}
		h.eventSurfaced("connect", peer.id)
		return newEvent(peer, Connect{})

	case transport.RawDisconnect:
		peer := h.mustResolve(raw)
		if peer == nil {
			return nil
		}
		peer.state = StateZombie
		h.eventSurfaced("disconnect", peer.id)
		return newEvent(peer, Disconnect{Data: raw.Data})

	case transport.RawReceive:
		peer := h.mustResolve(raw)
		if peer == nil {
			return nil
		}
		h.eventSurfaced("receive", peer.id)
		pk := &Packet{data: raw.Payload, flags: raw.Flags}
		return newEvent(peer, Receive{ChannelID: raw.ChannelID, Packet: pk})

	default:
		panic(fmt.Sprintf("enet: unrecognized raw event kind %d", raw.Kind))
	}
}

// mustResolve maps a fresh raw event to its live peer. Events for handles
// that were force-closed locally yield nil; anything else that fails to
// resolve is an engine contract violation.
func (h *Host) mustResolve(raw transport.RawEvent) *Peer {
	peer, ok := h.slots.resolve(raw.Handle)
	if !ok {
		if h.reset.Contains(raw.Handle) {
			return nil
		}
		panic(fmt.Sprintf("enet: engine emitted %v for unknown handle %d", raw.Kind, raw.Handle))
	}
	return peer
}

// resetPeer force-closes a peer's slot without an event, remembering the
// handle so events the engine already queued for it are discarded.
func (h *Host) resetPeer(p *Peer) {
	h.reset.Add(p.handle, struct{}{})
	p.state = StateZombie
	p.cleanupAfterDisconnect()
	h.log.Debug("peer reset", zap.Stringer("peer", p.id))
}

// Broadcast queues a packet on the given channel of every connected peer.
// Per-peer failures are aggregated into the returned error; peers that
// accepted the packet keep it.
func (h *Host) Broadcast(channelID uint8, pk *Packet) error {
	if h.closed {
		return ErrHostClosed
	}
	var errs error
	h.slots.each(func(p *Peer) {
		if p.state != StateConnected {
			return
		}
		if err := p.Send(channelID, pk); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %v: %w", p.id, err))
		}
	})
	return errs
}

// Flush pushes queued outgoing packets toward the wire without waiting for
// acknowledgements.
func (h *Host) Flush() error {
	if h.closed {
		return ErrHostClosed
	}
	return h.engine.Flush()
}

// PeerByID resolves a retained PeerID. It fails with ErrStalePeer once the
// peer's slot generation has moved on, so a stale handle can never alias a
// newer connection in the same slot.
func (h *Host) PeerByID(id PeerID) (*Peer, error) {
	return h.slots.byID(id)
}

// PeerCount returns the number of live peer slots, connecting and zombie
// ones included.
func (h *Host) PeerCount() int { return h.slots.len() }

// Peers returns the live peers in slot order.
func (h *Host) Peers() []*Peer {
	out := make([]*Peer, 0, h.slots.len())
	h.slots.each(func(p *Peer) { out = append(out, p) })
	return out
}

// Addr returns the engine's local listening address, or nil for a
// client-only engine.
func (h *Host) Addr() net.Addr { return h.engine.Addr() }

// Close force-closes every remaining peer as if by DisconnectNow and shuts
// the engine down. No further events surface.
func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.outstanding.Close()
	h.outstanding = nil

	var errs error
	h.slots.each(func(p *Peer) {
		if err := h.engine.Disconnect(p.handle, 0, transport.DisconnectNow); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %v: %w", p.id, err))
		}
		h.resetPeer(p)
	})
	h.log.Debug("host closed")
	return multierr.Append(errs, h.engine.Close())
}

func (h *Host) eventSurfaced(kind string, id PeerID) {
	h.log.Debug("event", zap.String("kind", kind), zap.Stringer("peer", id))
	if h.metrics != nil {
		h.metrics.events.WithLabelValues(kind).Inc()
	}
}

func (h *Host) peerBound() {
	if h.metrics != nil {
		h.metrics.peers.Inc()
	}
}

func (h *Host) peerRetired() {
	if h.metrics != nil {
		h.metrics.peers.Dec()
	}
}

func (h *Host) packetSent(n int) {
	if h.metrics != nil {
		h.metrics.packetsSent.Inc()
		h.metrics.bytesSent.Add(float64(n))
	}
}
