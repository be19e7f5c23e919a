// Package mem implements an in-process engine. Engines attach to a shared
// Network under a name and connect to each other by that name; delivery is
// lossless and ordered, synchronous by default, or scheduled on a clock
// when the network simulates latency. It backs tests and local loops where
// real sockets would only add noise.
package mem

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/riyuzenn/enet-go/transport"
)

// Addr is the pseudo address of an in-process engine.
type Addr struct {
	Name string
}

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return a.Name }

// Network connects in-process engines by name.
type Network struct {
	mu      sync.Mutex
	engines map[string]*Engine
	clock   clock.Clock
	latency time.Duration
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithClock substitutes the clock used for latency scheduling and poll
// timeouts. Pair it with WithLatency and a mock clock for deterministic
// timing tests.
func WithClock(clk clock.Clock) NetworkOption {
	return func(n *Network) {
		if clk != nil {
			n.clock = clk
		}
	}
}

// WithLatency delays every delivery by d per hop. Zero keeps delivery
// synchronous with the call that caused it.
func WithLatency(d time.Duration) NetworkOption {
	return func(n *Network) { n.latency = d }
}

// NewNetwork creates an empty network.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		engines: make(map[string]*Engine),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Engine returns the engine listening at name, creating it on first use.
func (n *Network) Engine(name string) *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.engines[name]; ok {
		return e
	}
	e := &Engine{
		net:    n,
		name:   name,
		signal: make(chan struct{}, 1),
		links:  make(map[transport.Handle]*link),
		done:   make(chan struct{}),
	}
	n.engines[name] = e
	return e
}

func (n *Network) lookup(name string) *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engines[name]
}

func (n *Network) drop(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.engines, name)
}

// schedule runs fn after d on the network clock, or inline when d is zero
// so that zero-latency networks stay fully deterministic.
func (n *Network) schedule(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	n.clock.AfterFunc(d, fn)
}

// Engine is one endpoint on an in-process network. It implements
// transport.Engine.
type Engine struct {
	net  *Network
	name string

	mu     sync.Mutex
	events []transport.RawEvent
	links  map[transport.Handle]*link
	next   uint64
	closed bool

	signal chan struct{}
	done   chan struct{}
}

var _ transport.Engine = (*Engine)(nil)

type link struct {
	remote       *Engine
	remoteHandle transport.Handle
	channels     uint8
}

func (e *Engine) allocHandle() transport.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	return transport.Handle(e.next)
}

func (e *Engine) setLink(h transport.Handle, l *link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links[h] = l
}

func (e *Engine) link(h transport.Handle) *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[h]
}

// takeLink removes and returns h's link, so nothing further is emitted or
// delivered for the handle.
func (e *Engine) takeLink(h transport.Handle) *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.links[h]
	delete(e.links, h)
	return l
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// push appends ev to the event queue and wakes a blocked Poll.
func (e *Engine) push(ev transport.RawEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.events = append(e.events, ev)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) pop() (transport.RawEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return transport.RawEvent{}, false
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, true
}

// Connect links this engine to the one listening at addr. Both sides learn
// about the link: the listener one hop of latency away, the dialer a full
// round trip away.
func (e *Engine) Connect(addr string, channelCount uint8, data uint32) (transport.Handle, error) {
	if e.isClosed() {
		return 0, transport.ErrEngineClosed
	}
	target := e.net.lookup(addr)
	if target == nil || target.isClosed() {
		return 0, fmt.Errorf("mem: no engine listening at %q", addr)
	}
	if channelCount == 0 {
		channelCount = 1
	}

	local := e.allocHandle()
	remote := target.allocHandle()
	e.setLink(local, &link{remote: target, remoteHandle: remote, channels: channelCount})
	target.setLink(remote, &link{remote: e, remoteHandle: local, channels: channelCount})

	lat := e.net.latency
	e.net.schedule(lat, func() {
		target.push(transport.RawEvent{
			Kind:         transport.RawConnect,
			Handle:       remote,
			Data:         data,
			ChannelCount: channelCount,
			Addr:         Addr{Name: e.name},
		})
	})
	e.net.schedule(2*lat, func() {
		e.push(transport.RawEvent{
			Kind:         transport.RawConnect,
			Handle:       local,
			ChannelCount: channelCount,
			Addr:         Addr{Name: target.name},
		})
	})
	return local, nil
}

// Poll returns the next pending event, waiting up to timeout.
func (e *Engine) Poll(timeout time.Duration) (transport.RawEvent, error) {
	deadline := e.net.clock.Now().Add(timeout)
	for {
		if ev, ok := e.pop(); ok {
			return ev, nil
		}
		if e.isClosed() {
			return transport.RawEvent{}, transport.ErrEngineClosed
		}
		remaining := deadline.Sub(e.net.clock.Now())
		if remaining <= 0 {
			return transport.RawEvent{}, nil
		}
		timer := e.net.clock.Timer(remaining)
		select {
		case <-e.signal:
			timer.Stop()
		case <-timer.C:
		case <-e.done:
		}
	}
}

// Send delivers payload to the remote end of h.
func (e *Engine) Send(h transport.Handle, channelID uint8, payload []byte, flags transport.PacketFlags) error {
	if e.isClosed() {
		return transport.ErrEngineClosed
	}
	l := e.link(h)
	if l == nil {
		return transport.ErrUnknownHandle{Handle: h}
	}
	if channelID >= l.channels {
		return fmt.Errorf("mem: channel %d out of range for link with %d channels", channelID, l.channels)
	}
	remote, rh := l.remote, l.remoteHandle
	e.net.schedule(e.net.latency, func() {
		remote.push(transport.RawEvent{
			Kind:      transport.RawReceive,
			Handle:    rh,
			ChannelID: channelID,
			Payload:   payload,
			Flags:     flags,
		})
	})
	return nil
}

// Disconnect tears h down. The remote side always learns the datum; the
// local side gets its own RawDisconnect only for the graceful modes, since
// DisconnectNow means the caller already wrote the link off.
func (e *Engine) Disconnect(h transport.Handle, data uint32, mode transport.DisconnectMode) error {
	if e.isClosed() {
		return transport.ErrEngineClosed
	}
	l := e.takeLink(h)
	if l == nil {
		return transport.ErrUnknownHandle{Handle: h}
	}
	remote, rh := l.remote, l.remoteHandle
	lat := e.net.latency
	e.net.schedule(lat, func() {
		remote.takeLink(rh)
		remote.push(transport.RawEvent{Kind: transport.RawDisconnect, Handle: rh, Data: data})
	})
	if mode != transport.DisconnectNow {
		e.net.schedule(2*lat, func() {
			e.push(transport.RawEvent{Kind: transport.RawDisconnect, Handle: h, Data: data})
		})
	}
	return nil
}

// Ping verifies the link exists. In-process links never need keepalives.
func (e *Engine) Ping(h transport.Handle) error {
	if e.isClosed() {
		return transport.ErrEngineClosed
	}
	if e.link(h) == nil {
		return transport.ErrUnknownHandle{Handle: h}
	}
	return nil
}

// Flush is a no-op: delivery already happens at send time.
func (e *Engine) Flush() error {
	if e.isClosed() {
		return transport.ErrEngineClosed
	}
	return nil
}

// Addr returns the engine's pseudo address on its network.
func (e *Engine) Addr() net.Addr {
	return Addr{Name: e.name}
}

// Close drops every link, telling the remote ends, and detaches the engine
// from its network.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	links := e.links
	e.links = make(map[transport.Handle]*link)
	e.events = nil
	close(e.done)
	e.mu.Unlock()

	e.net.drop(e.name)
	for _, l := range links {
		remote, rh := l.remote, l.remoteHandle
		e.net.schedule(e.net.latency, func() {
			remote.takeLink(rh)
			remote.push(transport.RawEvent{Kind: transport.RawDisconnect, Handle: rh})
		})
	}
	return nil
}
