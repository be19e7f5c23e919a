// Package quic implements transport.Engine on QUIC. Reliable packets ride
// long-lived per-channel streams, unreliable ones ride datagrams with a
// small sequencing header, and the 32-bit disconnect datum maps onto the
// QUIC application error code.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riyuzenn/enet-go/transport"
	"github.com/riyuzenn/enet-go/transport/wire"
)

const (
	alpnProtocol = "enet-go"

	// refuseCode closes connections the engine never accepted: failed
	// handshakes and rate-limited dials.
	refuseCode = quic.ApplicationErrorCode(0x000a)

	// maxDatagramPayload keeps an unreliable packet plus its header under
	// a conservative QUIC datagram size.
	maxDatagramPayload = 1200 - wire.DatagramHeaderSize

	sendQueueSize  = 256
	eventQueueSize = 1024
	opQueueSize    = 100

	defaultDialTimeout  = 10 * time.Second
	handshakeTimeout    = 5 * time.Second
	defaultIdleTimeout  = 30 * time.Second
	defaultKeepAlive    = 10 * time.Second
	defaultAcceptWindow = time.Second
)

// Config configures an Engine.
type Config struct {
	// Addr is the listen address. Empty means a client-only engine.
	Addr string

	// TLS is required when listening. Dial-side configs without
	// NextProtos get the engine's ALPN filled in.
	TLS *tls.Config

	// QUIC overrides the transport tuning. Datagram support is always
	// switched on.
	QUIC *quic.Config

	Logger *zap.Logger
	Clock  clock.Clock

	// AcceptLimit caps accepted connections per remote host within each
	// AcceptWindow. Zero disables limiting.
	AcceptLimit  int
	AcceptWindow time.Duration

	// MaxChannels clamps the channel count granted to incoming
	// connections. Zero means no clamp. The dialer learns the granted
	// count from its connect event.
	MaxChannels uint8

	DialTimeout time.Duration
}

type opType int

const (
	opRegister opType = iota
	opUnregister
	opSend
)

type operation struct {
	typ    opType
	link   *link
	handle transport.Handle
	out    outgoing
	resp   chan error
}

// Engine is a QUIC-backed transport engine.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	clock    clock.Clock
	qcfg     *quic.Config
	listener *quic.Listener
	limiter  *transport.AcceptLimiter

	events chan transport.RawEvent
	ops    chan operation

	links  map[transport.Handle]*link
	linkMu sync.RWMutex

	next atomic.Uint64

	runCtx    context.Context
	cancel    context.CancelFunc
	grp       *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ transport.Engine = (*Engine)(nil)

// New creates an engine and, when cfg.Addr is set, binds it and starts
// accepting.
func New(cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	qcfg := &quic.Config{}
	if cfg.QUIC != nil {
		qcfg = cfg.QUIC.Clone()
	}
	qcfg.EnableDatagrams = true
	if qcfg.MaxIdleTimeout == 0 {
		qcfg.MaxIdleTimeout = defaultIdleTimeout
	}
	if qcfg.KeepAlivePeriod == 0 {
		qcfg.KeepAlivePeriod = defaultKeepAlive
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		clock:  clk,
		qcfg:   qcfg,
		events: make(chan transport.RawEvent, eventQueueSize),
		ops:    make(chan operation, opQueueSize),
		links:  make(map[transport.Handle]*link),
	}
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.grp, _ = errgroup.WithContext(e.runCtx)

	if cfg.AcceptLimit > 0 {
		window := cfg.AcceptWindow
		if window <= 0 {
			window = defaultAcceptWindow
		}
		limiter, err := transport.NewAcceptLimiter(cfg.AcceptLimit, window, clk)
		if err != nil {
			return nil, err
		}
		e.limiter = limiter
	}

	e.grp.Go(func() error { e.run(); return nil })

	if cfg.Addr != "" {
		if cfg.TLS == nil {
			e.cancel()
			return nil, errors.New("quic: listening requires a TLS config")
		}
		tlsConf := cfg.TLS.Clone()
		if len(tlsConf.NextProtos) == 0 {
			tlsConf.NextProtos = []string{alpnProtocol}
		}
		listener, err := quic.ListenAddr(cfg.Addr, tlsConf, e.qcfg)
		if err != nil {
			e.cancel()
			return nil, fmt.Errorf("quic: listen %s: %w", cfg.Addr, err)
		}
		e.listener = listener
		e.grp.Go(func() error { e.accept(); return nil })
	}
	return e, nil
}

func (e *Engine) nextHandle() transport.Handle {
	return transport.Handle(e.next.Add(1))
}

// run owns link registration and the send path.
func (e *Engine) run() {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case op := <-e.ops:
			e.handleOperation(op)
		}
	}
}

func (e *Engine) handleOperation(op operation) {
	var err error

	switch op.typ {
	case opRegister:
		e.linkMu.Lock()
		if e.closed.Load() {
			err = transport.ErrEngineClosed
		} else {
			e.links[op.link.handle] = op.link
		}
		e.linkMu.Unlock()

	case opUnregister:
		e.linkMu.Lock()
		if l, ok := e.links[op.handle]; ok {
			delete(e.links, op.handle)
			close(l.send)
		}
		e.linkMu.Unlock()

	case opSend:
		e.linkMu.RLock()
		l, ok := e.links[op.handle]
		e.linkMu.RUnlock()

		if !ok {
			err = transport.ErrUnknownHandle{Handle: op.handle}
		} else {
			select {
			case l.send <- op.out:
			default:
				err = transport.ErrQueueFull
			}
		}
	}

	if op.resp != nil {
		op.resp <- err
	}
}

// submit hands op to the run loop and waits for its verdict.
func (e *Engine) submit(op operation) error {
	op.resp = make(chan error, 1)
	select {
	case e.ops <- op:
	case <-e.runCtx.Done():
		return transport.ErrEngineClosed
	}
	select {
	case err := <-op.resp:
		return err
	case <-e.runCtx.Done():
		return transport.ErrEngineClosed
	}
}

func (e *Engine) accept() {
	for {
		conn, err := e.listener.Accept(e.runCtx)
		if err != nil {
			if e.runCtx.Err() != nil || e.closed.Load() {
				return
			}
			e.log.Warn("accept failed", zap.Error(err))
			continue
		}

		if e.limiter != nil && !e.limiter.Allow(conn.RemoteAddr().String()) {
			conn.CloseWithError(refuseCode, "rate limited")
			continue
		}

		e.grp.Go(func() error {
			e.acceptHandshake(conn)
			return nil
		})
	}
}

// acceptHandshake runs the listener side of the hello exchange: read the
// dialer's hello, answer with the accepted channel count, then surface the
// connect.
func (e *Engine) acceptHandshake(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(e.runCtx, handshakeTimeout)
	defer cancel()

	ctrl, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(refuseCode, "no control stream")
		return
	}
	hello, err := readHello(ctrl)
	if err != nil {
		e.log.Debug("handshake rejected", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.CloseWithError(refuseCode, "bad hello")
		return
	}
	channels := hello.ChannelCount
	if channels == 0 {
		channels = 1
	}
	if e.cfg.MaxChannels > 0 && channels > e.cfg.MaxChannels {
		channels = e.cfg.MaxChannels
	}
	if err := writeHello(ctrl, wire.Hello{ChannelCount: channels}); err != nil {
		conn.CloseWithError(refuseCode, "handshake write failed")
		return
	}

	l := newLink(e.nextHandle(), conn, ctrl, channels, e.log)
	if err := e.submit(operation{typ: opRegister, link: l}); err != nil {
		conn.CloseWithError(refuseCode, "engine closing")
		return
	}
	e.transmit(transport.RawEvent{
		Kind:         transport.RawConnect,
		Handle:       l.handle,
		Data:         hello.Data,
		ChannelCount: channels,
		Addr:         conn.RemoteAddr(),
	})
	l.start(e)
}

// Connect dials addr in the background. The returned handle becomes live
// when the engine emits RawConnect for it; a failed dial surfaces as a
// RawDisconnect instead.
func (e *Engine) Connect(addr string, channelCount uint8, data uint32) (transport.Handle, error) {
	if e.closed.Load() {
		return 0, transport.ErrEngineClosed
	}
	handle := e.nextHandle()
	e.grp.Go(func() error {
		e.dial(handle, addr, channelCount, data)
		return nil
	})
	return handle, nil
}

func (e *Engine) dial(handle transport.Handle, addr string, channelCount uint8, data uint32) {
	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.DialTimeout)
	defer cancel()

	tlsConf := &tls.Config{}
	if e.cfg.TLS != nil {
		tlsConf = e.cfg.TLS.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnProtocol}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, e.qcfg)
	if err != nil {
		e.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		e.transmit(transport.RawEvent{Kind: transport.RawDisconnect, Handle: handle})
		return
	}

	ctrl, err := conn.OpenStreamSync(ctx)
	if err == nil {
		err = writeHello(ctrl, wire.Hello{ChannelCount: channelCount, Data: data})
	}
	var ack wire.Hello
	if err == nil {
		ack, err = readHello(ctrl)
	}
	if err != nil {
		e.log.Debug("handshake failed", zap.String("addr", addr), zap.Error(err))
		conn.CloseWithError(refuseCode, "handshake failed")
		e.transmit(transport.RawEvent{Kind: transport.RawDisconnect, Handle: handle})
		return
	}

	l := newLink(handle, conn, ctrl, ack.ChannelCount, e.log)
	if err := e.submit(operation{typ: opRegister, link: l}); err != nil {
		conn.CloseWithError(refuseCode, "engine closing")
		return
	}
	e.transmit(transport.RawEvent{
		Kind:         transport.RawConnect,
		Handle:       handle,
		ChannelCount: ack.ChannelCount,
		Addr:         conn.RemoteAddr(),
	})
	l.start(e)
}

// Poll returns the next pending event, waiting up to timeout.
func (e *Engine) Poll(timeout time.Duration) (transport.RawEvent, error) {
	select {
	case ev := <-e.events:
		return ev, nil
	default:
	}
	if e.closed.Load() {
		return transport.RawEvent{}, transport.ErrEngineClosed
	}
	if timeout <= 0 {
		return transport.RawEvent{}, nil
	}
	timer := e.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case ev := <-e.events:
		return ev, nil
	case <-timer.C:
		return transport.RawEvent{}, nil
	case <-e.runCtx.Done():
		return transport.RawEvent{}, transport.ErrEngineClosed
	}
}

// transmit queues ev for Poll, dropping it after a bounded wait when the
// host has stopped draining.
func (e *Engine) transmit(ev transport.RawEvent) {
	select {
	case e.events <- ev:
	case <-e.clock.After(time.Second):
		e.log.Warn("event queue stalled, dropping event",
			zap.Stringer("kind", ev.Kind),
			zap.Uint64("handle", uint64(ev.Handle)))
	case <-e.runCtx.Done():
	}
}

// Send queues payload on the given channel of h.
func (e *Engine) Send(h transport.Handle, channelID uint8, payload []byte, flags transport.PacketFlags) error {
	if e.closed.Load() {
		return transport.ErrEngineClosed
	}
	if len(payload) > wire.MaxPayload {
		return transport.ErrPayloadTooLarge{Size: len(payload), Limit: wire.MaxPayload}
	}
	if !flags.Reliable() && !flags.UnreliableFragment() && len(payload) > maxDatagramPayload {
		return transport.ErrPayloadTooLarge{Size: len(payload), Limit: maxDatagramPayload}
	}
	return e.submit(operation{typ: opSend, handle: h, out: outgoing{
		kind:    outData,
		channel: channelID,
		payload: payload,
		flags:   flags,
	}})
}

// Disconnect tears h down. Graceful modes drain the send queue first and
// emit a local RawDisconnect when the teardown completes; DisconnectNow
// closes on the spot and emits nothing.
func (e *Engine) Disconnect(h transport.Handle, data uint32, mode transport.DisconnectMode) error {
	if e.closed.Load() {
		return transport.ErrEngineClosed
	}
	e.linkMu.RLock()
	l, ok := e.links[h]
	e.linkMu.RUnlock()
	if !ok {
		return transport.ErrUnknownHandle{Handle: h}
	}

	if mode == transport.DisconnectNow {
		l.teardown(e, data, false)
		return nil
	}
	// A goodbye rides the send queue so everything queued before it is
	// written first.
	return e.submit(operation{typ: opSend, handle: h, out: outgoing{kind: outGoodbye, code: data}})
}

// Ping schedules a keepalive probe on h's control stream.
func (e *Engine) Ping(h transport.Handle) error {
	if e.closed.Load() {
		return transport.ErrEngineClosed
	}
	return e.submit(operation{typ: opSend, handle: h, out: outgoing{kind: outPing}})
}

// Flush waits briefly for the send queues to drain.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return transport.ErrEngineClosed
	}
	e.linkMu.RLock()
	links := make([]*link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.linkMu.RUnlock()

	deadline := e.clock.Now().Add(250 * time.Millisecond)
	for _, l := range links {
		for len(l.send) > 0 && e.clock.Now().Before(deadline) {
			e.clock.Sleep(time.Millisecond)
		}
	}
	return nil
}

// Addr reports the listening address, or nil for client-only engines.
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Close tears down every link and stops the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.linkMu.Lock()
		links := e.links
		e.links = make(map[transport.Handle]*link)
		e.linkMu.Unlock()
		for _, l := range links {
			l.closed.Store(true)
			l.conn.CloseWithError(0, "engine closed")
		}

		e.cancel()
		if e.listener != nil {
			err = e.listener.Close()
		}
		e.grp.Wait()
	})
	return err
}
