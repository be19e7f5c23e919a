// Package ws implements transport.Engine on WebSocket. Every packet rides
// a binary message prefixed with a one-byte opcode; the underlying TCP
// stream makes delivery reliable and ordered regardless of packet flags,
// so unreliable sends are accepted but upgraded.
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riyuzenn/enet-go/transport"
	"github.com/riyuzenn/enet-go/transport/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 + wire.DatagramHeaderSize + wire.MaxPayload

	sendQueueSize  = 256
	eventQueueSize = 1024
	opQueueSize    = 100

	defaultDialTimeout  = 10 * time.Second
	handshakeTimeout    = 5 * time.Second
	defaultAcceptWindow = time.Second
)

// Config configures an Engine.
type Config struct {
	// Addr is the listen address. Empty means a client-only engine.
	Addr string

	// TLS upgrades the listener to wss and is used verbatim for dials.
	// Nil means plain ws.
	TLS *tls.Config

	Logger *zap.Logger
	Clock  clock.Clock

	// AcceptLimit caps accepted upgrades per remote host within each
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

// Engine is a WebSocket-backed transport engine.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	clock    clock.Clock
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
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
// serving upgrades.
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

	e := &Engine{
		cfg:   cfg,
		log:   log,
		clock: clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
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
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			e.cancel()
			return nil, fmt.Errorf("ws: listen %s: %w", cfg.Addr, err)
		}
		e.listener = ln

		mux := http.NewServeMux()
		mux.HandleFunc("/", e.serveWS)
		e.server = &http.Server{Handler: mux, TLSConfig: cfg.TLS}

		e.grp.Go(func() error {
			var err error
			if cfg.TLS != nil {
				err = e.server.ServeTLS(ln, "", "")
			} else {
				err = e.server.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !e.closed.Load() {
				e.log.Warn("server stopped", zap.Error(err))
			}
			return nil
		})
	}
	return e, nil
}

func (e *Engine) nextHandle() transport.Handle {
	return transport.Handle(e.next.Add(1))
}

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

// serveWS upgrades one HTTP request into a link.
func (e *Engine) serveWS(w http.ResponseWriter, r *http.Request) {
	if e.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if e.limiter != nil && !e.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	hello, err := readHello(conn, e.clock.Now().Add(handshakeTimeout))
	if err != nil {
		e.log.Debug("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}
	channels := hello.ChannelCount
	if channels == 0 {
		channels = 1
	}
	if e.cfg.MaxChannels > 0 && channels > e.cfg.MaxChannels {
		channels = e.cfg.MaxChannels
	}
	if err := writeHello(conn, wire.Hello{ChannelCount: channels}, e.clock.Now().Add(writeWait)); err != nil {
		conn.Close()
		return
	}

	l := newLink(e.nextHandle(), conn, channels, e.log)
	if err := e.submit(operation{typ: opRegister, link: l}); err != nil {
		conn.Close()
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

	scheme := "ws"
	if e.cfg.TLS != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/"}

	dialer := websocket.Dialer{
		HandshakeTimeout: e.cfg.DialTimeout,
		TLSClientConfig:  e.cfg.TLS,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		e.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		e.transmit(transport.RawEvent{Kind: transport.RawDisconnect, Handle: handle})
		return
	}

	err = writeHello(conn, wire.Hello{ChannelCount: channelCount, Data: data}, e.clock.Now().Add(writeWait))
	var ack wire.Hello
	if err == nil {
		ack, err = readHello(conn, e.clock.Now().Add(handshakeTimeout))
	}
	if err != nil {
		e.log.Debug("handshake failed", zap.String("addr", addr), zap.Error(err))
		conn.Close()
		e.transmit(transport.RawEvent{Kind: transport.RawDisconnect, Handle: handle})
		return
	}

	l := newLink(handle, conn, ack.ChannelCount, e.log)
	if err := e.submit(operation{typ: opRegister, link: l}); err != nil {
		conn.Close()
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
	return e.submit(operation{typ: opSend, handle: h, out: outgoing{
		kind:    outData,
		channel: channelID,
		payload: payload,
		flags:   flags,
	}})
}

// Disconnect tears h down. Graceful modes put a goodbye behind everything
// already queued and emit a local RawDisconnect when it has been written;
// DisconnectNow closes on the spot and emits nothing.
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
	return e.submit(operation{typ: opSend, handle: h, out: outgoing{kind: outGoodbye, code: data}})
}

// Ping schedules a WebSocket ping frame on h.
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
			l.conn.Close()
		}

		e.cancel()
		if e.server != nil {
			err = e.server.Close()
		}
		e.grp.Wait()
	})
	return err
}
