package ws

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/riyuzenn/enet-go/transport"
	"github.com/riyuzenn/enet-go/transport/wire"
)

type outgoingKind uint8

const (
	outData outgoingKind = iota
	outGoodbye
	outPing
)

type outgoing struct {
	kind    outgoingKind
	channel uint8
	payload []byte
	flags   transport.PacketFlags
	code    uint32
}

// link is one established WebSocket connection. gorilla allows a single
// reader and a single writer, so all traffic funnels through one pump
// each way.
type link struct {
	id       string
	handle   transport.Handle
	conn     *websocket.Conn
	channels uint8
	send     chan outgoing
	closed   atomic.Bool
	log      *zap.Logger
}

func newLink(handle transport.Handle, conn *websocket.Conn, channels uint8, log *zap.Logger) *link {
	l := &link{
		id:       uuid.New().String(),
		handle:   handle,
		conn:     conn,
		channels: channels,
		send:     make(chan outgoing, sendQueueSize),
	}
	l.log = log.With(zap.String("link", l.id), zap.Uint64("handle", uint64(handle)))
	return l
}

func (l *link) start(e *Engine) {
	e.grp.Go(func() error { l.writePump(e); return nil })
	e.grp.Go(func() error { l.readPump(e); return nil })
}

// teardown closes the connection once. emit controls whether the local
// host gets a RawDisconnect out of it.
func (l *link) teardown(e *Engine, data uint32, emit bool) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		e.clock.Now().Add(time.Second),
	)
	l.conn.Close()
	e.submit(operation{typ: opUnregister, handle: l.handle})
	if emit {
		e.transmit(transport.RawEvent{Kind: transport.RawDisconnect, Handle: l.handle, Data: data})
	}
	l.log.Debug("link closed", zap.Uint32("data", data), zap.Bool("surfaced", emit))
}

// readPump is the connection's sole reader.
func (l *link) readPump(e *Engine) {
	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(e.clock.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(e.clock.Now().Add(pongWait))
	})

	for {
		mt, msg, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Debug("connection dropped", zap.Error(err))
			}
			l.teardown(e, 0, true)
			return
		}
		l.conn.SetReadDeadline(e.clock.Now().Add(pongWait))

		if mt != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case wire.OpData:
			hdr, payload, err := wire.ParseDatagram(msg[1:])
			if err != nil {
				l.log.Debug("malformed data message", zap.Error(err))
				continue
			}
			if hdr.ChannelID >= l.channels {
				l.log.Debug("message for out-of-range channel", zap.Uint8("channel", hdr.ChannelID))
				continue
			}
			e.transmit(transport.RawEvent{
				Kind:      transport.RawReceive,
				Handle:    l.handle,
				ChannelID: hdr.ChannelID,
				Payload:   payload,
				Flags:     hdr.Flags,
			})

		case wire.OpGoodbye:
			data, err := wire.ParseGoodbye(msg[1:])
			if err != nil {
				l.log.Debug("malformed goodbye", zap.Error(err))
				data = 0
			}
			l.teardown(e, data, true)
			return

		default:
			l.log.Debug("unknown opcode", zap.Uint8("op", msg[0]))
		}
	}
}

// writePump is the connection's sole writer. It also owns the keepalive
// ticker; a peer that misses enough pings trips the read deadline on the
// other side.
func (l *link) writePump(e *Engine) {
	seqs := make(map[uint8]uint16)
	ticker := e.clock.Ticker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return

		case <-ticker.C:
			deadline := e.clock.Now().Add(writeWait)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.teardown(e, 0, true)
				return
			}

		case msg, ok := <-l.send:
			if !ok {
				return
			}
			switch msg.kind {
			case outGoodbye:
				buf := wire.AppendGoodbye([]byte{wire.OpGoodbye}, msg.code)
				l.conn.SetWriteDeadline(e.clock.Now().Add(writeWait))
				l.conn.WriteMessage(websocket.BinaryMessage, buf)
				l.teardown(e, msg.code, true)
				return

			case outPing:
				deadline := e.clock.Now().Add(writeWait)
				if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					l.teardown(e, 0, true)
					return
				}

			case outData:
				seqs[msg.channel]++
				buf := make([]byte, 0, 1+wire.DatagramHeaderSize+len(msg.payload))
				buf = append(buf, wire.OpData)
				buf = wire.AppendDatagram(buf, wire.DatagramHeader{
					ChannelID: msg.channel,
					Flags:     msg.flags,
					Seq:       seqs[msg.channel],
				}, msg.payload)

				l.conn.SetWriteDeadline(e.clock.Now().Add(writeWait))
				if err := l.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
					l.log.Debug("write failed", zap.Error(err))
					l.teardown(e, 0, true)
					return
				}
			}
		}
	}
}

// readHello reads the opcode-prefixed hello that opens every link.
func readHello(conn *websocket.Conn, deadline time.Time) (wire.Hello, error) {
	conn.SetReadDeadline(deadline)
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		return wire.Hello{}, err
	}
	if mt != websocket.BinaryMessage || len(msg) < 1 || msg[0] != wire.OpHello {
		return wire.Hello{}, errors.New("ws: expected hello")
	}
	var h wire.Hello
	if err := h.UnmarshalBinary(msg[1:]); err != nil {
		return wire.Hello{}, err
	}
	return h, nil
}

func writeHello(conn *websocket.Conn, h wire.Hello, deadline time.Time) error {
	body, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	buf := append([]byte{wire.OpHello}, body...)
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}
