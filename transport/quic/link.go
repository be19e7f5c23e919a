package quic

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
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

// link is one established QUIC connection. The write side is owned by a
// single pump fed through the send queue; the read side fans out per
// incoming stream plus one datagram pump.
type link struct {
	id       string
	handle   transport.Handle
	conn     quic.Connection
	ctrl     quic.Stream
	channels uint8
	send     chan outgoing
	closed   atomic.Bool
	log      *zap.Logger
}

func newLink(handle transport.Handle, conn quic.Connection, ctrl quic.Stream, channels uint8, log *zap.Logger) *link {
	l := &link{
		id:       uuid.New().String(),
		handle:   handle,
		conn:     conn,
		ctrl:     ctrl,
		channels: channels,
		send:     make(chan outgoing, sendQueueSize),
	}
	l.log = log.With(zap.String("link", l.id), zap.Uint64("handle", uint64(handle)))
	return l
}

func (l *link) start(e *Engine) {
	e.grp.Go(func() error { l.writePump(e); return nil })
	e.grp.Go(func() error { l.controlPump(); return nil })
	e.grp.Go(func() error { l.acceptStreams(e); return nil })
	e.grp.Go(func() error { l.datagramPump(e); return nil })
	e.grp.Go(func() error { l.watchConn(e); return nil })
}

// teardown closes the connection once. emit controls whether the local
// host gets a RawDisconnect out of it; remote-initiated closes do, local
// force-closes do not.
func (l *link) teardown(e *Engine, data uint32, emit bool) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.conn.CloseWithError(quic.ApplicationErrorCode(data), "closed")
	e.submit(operation{typ: opUnregister, handle: l.handle})
	if emit {
		e.transmit(transport.RawEvent{Kind: transport.RawDisconnect, Handle: l.handle, Data: data})
	}
	l.log.Debug("link closed", zap.Uint32("data", data), zap.Bool("surfaced", emit))
}

// watchConn turns the connection's death into a disconnect event, carrying
// the application error code the remote closed with.
func (l *link) watchConn(e *Engine) {
	<-l.conn.Context().Done()
	l.teardown(e, closeData(context.Cause(l.conn.Context())), true)
}

// closeData extracts the 32-bit datum from a connection close error.
// Anything that is not an application-level close reads as zero.
func closeData(err error) uint32 {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return uint32(appErr.ErrorCode)
	}
	return 0
}

// writePump is the sole writer on the connection's send side.
func (l *link) writePump(e *Engine) {
	streams := make(map[uint8]quic.Stream)
	seqs := make(map[uint8]uint16)

	for {
		select {
		case <-e.runCtx.Done():
			return
		case msg, ok := <-l.send:
			if !ok {
				return
			}
			switch msg.kind {
			case outGoodbye:
				l.teardown(e, msg.code, true)
				return

			case outPing:
				if _, err := l.ctrl.Write([]byte{wire.OpPing}); err != nil {
					l.teardown(e, 0, true)
					return
				}

			case outData:
				// Oversized unreliable-fragment payloads fall back to the
				// channel stream; QUIC fragments it for us.
				if msg.flags.Reliable() || len(msg.payload) > maxDatagramPayload {
					s, err := l.channelStream(e, streams, msg.channel)
					if err == nil {
						err = wire.WriteFrame(s, msg.flags, msg.payload)
					}
					if err != nil {
						l.log.Debug("stream write failed", zap.Error(err))
						l.teardown(e, 0, true)
						return
					}
				} else {
					seqs[msg.channel]++
					buf := wire.AppendDatagram(nil, wire.DatagramHeader{
						ChannelID: msg.channel,
						Flags:     msg.flags,
						Seq:       seqs[msg.channel],
					}, msg.payload)
					if err := l.conn.SendDatagram(buf); err != nil {
						// Datagrams are lossy by contract; a transient
						// queue error is not a dead link.
						l.log.Debug("datagram dropped", zap.Error(err))
					}
				}
			}
		}
	}
}

// channelStream opens the outgoing stream for a channel on first use and
// stamps it with the channel id byte.
func (l *link) channelStream(e *Engine, streams map[uint8]quic.Stream, channel uint8) (quic.Stream, error) {
	if s, ok := streams[channel]; ok {
		return s, nil
	}
	s, err := l.conn.OpenStreamSync(e.runCtx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write([]byte{channel}); err != nil {
		s.CancelWrite(0)
		return nil, err
	}
	streams[channel] = s
	return s, nil
}

// controlPump consumes keepalive opcodes from the control stream.
func (l *link) controlPump() {
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(l.ctrl, buf); err != nil {
			return
		}
		switch buf[0] {
		case wire.OpPing:
		default:
			l.log.Debug("unknown control opcode", zap.Uint8("op", buf[0]))
		}
	}
}

// acceptStreams picks up the remote's per-channel streams.
func (l *link) acceptStreams(e *Engine) {
	for {
		s, err := l.conn.AcceptStream(e.runCtx)
		if err != nil {
			return
		}
		e.grp.Go(func() error { l.readChannelStream(e, s); return nil })
	}
}

// readChannelStream reads the channel id byte and then frames until the
// stream ends.
func (l *link) readChannelStream(e *Engine, s quic.Stream) {
	head := make([]byte, 1)
	if _, err := io.ReadFull(s, head); err != nil {
		return
	}
	channel := head[0]
	if channel >= l.channels {
		l.log.Debug("stream for out-of-range channel", zap.Uint8("channel", channel))
		s.CancelRead(quic.StreamErrorCode(refuseCode))
		return
	}
	for {
		flags, payload, err := wire.ReadFrame(s)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug("stream read failed", zap.Uint8("channel", channel), zap.Error(err))
			}
			return
		}
		e.transmit(transport.RawEvent{
			Kind:      transport.RawReceive,
			Handle:    l.handle,
			ChannelID: channel,
			Payload:   payload,
			Flags:     flags,
		})
	}
}

// datagramPump reads unreliable packets, dropping stale sequenced ones.
func (l *link) datagramPump(e *Engine) {
	lastSeq := make(map[uint8]uint16)
	seen := make(map[uint8]bool)

	for {
		buf, err := l.conn.ReceiveDatagram(e.runCtx)
		if err != nil {
			return
		}
		hdr, payload, err := wire.ParseDatagram(buf)
		if err != nil {
			l.log.Debug("malformed datagram", zap.Error(err))
			continue
		}
		if hdr.ChannelID >= l.channels {
			l.log.Debug("datagram for out-of-range channel", zap.Uint8("channel", hdr.ChannelID))
			continue
		}
		if !hdr.Flags.Unsequenced() {
			if seen[hdr.ChannelID] && !wire.Fresher(hdr.Seq, lastSeq[hdr.ChannelID]) {
				continue
			}
			seen[hdr.ChannelID] = true
			lastSeq[hdr.ChannelID] = hdr.Seq
		}
		e.transmit(transport.RawEvent{
			Kind:      transport.RawReceive,
			Handle:    l.handle,
			ChannelID: hdr.ChannelID,
			Payload:   payload,
			Flags:     hdr.Flags,
		})
	}
}

// readHello reads one hello blob off the control stream.
func readHello(r io.Reader) (wire.Hello, error) {
	buf := make([]byte, wire.HelloSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wire.Hello{}, err
	}
	var h wire.Hello
	if err := h.UnmarshalBinary(buf); err != nil {
		return wire.Hello{}, err
	}
	return h, nil
}

func writeHello(w io.Writer, h wire.Hello) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
