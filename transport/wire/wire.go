// Package wire defines the byte layouts shared by the stream and message
// engines: the hello exchanged on connect, the frame carrying a payload on
// a reliable stream, and the header in front of every unreliable datagram.
// All integer fields are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/riyuzenn/enet-go/transport"
)

// Version is the handshake version spoken by this package. Engines refuse
// links whose hello names any other version.
const Version uint8 = 1

// MaxPayload caps a frame's declared length to keep a broken or hostile
// peer from making the reader allocate absurd buffers.
const MaxPayload = 1 << 20

// Opcodes carried on an engine's control path. Data on reliable streams is
// framed without an opcode; these only appear on control streams and in
// front of message-engine payloads.
const (
	OpHello uint8 = iota + 1
	OpData
	OpGoodbye
	OpPing
)

var (
	// ErrBadMagic is returned for a hello that does not start with the
	// protocol magic.
	ErrBadMagic = errors.New("wire: bad magic")

	// ErrPayloadTooLarge is returned when a frame declares a length above
	// MaxPayload.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")
)

// VersionError reports a hello speaking an unsupported handshake version.
type VersionError struct {
	Got uint8
}

func (e VersionError) Error() string {
	return fmt.Sprintf("wire: unsupported version %d (want %d)", e.Got, Version)
}

// Hello layout (8 bytes):
//
//	0 ..1  Magic   'E''N' (0x454e)
//	2      Version u8
//	3      ChannelCount u8
//	4 ..7  Data    u32
//
// The dialer sends a hello naming the channel count it wants and its
// connect datum; the listener answers with the channel count it accepted
// and zero data.
const (
	HelloSize = 8
	magicWord = uint16(0x454e)
)

// Hello is the first thing either side says on a new link.
type Hello struct {
	ChannelCount uint8
	Data         uint32
}

// MarshalBinary encodes the hello into an 8-byte buffer.
func (h Hello) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HelloSize)
	binary.BigEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = Version
	buf[3] = h.ChannelCount
	binary.BigEndian.PutUint32(buf[4:8], h.Data)
	return buf, nil
}

// UnmarshalBinary decodes a hello, rejecting wrong magic or version.
func (h *Hello) UnmarshalBinary(buf []byte) error {
	if len(buf) < HelloSize {
		return errors.New("wire: short hello")
	}
	if binary.BigEndian.Uint16(buf[0:2]) != magicWord {
		return ErrBadMagic
	}
	if buf[2] != Version {
		return VersionError{Got: buf[2]}
	}
	h.ChannelCount = buf[3]
	h.Data = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// WriteFrame writes one payload frame to a reliable stream.
//
// Frame layout:
//
//	[4 bytes] payload length (big-endian uint32)
//	[1 byte]  packet flags
//	[N bytes] payload
func WriteFrame(w io.Writer, flags transport.PacketFlags, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = uint8(flags)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one payload frame from a reliable stream. It returns
// io.EOF when the stream is exhausted cleanly at a frame boundary.
func ReadFrame(r io.Reader) (flags transport.PacketFlags, payload []byte, err error) {
	var hdr [5]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("wire: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	flags = transport.PacketFlags(hdr[4])

	if length > MaxPayload {
		return 0, nil, ErrPayloadTooLarge
	}
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}
	return flags, payload, nil
}

// DatagramHeader layout (4 bytes), in front of every unreliable payload:
//
//	0      ChannelID u8
//	1      Flags     u8
//	2 ..3  Seq       u16
//
// Seq counts per channel on the sending side. Receivers drop a sequenced
// datagram whose Seq is not fresher than the last one seen on its channel;
// unsequenced datagrams skip that check.
const DatagramHeaderSize = 4

// DatagramHeader describes one unreliable payload.
type DatagramHeader struct {
	ChannelID uint8
	Flags     transport.PacketFlags
	Seq       uint16
}

// AppendDatagram appends the header and payload to buf.
func AppendDatagram(buf []byte, hdr DatagramHeader, payload []byte) []byte {
	buf = append(buf, hdr.ChannelID, uint8(hdr.Flags))
	buf = binary.BigEndian.AppendUint16(buf, hdr.Seq)
	return append(buf, payload...)
}

// ParseDatagram splits a datagram into its header and payload. The payload
// aliases buf.
func ParseDatagram(buf []byte) (DatagramHeader, []byte, error) {
	if len(buf) < DatagramHeaderSize {
		return DatagramHeader{}, nil, errors.New("wire: short datagram")
	}
	hdr := DatagramHeader{
		ChannelID: buf[0],
		Flags:     transport.PacketFlags(buf[1]),
		Seq:       binary.BigEndian.Uint16(buf[2:4]),
	}
	return hdr, buf[DatagramHeaderSize:], nil
}

// Goodbye layout (4 bytes): the 32-bit disconnect datum. Engines whose
// underlying protocol can carry the datum natively skip this frame.
const GoodbyeSize = 4

// AppendGoodbye appends a goodbye body to buf.
func AppendGoodbye(buf []byte, data uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, data)
}

// ParseGoodbye decodes a goodbye body.
func ParseGoodbye(buf []byte) (uint32, error) {
	if len(buf) < GoodbyeSize {
		return 0, errors.New("wire: short goodbye")
	}
	return binary.BigEndian.Uint32(buf[0:4]), nil
}

// Fresher reports whether sequence number a is newer than b under 16-bit
// wraparound, using a half-window split.
func Fresher(a, b uint16) bool {
	return a != b && a-b < 0x8000
}
