package enet

import "github.com/riyuzenn/enet-go/transport"

// PacketFlags selects the delivery guarantees for a packet.
type PacketFlags = transport.PacketFlags

const (
	// FlagReliable requests retransmission until the packet is
	// acknowledged. Reliable packets on the same channel arrive in order.
	FlagReliable = transport.FlagReliable
	// FlagUnsequenced exempts the packet from sequencing, so it is never
	// dropped as stale and may overtake earlier packets on its channel.
	FlagUnsequenced = transport.FlagUnsequenced
	// FlagUnreliableFragment lets an unreliable packet larger than the
	// engine's datagram limit travel over the reliable path instead of
	// failing the send.
	FlagUnreliableFragment = transport.FlagUnreliableFragment
)

// Packet is an owned byte buffer together with its delivery flags. Sending
// hands the buffer to the engine; packets carried by Receive events arrive
// fresh from it.
type Packet struct {
	data  []byte
	flags PacketFlags
}

// NewPacket copies data into a packet with the given flags. A zero flags
// value means unreliable-sequenced delivery.
func NewPacket(data []byte, flags PacketFlags) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{data: buf, flags: flags}
}

// Data returns the packet's bytes. The slice aliases the packet's buffer
// and must not be modified.
func (p *Packet) Data() []byte { return p.data }

// Flags returns the packet's delivery flags.
func (p *Packet) Flags() PacketFlags { return p.flags }

// Len returns the payload length in bytes.
func (p *Packet) Len() int { return len(p.data) }
