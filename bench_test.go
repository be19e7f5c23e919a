package enet

import (
	"net"
	"testing"
	"time"

	"github.com/riyuzenn/enet-go/transport"
)

// benchEngine synthesizes one raw event per poll from a script function.
type benchEngine struct {
	script func(call uint64) transport.RawEvent
	calls  uint64
	next   uint64
}

func (e *benchEngine) Connect(addr string, channelCount uint8, data uint32) (transport.Handle, error) {
	e.next++
	return transport.Handle(e.next), nil
}

func (e *benchEngine) Poll(timeout time.Duration) (transport.RawEvent, error) {
	ev := e.script(e.calls)
	e.calls++
	return ev, nil
}

func (e *benchEngine) Send(h transport.Handle, channelID uint8, payload []byte, flags transport.PacketFlags) error {
	return nil
}

func (e *benchEngine) Disconnect(h transport.Handle, data uint32, mode transport.DisconnectMode) error {
	return nil
}

func (e *benchEngine) Ping(h transport.Handle) error { return nil }
func (e *benchEngine) Flush() error                  { return nil }
func (e *benchEngine) Addr() net.Addr                { return nil }
func (e *benchEngine) Close() error                  { return nil }

// BenchmarkServiceReceive measures the steady-state event path: resolve
// the handle, wrap the payload, surface and consume the event.
func BenchmarkServiceReceive(b *testing.B) {
	payload := []byte("0123456789abcdef")
	eng := &benchEngine{script: func(call uint64) transport.RawEvent {
		if call == 0 {
			return transport.RawEvent{Kind: transport.RawConnect, Handle: 1, ChannelCount: 1}
		}
		return transport.RawEvent{Kind: transport.RawReceive, Handle: 1, Payload: payload}
	}}
	h, err := NewHost(eng)
	if err != nil {
		b.Fatal(err)
	}

	ev, err := h.Service(0)
	if err != nil || ev == nil {
		b.Fatal("expected connect event")
	}
	ev.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := h.Service(0)
		if err != nil {
			b.Fatal(err)
		}
		_ = ev.Take()
	}
}

// BenchmarkConnectDisconnectChurn measures one full peer lifecycle: bind a
// slot, surface the disconnect, retire the slot on event completion.
func BenchmarkConnectDisconnectChurn(b *testing.B) {
	eng := &benchEngine{script: func(call uint64) transport.RawEvent {
		handle := transport.Handle(call/2 + 1)
		if call%2 == 0 {
			return transport.RawEvent{Kind: transport.RawConnect, Handle: handle, ChannelCount: 1}
		}
		return transport.RawEvent{Kind: transport.RawDisconnect, Handle: handle}
	}}
	h, err := NewHost(eng)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := h.Service(0)
		if err != nil {
			b.Fatal(err)
		}
		ev.Close()
		ev, err = h.Service(0)
		if err != nil {
			b.Fatal(err)
		}
		ev.Close()
	}
}

// BenchmarkBroadcast measures fanning one packet out to a full house.
func BenchmarkBroadcast(b *testing.B) {
	const peers = 64
	eng := &benchEngine{script: func(call uint64) transport.RawEvent {
		if call < peers {
			return transport.RawEvent{Kind: transport.RawConnect, Handle: transport.Handle(call + 1), ChannelCount: 1}
		}
		return transport.RawEvent{}
	}}
	h, err := NewHost(eng, WithPeerLimit(peers))
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < peers; i++ {
		ev, err := h.Service(0)
		if err != nil || ev == nil {
			b.Fatal("expected connect event")
		}
		ev.Close()
	}

	pk := NewPacket([]byte("tick"), FlagReliable)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := h.Broadcast(0, pk); err != nil {
			b.Fatal(err)
		}
	}
}
