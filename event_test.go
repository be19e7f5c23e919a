package enet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riyuzenn/enet-go/transport"
)

func TestTakeDisconnectCleansUpPeer(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))
	ev := serveOne(t, h)
	peer := ev.Peer()
	id := ev.PeerID()
	ev.Close()
	peer.SetData("attached")

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 7})
	disc := serveOne(t, h)
	defer disc.Close()

	kind, ok := disc.Take().(Disconnect)
	require.True(t, ok)
	assert.Equal(t, uint32(7), kind.Data)

	// Cleanup ran before the payload was handed out.
	_, hasData := peer.Data()
	assert.False(t, hasData)
	assert.Equal(t, StateDisconnected, peer.State())
	_, err := h.PeerByID(id)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale)
}

func TestDroppedDisconnectCleansUpPeer(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))
	ev := serveOne(t, h)
	peer := ev.Peer()
	id := ev.PeerID()
	ev.Close()
	peer.SetData("attached")

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 7})
	disc := serveOne(t, h)

	// Inspect without extracting, then drop: the close path must end in
	// the same state the take path does.
	kind, ok := disc.Kind().(Disconnect)
	require.True(t, ok)
	assert.Equal(t, uint32(7), kind.Data)
	disc.Close()

	_, hasData := peer.Data()
	assert.False(t, hasData)
	assert.Equal(t, StateDisconnected, peer.State())
	_, err := h.PeerByID(id)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale)
}

func TestCleanupRunsOncePerGeneration(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))
	serveOne(t, h).Close()

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 7})
	disc := serveOne(t, h)

	disc.Take()
	// A second retire of the same generation would panic inside the slot
	// table, so surviving these calls proves cleanup did not run again.
	assert.NotPanics(t, func() { disc.Close() })
	assert.NotPanics(t, func() { disc.Close() })
}

func TestConnectAndReceiveCompletionsLeavePeerAlone(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	peer := ev.Peer()
	id := ev.PeerID()
	ev.Close()
	peer.SetData("kept")

	f.queue(transport.RawEvent{
		Kind:      transport.RawReceive,
		Handle:    1,
		ChannelID: 3,
		Payload:   []byte{0x01, 0x02},
	})
	recv := serveOne(t, h)
	recv.Take()

	got, ok := peer.Data()
	assert.True(t, ok)
	assert.Equal(t, "kept", got)
	assert.Equal(t, StateConnected, peer.State())
	_, err := h.PeerByID(id)
	assert.NoError(t, err)
}

func TestTakeReturnsOriginalPayload(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))
	serveOne(t, h).Close()

	f.queue(transport.RawEvent{
		Kind:      transport.RawReceive,
		Handle:    1,
		ChannelID: 3,
		Payload:   []byte{0x01, 0x02},
		Flags:     transport.FlagReliable,
	})
	recv := serveOne(t, h)
	defer recv.Close()

	peeked, ok := recv.Kind().(Receive)
	require.True(t, ok)

	taken, ok := recv.Take().(Receive)
	require.True(t, ok)
	assert.Equal(t, peeked, taken, "extraction hands out exactly what was peeked")
	assert.Equal(t, uint8(3), taken.ChannelID)
	assert.Equal(t, []byte{0x01, 0x02}, taken.Packet.Data())
	assert.Equal(t, FlagReliable, taken.Packet.Flags())
	assert.Equal(t, 2, taken.Packet.Len())
}

// The sequence from a full session: connect, attach state, receive, then a
// disconnect the application drops unread.
func TestSessionSequenceWithDroppedDisconnect(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	peer := ev.Peer()
	id := ev.PeerID()
	ev.Close()
	peer.SetData(map[string]int{"score": 10})

	f.queue(transport.RawEvent{
		Kind:      transport.RawReceive,
		Handle:    1,
		ChannelID: 3,
		Payload:   []byte{0x01, 0x02},
	})
	recv := serveOne(t, h)
	kind, ok := recv.Take().(Receive)
	require.True(t, ok)
	assert.Equal(t, uint8(3), kind.ChannelID)
	assert.Equal(t, []byte{0x01, 0x02}, kind.Packet.Data())

	// The packet stays valid after its event is gone.
	payload := kind.Packet

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 7})
	serveOne(t, h).Close()

	_, hasData := peer.Data()
	assert.False(t, hasData)
	_, err := h.PeerByID(id)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale)
	assert.Equal(t, []byte{0x01, 0x02}, payload.Data())
}

func TestEventAccessorsPanicAfterTake(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	ev.Take()

	assert.Panics(t, func() { ev.Peer() })
	assert.Panics(t, func() { ev.PeerID() })
	assert.Panics(t, func() { ev.Kind() })
	assert.Panics(t, func() { ev.Take() })
	assert.NotPanics(t, func() { ev.Close() })
}

func TestCloseOnNilEvent(t *testing.T) {
	var ev *Event
	assert.NotPanics(t, func() { ev.Close() })
}
