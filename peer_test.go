package enet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riyuzenn/enet-go/transport"
)

func connectedPeer(t *testing.T, f *fakeEngine, h *Host) *Peer {
	t.Helper()
	f.nextHandle++
	f.queue(connectEvent(transport.Handle(f.nextHandle)))
	ev := serveOne(t, h)
	peer := ev.Peer()
	ev.Close()
	return peer
}

func TestSendValidatesStateAndChannel(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)

	dialing, err := h.Connect("10.0.0.9:7777", 2, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, dialing.Send(0, NewPacket([]byte("x"), 0)), ErrPeerNotConnected)

	peer := connectedPeer(t, f, h)
	assert.ErrorIs(t, peer.Send(4, NewPacket([]byte("x"), 0)), ErrChannelOutOfRange)

	require.NoError(t, peer.Send(3, NewPacket([]byte{0xaa}, FlagUnsequenced)))
	require.Len(t, f.sent, 1)
	assert.Equal(t, uint8(3), f.sent[0].channel)
	assert.Equal(t, []byte{0xaa}, f.sent[0].payload)
	assert.Equal(t, transport.FlagUnsequenced, f.sent[0].flags)
}

func TestDisconnectModesRequireLiveLink(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	peer := connectedPeer(t, f, h)

	require.NoError(t, peer.DisconnectLater(6))
	require.Len(t, f.disconnects, 1)
	assert.Equal(t, transport.DisconnectLater, f.disconnects[0].mode)
	assert.Equal(t, uint32(6), f.disconnects[0].data)

	// Already disconnecting: further teardown requests are refused.
	assert.ErrorIs(t, peer.Disconnect(0), ErrPeerNotConnected)
	assert.ErrorIs(t, peer.Ping(), ErrPeerNotConnected)

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: peer.handle, Data: 6})
	disc := serveOne(t, h)
	zombie := disc.Peer()
	assert.Equal(t, StateZombie, zombie.State())
	assert.ErrorIs(t, zombie.DisconnectNow(0), ErrPeerNotConnected,
		"the pending event owns the cleanup")
	disc.Close()

	assert.ErrorIs(t, peer.DisconnectNow(0), ErrPeerNotConnected)
}

func TestPingReachesEngine(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	peer := connectedPeer(t, f, h)

	require.NoError(t, peer.Ping())
	require.Len(t, f.pings, 1)
	assert.Equal(t, peer.handle, f.pings[0])
}

func TestPeerDataLifecycle(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	peer := connectedPeer(t, f, h)

	_, ok := peer.Data()
	assert.False(t, ok)

	peer.SetData(42)
	v, ok := peer.Data()
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	// Attaching nil still counts as present until taken.
	peer.SetData(nil)
	v, ok = peer.Data()
	assert.True(t, ok)
	assert.Nil(t, v)

	taken, ok := peer.TakeData()
	assert.True(t, ok)
	assert.Nil(t, taken)
	_, ok = peer.Data()
	assert.False(t, ok)
	_, ok = peer.TakeData()
	assert.False(t, ok)
}

func TestPeerStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnecting", StateDisconnecting.String())
	assert.Equal(t, "zombie", StateZombie.String())
	assert.Equal(t, "invalid", PeerState(250).String())
}
