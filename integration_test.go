package enet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riyuzenn/enet-go/transport/mem"
)

func TestTwoHostsOverMemNetwork(t *testing.T) {
	n := mem.NewNetwork()
	server := newTestHost(t, n.Engine("server"))
	client := newTestHost(t, n.Engine("client"))

	peer, err := client.Connect("server", 2, 77)
	require.NoError(t, err)

	sev := serveOne(t, server)
	require.IsType(t, Connect{}, sev.Kind())
	serverSide := sev.Peer()
	serverSide.SetData("player-1")
	serverID := sev.PeerID()
	sev.Close()

	cev := serveOne(t, client)
	require.IsType(t, Connect{}, cev.Kind())
	assert.Same(t, peer, cev.Peer())
	cev.Close()
	assert.Equal(t, StateConnected, peer.State())
	assert.Equal(t, "server", peer.Address().String())

	require.NoError(t, peer.Send(1, NewPacket([]byte("hello"), FlagReliable)))
	rev := serveOne(t, server)
	recv, ok := rev.Take().(Receive)
	require.True(t, ok)
	assert.Equal(t, uint8(1), recv.ChannelID)
	assert.Equal(t, []byte("hello"), recv.Packet.Data())
	assert.Equal(t, FlagReliable, recv.Packet.Flags())

	require.NoError(t, serverSide.Send(0, NewPacket([]byte("welcome"), 0)))
	crev := serveOne(t, client)
	recv, ok = crev.Take().(Receive)
	require.True(t, ok)
	assert.Equal(t, []byte("welcome"), recv.Packet.Data())

	require.NoError(t, peer.Disconnect(5))

	sdev := serveOne(t, server)
	sd, ok := sdev.Take().(Disconnect)
	require.True(t, ok)
	assert.Equal(t, uint32(5), sd.Data)
	_, hasData := serverSide.Data()
	assert.False(t, hasData, "server-side payload dropped by the disconnect")
	_, err = server.PeerByID(serverID)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale)

	cdev := serveOne(t, client)
	cd, ok := cdev.Take().(Disconnect)
	require.True(t, ok)
	assert.Equal(t, uint32(5), cd.Data)
	assert.Equal(t, StateDisconnected, peer.State())
	assert.Equal(t, 0, client.PeerCount())
	assert.Equal(t, 0, server.PeerCount())
}

func TestBroadcastOverMemNetwork(t *testing.T) {
	n := mem.NewNetwork()
	server := newTestHost(t, n.Engine("server"))
	alice := newTestHost(t, n.Engine("alice"))
	bob := newTestHost(t, n.Engine("bob"))

	_, err := alice.Connect("server", 1, 0)
	require.NoError(t, err)
	_, err = bob.Connect("server", 1, 0)
	require.NoError(t, err)
	serveOne(t, server).Close()
	serveOne(t, server).Close()
	serveOne(t, alice).Close()
	serveOne(t, bob).Close()

	require.NoError(t, server.Broadcast(0, NewPacket([]byte("tick"), FlagReliable)))

	for _, h := range []*Host{alice, bob} {
		ev := serveOne(t, h)
		recv, ok := ev.Take().(Receive)
		require.True(t, ok)
		assert.Equal(t, []byte("tick"), recv.Packet.Data())
	}
}

func TestHostCloseNotifiesRemote(t *testing.T) {
	n := mem.NewNetwork()
	server := newTestHost(t, n.Engine("server"))
	client := newTestHost(t, n.Engine("client"))

	_, err := client.Connect("server", 1, 0)
	require.NoError(t, err)
	serveOne(t, server).Close()
	serveOne(t, client).Close()

	require.NoError(t, client.Close())

	ev := serveOne(t, server)
	_, ok := ev.Take().(Disconnect)
	assert.True(t, ok)
	assert.Equal(t, 0, server.PeerCount())
}
