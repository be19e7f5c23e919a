package enet

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/riyuzenn/enet-go/transport"
)

var testAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 46000}

type sentPacket struct {
	handle  transport.Handle
	channel uint8
	payload []byte
	flags   transport.PacketFlags
}

type disconnectCall struct {
	handle transport.Handle
	data   uint32
	mode   transport.DisconnectMode
}

// fakeEngine feeds Poll from a script and records every call, standing in
// for a real engine under a host.
type fakeEngine struct {
	script      []transport.RawEvent
	sent        []sentPacket
	disconnects []disconnectCall
	pings       []transport.Handle
	flushes     int
	closed      bool
	nextHandle  uint64
	sendErr     map[transport.Handle]error
}

func (f *fakeEngine) queue(evs ...transport.RawEvent) {
	f.script = append(f.script, evs...)
}

func (f *fakeEngine) Connect(addr string, channelCount uint8, data uint32) (transport.Handle, error) {
	f.nextHandle++
	return transport.Handle(f.nextHandle), nil
}

func (f *fakeEngine) Poll(timeout time.Duration) (transport.RawEvent, error) {
	if len(f.script) == 0 {
		return transport.RawEvent{}, nil
	}
	ev := f.script[0]
	f.script = f.script[1:]
	return ev, nil
}

func (f *fakeEngine) Send(h transport.Handle, channelID uint8, payload []byte, flags transport.PacketFlags) error {
	if err := f.sendErr[h]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentPacket{handle: h, channel: channelID, payload: payload, flags: flags})
	return nil
}

func (f *fakeEngine) Disconnect(h transport.Handle, data uint32, mode transport.DisconnectMode) error {
	f.disconnects = append(f.disconnects, disconnectCall{handle: h, data: data, mode: mode})
	return nil
}

func (f *fakeEngine) Ping(h transport.Handle) error {
	f.pings = append(f.pings, h)
	return nil
}

func (f *fakeEngine) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeEngine) Addr() net.Addr { return testAddr }

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func connectEvent(h transport.Handle) transport.RawEvent {
	return transport.RawEvent{
		Kind:         transport.RawConnect,
		Handle:       h,
		ChannelCount: 4,
		Addr:         testAddr,
	}
}

func newTestHost(t *testing.T, engine transport.Engine, opts ...Option) *Host {
	t.Helper()
	h, err := NewHost(engine, opts...)
	require.NoError(t, err)
	return h
}

// serveOne drains exactly one event and fails the test when none is
// pending.
func serveOne(t *testing.T, h *Host) *Event {
	t.Helper()
	ev, err := h.Service(0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	return ev
}

func TestConnectEventAllocatesPeer(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	defer ev.Close()

	assert.IsType(t, Connect{}, ev.Kind())
	peer := ev.Peer()
	assert.Equal(t, StateConnected, peer.State())
	assert.Equal(t, uint8(4), peer.ChannelCount())
	assert.Equal(t, testAddr, peer.Address())
	assert.Equal(t, 1, h.PeerCount())

	got, err := h.PeerByID(ev.PeerID())
	require.NoError(t, err)
	assert.Same(t, peer, got)
}

func TestOutgoingConnectLifecycle(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)

	peer, err := h.Connect("10.0.0.9:7777", 3, 5)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, peer.State())
	assert.Nil(t, peer.Address())
	assert.Equal(t, 1, h.PeerCount())

	f.queue(transport.RawEvent{
		Kind:         transport.RawConnect,
		Handle:       1,
		ChannelCount: 3,
		Addr:         testAddr,
	})
	ev := serveOne(t, h)
	defer ev.Close()

	assert.Same(t, peer, ev.Peer(), "the acknowledgement binds to the dialing peer")
	assert.Equal(t, StateConnected, peer.State())
	assert.Equal(t, testAddr, peer.Address())
}

func TestHostConnectValidation(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f, WithPeerLimit(1))

	_, err := h.Connect("10.0.0.9:7777", 0, 0)
	assert.Error(t, err, "zero channels")

	_, err = h.Connect("10.0.0.9:7777", 1, 0)
	require.NoError(t, err)

	_, err = h.Connect("10.0.0.9:7778", 1, 0)
	assert.ErrorIs(t, err, ErrNoAvailablePeers)
}

func TestIncomingConnectRefusedAtPeerLimit(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f, WithPeerLimit(1))
	f.queue(connectEvent(1), connectEvent(2))

	ev := serveOne(t, h)
	ev.Close()

	ev2, err := h.Service(0)
	require.NoError(t, err)
	assert.Nil(t, ev2, "over-limit connect never surfaces")
	assert.Equal(t, 1, h.PeerCount())
	require.Len(t, f.disconnects, 1)
	assert.Equal(t, disconnectCall{handle: 2, mode: transport.DisconnectNow}, f.disconnects[0])
}

func TestServiceReturnsNilWhenIdle(t *testing.T) {
	h := newTestHost(t, &fakeEngine{})

	ev, err := h.Service(0)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestServiceClosesPreviousEvent(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	id := ev.PeerID()
	ev.Close()

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 7})
	disc := serveOne(t, h)

	// Holding disc across the next Service call consumes it.
	_, err := h.Service(0)
	require.NoError(t, err)

	assert.Panics(t, func() { disc.Kind() })
	_, err = h.PeerByID(id)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale, "implicit close ran the disconnect cleanup")
}

func TestStaleIDDoesNotAliasNewPeer(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1), connectEvent(2))

	evA := serveOne(t, h)
	idA := evA.PeerID()
	evA.Close()
	evB := serveOne(t, h)
	idB := evB.PeerID()
	evB.Close()

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 0})
	serveOne(t, h).Close()

	_, err := h.PeerByID(idA)
	var stale ErrStalePeer
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, idA, stale.ID)

	_, err = h.PeerByID(idB)
	assert.NoError(t, err, "unrelated peer is unaffected")

	// The freed slot is reused for the next connection with a bumped
	// generation, so the retained ID still cannot alias it.
	f.queue(connectEvent(3))
	evC := serveOne(t, h)
	defer evC.Close()
	idC := evC.PeerID()
	assert.Equal(t, idA.Index, idC.Index)
	assert.Equal(t, idA.Generation+1, idC.Generation)

	_, err = h.PeerByID(idA)
	assert.ErrorAs(t, err, &stale)
	got, err := h.PeerByID(idC)
	require.NoError(t, err)
	assert.Same(t, evC.Peer(), got)
}

func TestUnknownRawKindPanics(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(transport.RawEvent{Kind: transport.RawKind(99), Handle: 1})

	assert.Panics(t, func() { h.Service(0) })
}

func TestUnknownHandlePanics(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(transport.RawEvent{Kind: transport.RawReceive, Handle: 77})

	assert.Panics(t, func() { h.Service(0) })

	f.script = nil
	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 78})
	assert.Panics(t, func() { h.Service(0) })
}

func TestDisconnectNowCleansUpWithoutEvent(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	peer := ev.Peer()
	id := ev.PeerID()
	ev.Close()
	peer.SetData("session")

	require.NoError(t, peer.DisconnectNow(9))

	require.Len(t, f.disconnects, 1)
	assert.Equal(t, disconnectCall{handle: 1, data: 9, mode: transport.DisconnectNow}, f.disconnects[0])
	assert.Equal(t, StateDisconnected, peer.State())
	_, ok := peer.Data()
	assert.False(t, ok)
	_, err := h.PeerByID(id)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale)
	assert.Equal(t, 0, h.PeerCount())

	// Events the engine queued before the reset are discarded, not fatal.
	f.queue(
		transport.RawEvent{Kind: transport.RawReceive, Handle: 1, ChannelID: 0, Payload: []byte("late")},
		transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 2},
	)
	for i := 0; i < 2; i++ {
		late, err := h.Service(0)
		require.NoError(t, err)
		assert.Nil(t, late)
	}
}

func TestDisconnectStateFlow(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	peer := ev.Peer()
	ev.Close()

	require.NoError(t, peer.Disconnect(2))
	assert.Equal(t, StateDisconnecting, peer.State())
	require.Len(t, f.disconnects, 1)
	assert.Equal(t, disconnectCall{handle: 1, data: 2, mode: transport.DisconnectGraceful}, f.disconnects[0])

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 2})
	disc := serveOne(t, h)
	assert.Equal(t, StateZombie, disc.Peer().State(), "link gone, cleanup pending")
	disc.Close()
	assert.Equal(t, StateDisconnected, peer.State())
}

func TestBroadcastAggregatesFailures(t *testing.T) {
	f := &fakeEngine{sendErr: map[transport.Handle]error{2: errors.New("boom")}}
	h := newTestHost(t, f)
	f.queue(connectEvent(1), connectEvent(2), connectEvent(3))
	for i := 0; i < 3; i++ {
		serveOne(t, h).Close()
	}
	// A connecting peer is skipped entirely.
	_, err := h.Connect("10.0.0.9:7777", 1, 0)
	require.NoError(t, err)

	err = h.Broadcast(0, NewPacket([]byte("hi"), FlagReliable))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "boom")

	require.Len(t, f.sent, 2, "delivery proceeds past the failing peer")
	assert.Equal(t, transport.Handle(1), f.sent[0].handle)
	assert.Equal(t, transport.Handle(3), f.sent[1].handle)
}

func TestFlushAndAddr(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)

	require.NoError(t, h.Flush())
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, testAddr, h.Addr())
}

func TestHostClose(t *testing.T) {
	f := &fakeEngine{}
	h := newTestHost(t, f)
	f.queue(connectEvent(1))
	ev := serveOne(t, h)
	id := ev.PeerID()
	ev.Close()

	require.NoError(t, h.Close())
	assert.True(t, f.closed)
	assert.Equal(t, 0, h.PeerCount())
	_, err := h.PeerByID(id)
	var stale ErrStalePeer
	assert.ErrorAs(t, err, &stale)

	_, err = h.Service(0)
	assert.ErrorIs(t, err, ErrHostClosed)
	assert.ErrorIs(t, h.Flush(), ErrHostClosed)
	assert.ErrorIs(t, h.Broadcast(0, NewPacket(nil, 0)), ErrHostClosed)
	_, err = h.Connect("10.0.0.9:7777", 1, 0)
	assert.ErrorIs(t, err, ErrHostClosed)

	require.NoError(t, h.Close(), "closing twice is fine")
}

func TestMetricsTrackPeersAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := &fakeEngine{}
	h := newTestHost(t, f, WithMetrics(reg))
	f.queue(connectEvent(1))

	ev := serveOne(t, h)
	ev.Peer().SetData(1)
	ev.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.peers))

	f.queue(transport.RawEvent{Kind: transport.RawDisconnect, Handle: 1, Data: 0})
	serveOne(t, h).Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.peers))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.events.WithLabelValues("connect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.events.WithLabelValues("disconnect")))
}
