package enet

import (
	"errors"
	"fmt"
)

var (
	// ErrHostClosed is returned by host operations after Close.
	ErrHostClosed = errors.New("host is closed")

	// ErrPeerNotConnected is returned when an operation needs an
	// established link and the peer does not have one.
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrNoAvailablePeers is returned by Connect when every peer slot is
	// in use.
	ErrNoAvailablePeers = errors.New("all peer slots are in use")

	// ErrChannelOutOfRange is returned when a channel id is not below the
	// peer's channel count.
	ErrChannelOutOfRange = errors.New("channel id exceeds the peer's channel count")
)

// ErrStalePeer reports a lookup with a PeerID whose generation no longer
// matches its slot. The peer it referred to has been cleaned up; the slot
// may since have been handed to an unrelated connection.
type ErrStalePeer struct {
	ID PeerID
}

func (e ErrStalePeer) Error() string {
	return fmt.Sprintf("peer %v is stale", e.ID)
}
