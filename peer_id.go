package enet

import "fmt"

// PeerID is a generation-stamped handle to a peer slot: the slot index is
// stable per physical slot, and the generation increments every time the
// slot is cleaned up for reuse. A PeerID stays usable as a plain value for
// logging and bookkeeping after its peer is gone, but resolving it through
// the host fails with ErrStalePeer once the generation has moved on, so a
// retained handle can never alias a later occupant of the same slot.
type PeerID struct {
	Index      uint16
	Generation uint32
}

func (id PeerID) String() string {
	return fmt.Sprintf("%d#%d", id.Index, id.Generation)
}
