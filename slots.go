package enet

import (
	"fmt"

	"github.com/riyuzenn/enet-go/transport"
)

// slotTable is the host-owned arena of peer slots. Freed slots are reused
// through a LIFO free list; every reuse bumps the slot's generation so
// PeerIDs stamped for the previous occupant stop resolving.
type slotTable struct {
	slots    []peerSlot
	free     []uint16
	byHandle map[transport.Handle]uint16
	live     int
}

type peerSlot struct {
	generation uint32
	peer       *Peer
	handle     transport.Handle
}

func newSlotTable() *slotTable {
	return &slotTable{byHandle: make(map[transport.Handle]uint16)}
}

// bind places peer in a free slot tied to handle and returns the stamped
// PeerID for the slot's current generation.
func (t *slotTable) bind(peer *Peer, handle transport.Handle) PeerID {
	var idx uint16
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint16(len(t.slots))
		t.slots = append(t.slots, peerSlot{})
	}
	s := &t.slots[idx]
	s.peer = peer
	s.handle = handle
	t.byHandle[handle] = idx
	t.live++
	return PeerID{Index: idx, Generation: s.generation}
}

// byID resolves a generation-stamped handle, failing with ErrStalePeer when
// the slot is empty or its generation has moved on.
func (t *slotTable) byID(id PeerID) (*Peer, error) {
	if int(id.Index) >= len(t.slots) {
		return nil, ErrStalePeer{ID: id}
	}
	s := &t.slots[id.Index]
	if s.peer == nil || s.generation != id.Generation {
		return nil, ErrStalePeer{ID: id}
	}
	return s.peer, nil
}

// resolve maps an engine handle to its live peer.
func (t *slotTable) resolve(handle transport.Handle) (*Peer, bool) {
	idx, ok := t.byHandle[handle]
	if !ok {
		return nil, false
	}
	return t.slots[idx].peer, true
}

// retire frees id's slot and advances its generation. The slot must hold a
// live peer of exactly that generation; retiring twice is an internal
// invariant violation, not a tolerated call.
func (t *slotTable) retire(id PeerID) {
	s := &t.slots[id.Index]
	if s.peer == nil || s.generation != id.Generation {
		panic(fmt.Sprintf("enet: slot %v retired twice", id))
	}
	delete(t.byHandle, s.handle)
	s.peer = nil
	s.handle = 0
	s.generation++
	t.free = append(t.free, id.Index)
	t.live--
}

func (t *slotTable) len() int { return t.live }

// each calls fn for every live peer in slot order. fn may retire the peer
// it is handed.
func (t *slotTable) each(fn func(*Peer)) {
	for i := range t.slots {
		if p := t.slots[i].peer; p != nil {
			fn(p)
		}
	}
}
