// Package membership tracks which peers are currently reachable.
package membership

import (
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Tracker reports whether discovery still knows a peer through any path.
type Tracker interface {
	Known(p peer.ID) bool
}

// View is the set of reachable peers, excluding self.
//
// View has no internal locking. It must only be touched from the event loop
// goroutine.
type View struct {
	self    peer.ID
	tracker Tracker
	peers   map[peer.ID]struct{}
}

// New creates an empty view for self.
func New(self peer.ID, tracker Tracker) *View {
	return &View{
		self:    self,
		tracker: tracker,
		peers:   make(map[peer.ID]struct{}),
	}
}

// OnAppeared inserts p. It reports whether the set changed.
func (v *View) OnAppeared(p peer.ID) bool {
	if p == v.self || p == "" {
		return false
	}
	if _, ok := v.peers[p]; ok {
		return false
	}
	v.peers[p] = struct{}{}
	return true
}

// OnVanished removes p unless the tracker still knows it through another
// path. It reports whether the set changed.
func (v *View) OnVanished(p peer.ID) bool {
	if _, ok := v.peers[p]; !ok {
		return false
	}
	if v.tracker != nil && v.tracker.Known(p) {
		return false
	}
	delete(v.peers, p)
	return true
}

// Current returns a sorted snapshot of the reachable peers.
func (v *View) Current() []peer.ID {
	out := make([]peer.ID, 0, len(v.peers))
	for p := range v.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether p is reachable.
func (v *View) Contains(p peer.ID) bool {
	_, ok := v.peers[p]
	return ok
}

// Len returns the number of reachable peers.
func (v *View) Len() int {
	return len(v.peers)
}
