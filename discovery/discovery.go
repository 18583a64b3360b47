// Package discovery defines the contract between peer discovery backends
// and the node's event loop.
// This package implements:
// - Appeared/Vanished events
// - The Source interface shared by the mDNS and multicast beacon backends
package discovery

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VanDung-dev/EchoMesh/queue"
)

// Kind tells whether a peer showed up or went away.
type Kind int

const (
	Appeared Kind = iota
	Vanished
)

func (k Kind) String() string {
	switch k {
	case Appeared:
		return "appeared"
	case Vanished:
		return "vanished"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one discovery notification for a (peer, address) pair.
// A peer reachable over several addresses produces one event per address.
type Event struct {
	Kind Kind
	Peer peer.ID
	Addr string
}

// Source produces discovery events and answers whether a peer is still known
// through any address.
type Source interface {
	Start(ctx context.Context) error
	Events() *queue.Unbounded[Event]
	Known(p peer.ID) bool
	Close() error
}
