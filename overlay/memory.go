package overlay

import (
	"context"
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrClosed is returned when publishing on a closed transport.
var ErrClosed = errors.New("transport closed")

const memoryInboxSize = 1024

// MemoryHub connects MemoryTransports in the same process.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[peer.ID]*MemoryTransport
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[peer.ID]*MemoryTransport)}
}

// Join attaches a transport for id.
func (h *MemoryHub) Join(id peer.ID) *MemoryTransport {
	t := &MemoryTransport{
		hub:   h,
		self:  id,
		inbox: make(chan Inbound, memoryInboxSize),
		peers: make(map[peer.ID][]string),
	}
	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

func (h *MemoryHub) lookup(id peer.ID) (*MemoryTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	return t, ok
}

func (h *MemoryHub) leave(id peer.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

// MemoryTransport delivers directly into the inboxes of the fan-out peers.
type MemoryTransport struct {
	hub   *MemoryHub
	self  peer.ID
	inbox chan Inbound

	mu     sync.Mutex
	peers  map[peer.ID][]string
	closed bool
}

// Publish copies data into every fan-out inbox. Full inboxes drop the payload.
func (t *MemoryTransport) Publish(_ context.Context, data []byte, fanout []peer.ID) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, id := range fanout {
		if id == t.self {
			continue
		}
		dst, ok := t.hub.lookup(id)
		if !ok {
			continue
		}
		dup := make([]byte, len(data))
		copy(dup, data)
		dst.deliver(Inbound{Source: t.self, Data: dup})
	}
	return nil
}

func (t *MemoryTransport) deliver(msg Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.inbox <- msg:
	default:
		// Inbox full, drop message
	}
}

// Messages returns the inbox.
func (t *MemoryTransport) Messages() <-chan Inbound {
	return t.inbox
}

// AddPeer records addr for p. The most recently added address is current.
func (t *MemoryTransport) AddPeer(_ context.Context, p peer.ID, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p] = append(removeAddr(t.peers[p], addr), addr)
	return nil
}

// RemoveAddr drops one address of p.
func (t *MemoryTransport) RemoveAddr(p peer.ID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addrs := removeAddr(t.peers[p], addr); len(addrs) > 0 {
		t.peers[p] = addrs
	} else {
		delete(t.peers, p)
	}
}

// RemovePeer forgets p.
func (t *MemoryTransport) RemovePeer(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, p)
}

// Peers returns the current address of every recorded peer.
func (t *MemoryTransport) Peers() map[peer.ID]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[peer.ID]string, len(t.peers))
	for id, addrs := range t.peers {
		out[id] = addrs[len(addrs)-1]
	}
	return out
}

func removeAddr(addrs []string, addr string) []string {
	out := addrs[:0:0]
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

// Close detaches the transport from the hub.
func (t *MemoryTransport) Close() error {
	t.hub.leave(t.self)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
	return nil
}
