// Package overlay is the publish/subscribe channel on the node's single topic.
// This package implements:
// - The Transport contract shared by the libp2p, ZeroMQ and in-memory backends
// - Overlay, which floods payloads to the current membership
// - MemoryHub, an in-process transport
package overlay

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/membership"
)

// Inbound is one payload delivered on the topic.
type Inbound struct {
	Source peer.ID
	Data   []byte
}

// Transport floods payloads over the network.
//
// Publish must hand off and return without waiting for delivery. A peer may
// be reachable through several addresses: AddPeer adds one, RemoveAddr drops
// one and RemovePeer forgets the peer entirely.
type Transport interface {
	Publish(ctx context.Context, data []byte, fanout []peer.ID) error
	Messages() <-chan Inbound
	AddPeer(ctx context.Context, p peer.ID, addr string) error
	RemoveAddr(p peer.ID, addr string)
	RemovePeer(p peer.ID)
	Close() error
}

// Overlay publishes to every peer in the membership view.
type Overlay struct {
	transport Transport
	view      *membership.View
	logger    *zap.Logger
}

// New wraps transport. view is read at publish time for the fan-out.
func New(transport Transport, view *membership.View, logger *zap.Logger) *Overlay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overlay{
		transport: transport,
		view:      view,
		logger:    logger.Named("overlay"),
	}
}

// Publish floods payload to the current members.
func (o *Overlay) Publish(ctx context.Context, payload []byte) error {
	fanout := o.view.Current()
	o.logger.Debug("publish", zap.Int("bytes", len(payload)), zap.Int("fanout", len(fanout)))
	return o.transport.Publish(ctx, payload, fanout)
}

// Messages returns inbound payloads.
func (o *Overlay) Messages() <-chan Inbound {
	return o.transport.Messages()
}

// Join tells the transport how to reach a newly discovered peer.
func (o *Overlay) Join(ctx context.Context, p peer.ID, addr string) error {
	return o.transport.AddPeer(ctx, p, addr)
}

// Leave drops a peer that discovery no longer knows.
func (o *Overlay) Leave(p peer.ID) {
	o.transport.RemovePeer(p)
}

// Forget drops one expired address of a peer that is still a member.
func (o *Overlay) Forget(p peer.ID, addr string) {
	o.transport.RemoveAddr(p, addr)
}
