package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/discovery"
	"github.com/VanDung-dev/EchoMesh/queue"
)

// MdnsDiscovery turns mDNS sightings and connection changes into
// discovery events.
type MdnsDiscovery struct {
	host        host.Host
	serviceName string
	logger      *zap.Logger
	events      *queue.Unbounded[discovery.Event]

	mu       sync.Mutex
	service  mdns.Service
	notifiee *network.NotifyBundle
}

// NewMdnsDiscovery prepares discovery for h under serviceName.
func NewMdnsDiscovery(h host.Host, serviceName string, logger *zap.Logger) *MdnsDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MdnsDiscovery{
		host:        h,
		serviceName: serviceName,
		logger:      logger.Named("mdns"),
		events:      queue.New[discovery.Event](),
	}
}

// Events implements discovery.Source.
func (d *MdnsDiscovery) Events() *queue.Unbounded[discovery.Event] {
	return d.events
}

// Start watches connections and starts the mDNS responder.
func (d *MdnsDiscovery) Start(context.Context) error {
	d.watch()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.service != nil {
		return nil
	}
	service := mdns.NewMdnsService(d.host, d.serviceName, d)
	if err := service.Start(); err != nil {
		return fmt.Errorf("start mdns: %w", err)
	}
	d.service = service
	d.logger.Info("mdns started", zap.String("service", d.serviceName))
	return nil
}

func (d *MdnsDiscovery) watch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notifiee != nil {
		return
	}
	d.notifiee = &network.NotifyBundle{
		ConnectedF:    d.connected,
		DisconnectedF: d.disconnected,
	}
	d.host.Network().Notify(d.notifiee)
}

// HandlePeerFound implements mdns.Notifee. Every advertised address is
// reported separately.
func (d *MdnsDiscovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.host.ID() {
		return
	}
	d.logger.Debug("mdns peer found", zap.Stringer("peer", pi.ID), zap.Int("addrs", len(pi.Addrs)))

	if len(pi.Addrs) == 0 {
		d.push(discovery.Appeared, pi.ID, "")
		return
	}
	for _, addr := range pi.Addrs {
		d.push(discovery.Appeared, pi.ID, addr.String())
	}
}

func (d *MdnsDiscovery) connected(_ network.Network, c network.Conn) {
	d.push(discovery.Appeared, c.RemotePeer(), c.RemoteMultiaddr().String())
}

func (d *MdnsDiscovery) disconnected(_ network.Network, c network.Conn) {
	d.push(discovery.Vanished, c.RemotePeer(), c.RemoteMultiaddr().String())
}

func (d *MdnsDiscovery) push(kind discovery.Kind, p peer.ID, addr string) {
	if err := d.events.Push(discovery.Event{Kind: kind, Peer: p, Addr: addr}); err != nil {
		d.logger.Debug("event dropped after close", zap.Stringer("peer", p), zap.Stringer("kind", kind))
	}
}

// Known reports whether p still has a live connection.
func (d *MdnsDiscovery) Known(p peer.ID) bool {
	return d.host.Network().Connectedness(p) == network.Connected
}

// Close stops the responder and the connection watch.
func (d *MdnsDiscovery) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.service != nil {
		err = d.service.Close()
		d.service = nil
	}
	if d.notifiee != nil {
		d.host.Network().StopNotify(d.notifiee)
		d.notifiee = nil
	}
	d.events.Close()
	return err
}
