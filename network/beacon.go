package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/VanDung-dev/EchoMesh/discovery"
	"github.com/VanDung-dev/EchoMesh/queue"
)

const maxBeaconSize = 1024

// Beacon is the presence announcement multicast by every node.
type Beacon struct {
	PeerID string `json:"peer_id"`
	Port   int    `json:"port"`
	Topic  string `json:"topic"`
}

// BeaconConfig configures a BeaconDiscovery.
type BeaconConfig struct {
	Self     peer.ID
	Topic    string
	Group    string
	Interval time.Duration
	TTL      time.Duration
}

type beaconKey struct {
	peer peer.ID
	addr string
}

// BeaconDiscovery finds peers on the LAN through UDP multicast beacons. Each
// (peer, address) pair expires when no beacon refreshed it within the TTL.
type BeaconDiscovery struct {
	cfg    BeaconConfig
	group  *net.UDPAddr
	port   int
	logger *zap.Logger
	events *queue.Unbounded[discovery.Event]

	entries map[beaconKey]time.Time
	mu      sync.RWMutex

	listener *net.UDPConn
	sender   *ipv4.PacketConn

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewBeaconDiscovery validates cfg and prepares the registry.
func NewBeaconDiscovery(cfg BeaconConfig, logger *zap.Logger) (*BeaconDiscovery, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}
	if cfg.Interval <= 0 || cfg.TTL <= 0 {
		return nil, errors.New("beacon interval and ttl must be positive")
	}

	return &BeaconDiscovery{
		cfg:     cfg,
		group:   group,
		logger:  logger.Named("beacon"),
		events:  queue.New[discovery.Event](),
		entries: make(map[beaconKey]time.Time),
	}, nil
}

// SetPort sets the transport port advertised in beacons.
func (b *BeaconDiscovery) SetPort(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.port = port
}

// Events implements discovery.Source.
func (b *BeaconDiscovery) Events() *queue.Unbounded[discovery.Event] {
	return b.events
}

// Start joins the multicast group and starts announcing.
func (b *BeaconDiscovery) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	listener, err := net.ListenMulticastUDP("udp4", nil, b.group)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", b.group, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("open beacon sender: %w", err)
	}
	sender := ipv4.NewPacketConn(conn)
	if err := sender.SetMulticastTTL(1); err != nil {
		b.logger.Warn("set multicast ttl", zap.Error(err))
	}
	if err := sender.SetMulticastLoopback(true); err != nil {
		b.logger.Warn("set multicast loopback", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	b.listener = listener
	b.sender = sender
	b.cancel = cancel
	b.running = true

	b.wg.Add(2)
	go b.receiveLoop()
	go b.announceLoop(ctx)

	b.logger.Info("beacons started", zap.Stringer("group", b.group), zap.Duration("interval", b.cfg.Interval))
	return nil
}

// Close stops announcing and leaves the group.
func (b *BeaconDiscovery) Close() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		b.events.Close()
		return nil
	}
	b.running = false
	b.cancel()
	_ = b.listener.Close()
	_ = b.sender.Close()
	b.mu.Unlock()

	b.wg.Wait()
	b.events.Close()
	return nil
}

// Known reports whether any address of p has not expired yet. Pairs only
// leave the registry through prune, which emits Vanished for them.
func (b *BeaconDiscovery) Known(p peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for key := range b.entries {
		if key.peer == p {
			return true
		}
	}
	return false
}

// PeerCount returns the number of tracked (peer, address) pairs.
func (b *BeaconDiscovery) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *BeaconDiscovery) announceLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.announce()
			b.prune(now)
		}
	}
}

func (b *BeaconDiscovery) announce() {
	b.mu.RLock()
	beacon := Beacon{PeerID: b.cfg.Self.String(), Port: b.port, Topic: b.cfg.Topic}
	sender := b.sender
	b.mu.RUnlock()

	data, err := json.Marshal(beacon)
	if err != nil {
		b.logger.Error("encode beacon", zap.Error(err))
		return
	}
	if _, err := sender.WriteTo(data, nil, b.group); err != nil {
		b.logger.Debug("beacon send failed", zap.Error(err))
	}
}

func (b *BeaconDiscovery) receiveLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxBeaconSize)
	for {
		n, src, err := b.listener.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Debug("beacon read failed", zap.Error(err))
			continue
		}
		b.handlePacket(buf[:n], src, time.Now())
	}
}

func (b *BeaconDiscovery) handlePacket(data []byte, src *net.UDPAddr, now time.Time) {
	var beacon Beacon
	if err := json.Unmarshal(data, &beacon); err != nil {
		b.logger.Debug("malformed beacon", zap.Stringer("src", src), zap.Error(err))
		return
	}
	if beacon.Topic != b.cfg.Topic || beacon.PeerID == b.cfg.Self.String() {
		return
	}
	if beacon.Port <= 0 || beacon.Port > 65535 {
		return
	}
	id, err := peer.Decode(beacon.PeerID)
	if err != nil {
		b.logger.Debug("beacon with bad peer id", zap.String("peer_id", beacon.PeerID))
		return
	}

	b.observe(id, fmt.Sprintf("tcp://%s:%d", src.IP, beacon.Port), now)
}

// observe refreshes (p, addr) and emits Appeared when the pair is new.
func (b *BeaconDiscovery) observe(p peer.ID, addr string, now time.Time) {
	key := beaconKey{peer: p, addr: addr}

	b.mu.Lock()
	_, exists := b.entries[key]
	b.entries[key] = now
	b.mu.Unlock()

	if !exists {
		_ = b.events.Push(discovery.Event{Kind: discovery.Appeared, Peer: p, Addr: addr})
	}
}

// prune drops pairs not refreshed within the TTL and emits Vanished for each.
func (b *BeaconDiscovery) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.TTL)

	var expired []beaconKey
	b.mu.Lock()
	for key, seen := range b.entries {
		if !seen.After(cutoff) {
			expired = append(expired, key)
			delete(b.entries, key)
		}
	}
	b.mu.Unlock()

	for _, key := range expired {
		_ = b.events.Push(discovery.Event{Kind: discovery.Vanished, Peer: key.peer, Addr: key.addr})
	}
}
