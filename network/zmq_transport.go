package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/overlay"
)

// MaxNetworkMessageSize caps an inbound envelope.
const MaxNetworkMessageSize = 1 << 20

const (
	envelopeTypeFlood = "flood"
	inboxSize         = 1000
	outboxSize        = 1000
)

// Common errors for network operations
var (
	ErrNodeNotRunning  = errors.New("node is not running")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrSendFailed      = errors.New("failed to send message")
	ErrQueueFull       = errors.New("send queue full")
	ErrMessageTooLarge = errors.New("message too large")
	ErrTopicMismatch   = errors.New("topic mismatch")
)

// PeerInfo contains information about a network peer. Address is the
// endpoint in use, the most recent entry of Addrs.
type PeerInfo struct {
	ID       peer.ID   `json:"id"`
	Address  string    `json:"address"`
	Addrs    []string  `json:"addrs"`
	LastSeen time.Time `json:"last_seen"`
}

// Envelope is the frame exchanged between ZmqNodes.
type Envelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	From      string    `json:"from"`
	Payload   []byte    `json:"payload"`
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	Hops      int       `json:"hops,omitempty"`
}

func decodeEnvelope(data []byte, topic string) (*Envelope, error) {
	if len(data) > MaxNetworkMessageSize {
		return nil, ErrMessageTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic != topic {
		return nil, ErrTopicMismatch
	}
	if env.From == "" || env.Nonce == "" {
		return nil, errors.New("envelope without origin")
	}
	return &env, nil
}

type outbound struct {
	data    []byte
	targets []peer.ID
}

// ZmqNode is a ZeroMQ-based overlay transport.
type ZmqNode struct {
	self    peer.ID
	topic   string
	host    string
	port    int
	address string
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket             // ROUTER socket for receiving
	dealers map[peer.ID]zmq4.Socket // DEALER sockets for sending (per peer)

	peers map[peer.ID]*PeerInfo
	mu    sync.RWMutex

	propagator *Propagator
	outbox     chan outbound
	msgChan    chan overlay.Inbound
	seq        atomic.Uint64

	// Replay protection
	replayTolerance time.Duration

	running bool
	stopped bool
	wg      sync.WaitGroup
}

// NewZmqNode creates a node that will listen on host:port. Port 0 picks a
// free port at Start.
func NewZmqNode(self peer.ID, topic, host string, port int, logger *zap.Logger) *ZmqNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqNode{
		self:            self,
		topic:           topic,
		host:            host,
		port:            port,
		address:         fmt.Sprintf("tcp://%s:%d", host, port),
		logger:          logger.Named("zmq"),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[peer.ID]zmq4.Socket),
		peers:           make(map[peer.ID]*PeerInfo),
		propagator:      NewPropagator(),
		outbox:          make(chan outbound, outboxSize),
		msgChan:         make(chan overlay.Inbound, inboxSize),
		replayTolerance: 60 * time.Second,
	}
}

// Start binds the ROUTER socket and starts the receive and send loops.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running || n.stopped {
		n.mu.Unlock()
		return errors.New("node already started")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.self.String())))
	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}
	if tcp, ok := n.router.Addr().(*net.TCPAddr); ok {
		n.port = tcp.Port
		n.address = fmt.Sprintf("tcp://%s:%d", n.host, n.port)
	}

	n.running = true
	n.mu.Unlock()

	n.propagator.Start()

	n.wg.Add(2)
	go n.receiverLoop()
	go n.senderLoop()

	n.logger.Info("listening", zap.String("address", n.address), zap.String("topic", n.topic))
	return nil
}

// Stop shuts the sockets down and closes the Messages channel.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	wasRunning := n.running
	n.running = false
	n.stopped = true
	n.mu.Unlock()

	n.cancel()

	if wasRunning {
		// Errors during shutdown are expected.
		_ = n.router.Close()
	}

	n.wg.Wait()
	n.propagator.Stop()

	n.mu.Lock()
	for id, dealer := range n.dealers {
		_ = dealer.Close()
		delete(n.dealers, id)
	}
	n.mu.Unlock()

	close(n.msgChan)
}

// Close implements overlay.Transport.
func (n *ZmqNode) Close() error {
	n.Stop()
	return nil
}

// Port returns the bound port once started.
func (n *ZmqNode) Port() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.port
}

// Address returns the ROUTER endpoint.
func (n *ZmqNode) Address() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.address
}

// AddPeer records addr as the endpoint of p. A changed address replaces the
// existing DEALER; earlier addresses are kept as fallbacks.
func (n *ZmqNode) AddPeer(_ context.Context, p peer.ID, addr string) error {
	if addr == "" {
		return errors.New("empty peer address")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	info, ok := n.peers[p]
	if !ok {
		n.peers[p] = &PeerInfo{ID: p, Address: addr, Addrs: []string{addr}, LastSeen: time.Now()}
		return nil
	}
	info.LastSeen = time.Now()
	info.Addrs = append(withoutAddr(info.Addrs, addr), addr)
	if info.Address != addr {
		info.Address = addr
		n.closeDealerLocked(p)
	}
	return nil
}

// RemoveAddr drops one address of p. Losing the address in use switches to
// the most recent remaining one; losing the last address forgets p.
func (n *ZmqNode) RemoveAddr(p peer.ID, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	info, ok := n.peers[p]
	if !ok {
		return
	}
	info.Addrs = withoutAddr(info.Addrs, addr)
	if len(info.Addrs) == 0 {
		delete(n.peers, p)
		n.closeDealerLocked(p)
		return
	}
	if info.Address == addr {
		info.Address = info.Addrs[len(info.Addrs)-1]
		n.closeDealerLocked(p)
		n.logger.Debug("peer address fallback",
			zap.String("peer", p.String()),
			zap.String("expired", addr),
			zap.String("address", info.Address))
	}
}

// RemovePeer forgets p and closes its DEALER.
func (n *ZmqNode) RemovePeer(p peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.peers, p)
	n.closeDealerLocked(p)
}

func withoutAddr(addrs []string, addr string) []string {
	out := addrs[:0:0]
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

func (n *ZmqNode) closeDealerLocked(p peer.ID) {
	if dealer, ok := n.dealers[p]; ok {
		_ = dealer.Close()
		delete(n.dealers, p)
	}
}

// GetPeers returns a copy of all registered peers.
func (n *ZmqNode) GetPeers() map[peer.ID]PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[peer.ID]PeerInfo, len(n.peers))
	for id, info := range n.peers {
		cp := *info
		cp.Addrs = append([]string(nil), info.Addrs...)
		peers[id] = cp
	}
	return peers
}

// Publish wraps data in an envelope and queues it for every fan-out peer
// with a known address. It never blocks.
func (n *ZmqNode) Publish(_ context.Context, data []byte, fanout []peer.ID) error {
	n.mu.RLock()
	running := n.running
	n.mu.RUnlock()
	if !running {
		return ErrNodeNotRunning
	}

	env := Envelope{
		Type:      envelopeTypeFlood,
		Topic:     n.topic,
		From:      n.self.String(),
		Payload:   data,
		Nonce:     fmt.Sprintf("%d-%d", time.Now().UnixNano(), n.seq.Add(1)),
		Timestamp: time.Now(),
	}
	n.propagator.MarkSeen(env.From, env.Nonce)

	return n.enqueue(&env, fanout)
}

func (n *ZmqNode) enqueue(env *Envelope, targets []peer.ID) error {
	if len(targets) == 0 {
		return nil
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(frame) > MaxNetworkMessageSize {
		return ErrMessageTooLarge
	}

	select {
	case n.outbox <- outbound{data: frame, targets: targets}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Messages returns the channel for received payloads.
func (n *ZmqNode) Messages() <-chan overlay.Inbound {
	return n.msgChan
}

func (n *ZmqNode) senderLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case out := <-n.outbox:
			for _, target := range out.targets {
				if target == n.self {
					continue
				}
				if err := n.sendTo(target, out.data); err != nil {
					n.logger.Debug("send failed", zap.Stringer("peer", target), zap.Error(err))
				}
			}
		}
	}
}

func (n *ZmqNode) sendTo(p peer.ID, frame []byte) error {
	dealer, err := n.getOrCreateDealer(p)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(frame)); err != nil {
		n.mu.Lock()
		n.closeDealerLocked(p)
		n.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, p, err)
	}
	return nil
}

// getOrCreateDealer gets or creates a DEALER socket for a peer. Dialing
// happens outside the lock so Publish is never held up by a slow peer.
func (n *ZmqNode) getOrCreateDealer(p peer.ID) (zmq4.Socket, error) {
	n.mu.RLock()
	dealer, ok := n.dealers[p]
	info, known := n.peers[p]
	var address string
	if known {
		address = info.Address
	}
	n.mu.RUnlock()

	if ok {
		return dealer, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, p)
	}

	dealer = zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.self.String())))
	if err := dealer.Dial(address); err != nil {
		_ = dealer.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.peers[p]; !ok || current.Address != address {
		// Peer left or moved while dialing.
		_ = dealer.Close()
		return nil, fmt.Errorf("peer %s changed while dialing", p)
	}
	n.dealers[p] = dealer
	return dealer, nil
}

// receiverLoop continuously receives envelopes from the ROUTER socket.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}

		// ROUTER prepends the DEALER identity frame.
		var relayer peer.ID
		if len(msg.Frames) > 1 {
			relayer, _ = peer.Decode(string(msg.Frames[0]))
		}
		n.handleFrame(msg.Frames[len(msg.Frames)-1], relayer)
	}
}

func (n *ZmqNode) handleFrame(frame []byte, relayer peer.ID) {
	env, err := decodeEnvelope(frame, n.topic)
	if err != nil {
		n.logger.Debug("dropping envelope", zap.Error(err))
		return
	}
	if env.From == n.self.String() {
		return
	}
	origin, err := peer.Decode(env.From)
	if err != nil {
		n.logger.Debug("dropping envelope with bad origin", zap.String("from", env.From))
		return
	}
	if time.Since(env.Timestamp) > n.replayTolerance {
		n.logger.Debug("dropping stale envelope", zap.Stringer("origin", origin))
		return
	}
	if !n.propagator.MarkSeen(env.From, env.Nonce) {
		return
	}

	n.mu.Lock()
	if info, ok := n.peers[origin]; ok {
		info.LastSeen = time.Now()
	}
	n.mu.Unlock()

	select {
	case n.msgChan <- overlay.Inbound{Source: origin, Data: env.Payload}:
	default:
		// Channel full, drop message
		n.logger.Debug("inbox full", zap.Stringer("origin", origin))
	}

	if n.propagator.ShouldRelay(env.Hops) {
		env.Hops++
		_ = n.enqueue(env, n.relayTargets(relayer, origin))
	}
}

func (n *ZmqNode) relayTargets(exclude ...peer.ID) []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	targets := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		skip := false
		for _, ex := range exclude {
			if id == ex {
				skip = true
				break
			}
		}
		if !skip {
			targets = append(targets, id)
		}
	}
	return targets
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
	Outbox    int    `json:"outbox"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		NodeID:    n.self.String(),
		Address:   n.address,
		PeerCount: len(n.peers),
		IsRunning: n.running,
		QueueSize: len(n.msgChan),
		Outbox:    len(n.outbox),
	}
}
