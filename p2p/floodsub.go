package p2p

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/overlay"
)

const (
	inboxSize   = 1000
	dialTimeout = 10 * time.Second
)

// FloodTransport publishes on a floodsub topic. Floodsub forwards to every
// connected subscriber, so the fan-out list handed to Publish is advisory.
type FloodTransport struct {
	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	msgChan chan overlay.Inbound

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFloodTransport joins topic on h and starts reading it.
func NewFloodTransport(ctx context.Context, h host.Host, topic string, logger *zap.Logger) (*FloodTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps, err := pubsub.NewFloodSub(ctx, h)
	if err != nil {
		return nil, err
	}
	t, err := ps.Join(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ft := &FloodTransport{
		host:    h,
		ps:      ps,
		topic:   t,
		sub:     sub,
		logger:  logger.Named("floodsub"),
		msgChan: make(chan overlay.Inbound, inboxSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	ft.wg.Add(1)
	go ft.readLoop()

	ft.logger.Info("joined topic", zap.String("topic", topic))
	return ft, nil
}

func (t *FloodTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.msgChan)

	for {
		m, err := t.sub.Next(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("topic reader stopped", zap.Error(err))
			}
			return
		}
		from := m.GetFrom()
		if from == t.host.ID() {
			continue
		}

		select {
		case t.msgChan <- overlay.Inbound{Source: from, Data: m.Data}:
		default:
			// Channel full, drop message
			t.logger.Debug("inbox full", zap.Stringer("origin", from))
		}
	}
}

// Publish floods data on the topic.
func (t *FloodTransport) Publish(ctx context.Context, data []byte, _ []peer.ID) error {
	return t.topic.Publish(ctx, data)
}

// Messages returns payloads published by other peers.
func (t *FloodTransport) Messages() <-chan overlay.Inbound {
	return t.msgChan
}

// AddPeer records addr and dials p in the background.
func (t *FloodTransport) AddPeer(_ context.Context, p peer.ID, addr string) error {
	if p == t.host.ID() {
		return nil
	}
	if addr != "" {
		ma, err := parseAddr(p, addr)
		if err != nil {
			return err
		}
		t.host.Peerstore().AddAddr(p, ma, peerstore.TempAddrTTL)
	}
	if t.ctx.Err() != nil || t.host.Network().Connectedness(p) == network.Connected {
		return nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
		defer cancel()
		if err := t.host.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
			t.logger.Debug("connect failed", zap.Stringer("peer", p), zap.Error(err))
		}
	}()
	return nil
}

// RemoveAddr expires addr in the peerstore. Open connections are left to
// the connection manager.
func (t *FloodTransport) RemoveAddr(p peer.ID, addr string) {
	ma, err := parseAddr(p, addr)
	if err != nil {
		return
	}
	t.host.Peerstore().SetAddr(p, ma, 0)
}

// RemovePeer leaves the connection to libp2p; a vanished peer is only
// dropped from membership.
func (t *FloodTransport) RemovePeer(p peer.ID) {
	t.logger.Debug("peer left membership", zap.Stringer("peer", p))
}

// Close leaves the topic. The host is owned by the caller.
func (t *FloodTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.sub.Cancel()
		t.wg.Wait()
		err = t.topic.Close()
	})
	return err
}
