package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/EchoMesh/identity"
	"github.com/VanDung-dev/EchoMesh/overlay"
)

var _ overlay.Transport = (*ZmqNode)(nil)

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return id.ID
}

func startNode(t *testing.T, topic string) *ZmqNode {
	t.Helper()
	node := NewZmqNode(newPeerID(t), topic, "127.0.0.1", 0, zaptest.NewLogger(t))
	if err := node.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(node.Stop)
	return node
}

func receive(t *testing.T, node *ZmqNode) overlay.Inbound {
	t.Helper()
	select {
	case msg, ok := <-node.Messages():
		if !ok {
			t.Fatal("messages channel closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return overlay.Inbound{}
}

func TestNewZmqNode(t *testing.T) {
	self := newPeerID(t)
	node := NewZmqNode(self, "text", "127.0.0.1", 5555, nil)
	if node == nil {
		t.Fatal("NewZmqNode returned nil")
	}

	if node.self != self {
		t.Errorf("Expected self %s, got %s", self, node.self)
	}

	if node.Address() != "tcp://127.0.0.1:5555" {
		t.Errorf("Expected address 'tcp://127.0.0.1:5555', got %s", node.Address())
	}
}

func TestZmqNodeAddRemovePeer(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 5555, nil)
	other := newPeerID(t)
	ctx := context.Background()

	if err := node.AddPeer(ctx, other, "tcp://127.0.0.1:5556"); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if err := node.AddPeer(ctx, other, "tcp://127.0.0.1:5557"); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	peers := node.GetPeers()
	if len(peers) != 1 {
		t.Errorf("Expected 1 peer, got %d", len(peers))
	}
	if peers[other].Address != "tcp://127.0.0.1:5557" {
		t.Errorf("Expected latest address, got %s", peers[other].Address)
	}

	if err := node.AddPeer(ctx, other, ""); err == nil {
		t.Error("Expected error for empty address")
	}

	node.RemovePeer(other)
	if len(node.GetPeers()) != 0 {
		t.Errorf("Expected 0 peers after remove, got %d", len(node.GetPeers()))
	}
}

func TestZmqNodeRemoveAddr(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 5555, nil)
	other := newPeerID(t)
	ctx := context.Background()

	for _, addr := range []string{"tcp://127.0.0.1:5556", "tcp://127.0.0.1:5557"} {
		if err := node.AddPeer(ctx, other, addr); err != nil {
			t.Fatalf("AddPeer failed: %v", err)
		}
	}

	node.RemoveAddr(other, "tcp://127.0.0.1:5556")
	if got := node.GetPeers()[other].Address; got != "tcp://127.0.0.1:5557" {
		t.Errorf("removing a fallback should keep the current address, got %s", got)
	}

	if err := node.AddPeer(ctx, other, "tcp://127.0.0.1:5556"); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	node.RemoveAddr(other, "tcp://127.0.0.1:5556")
	info, ok := node.GetPeers()[other]
	if !ok {
		t.Fatal("peer with a remaining address was removed")
	}
	if info.Address != "tcp://127.0.0.1:5557" {
		t.Errorf("Expected fallback to tcp://127.0.0.1:5557, got %s", info.Address)
	}
	if len(info.Addrs) != 1 {
		t.Errorf("Expected 1 remaining address, got %v", info.Addrs)
	}

	node.RemoveAddr(other, "tcp://127.0.0.1:5557")
	if len(node.GetPeers()) != 0 {
		t.Errorf("Expected 0 peers after the last address expired, got %d", len(node.GetPeers()))
	}
}

func TestPublishBeforeStart(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 0, nil)

	err := node.Publish(context.Background(), []byte("{}"), nil)
	if err != ErrNodeNotRunning {
		t.Errorf("Expected ErrNodeNotRunning, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 0, nil)
	env := &Envelope{Type: envelopeTypeFlood, Topic: "text", From: "a", Nonce: "1"}
	targets := []peer.ID{newPeerID(t)}

	// Nothing drains the outbox before Start.
	for i := 0; i < outboxSize; i++ {
		if err := node.enqueue(env, targets); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if err := node.enqueue(env, targets); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if err := node.enqueue(env, nil); err != nil {
		t.Errorf("empty fan-out should be a no-op, got %v", err)
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 0, nil)

	err := node.sendTo(newPeerID(t), []byte("{}"))
	if !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("Expected ErrPeerNotFound, got %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 0, nil)
	node.Stop()
	node.Stop()

	if _, ok := <-node.Messages(); ok {
		t.Error("Messages should be closed after Stop")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	valid, _ := json.Marshal(Envelope{Type: envelopeTypeFlood, Topic: "text", From: "origin", Nonce: "1", Payload: []byte("hi")})
	otherTopic, _ := json.Marshal(Envelope{Topic: "chat", From: "origin", Nonce: "1"})
	noOrigin, _ := json.Marshal(Envelope{Topic: "text", Nonce: "1"})

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"valid", valid, false},
		{"other topic", otherTopic, true},
		{"no origin", noOrigin, true},
		{"garbage", []byte("{"), true},
		{"oversized", make([]byte, MaxNetworkMessageSize+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeEnvelope(tt.data, "text")
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(env.Payload) != "hi" {
				t.Errorf("Expected payload 'hi', got %q", env.Payload)
			}
		})
	}
}

func TestHandleFrameDropsDuplicatesAndSelf(t *testing.T) {
	node := NewZmqNode(newPeerID(t), "text", "127.0.0.1", 0, nil)
	origin := newPeerID(t)

	frame, _ := json.Marshal(Envelope{
		Type: envelopeTypeFlood, Topic: "text", From: origin.String(),
		Nonce: "n1", Timestamp: time.Now(), Payload: []byte("x"),
	})
	node.handleFrame(frame, origin)
	node.handleFrame(frame, origin)

	own, _ := json.Marshal(Envelope{
		Type: envelopeTypeFlood, Topic: "text", From: node.self.String(),
		Nonce: "n2", Timestamp: time.Now(),
	})
	node.handleFrame(own, origin)

	stale, _ := json.Marshal(Envelope{
		Type: envelopeTypeFlood, Topic: "text", From: origin.String(),
		Nonce: "n3", Timestamp: time.Now().Add(-time.Hour),
	})
	node.handleFrame(stale, origin)

	if got := len(node.msgChan); got != 1 {
		t.Fatalf("Expected 1 delivered message, got %d", got)
	}
	msg := <-node.msgChan
	if msg.Source != origin {
		t.Errorf("Expected source %s, got %s", origin, msg.Source)
	}
	if string(msg.Data) != "x" {
		t.Errorf("Expected data 'x', got %q", msg.Data)
	}
}

func TestZmqLoopback(t *testing.T) {
	a := startNode(t, "text")
	b := startNode(t, "text")
	ctx := context.Background()

	if err := a.AddPeer(ctx, b.self, b.Address()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	if err := a.Publish(ctx, []byte(`{"destination":""}`), []peer.ID{b.self}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := receive(t, b)
	if msg.Source != a.self {
		t.Errorf("Expected source %s, got %s", a.self, msg.Source)
	}
	if string(msg.Data) != `{"destination":""}` {
		t.Errorf("Expected request payload, got %s", msg.Data)
	}
}

func TestZmqFallbackDelivery(t *testing.T) {
	a := startNode(t, "text")
	b := startNode(t, "text")
	ctx := context.Background()

	// b's second advertised address stops answering.
	dead := "tcp://127.0.0.1:1"
	if err := a.AddPeer(ctx, b.self, b.Address()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if err := a.AddPeer(ctx, b.self, dead); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	a.RemoveAddr(b.self, dead)

	if err := a.Publish(ctx, []byte("hello"), []peer.ID{b.self}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if msg := receive(t, b); string(msg.Data) != "hello" {
		t.Errorf("Expected 'hello', got %q", msg.Data)
	}
}

func TestZmqRelay(t *testing.T) {
	a := startNode(t, "text")
	b := startNode(t, "text")
	c := startNode(t, "text")
	ctx := context.Background()

	// a only knows b, b knows c.
	if err := a.AddPeer(ctx, b.self, b.Address()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if err := b.AddPeer(ctx, c.self, c.Address()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	if err := a.Publish(ctx, []byte("hello"), []peer.ID{b.self}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if msg := receive(t, b); msg.Source != a.self {
		t.Errorf("b: Expected source %s, got %s", a.self, msg.Source)
	}
	msg := receive(t, c)
	if msg.Source != a.self {
		t.Errorf("c: Expected relayed origin %s, got %s", a.self, msg.Source)
	}
	if string(msg.Data) != "hello" {
		t.Errorf("c: Expected 'hello', got %q", msg.Data)
	}
}

func TestPropagatorMarkSeen(t *testing.T) {
	p := NewPropagator()

	if !p.MarkSeen("a", "1") {
		t.Error("first sighting should be new")
	}
	if p.MarkSeen("a", "1") {
		t.Error("second sighting should be a duplicate")
	}
	if !p.MarkSeen("b", "1") {
		t.Error("same nonce from another origin should be new")
	}
	if p.MarkSeen("b", "1") {
		t.Error("second sighting from another origin should be a duplicate")
	}
}

func TestPropagatorHops(t *testing.T) {
	p := NewPropagator()

	if !p.ShouldRelay(0) {
		t.Error("fresh envelope should be relayed")
	}
	if p.ShouldRelay(defaultMaxHops) {
		t.Error("envelope at the hop limit should not be relayed")
	}

	p.SetMaxHops(1)
	if p.ShouldRelay(1) {
		t.Error("hop limit should follow SetMaxHops")
	}
	if got := p.GetStats().MaxHops; got != 1 {
		t.Errorf("Expected MaxHops 1, got %d", got)
	}
}

func TestPropagatorCleanCache(t *testing.T) {
	p := NewPropagator()
	p.MarkSeen("a", "1")

	p.cleanCache(time.Now())
	if got := p.GetStats().CacheSize; got != 1 {
		t.Errorf("Expected fresh entry to survive, got cache size %d", got)
	}

	p.cleanCache(time.Now().Add(p.cacheExpiry + time.Second))
	if got := p.GetStats().CacheSize; got != 0 {
		t.Errorf("Expected expired entry to be removed, got cache size %d", got)
	}
}

func BenchmarkFingerprint(b *testing.B) {
	for i := 0; i < b.N; i++ {
		fingerprint("12D3KooWorigin", "1700000000000000000-42")
	}
}
