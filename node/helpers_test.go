package node

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/EchoMesh/discovery"
	"github.com/VanDung-dev/EchoMesh/identity"
	"github.com/VanDung-dev/EchoMesh/overlay"
	"github.com/VanDung-dev/EchoMesh/queue"
	"github.com/VanDung-dev/EchoMesh/router"
)

type fakeDiscovery struct {
	events *queue.Unbounded[discovery.Event]
	mu     sync.Mutex
	known  map[peer.ID]bool
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{
		events: queue.New[discovery.Event](),
		known:  make(map[peer.ID]bool),
	}
}

func (f *fakeDiscovery) Start(context.Context) error { return nil }

func (f *fakeDiscovery) Events() *queue.Unbounded[discovery.Event] { return f.events }

func (f *fakeDiscovery) Close() error { return nil }

func (f *fakeDiscovery) Known(p peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[p]
}

func (f *fakeDiscovery) setKnown(p peer.ID, known bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[p] = known
}

func (f *fakeDiscovery) appear(p peer.ID) {
	f.setKnown(p, true)
	_ = f.events.Push(discovery.Event{Kind: discovery.Appeared, Peer: p, Addr: "mem://" + p.String()})
}

// syncBuffer is an io.Writer safe to read while the loop writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testNode struct {
	id        peer.ID
	loop      *Loop
	input     chan string
	out       *syncBuffer
	disc      *fakeDiscovery
	transport *overlay.MemoryTransport
	done      chan error
}

func newTestNode(t *testing.T, hub *overlay.MemoryHub, replyText string, policy router.Policy) *testNode {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	n := &testNode{
		id:    id.ID,
		input: make(chan string),
		out:   &syncBuffer{},
		disc:  newFakeDiscovery(),
		done:  make(chan error, 1),
	}
	n.transport = hub.Join(id.ID)
	n.loop = New(Options{
		Settings:  Settings{Self: id.ID, ReplyText: replyText, Policy: policy},
		Transport: n.transport,
		Discovery: n.disc,
		Input:     n.input,
		Output:    n.out,
		Logger:    zaptest.NewLogger(t).Named(replyText),
	})
	return n
}

func (n *testNode) start(ctx context.Context) {
	go func() { n.done <- n.loop.Run(ctx) }()
}

func (n *testNode) send(t *testing.T, line string) {
	t.Helper()
	select {
	case n.input <- line:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not accept input %q", line)
	}
}

func (n *testNode) stop(t *testing.T) {
	t.Helper()
	n.send(t, CmdExit)
	select {
	case err := <-n.done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
}

// waitPeers polls the size command until the node reports want peers.
func (n *testNode) waitPeers(t *testing.T, want int) {
	t.Helper()
	marker := fmt.Sprintf("peers: %d\n", want)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n.send(t, CmdSize)
		time.Sleep(20 * time.Millisecond)
		if strings.HasSuffix(n.out.String(), marker) {
			return
		}
	}
	t.Fatalf("node never reported %d peers, output:\n%s", want, n.out.String())
}

func waitOutput(t *testing.T, out *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", substr, out.String())
}
