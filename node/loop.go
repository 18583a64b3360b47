package node

import (
	"context"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/api"
	"github.com/VanDung-dev/EchoMesh/discovery"
	"github.com/VanDung-dev/EchoMesh/membership"
	"github.com/VanDung-dev/EchoMesh/overlay"
	"github.com/VanDung-dev/EchoMesh/queue"
	"github.com/VanDung-dev/EchoMesh/router"
)

// Console commands.
const (
	CmdExit   = "exit"
	CmdSize   = "size"
	CmdPeers  = "peers"
	CmdOthers = "others"
)

// Settings is the immutable per-node configuration the loop needs.
type Settings struct {
	Self      peer.ID
	ReplyText string
	Policy    router.Policy
}

// Options wires the loop to its collaborators.
type Options struct {
	Settings  Settings
	Transport overlay.Transport
	// Discovery defaults to a source that never reports a peer.
	Discovery discovery.Source
	Input     <-chan string
	Output    io.Writer
	Logger    *zap.Logger
	Metrics   *api.Metrics
}

// Loop owns the membership view and the router and is the only goroutine
// that touches them.
type Loop struct {
	settings  Settings
	view      *membership.View
	overlay   *overlay.Overlay
	router    *router.Router
	replies   *queue.Unbounded[router.Response]
	discovery discovery.Source
	input     <-chan string
	out       io.Writer
	logger    *zap.Logger
	metrics   *api.Metrics
}

// New builds the view, router and overlay around the given collaborators.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = api.NewMetrics("echomesh", prometheus.NewRegistry())
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	disc := opts.Discovery
	if disc == nil {
		disc = discovery.NewStatic(nil)
	}

	replies := queue.New[router.Response]()
	view := membership.New(opts.Settings.Self, disc)

	return &Loop{
		settings:  opts.Settings,
		view:      view,
		overlay:   overlay.New(opts.Transport, view, logger),
		router:    router.New(opts.Settings.Self, opts.Settings.ReplyText, opts.Settings.Policy, replies, logger),
		replies:   replies,
		discovery: disc,
		input:     opts.Input,
		out:       out,
		logger:    logger.Named("loop"),
		metrics:   metrics,
	}
}

// Run services events until the exit command or ctx is cancelled.
// It returns nil after exit and ctx.Err() after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.replies.Close()

	l.logger.Info("event loop started",
		zap.Stringer("peer_id", l.settings.Self),
		zap.Stringer("policy", l.settings.Policy))

	inbound := l.overlay.Messages()
	input := l.input
	events := l.discovery.Events()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("event loop cancelled")
			return ctx.Err()

		case <-events.Ready():
			for _, ev := range events.Drain() {
				l.handleDiscovery(ctx, ev)
			}

		case msg, ok := <-inbound:
			if !ok {
				l.logger.Warn("transport closed its inbound channel")
				inbound = nil
				continue
			}
			l.handleInbound(msg)

		case line, ok := <-input:
			if !ok {
				l.logger.Info("console input closed")
				input = nil
				continue
			}
			if l.handleLine(ctx, line) {
				l.logger.Info("exit requested")
				return nil
			}

		case <-l.replies.Ready():
			l.publishReplies(ctx)
		}
	}
}

func (l *Loop) handleDiscovery(ctx context.Context, ev discovery.Event) {
	if ev.Peer == l.settings.Self {
		return
	}

	var applied bool
	switch ev.Kind {
	case discovery.Appeared:
		applied = l.view.OnAppeared(ev.Peer)
		if err := l.overlay.Join(ctx, ev.Peer, ev.Addr); err != nil {
			l.logger.Warn("join failed", zap.Stringer("peer", ev.Peer), zap.String("addr", ev.Addr), zap.Error(err))
		}
		l.logger.Info("discovered", zap.Stringer("peer", ev.Peer), zap.String("addr", ev.Addr), zap.Bool("new", applied))
	case discovery.Vanished:
		applied = l.view.OnVanished(ev.Peer)
		if applied {
			l.overlay.Leave(ev.Peer)
		} else if ev.Addr != "" {
			// Still reachable elsewhere; stop using the expired address.
			l.overlay.Forget(ev.Peer, ev.Addr)
		}
		l.logger.Info("expired", zap.Stringer("peer", ev.Peer), zap.String("addr", ev.Addr), zap.Bool("removed", applied))
	}

	l.metrics.RecordDiscovery(ev.Kind.String(), applied)
	l.metrics.UpdatePeers(l.view.Len())
}

func (l *Loop) handleInbound(msg overlay.Inbound) {
	d := l.router.Handle(msg.Source, msg.Data)
	l.metrics.RecordInbound(d.Kind.String())

	switch d.Action {
	case router.ActionReply:
		l.metrics.RecordReply(d.Queued)
		l.logger.Info("request", zap.Stringer("source", msg.Source), zap.String("destination", d.Request.Destination))
	case router.ActionObserve:
		l.logger.Info("response",
			zap.Stringer("source", msg.Source),
			zap.String("receiver", d.Response.Receiver),
			zap.String("text", d.Response.Text))
		fmt.Fprintf(l.out, "response from %s: %s\n", msg.Source, d.Response.Text)
	}
}

// handleLine reports whether the loop must stop.
func (l *Loop) handleLine(ctx context.Context, line string) bool {
	l.logger.Debug("input", zap.String("line", line))

	switch line {
	case CmdExit:
		return true
	case CmdSize:
		fmt.Fprintf(l.out, "peers: %d\n", l.view.Len())
	case CmdPeers:
		for _, p := range l.view.Current() {
			fmt.Fprintln(l.out, p)
		}
	case CmdOthers:
		l.publishRequest(ctx, "")
	default:
		l.publishRequest(ctx, line)
	}
	return false
}

func (l *Loop) publishRequest(ctx context.Context, destination string) {
	data, err := router.EncodeRequest(router.Request{Destination: destination})
	if err != nil {
		l.logger.Error("encode request", zap.Error(err))
		return
	}
	err = l.overlay.Publish(ctx, data)
	l.metrics.RecordPublish(router.KindRequest.String(), err)
	if err != nil {
		l.logger.Warn("publish request failed", zap.String("destination", destination), zap.Error(err))
	}
}

func (l *Loop) publishReplies(ctx context.Context) {
	pending := l.replies.Drain()
	l.metrics.UpdatePendingReplies(len(pending))

	for _, resp := range pending {
		data, err := router.EncodeResponse(resp)
		if err != nil {
			l.logger.Error("encode response", zap.Error(err))
			continue
		}
		err = l.overlay.Publish(ctx, data)
		l.metrics.RecordPublish(router.KindResponse.String(), err)
		if err != nil {
			l.logger.Warn("publish response failed", zap.String("receiver", resp.Receiver), zap.Error(err))
			continue
		}
		l.logger.Debug("replied", zap.String("receiver", resp.Receiver))
	}
}
