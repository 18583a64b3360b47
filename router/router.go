// Package router interprets inbound payloads and decides whether this node
// must answer.
package router

import (
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/queue"
)

// Policy decides which responses this node acts upon.
type Policy int

const (
	// PolicyDirected observes only responses whose receiver is this node.
	PolicyDirected Policy = iota
	// PolicyObserveAll observes every response seen on the topic.
	PolicyObserveAll
)

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "directed":
		return PolicyDirected, nil
	case "observe-all":
		return PolicyObserveAll, nil
	default:
		return 0, fmt.Errorf("unknown response policy %q", s)
	}
}

func (p Policy) String() string {
	if p == PolicyObserveAll {
		return "observe-all"
	}
	return "directed"
}

// Action is what the router decided to do with a payload.
type Action int

const (
	ActionDiscard Action = iota
	ActionIgnore
	ActionReply
	ActionObserve
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionReply:
		return "reply"
	case ActionObserve:
		return "observe"
	default:
		return "discard"
	}
}

// Decision is the outcome of routing one inbound payload.
type Decision struct {
	Action   Action
	Kind     Kind
	Request  *Request
	Response *Response

	// Reply is set when Action is ActionReply. Queued reports whether
	// Handle managed to enqueue it.
	Reply  *Response
	Queued bool
}

// Router answers requests addressed to this node.
type Router struct {
	self      peer.ID
	replyText string
	policy    Policy
	replies   *queue.Unbounded[Response]
	logger    *zap.Logger
}

// New creates a router that pushes replies onto replies.
func New(self peer.ID, replyText string, policy Policy, replies *queue.Unbounded[Response], logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		self:      self,
		replyText: replyText,
		policy:    policy,
		replies:   replies,
		logger:    logger.Named("router"),
	}
}

// Route decides what to do with payload from source without side effects.
func (r *Router) Route(source peer.ID, payload []byte) Decision {
	kind, req, resp := Classify(payload)
	d := Decision{Kind: kind, Request: req, Response: resp}

	switch kind {
	case KindRequest:
		if r.addressedToSelf(req.Destination) {
			d.Action = ActionReply
			d.Reply = &Response{Receiver: source.String(), Text: r.replyText}
		} else {
			d.Action = ActionIgnore
		}
	case KindResponse:
		if r.policy == PolicyObserveAll || resp.Receiver == r.self.String() {
			d.Action = ActionObserve
		} else {
			d.Action = ActionIgnore
		}
	default:
		d.Action = ActionDiscard
	}
	return d
}

// Handle routes payload and enqueues the reply, if any.
func (r *Router) Handle(source peer.ID, payload []byte) Decision {
	d := r.Route(source, payload)

	switch d.Action {
	case ActionReply:
		if err := r.replies.Push(*d.Reply); err != nil {
			r.logger.Warn("reply dropped", zap.Stringer("receiver", source), zap.Error(err))
			break
		}
		d.Queued = true
	case ActionDiscard:
		r.logger.Debug("discarding payload", zap.Stringer("source", source), zap.Int("bytes", len(payload)))
	case ActionIgnore:
		r.logger.Debug("not addressed to us", zap.Stringer("source", source), zap.Stringer("kind", d.Kind))
	}
	return d
}

func (r *Router) addressedToSelf(destination string) bool {
	return strings.TrimSpace(destination) == "" || destination == r.self.String()
}
