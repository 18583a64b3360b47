// Package api provides Prometheus metrics and the status endpoint for EchoMesh.
package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Inbound metrics
	MessagesReceived *prometheus.CounterVec
	RepliesEnqueued  prometheus.Counter
	RepliesDropped   prometheus.Counter

	// Outbound metrics
	Published     *prometheus.CounterVec
	PublishFailed *prometheus.CounterVec

	// Membership metrics
	DiscoveryEvents *prometheus.CounterVec
	Peers           prometheus.Gauge
	PendingReplies  prometheus.Gauge
}

// NewMetrics creates metrics under namespace and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound topic messages by payload kind",
		}, []string{"kind"}),
		RepliesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_enqueued_total",
			Help:      "Responses queued for publishing",
		}),
		RepliesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_dropped_total",
			Help:      "Responses that could not be queued",
		}),

		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Payloads the transport accepted by kind",
		}, []string{"kind"}),
		PublishFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failed_total",
			Help:      "Payloads the transport refused by kind",
		}, []string{"kind"}),

		DiscoveryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_events_total",
			Help:      "Discovery events by kind and whether membership changed",
		}, []string{"kind", "applied"}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "membership_peers",
			Help:      "Current number of reachable peers",
		}),
		PendingReplies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_replies",
			Help:      "Responses drained from the reply queue in the last batch",
		}),
	}
}

// RecordInbound records one inbound payload of kind.
func (m *Metrics) RecordInbound(kind string) {
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordReply records a reply enqueue attempt.
func (m *Metrics) RecordReply(queued bool) {
	if queued {
		m.RepliesEnqueued.Inc()
	} else {
		m.RepliesDropped.Inc()
	}
}

// RecordPublish records the outcome of a publish of kind.
func (m *Metrics) RecordPublish(kind string, err error) {
	if err != nil {
		m.PublishFailed.WithLabelValues(kind).Inc()
		return
	}
	m.Published.WithLabelValues(kind).Inc()
}

// RecordDiscovery records a discovery event of kind.
func (m *Metrics) RecordDiscovery(kind string, applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	m.DiscoveryEvents.WithLabelValues(kind, label).Inc()
}

// UpdatePeers updates the membership gauge.
func (m *Metrics) UpdatePeers(n int) {
	m.Peers.Set(float64(n))
}

// UpdatePendingReplies updates the reply batch gauge.
func (m *Metrics) UpdatePendingReplies(n int) {
	m.PendingReplies.Set(float64(n))
}

// Status is served as JSON on /status.
type Status struct {
	PeerID      string   `json:"peer_id"`
	Topic       string   `json:"topic"`
	Transport   string   `json:"transport"`
	ListenAddrs []string `json:"listen_addrs"`
	Policy      string   `json:"policy"`
}

// MetricsServer runs an HTTP server exposing /metrics, /health and /status.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, status func() Status) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status())
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler returns the server's mux.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
