package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// ServiceConfig defines configuration for the network service.
type ServiceConfig struct {
	Self           peer.ID       `json:"self"`
	Topic          string        `json:"topic"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Group          string        `json:"group"`
	BeaconInterval time.Duration `json:"beacon_interval"`
	PeerTTL        time.Duration `json:"peer_ttl"`
	// MaxHops bounds relaying; zero keeps the propagator default.
	MaxHops int `json:"max_hops"`
}

// DefaultServiceConfig returns a configuration with sensible defaults.
func DefaultServiceConfig(self peer.ID) ServiceConfig {
	return ServiceConfig{
		Self:           self,
		Topic:          "text",
		Host:           "0.0.0.0",
		Port:           0,
		Group:          "239.255.70.77:7788",
		BeaconInterval: 2 * time.Second,
		PeerTTL:        10 * time.Second,
		MaxHops:        defaultMaxHops,
	}
}

// ServiceStatus represents the current status of the network service.
type ServiceStatus struct {
	NodeID          string          `json:"node_id"`
	Address         string          `json:"address"`
	IsRunning       bool            `json:"is_running"`
	PeerCount       int             `json:"peer_count"`
	BeaconPeers     int             `json:"beacon_peers"`
	NodeStats       NodeStats       `json:"node_stats"`
	PropagatorStats PropagatorStats `json:"propagator_stats"`
}

// Service orchestrates all network components: ZmqNode, Propagator and
// BeaconDiscovery.
type Service struct {
	config ServiceConfig
	node   *ZmqNode
	beacon *BeaconDiscovery
	logger *zap.Logger

	mu      sync.RWMutex
	running bool
}

// NewService creates a network service with the given configuration.
func NewService(config ServiceConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	beacon, err := NewBeaconDiscovery(BeaconConfig{
		Self:     config.Self,
		Topic:    config.Topic,
		Group:    config.Group,
		Interval: config.BeaconInterval,
		TTL:      config.PeerTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	node := NewZmqNode(config.Self, config.Topic, config.Host, config.Port, logger)
	if config.MaxHops > 0 {
		node.propagator.SetMaxHops(config.MaxHops)
	}

	return &Service{
		config: config,
		node:   node,
		beacon: beacon,
		logger: logger.Named("network"),
	}, nil
}

// Start binds the transport and then starts beaconing its port.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.node.Start(); err != nil {
		return fmt.Errorf("failed to start ZMQ node: %w", err)
	}

	s.beacon.SetPort(s.node.Port())
	if err := s.beacon.Start(ctx); err != nil {
		s.node.Stop()
		return fmt.Errorf("failed to start beacons: %w", err)
	}

	s.running = true
	s.logger.Info("network service started",
		zap.Stringer("peer_id", s.config.Self),
		zap.String("address", s.node.Address()))
	return nil
}

// Stop gracefully shuts down the network service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	// Stop in reverse order
	_ = s.beacon.Close()
	s.node.Stop()

	s.running = false
	s.logger.Info("network service stopped", zap.Stringer("peer_id", s.config.Self))
}

// Transport returns the ZeroMQ overlay transport.
func (s *Service) Transport() *ZmqNode {
	return s.node
}

// Discovery returns the beacon discovery source.
func (s *Service) Discovery() *BeaconDiscovery {
	return s.beacon
}

// GetStatus returns the current status of the network service.
func (s *Service) GetStatus() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodeStats := s.node.GetStats()
	return ServiceStatus{
		NodeID:          s.config.Self.String(),
		Address:         nodeStats.Address,
		IsRunning:       s.running,
		PeerCount:       nodeStats.PeerCount,
		BeaconPeers:     s.beacon.PeerCount(),
		NodeStats:       nodeStats,
		PropagatorStats: s.node.propagator.GetStats(),
	}
}

// IsRunning returns whether the service is currently running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
