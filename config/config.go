// Package config holds the node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/VanDung-dev/EchoMesh/router"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Transport backends.
const (
	TransportLibp2p = "libp2p"
	TransportZmq    = "zmq"
)

// DiscoveryConfig configures LAN peer discovery.
type DiscoveryConfig struct {
	// ServiceName is the mDNS service tag used by the libp2p backend.
	ServiceName string `yaml:"service_name"`
	// MulticastGroup is the beacon group used by the zmq backend.
	MulticastGroup string        `yaml:"multicast_group"`
	BeaconInterval time.Duration `yaml:"beacon_interval"`
	PeerTTL        time.Duration `yaml:"peer_ttl"`
	// MaxHops bounds how far the zmq backend relays an envelope.
	MaxHops int `yaml:"max_hops"`
}

// Config is built once at startup and not modified afterwards.
type Config struct {
	ReplyText      string          `yaml:"reply_text"`
	Topic          string          `yaml:"topic"`
	Transport      string          `yaml:"transport"`
	ListenHost     string          `yaml:"listen_host"`
	ListenPort     int             `yaml:"listen_port"`
	Discovery      DiscoveryConfig `yaml:"discovery"`
	ResponsePolicy string          `yaml:"response_policy"`
	MetricsAddr    string          `yaml:"metrics_addr"`
	LogLevel       string          `yaml:"log_level"`
	Development    bool            `yaml:"development"`
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	return Config{
		Topic:          "text",
		Transport:      TransportLibp2p,
		ListenHost:     "0.0.0.0",
		ListenPort:     0,
		ResponsePolicy: router.PolicyDirected.String(),
		LogLevel:       "info",
		Discovery: DiscoveryConfig{
			ServiceName:    "echomesh",
			MulticastGroup: "239.255.70.77:7788",
			BeaconInterval: 2 * time.Second,
			PeerTTL:        10 * time.Second,
			MaxHops:        5,
		},
	}
}

// LoadFile reads a YAML file on top of Default.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error deserialising config file: %w", err)
	}
	return cfg, nil
}

// Policy returns the parsed response policy.
func (c Config) Policy() (router.Policy, error) {
	return router.ParsePolicy(c.ResponsePolicy)
}

// Validate checks the values the node depends on.
func (c Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: topic must not be empty", ErrInvalid)
	}
	switch c.Transport {
	case TransportLibp2p, TransportZmq:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalid, c.ListenPort)
	}
	if net.ParseIP(c.ListenHost) == nil {
		return fmt.Errorf("%w: listen host %q is not an IP address", ErrInvalid, c.ListenHost)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Transport == TransportZmq {
		if _, err := net.ResolveUDPAddr("udp4", c.Discovery.MulticastGroup); err != nil {
			return fmt.Errorf("%w: multicast group: %v", ErrInvalid, err)
		}
		if c.Discovery.BeaconInterval <= 0 || c.Discovery.PeerTTL <= c.Discovery.BeaconInterval {
			return fmt.Errorf("%w: peer ttl must exceed a positive beacon interval", ErrInvalid)
		}
		if c.Discovery.MaxHops <= 0 {
			return fmt.Errorf("%w: max hops must be positive", ErrInvalid)
		}
	}
	if c.Transport == TransportLibp2p && c.Discovery.ServiceName == "" {
		return fmt.Errorf("%w: mdns service name must not be empty", ErrInvalid)
	}
	return nil
}
