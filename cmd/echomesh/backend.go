package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/VanDung-dev/EchoMesh/config"
	"github.com/VanDung-dev/EchoMesh/discovery"
	"github.com/VanDung-dev/EchoMesh/identity"
	"github.com/VanDung-dev/EchoMesh/network"
	"github.com/VanDung-dev/EchoMesh/overlay"
	"github.com/VanDung-dev/EchoMesh/p2p"
)

// backend bundles the transport and discovery source of one stack.
type backend struct {
	transport overlay.Transport
	discovery discovery.Source
	addrs     func() []string
	close     func()
}

func openBackend(ctx context.Context, cfg config.Config, id *identity.Identity, logger *zap.Logger) (*backend, error) {
	switch cfg.Transport {
	case config.TransportZmq:
		return openZmq(ctx, cfg, id, logger)
	case config.TransportLibp2p:
		return openLibp2p(ctx, cfg, id, logger)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
	}
}

func openLibp2p(ctx context.Context, cfg config.Config, id *identity.Identity, logger *zap.Logger) (*backend, error) {
	h, err := p2p.NewHost(id.PrivKey, p2p.ListenAddr(cfg.ListenHost, cfg.ListenPort))
	if err != nil {
		return nil, err
	}
	ft, err := p2p.NewFloodTransport(ctx, h, cfg.Topic, logger)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("join topic %q: %w", cfg.Topic, err)
	}
	mdns := p2p.NewMdnsDiscovery(h, cfg.Discovery.ServiceName, logger)
	if err := mdns.Start(ctx); err != nil {
		_ = ft.Close()
		_ = h.Close()
		return nil, err
	}

	for _, addr := range p2p.Addrs(h) {
		logger.Info("listening", zap.String("addr", addr))
	}

	return &backend{
		transport: ft,
		discovery: mdns,
		addrs:     func() []string { return p2p.Addrs(h) },
		close: func() {
			_ = mdns.Close()
			_ = ft.Close()
			_ = h.Close()
		},
	}, nil
}

func openZmq(ctx context.Context, cfg config.Config, id *identity.Identity, logger *zap.Logger) (*backend, error) {
	svc, err := network.NewService(network.ServiceConfig{
		Self:           id.ID,
		Topic:          cfg.Topic,
		Host:           cfg.ListenHost,
		Port:           cfg.ListenPort,
		Group:          cfg.Discovery.MulticastGroup,
		BeaconInterval: cfg.Discovery.BeaconInterval,
		PeerTTL:        cfg.Discovery.PeerTTL,
		MaxHops:        cfg.Discovery.MaxHops,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}

	return &backend{
		transport: svc.Transport(),
		discovery: svc.Discovery(),
		addrs:     func() []string { return []string{svc.Transport().Address()} },
		close:     svc.Stop,
	}, nil
}
