// Package p2p provides the libp2p backend of the overlay: a noise-secured
// host, a floodsub topic transport and mDNS discovery.
package p2p

import (
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	yamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// NewHost starts a libp2p host keyed by priv and listening on listenAddrs.
func NewHost(priv crypto.PrivKey, listenAddrs ...string) (host.Host, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.Transport(tcp.NewTCPTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	return h, nil
}

// ListenAddr formats a TCP listen multiaddr.
func ListenAddr(host string, port int) string {
	return fmt.Sprintf("/ip4/%s/tcp/%d", host, port)
}

// Addrs returns the dialable addresses of h including its /p2p component.
func Addrs(h host.Host) []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// parseAddr accepts a plain transport multiaddr or one ending in /p2p/<id>.
func parseAddr(p peer.ID, addr string) (multiaddr.Multiaddr, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse multiaddr %q: %w", addr, err)
	}
	transport, id := peer.SplitAddr(ma)
	if id != "" && id != p {
		return nil, fmt.Errorf("address %s belongs to %s, not %s", addr, id, p)
	}
	if transport == nil {
		return nil, fmt.Errorf("address %q has no transport part", addr)
	}
	return transport, nil
}
