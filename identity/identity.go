// Package identity generates the node's peer identity.
package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the keypair and derived PeerID of this node.
// The private key is only used to authenticate the transport handshake.
type Identity struct {
	PrivKey crypto.PrivKey
	ID      peer.ID
}

// Generate creates a fresh Ed25519 keypair and derives its PeerID.
func Generate() (*Identity, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{PrivKey: priv, ID: id}, nil
}

// String returns the base58 form of the PeerID.
func (i *Identity) String() string {
	return i.ID.String()
}
