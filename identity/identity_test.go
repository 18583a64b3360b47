package identity

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if id.PrivKey == nil {
		t.Fatal("PrivKey should be set")
	}
	if err := id.ID.Validate(); err != nil {
		t.Fatalf("generated ID is invalid: %v", err)
	}
	if !id.ID.MatchesPrivateKey(id.PrivKey) {
		t.Error("ID does not match private key")
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[peer.ID]bool)
	for i := 0; i < 64; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if seen[id.ID] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id.ID] = true
	}
}

func TestStringRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	decoded, err := peer.Decode(id.String())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != id.ID {
		t.Errorf("Expected %s, got %s", id.ID, decoded)
	}
}
