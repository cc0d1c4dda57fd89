package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// Keypair holds an Ed25519 keypair. The base58 encoding of the public
// key doubles as the agent identifier on the wire.
type Keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Keypair{pub: pub, priv: priv}, nil
}

// KeypairFromSeed derives a keypair deterministically from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// AgentID returns the base58 encoding of the public key.
func (k *Keypair) AgentID() string {
	return base58.Encode(k.pub)
}

func (k *Keypair) Public() ed25519.PublicKey {
	return k.pub
}

// Sign signs the message and returns the signature base64-encoded.
func (k *Keypair) Sign(message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, message))
}

// DecodeAgentID decodes a base58 agent identifier back into an Ed25519
// public key. Rejects anything that does not decode to exactly 32 bytes.
func DecodeAgentID(agentID string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(agentID)
	if err != nil {
		return nil, fmt.Errorf("invalid agent id encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid agent id: decoded to %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ValidAgentID reports whether s decodes to a well-formed public key.
func ValidAgentID(s string) bool {
	_, err := DecodeAgentID(s)
	return err == nil
}
