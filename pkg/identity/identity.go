// Package identity holds the process-scoped values a node needs: a fresh
// peer id, a long-term RSA keypair for hybrid onion wrapping, an ed25519
// identity subkey for signing announcements, and the process start time.
// Modeled as an explicit value threaded into the registry at construction
// rather than a package-level global, so tests can spin up several logical
// nodes in one process (Design Note "Global state").
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"time"
)

const RSAKeyBits = 2048

// NodeIdentity is the local peer's own credentials and process metadata.
type NodeIdentity struct {
	PeerID     string
	RSAPublic  *rsa.PublicKey
	RSAPrivate *rsa.PrivateKey
	SignPublic ed25519.PublicKey
	SignPriv   ed25519.PrivateKey
	StartTime  time.Time
}

// New generates a fresh identity: a random peer id, a 2048-bit RSA
// long-term keypair for the hybrid onion wrap, and an ed25519 subkey used
// only to sign announcements and status updates.
func New() (*NodeIdentity, error) {
	rsaPriv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate identity rsa keypair: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity signing keypair: %w", err)
	}
	peerID, err := newOpaqueID()
	if err != nil {
		return nil, fmt.Errorf("generate peer id: %w", err)
	}
	return &NodeIdentity{
		PeerID:     peerID,
		RSAPublic:  &rsaPriv.PublicKey,
		RSAPrivate: rsaPriv,
		SignPublic: signPub,
		SignPriv:   signPriv,
		StartTime:  time.Now(),
	}, nil
}

// newOpaqueID mints a UUID-equivalent opaque identifier: 16 random bytes,
// hex encoded. It carries no structure a peer could use to infer anything
// about its owner, unlike an RFC4122 UUID's version/variant bits.
func newOpaqueID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewCircuitID mints an opaque circuit identifier the same way.
func NewCircuitID() (string, error) {
	return newOpaqueID()
}

// Uptime returns how long this identity has been alive, per the
// capabilities.uptime_ms measurement in the registry.
func (n *NodeIdentity) Uptime(now time.Time) time.Duration {
	return now.Sub(n.StartTime)
}
