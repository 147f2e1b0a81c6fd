// Package cryptoengine implements the hybrid onion-encryption construction
// (C1): RSA-OAEP-2048/SHA-256 long-term key wrap plus AES-256-GCM bulk
// encryption, and the layered build/peel operations circuits are built
// from. Grounded on the pack's only literal onion-routing hybrid-crypto
// implementation (aratan-28SP/onion/crypto.go), generalized from a single
// global keypair to per-call key material, and hardened to return the
// spec's typed AuthTagInvalid/UnwrapFailed error kinds instead of leaking
// the underlying crypto/rsa or crypto/cipher error.
package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"shroudmesh/pkg/cerr"
)

const (
	symmetricKeySize = 32 // AES-256
	ivSize           = 12 // GCM standard nonce size
)

// KeyPair is one hop's long-term-algorithm key pair for a fresh circuit.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Layer is the result of wrapping one layer: the AES-GCM ciphertext, the
// RSA-OAEP-wrapped symmetric key, and the IV used (returned verbatim so
// the receiver can reconstruct).
type Layer struct {
	Ciphertext []byte
	WrappedKey []byte
	IV         [ivSize]byte
}

// Onion is the full N-layer envelope: payload is the innermost ciphertext
// wrapped N times, WrappedKeys[i] and IVs[i] belong to hop i (0 = entry),
// outer first.
type Onion struct {
	Payload     []byte
	WrappedKeys [][]byte
	IVs         [][ivSize]byte
}

// GenerateCircuitKeys produces n independent RSA-OAEP-2048 key pairs for a
// fresh circuit's ephemeral or (for tests) simulated long-term keys.
// Fails only when the platform RNG fails.
func GenerateCircuitKeys(n int) ([]KeyPair, error) {
	if n < 1 {
		return nil, fmt.Errorf("generate circuit keys: n must be >= 1, got %d", n)
	}
	pairs := make([]KeyPair, n)
	for i := 0; i < n; i++ {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate circuit key %d: %w", i, err)
		}
		pairs[i] = KeyPair{Public: &priv.PublicKey, Private: priv}
	}
	return pairs, nil
}

// EncryptLayer generates a fresh 256-bit symmetric key and random IV,
// encrypts data under AES-256-GCM, and wraps the symmetric key under pk.
func EncryptLayer(data []byte, pk *rsa.PublicKey) (Layer, error) {
	var layer Layer

	symKey := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, symKey); err != nil {
		return layer, fmt.Errorf("generate layer symmetric key: %w", err)
	}
	var iv [ivSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return layer, fmt.Errorf("generate layer iv: %w", err)
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return layer, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return layer, fmt.Errorf("new gcm: %w", err)
	}
	ct := gcm.Seal(nil, iv[:], data, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pk, symKey, nil)
	if err != nil {
		return layer, fmt.Errorf("wrap layer key: %w", err)
	}

	layer.Ciphertext = ct
	layer.WrappedKey = wrappedKey
	layer.IV = iv
	return layer, nil
}

// DecryptLayer unwraps the symmetric key under sk and decrypts ct. It
// returns AuthTagInvalid if the GCM tag does not verify, or UnwrapFailed
// if the RSA unwrap step fails; neither error leaks the underlying crypto
// library detail to a caller that might forward it to a peer.
func DecryptLayer(ct []byte, wrappedKey []byte, iv [ivSize]byte, sk *rsa.PrivateKey) ([]byte, error) {
	symKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, sk, wrappedKey, nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnwrapFailed, "rsa-oaep unwrap failed", err)
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnwrapFailed, "invalid unwrapped key size", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnwrapFailed, "new gcm", err)
	}
	pt, err := gcm.Open(nil, iv[:], ct, nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindAuthTagInvalid, "gcm authentication failed", err)
	}
	return pt, nil
}

// BuildOnion encrypts data from the innermost layer outward: the exit
// hop's public key (pks[len-1]) wraps the plaintext first, then each
// preceding hop's key wraps the previous ciphertext. WrappedKeys[i]
// corresponds to hop i (0 = entry); array ordering is outer first.
func BuildOnion(data []byte, pks []*rsa.PublicKey) (Onion, error) {
	var onion Onion
	n := len(pks)
	if n < 1 {
		return onion, fmt.Errorf("build onion: need at least one hop key")
	}

	wrappedKeys := make([][]byte, n)
	ivs := make([][ivSize]byte, n)
	payload := data

	for i := n - 1; i >= 0; i-- {
		layer, err := EncryptLayer(payload, pks[i])
		if err != nil {
			return onion, fmt.Errorf("build onion layer %d: %w", i, err)
		}
		wrappedKeys[i] = layer.WrappedKey
		ivs[i] = layer.IV
		payload = layer.Ciphertext
	}

	onion.Payload = payload
	onion.WrappedKeys = wrappedKeys
	onion.IVs = ivs
	return onion, nil
}

// PeelLayer removes exactly one layer of an onion envelope using the
// secret key for this hop's position (hopIndex), returning the inner
// frame to forward (or the plaintext, if this was the last layer).
func PeelLayer(onion Onion, hopIndex int, sk *rsa.PrivateKey) ([]byte, error) {
	if hopIndex < 0 || hopIndex >= len(onion.WrappedKeys) {
		return nil, fmt.Errorf("peel layer: hop index %d out of range", hopIndex)
	}
	return DecryptLayer(onion.Payload, onion.WrappedKeys[hopIndex], onion.IVs[hopIndex], sk)
}
