package cryptoengine

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// EncodePublicKeySPKI serializes an RSA public key to base64-url-raw
// encoded SubjectPublicKeyInfo DER, the form carried in the
// node_announcement `publicKey` field. Grounded on the teacher's
// EncodeEd25519PublicKey idiom (pkg/crypto/token.go), adapted for RSA.
func EncodePublicKeySPKI(pk *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(der), nil
}

// DecodePublicKeySPKI parses the wire form back into an RSA public key.
func DecodePublicKeySPKI(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

// GenerateSigningKeypair mints an ed25519 identity subkey, used to sign
// announcements and status frames independently of the RSA onion-wrap key.
func GenerateSigningKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodeSigningPublicKey serializes an ed25519 identity public key to the
// base64-url-raw form carried in the node_announcement `signingKey` field.
func EncodeSigningPublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodeSigningPublicKey parses the wire form back into an ed25519 public
// key, rejecting anything that isn't exactly ed25519.PublicKeySize bytes.
func DecodeSigningPublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing key has wrong length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// SignAnnouncement signs the canonical bytes of an announcement (caller
// supplies the exact bytes that were or will be marshaled onto the wire,
// so the signature covers precisely what a verifier will re-derive).
func SignAnnouncement(payload []byte, priv ed25519.PrivateKey) string {
	sig := ed25519.Sign(priv, payload)
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyAnnouncement reports whether sigB64 is a valid ed25519 signature
// over payload under pub. A malformed signature encoding is treated as
// invalid rather than returned as an error, since callers only ever
// branch on the boolean.
func VerifyAnnouncement(payload []byte, sigB64 string, pub ed25519.PublicKey) bool {
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}
