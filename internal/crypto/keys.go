// Package crypto implements the network's signing and encryption
// primitives: Ed25519 signatures over BLAKE-512 body digests for the
// authorization plane, and X25519+AES-256-GCM for the one-time
// subscription challenge. All key material travels base64-encoded.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateSigningKeypair returns a fresh Ed25519 keypair, base64-encoded.
// The private key is the full 64-byte form (seed ‖ public).
func GenerateSigningKeypair() (privB64, pubB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub), nil
}

// GenerateEncryptionKeypair returns a fresh X25519 keypair, base64-encoded.
func GenerateEncryptionKeypair() (privB64, pubB64 string, err error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("generate x25519 key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive x25519 public: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub), nil
}

// SigningPrivateFromB64 decodes a base64 Ed25519 private key. Both the
// 32-byte seed form and the full 64-byte form are accepted; registry
// participants publish keys generated by a mix of tooling.
func SigningPrivateFromB64(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("unexpected signing private key length: %d", len(raw))
	}
}

// SigningPublicFromB64 decodes a base64 Ed25519 public key (32 bytes).
func SigningPublicFromB64(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unexpected signing public key length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncryptionPrivateFromB64 decodes a base64 X25519 private scalar (32 bytes).
func EncryptionPrivateFromB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode encryption private key: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return nil, fmt.Errorf("unexpected encryption private key length: %d", len(raw))
	}
	return raw, nil
}

// EncryptionPublicFromB64 decodes a base64 X25519 public point (32 bytes).
func EncryptionPublicFromB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode encryption public key: %w", err)
	}
	if len(raw) != curve25519.PointSize {
		return nil, fmt.Errorf("unexpected encryption public key length: %d", len(raw))
	}
	return raw, nil
}
