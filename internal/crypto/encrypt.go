package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	ivSize  = 12
	tagSize = 16

	// minimum combined payload: ephemeral pub (32) + iv (12) + tag (16)
	minCombinedSize = curve25519.PointSize + ivSize + tagSize
)

// Encrypt seals plaintext for the holder of the X25519 private key matching
// recipientPubB64. A fresh ephemeral keypair is generated per call; the ECDH
// shared secret is used directly as the AES-256-GCM key. The combined
// payload is ephemeral_pub(32) ‖ iv(12) ‖ auth_tag(16) ‖ ciphertext,
// base64-encoded.
func Encrypt(plaintext string, recipientPubB64 string) (string, error) {
	recipientPub, err := EncryptionPublicFromB64(recipientPubB64)
	if err != nil {
		return "", err
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive ephemeral public: %w", err)
	}

	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return "", fmt.Errorf("x25519 shared secret: %w", err)
	}

	block, err := aes.NewCipher(shared[:32])
	if err != nil {
		return "", fmt.Errorf("aes key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; the wire format carries the
	// tag before it.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	combined := make([]byte, 0, minCombinedSize+len(ct))
	combined = append(combined, ephPub...)
	combined = append(combined, iv...)
	combined = append(combined, tag...)
	combined = append(combined, ct...)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt opens a combined payload produced by Encrypt using the recipient's
// X25519 private key. It fails on malformed payloads, short input, or an
// invalid auth tag.
func Decrypt(combinedB64 string, recipientPrivB64 string) (string, error) {
	recipientPriv, err := EncryptionPrivateFromB64(recipientPrivB64)
	if err != nil {
		return "", err
	}
	combined, err := base64.StdEncoding.DecodeString(combinedB64)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(combined) < minCombinedSize {
		return "", errors.New("payload too short")
	}

	ephPub := combined[:curve25519.PointSize]
	iv := combined[curve25519.PointSize : curve25519.PointSize+ivSize]
	tag := combined[curve25519.PointSize+ivSize : minCombinedSize]
	ct := combined[minCombinedSize:]

	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return "", fmt.Errorf("x25519 shared secret: %w", err)
	}

	block, err := aes.NewCipher(shared[:32])
	if err != nil {
		return "", fmt.Errorf("aes key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", errors.New("decryption failed")
	}
	return string(plain), nil
}
