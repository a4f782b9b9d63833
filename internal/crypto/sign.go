package crypto

import (
	"crypto/ed25519"
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

// Sign produces a 64-byte Ed25519 signature over the raw message bytes.
// Callers must not pre-hash: the digest step, where required, is part of
// the signing-string construction, not of Sign itself.
func Sign(message []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature of message under
// pub. It is total: malformed keys or signatures return false, never panic.
func Verify(message, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// HashBody returns the base64 BLAKE-512 digest of the raw body bytes.
// The output is always 88 characters (64 hash bytes, std encoding).
func HashBody(body []byte) string {
	sum := blake2b.Sum512(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// DigestHeader formats the digest line used in the signing string.
func DigestHeader(body []byte) string {
	return "BLAKE-512=" + HashBody(body)
}
