package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/becknworks/beckn-mesh/internal/crypto"
)

// VerifyOptions controls header verification.
type VerifyOptions struct {
	// Now overrides the clock used for expiry checks. Nil means time.Now.
	Now func() time.Time
}

// VerifyHeader checks a raw Authorization header against the body bytes as
// received and the caller's Ed25519 public key. It is total: any parse
// failure, expired signature (beyond ClockSkew), algorithm mismatch or
// signature mismatch returns false.
func VerifyHeader(hdr string, body []byte, pub ed25519.PublicKey, opts VerifyOptions) bool {
	parsed, err := ParseHeader(hdr)
	if err != nil {
		return false
	}
	return VerifyParsed(parsed, body, pub, opts)
}

// VerifyParsed is VerifyHeader for a header that has already been parsed,
// so middleware can parse once for key resolution and verify after.
func VerifyParsed(h *Header, body []byte, pub ed25519.PublicKey, opts VerifyOptions) bool {
	if h.Algorithm != "ed25519" {
		return false
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	if now.Unix() > h.Expires+int64(ClockSkew/time.Second) {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(h.Signature)
	if err != nil {
		return false
	}

	// The signing string is reconstructed from the parsed timestamps and the
	// digest of the actual bytes received; a re-serialized body will not
	// verify, by contract.
	return crypto.Verify([]byte(SigningString(h.Created, h.Expires, body)), sig, pub)
}
