// Package auth builds and verifies the Beckn Authorization header: a
// detached Ed25519 signature over a signing string of (created), (expires)
// and the BLAKE-512 digest of the raw request body. Verification resolves
// the caller's public key through a keyring.Resolver.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/becknworks/beckn-mesh/internal/crypto"
)

// DefaultValidity is the signature lifetime applied when the caller does
// not choose one.
const DefaultValidity = 3600 * time.Second

// ClockSkew is the grace window accepted past the expires timestamp.
const ClockSkew = 30 * time.Second

// Header is a parsed Beckn Authorization header.
type Header struct {
	KeyID        string
	SubscriberID string
	UniqueKeyID  string
	KeyAlgorithm string // third keyId segment
	KeyDomain    string // optional fourth keyId segment (gateway-signed traffic)
	Algorithm    string
	Created      int64
	Expires      int64
	Headers      string
	Signature    string
}

// BuildParams collects the inputs for BuildHeader.
type BuildParams struct {
	SubscriberID string
	UniqueKeyID  string
	PrivateKey   ed25519.PrivateKey
	Body         []byte
	// Domain, when set, is appended to keyId for domain-bound signing
	// (gateway re-sign path).
	Domain string
	// Created defaults to now; Validity defaults to DefaultValidity.
	Created  int64
	Validity time.Duration
}

// SigningString is the exact byte string that gets signed: ordered
// name/value pairs, one per line, lowercased keys, single space after the
// colon. The digest is computed over the raw body bytes as received.
func SigningString(created, expires int64, body []byte) string {
	return fmt.Sprintf("(created): %d\n(expires): %d\ndigest: %s",
		created, expires, crypto.DigestHeader(body))
}

// BuildHeader constructs the Authorization header value for a request body.
func BuildHeader(p BuildParams) (string, error) {
	if p.SubscriberID == "" || p.UniqueKeyID == "" {
		return "", errors.New("subscriber_id and unique_key_id are required")
	}
	if len(p.PrivateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("unexpected private key length: %d", len(p.PrivateKey))
	}

	created := p.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	validity := p.Validity
	if validity == 0 {
		validity = DefaultValidity
	}
	expires := created + int64(validity/time.Second)

	keyID := fmt.Sprintf("%s|%s|ed25519", p.SubscriberID, p.UniqueKeyID)
	if p.Domain != "" {
		keyID += "|" + p.Domain
	}

	sig := crypto.Sign([]byte(SigningString(created, expires, p.Body)), p.PrivateKey)

	return fmt.Sprintf(
		`Signature keyId="%s",algorithm="ed25519",created="%d",expires="%d",headers="(created) (expires) digest",signature="%s"`,
		keyID, created, expires, base64.StdEncoding.EncodeToString(sig),
	), nil
}

var headerParamRe = regexp.MustCompile(`([a-zA-Z]+)\s*=\s*"([^"]*)"`)

// ParseHeader extracts the signature parameters from an Authorization
// header. Parameters may appear in any order with arbitrary whitespace.
// The subscriber_id is the keyId substring before the first pipe.
func ParseHeader(hdr string) (*Header, error) {
	trimmed := strings.TrimSpace(hdr)
	if !strings.HasPrefix(trimmed, "Signature") {
		return nil, fmt.Errorf("unexpected authorization scheme")
	}

	params := make(map[string]string)
	for _, m := range headerParamRe.FindAllStringSubmatch(trimmed, -1) {
		params[m[1]] = m[2]
	}
	for _, key := range []string{"keyId", "algorithm", "created", "expires", "headers", "signature"} {
		if params[key] == "" {
			return nil, fmt.Errorf("missing %s in authorization header", key)
		}
	}

	created, err := strconv.ParseInt(params["created"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created timestamp: %w", err)
	}
	expires, err := strconv.ParseInt(params["expires"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires timestamp: %w", err)
	}

	h := &Header{
		KeyID:     params["keyId"],
		Algorithm: params["algorithm"],
		Created:   created,
		Expires:   expires,
		Headers:   params["headers"],
		Signature: params["signature"],
	}

	parts := strings.SplitN(h.KeyID, "|", 4)
	h.SubscriberID = parts[0]
	if len(parts) > 1 {
		h.UniqueKeyID = parts[1]
	}
	if len(parts) > 2 {
		h.KeyAlgorithm = parts[2]
	}
	if len(parts) > 3 {
		h.KeyDomain = parts[3]
	}
	if h.SubscriberID == "" {
		return nil, errors.New("empty subscriber_id in keyId")
	}
	return h, nil
}
