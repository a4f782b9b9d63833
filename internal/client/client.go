// Package client is the signed outbound HTTP client shared by the
// services. Participant initiations, gateway relays and registry challenge
// delivery all post JSON bodies carrying a detached Ed25519 Authorization
// header built from the caller's network identity.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
)

const (
	requestTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// Identity is the key material a service signs outbound traffic with.
type Identity struct {
	SubscriberID string
	UniqueKeyID  string
	SigningKey   ed25519.PrivateKey
}

// Client posts signed protocol messages and decodes the synchronous reply.
type Client struct {
	id   Identity
	http *http.Client
	log  *zap.Logger
}

// New builds a client for the given identity.
func New(id Identity, log *zap.Logger) *Client {
	return &Client{
		id:   id,
		http: &http.Client{Timeout: requestTimeout},
		log:  log,
	}
}

// Post signs body with the client identity and POSTs it to url. The decoded
// reply and HTTP status are returned even for NACKs and non-2xx statuses;
// err is non-nil only when no reply was obtained at all.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*beckn.Response, int, error) {
	return c.post(ctx, url, "", body)
}

// PostDomain signs with a domain-bound keyId, the form gateways use when
// relaying traffic on behalf of a network domain.
func (c *Client) PostDomain(ctx context.Context, url, domain string, body []byte) (*beckn.Response, int, error) {
	return c.post(ctx, url, domain, body)
}

func (c *Client) post(ctx context.Context, url, domain string, body []byte) (*beckn.Response, int, error) {
	hdr, err := auth.BuildHeader(auth.BuildParams{
		SubscriberID: c.id.SubscriberID,
		UniqueKeyID:  c.id.UniqueKeyID,
		PrivateKey:   c.id.SigningKey,
		Body:         body,
		Domain:       domain,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", hdr)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read reply from %s: %w", url, err)
	}

	var out beckn.Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			c.log.Warn("client: reply is not a protocol envelope",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
			)
		}
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("client: non-200 reply",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
		)
	}
	return &out, resp.StatusCode, nil
}

// PostJSON marshals v and posts it signed, for payloads that are not
// pre-serialized envelopes (registry handshake legs).
func (c *Client) PostJSON(ctx context.Context, url string, v any) (*beckn.Response, int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	return c.post(ctx, url, "", body)
}
