package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// Lookup resolves signing keys over the registry's GET /lookup endpoint,
// with the same Redis cache layer as the store-backed resolver. Used by
// participants, which have no direct subscriber-store access.
type Lookup struct {
	registryURL string
	rdb         *redis.Client
	http        *http.Client
	log         *zap.Logger
}

// NewLookup builds the participant-side resolver.
func NewLookup(registryURL string, rdb *redis.Client, log *zap.Logger) *Lookup {
	return &Lookup{
		registryURL: registryURL,
		rdb:         rdb,
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

func (l *Lookup) SigningKey(ctx context.Context, subscriberID, uniqueKeyID string) (ed25519.PublicKey, error) {
	key := cacheKey(subscriberID, uniqueKeyID)

	if val, err := l.rdb.Get(ctx, key).Result(); err == nil && val != "" {
		return crypto.SigningPublicFromB64(val)
	} else if err != nil && err != redis.Nil {
		l.log.Warn("keyring: cache read failed", zap.String("key", key), zap.Error(err))
	}

	q := url.Values{}
	q.Set("subscriber_id", subscriberID)
	q.Set("unique_key_id", uniqueKeyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.registryURL+"/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: build lookup request: %w", err)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyring: registry lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyring: registry lookup status %d", resp.StatusCode)
	}

	var subs []store.Subscriber
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		return nil, fmt.Errorf("keyring: decode lookup response: %w", err)
	}

	for _, sub := range subs {
		if sub.UniqueKeyID != uniqueKeyID || sub.SigningPublicKey == "" {
			continue
		}
		if !activeSubscriber(&sub, time.Now()) {
			continue
		}
		if err := l.rdb.Set(ctx, key, sub.SigningPublicKey, CacheTTL).Err(); err != nil {
			l.log.Warn("keyring: cache write failed", zap.String("key", key), zap.Error(err))
		}
		return crypto.SigningPublicFromB64(sub.SigningPublicKey)
	}
	return nil, ErrKeyNotFound
}
