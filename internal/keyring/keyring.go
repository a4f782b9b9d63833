// Package keyring resolves subscriber signing keys for the authorization
// plane. The registry and gateway resolve against the subscriber store
// through a cache-aside Redis layer; participants resolve over HTTP via
// the registry lookup endpoint. Both paths serve only active subscribers.
package keyring

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// ErrKeyNotFound marks an unknown or inactive subscriber key. Callers map
// it to an auth rejection; any other error is an infrastructure fault.
var ErrKeyNotFound = errors.New("keyring: signing key not found")

// CacheTTL bounds staleness of cached public keys.
const CacheTTL = 300 * time.Second

func cacheKey(subscriberID, uniqueKeyID string) string {
	return fmt.Sprintf("pubkey:%s:%s", subscriberID, uniqueKeyID)
}

// Resolver resolves the Ed25519 signing key for (subscriber_id, unique_key_id).
type Resolver interface {
	SigningKey(ctx context.Context, subscriberID, uniqueKeyID string) (ed25519.PublicKey, error)
}

// Store is the cache-aside resolver backed by the subscriber store.
type Store struct {
	rdb *redis.Client
	db  store.Store
	log *zap.Logger
}

// NewStore builds the registry/gateway-side resolver.
func NewStore(rdb *redis.Client, db store.Store, log *zap.Logger) *Store {
	return &Store{rdb: rdb, db: db, log: log}
}

// SigningKey returns the signing key for an active subscriber: cache first,
// then the authoritative row, populating the cache on the way out. Redis
// faults fall through to the store (fail-open on the cache, not the source).
func (k *Store) SigningKey(ctx context.Context, subscriberID, uniqueKeyID string) (ed25519.PublicKey, error) {
	key := cacheKey(subscriberID, uniqueKeyID)

	if val, err := k.rdb.Get(ctx, key).Result(); err == nil && val != "" {
		return crypto.SigningPublicFromB64(val)
	} else if err != nil && err != redis.Nil {
		k.log.Warn("keyring: cache read failed", zap.String("key", key), zap.Error(err))
	}

	sub, err := k.db.GetSubscriber(ctx, subscriberID, uniqueKeyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: load subscriber: %w", err)
	}
	if !activeSubscriber(sub, time.Now()) || sub.SigningPublicKey == "" {
		return nil, ErrKeyNotFound
	}

	if err := k.rdb.Set(ctx, key, sub.SigningPublicKey, CacheTTL).Err(); err != nil {
		k.log.Warn("keyring: cache write failed", zap.String("key", key), zap.Error(err))
	}
	return crypto.SigningPublicFromB64(sub.SigningPublicKey)
}

// Invalidate drops the cached key. The registry calls it in the same flow
// that mutates subscriber status or rotates keys.
func (k *Store) Invalidate(ctx context.Context, subscriberID, uniqueKeyID string) error {
	return k.rdb.Del(ctx, cacheKey(subscriberID, uniqueKeyID)).Err()
}

// activeSubscriber applies the subscribed-and-valid window invariant.
func activeSubscriber(sub *store.Subscriber, now time.Time) bool {
	if sub.Status != store.StatusSubscribed {
		return false
	}
	return !now.Before(sub.ValidFrom) && now.Before(sub.ValidUntil)
}
