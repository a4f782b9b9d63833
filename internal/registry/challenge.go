// Package registry implements the network registry: the subscription state
// machine over subscriber records, the one-time encrypted challenge exchange,
// the public lookup endpoint and the ONDC onboarding surface.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/crypto"
)

const (
	challengeSize = 32
	// ChallengeTTL bounds how long a subscriber has to answer.
	ChallengeTTL = 300 * time.Second
)

func challengeKey(subscriberID string) string {
	return "challenge:" + subscriberID
}

// GenerateChallenge returns 32 random bytes, base64-encoded.
func GenerateChallenge() (string, error) {
	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncryptChallenge seals a challenge for the subscriber's X25519 public key.
func EncryptChallenge(plain, recipientPubB64 string) (string, error) {
	return crypto.Encrypt(plain, recipientPubB64)
}

// Challenges is the TTL-bounded one-time challenge store.
type Challenges struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewChallenges builds the challenge store.
func NewChallenges(rdb *redis.Client, log *zap.Logger) *Challenges {
	return &Challenges{rdb: rdb, log: log}
}

// Store records the outstanding challenge for a subscriber, replacing any
// previous one.
func (ch *Challenges) Store(ctx context.Context, subscriberID, value string) error {
	if err := ch.rdb.Set(ctx, challengeKey(subscriberID), value, ChallengeTTL).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

// Verify consumes the stored challenge and reports whether answer matches.
// GETDEL makes read-and-burn one atomic step: the challenge is single-use no
// matter the outcome, and a replay of the correct answer fails. The compare
// is constant-time.
func (ch *Challenges) Verify(ctx context.Context, subscriberID, answer string) (bool, error) {
	stored, err := ch.rdb.GetDel(ctx, challengeKey(subscriberID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(answer)) == 1, nil
}
