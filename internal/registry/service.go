package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/keyring"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// DefaultValidity is the subscription window granted when the challenge
// verifies.
const DefaultValidity = 365 * 24 * time.Hour

// Audit trail action names written by the state machine.
const (
	AuditSubscribeInitiated = "SUBSCRIBE_INITIATED"
	AuditSubscribeCompleted = "SUBSCRIBE_COMPLETED"
	AuditChallengeFailed    = "SUBSCRIBE_CHALLENGE_FAILED"
	AuditSuspended          = "SUBSCRIBER_SUSPENDED"
	AuditRevoked            = "SUBSCRIBER_REVOKED"
)

const resourceSubscriber = "subscriber"

var (
	// ErrInvalidRequest marks a subscribe payload the caller must fix.
	ErrInvalidRequest = errors.New("registry: invalid subscribe request")
	// ErrChallengeFailed marks a wrong, expired or replayed challenge answer.
	ErrChallengeFailed = errors.New("registry: challenge verification failed")
	// ErrUnknownSubscriber marks an operation against a missing record.
	ErrUnknownSubscriber = errors.New("registry: unknown subscriber")
)

// SubscribeRequest is the payload of POST /subscribe.
type SubscribeRequest struct {
	SubscriberID        string `json:"subscriber_id"`
	SubscriberURL       string `json:"subscriber_url"`
	Type                string `json:"type"`
	Domain              string `json:"domain"`
	City                string `json:"city"`
	UniqueKeyID         string `json:"unique_key_id"`
	SigningPublicKey    string `json:"signing_public_key"`
	EncryptionPublicKey string `json:"encr_public_key"`
}

// SubscribeResult is the synchronous reply to /subscribe: the record state
// plus the challenge sealed to the subscriber's encryption key.
type SubscribeResult struct {
	SubscriberID string                 `json:"subscriber_id"`
	UniqueKeyID  string                 `json:"unique_key_id"`
	Status       store.SubscriberStatus `json:"status"`
	Challenge    string                 `json:"challenge"`
}

// Service drives the subscription state machine. It is the sole writer of
// subscriber status and the audit trail.
type Service struct {
	db         store.Store
	keys       *keyring.Store
	challenges *Challenges
	recorder   *store.Recorder
	validity   time.Duration
	log        *zap.Logger
}

// NewService builds the state machine. A non-positive validity falls back
// to DefaultValidity.
func NewService(db store.Store, keys *keyring.Store, challenges *Challenges, recorder *store.Recorder, validity time.Duration, log *zap.Logger) *Service {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Service{
		db:         db,
		keys:       keys,
		challenges: challenges,
		recorder:   recorder,
		validity:   validity,
		log:        log,
	}
}

// Subscribe validates the request, upserts the record as
// UNDER_SUBSCRIPTION and returns a fresh encrypted challenge. Re-subscribing
// replaces any outstanding challenge and drops the cached signing key, so a
// rotated key never serves from cache.
func (s *Service) Subscribe(ctx context.Context, req *SubscribeRequest, ip string) (*SubscribeResult, error) {
	role, err := validateSubscribe(req)
	if err != nil {
		return nil, err
	}

	if ok, err := s.db.DomainExists(ctx, req.Domain); err != nil {
		return nil, fmt.Errorf("check domain: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: unknown domain %q", ErrInvalidRequest, req.Domain)
	}
	if ok, err := s.db.CityExists(ctx, req.City); err != nil {
		return nil, fmt.Errorf("check city: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: unknown city %q", ErrInvalidRequest, req.City)
	}

	sub := &store.Subscriber{
		SubscriberID:        req.SubscriberID,
		UniqueKeyID:         req.UniqueKeyID,
		SubscriberURL:       req.SubscriberURL,
		Role:                role,
		Domain:              req.Domain,
		City:                req.City,
		SigningPublicKey:    req.SigningPublicKey,
		EncryptionPublicKey: req.EncryptionPublicKey,
		Status:              store.StatusUnderSubscription,
	}
	if err := s.db.UpsertSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("upsert subscriber: %w", err)
	}

	plain, err := GenerateChallenge()
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Store(ctx, req.SubscriberID, plain); err != nil {
		return nil, err
	}
	sealed, err := EncryptChallenge(plain, req.EncryptionPublicKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt challenge: %w", err)
	}

	if err := s.keys.Invalidate(ctx, req.SubscriberID, req.UniqueKeyID); err != nil {
		s.log.Warn("registry: key cache invalidation failed",
			zap.String("subscriber_id", req.SubscriberID), zap.Error(err))
	}
	s.audit(AuditSubscribeInitiated, req.SubscriberID, req.SubscriberID, ip, map[string]string{
		"unique_key_id": req.UniqueKeyID,
		"domain":        req.Domain,
	})

	return &SubscribeResult{
		SubscriberID: req.SubscriberID,
		UniqueKeyID:  req.UniqueKeyID,
		Status:       store.StatusUnderSubscription,
		Challenge:    sealed,
	}, nil
}

// CompleteSubscription consumes the outstanding challenge and, when the
// answer matches, promotes the record to SUBSCRIBED with a fresh validity
// window. The challenge is burnt before any other check, so every answer is
// judged at most once. An empty uniqueKeyID resolves to the record awaiting
// verification.
func (s *Service) CompleteSubscription(ctx context.Context, subscriberID, uniqueKeyID, answer, ip string) error {
	ok, err := s.challenges.Verify(ctx, subscriberID, answer)
	if err != nil {
		return err
	}
	if !ok {
		s.audit(AuditChallengeFailed, subscriberID, subscriberID, ip, map[string]string{"reason": "bad_answer"})
		return ErrChallengeFailed
	}

	if uniqueKeyID == "" {
		pending, err := s.db.FindSubscribers(ctx, store.SubscriberFilter{
			SubscriberID: subscriberID,
			Status:       store.StatusUnderSubscription,
		})
		if err != nil {
			return fmt.Errorf("resolve pending subscriber: %w", err)
		}
		if len(pending) == 0 {
			return ErrUnknownSubscriber
		}
		uniqueKeyID = pending[0].UniqueKeyID
	}

	now := time.Now().UTC()
	err = s.db.UpdateSubscriberStatus(ctx, subscriberID, uniqueKeyID,
		store.StatusUnderSubscription, store.StatusSubscribed, now, now.Add(s.validity))
	if errors.Is(err, store.ErrStatusConflict) {
		s.audit(AuditChallengeFailed, subscriberID, subscriberID, ip, map[string]string{"reason": "status_conflict"})
		return ErrChallengeFailed
	}
	if err != nil {
		return fmt.Errorf("promote subscriber: %w", err)
	}

	s.invalidateKey(ctx, subscriberID, uniqueKeyID)
	s.audit(AuditSubscribeCompleted, subscriberID, subscriberID, ip, map[string]string{
		"unique_key_id": uniqueKeyID,
		"valid_until":   now.Add(s.validity).Format(time.RFC3339),
	})
	s.log.Info("registry: subscriber promoted",
		zap.String("subscriber_id", subscriberID),
		zap.String("unique_key_id", uniqueKeyID),
	)
	return nil
}

// Suspend demotes a SUBSCRIBED record, keeping its validity window.
func (s *Service) Suspend(ctx context.Context, subscriberID, uniqueKeyID, actor, ip string) error {
	sub, err := s.getSubscriber(ctx, subscriberID, uniqueKeyID)
	if err != nil {
		return err
	}
	err = s.db.UpdateSubscriberStatus(ctx, subscriberID, uniqueKeyID,
		store.StatusSubscribed, store.StatusSuspended, sub.ValidFrom, sub.ValidUntil)
	if err != nil {
		return err
	}
	s.invalidateKey(ctx, subscriberID, uniqueKeyID)
	s.audit(AuditSuspended, actor, subscriberID, ip, map[string]string{"unique_key_id": uniqueKeyID})
	return nil
}

// Revoke terminally retires a SUBSCRIBED or SUSPENDED record.
func (s *Service) Revoke(ctx context.Context, subscriberID, uniqueKeyID, actor, ip string) error {
	sub, err := s.getSubscriber(ctx, subscriberID, uniqueKeyID)
	if err != nil {
		return err
	}
	err = s.db.UpdateSubscriberStatus(ctx, subscriberID, uniqueKeyID,
		store.StatusSubscribed, store.StatusRevoked, sub.ValidFrom, sub.ValidUntil)
	if errors.Is(err, store.ErrStatusConflict) {
		err = s.db.UpdateSubscriberStatus(ctx, subscriberID, uniqueKeyID,
			store.StatusSuspended, store.StatusRevoked, sub.ValidFrom, sub.ValidUntil)
	}
	if err != nil {
		return err
	}
	s.invalidateKey(ctx, subscriberID, uniqueKeyID)
	s.audit(AuditRevoked, actor, subscriberID, ip, map[string]string{"unique_key_id": uniqueKeyID})
	return nil
}

func (s *Service) getSubscriber(ctx context.Context, subscriberID, uniqueKeyID string) (*store.Subscriber, error) {
	sub, err := s.db.GetSubscriber(ctx, subscriberID, uniqueKeyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownSubscriber
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}
	return sub, nil
}

func (s *Service) invalidateKey(ctx context.Context, subscriberID, uniqueKeyID string) {
	if err := s.keys.Invalidate(ctx, subscriberID, uniqueKeyID); err != nil {
		s.log.Warn("registry: key cache invalidation failed",
			zap.String("subscriber_id", subscriberID), zap.Error(err))
	}
}

func (s *Service) audit(action, actor, resourceID, ip string, details any) {
	var blob json.RawMessage
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			blob = b
		}
	}
	s.recorder.Audit(&store.AuditRecord{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceSubscriber,
		ResourceID:   resourceID,
		Details:      blob,
		IP:           ip,
	})
}

func validateSubscribe(req *SubscribeRequest) (store.Role, error) {
	missing := func(field string) error {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, field)
	}
	switch {
	case req.SubscriberID == "":
		return "", missing("subscriber_id")
	case req.SubscriberURL == "":
		return "", missing("subscriber_url")
	case req.UniqueKeyID == "":
		return "", missing("unique_key_id")
	case req.Domain == "":
		return "", missing("domain")
	case req.City == "":
		return "", missing("city")
	case req.SigningPublicKey == "":
		return "", missing("signing_public_key")
	case req.EncryptionPublicKey == "":
		return "", missing("encr_public_key")
	}

	var role store.Role
	switch strings.ToUpper(req.Type) {
	case string(store.RoleBAP):
		role = store.RoleBAP
	case string(store.RoleBPP):
		role = store.RoleBPP
	case string(store.RoleBG):
		role = store.RoleBG
	default:
		return "", fmt.Errorf("%w: type must be one of BAP, BPP, BG", ErrInvalidRequest)
	}

	if _, err := crypto.SigningPublicFromB64(req.SigningPublicKey); err != nil {
		return "", fmt.Errorf("%w: bad signing_public_key: %v", ErrInvalidRequest, err)
	}
	if _, err := crypto.EncryptionPublicFromB64(req.EncryptionPublicKey); err != nil {
		return "", fmt.Errorf("%w: bad encr_public_key: %v", ErrInvalidRequest, err)
	}
	return role, nil
}
