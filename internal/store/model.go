// Package store holds the relational model shared across services:
// subscribers, transactions, the audit log, reference data and network
// policies. The registry is the only writer of subscriber state; every
// other service reads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Role classifies a network participant.
type Role string

const (
	RoleBAP Role = "BAP"
	RoleBPP Role = "BPP"
	RoleBG  Role = "BG"
)

// SubscriberStatus is a state of the subscription state machine.
type SubscriberStatus string

const (
	StatusInitiated         SubscriberStatus = "INITIATED"
	StatusUnderSubscription SubscriberStatus = "UNDER_SUBSCRIPTION"
	StatusSubscribed        SubscriberStatus = "SUBSCRIBED"
	StatusSuspended         SubscriberStatus = "SUSPENDED"
	StatusRevoked           SubscriberStatus = "REVOKED"
)

// Subscriber is a network participant record, identified by
// (subscriber_id, unique_key_id). Status, validity and audit are mutated
// exclusively through the registry's state machine.
type Subscriber struct {
	SubscriberID        string           `json:"subscriber_id"`
	UniqueKeyID         string           `json:"unique_key_id"`
	SubscriberURL       string           `json:"subscriber_url"`
	Role                Role             `json:"type"`
	Domain              string           `json:"domain"`
	City                string           `json:"city"`
	SigningPublicKey    string           `json:"signing_public_key"`
	EncryptionPublicKey string           `json:"encr_public_key"`
	Status              SubscriberStatus `json:"status"`
	ValidFrom           time.Time        `json:"valid_from"`
	ValidUntil          time.Time        `json:"valid_until"`
	IsSimulated         bool             `json:"-"`
	CreatedAt           time.Time        `json:"created,omitempty"`
	UpdatedAt           time.Time        `json:"updated,omitempty"`
}

// TransactionStatus is the observed state of one protocol leg.
type TransactionStatus string

const (
	TxSent             TransactionStatus = "SENT"
	TxAck              TransactionStatus = "ACK"
	TxNack             TransactionStatus = "NACK"
	TxCallbackReceived TransactionStatus = "CALLBACK_RECEIVED"
	TxTimeout          TransactionStatus = "TIMEOUT"
	TxError            TransactionStatus = "ERROR"
)

// Transaction is one append-only row per (transaction_id, message_id,
// action) observed on the wire.
type Transaction struct {
	TransactionID string            `json:"transaction_id"`
	MessageID     string            `json:"message_id"`
	Action        string            `json:"action"`
	Domain        string            `json:"domain"`
	City          string            `json:"city"`
	BapID         string            `json:"bap_id"`
	BppID         string            `json:"bpp_id"`
	RequestBody   json.RawMessage   `json:"request_body,omitempty"`
	Status        TransactionStatus `json:"status"`
	LatencyMS     int64             `json:"latency_ms"`
	CreatedAt     time.Time         `json:"created_at"`
}

// AuditRecord is one append-only entry in the registry audit trail.
type AuditRecord struct {
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Details      json.RawMessage `json:"details,omitempty"`
	IP           string          `json:"ip"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NetworkPolicy is the per-domain compliance configuration consulted by the
// middleware pipeline. Absent a row, service config defaults apply.
type NetworkPolicy struct {
	Domain            string    `json:"domain"`
	EnforceSLA        bool      `json:"enforce_sla"`
	EnforceTags       bool      `json:"enforce_tags"`
	EnforceSettlement bool      `json:"enforce_settlement"`
	RequiredHeaders   []string  `json:"required_headers"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SubscriberFilter narrows FindSubscribers. Zero values mean "any".
type SubscriberFilter struct {
	SubscriberID string
	Role         Role
	Domain       string
	City         string
	Status       SubscriberStatus
	// CityWildcard widens the city predicate to (city OR "*"), the
	// canonical gateway discovery behavior.
	CityWildcard bool
}

var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrStatusConflict is returned when a gated status update matched no
	// row, meaning the subscriber was not in the expected state.
	ErrStatusConflict = errors.New("store: subscriber not in expected status")
)

// Store is the persistence contract shared by the services. The pgx
// implementation backs deployments; the memory implementation backs tests.
type Store interface {
	UpsertSubscriber(ctx context.Context, sub *Subscriber) error
	GetSubscriber(ctx context.Context, subscriberID, uniqueKeyID string) (*Subscriber, error)
	FindSubscribers(ctx context.Context, f SubscriberFilter) ([]Subscriber, error)
	// UpdateSubscriberStatus performs the gated single-row transition
	// from → to; the predicate serializes the state machine.
	UpdateSubscriberStatus(ctx context.Context, subscriberID, uniqueKeyID string, from, to SubscriberStatus, validFrom, validUntil time.Time) error

	InsertTransaction(ctx context.Context, tx *Transaction) error
	LatestTransaction(ctx context.Context, transactionID, action string) (*Transaction, error)

	InsertAudit(ctx context.Context, rec *AuditRecord) error

	DomainExists(ctx context.Context, domain string) (bool, error)
	CityExists(ctx context.Context, city string) (bool, error)
	GetNetworkPolicy(ctx context.Context, domain string) (*NetworkPolicy, error)

	Ping(ctx context.Context) error
	Close()
}
