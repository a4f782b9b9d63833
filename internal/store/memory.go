package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory Store used by tests and single-process demos. It
// honors the same predicate gating as the pgx implementation.
type Mem struct {
	mu           sync.Mutex
	subscribers  map[string]*Subscriber // key: subscriberID|ukid
	transactions []Transaction
	audits       []AuditRecord
	domains      map[string]bool
	cities       map[string]bool
	policies     map[string]*NetworkPolicy
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		subscribers: make(map[string]*Subscriber),
		domains:     make(map[string]bool),
		cities:      make(map[string]bool),
		policies:    make(map[string]*NetworkPolicy),
	}
}

func memKey(subscriberID, uniqueKeyID string) string {
	return subscriberID + "|" + uniqueKeyID
}

// SeedDomain registers a known domain code.
func (m *Mem) SeedDomain(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[code] = true
}

// SeedCity registers a known city code.
func (m *Mem) SeedCity(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cities[code] = true
}

// SeedPolicy registers a network policy row.
func (m *Mem) SeedPolicy(np NetworkPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[np.Domain] = &np
}

// SeedDefaults loads the same reference data the pgx migration seeds, for
// running a service on the in-memory store.
func (m *Mem) SeedDefaults() {
	for _, d := range []string{
		"ONDC:RET10", "ONDC:RET11", "ONDC:RET12", "ONDC:RET13",
		"ONDC:RET14", "ONDC:TRV10", "ONDC:FIS12",
	} {
		m.SeedDomain(d)
	}
	for _, c := range []string{"std:011", "std:022", "std:044", "std:080", "*"} {
		m.SeedCity(c)
	}
}

func (m *Mem) UpsertSubscriber(_ context.Context, sub *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	now := time.Now()
	if existing, ok := m.subscribers[memKey(sub.SubscriberID, sub.UniqueKeyID)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.subscribers[memKey(sub.SubscriberID, sub.UniqueKeyID)] = &cp
	return nil
}

func (m *Mem) GetSubscriber(_ context.Context, subscriberID, uniqueKeyID string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[memKey(subscriberID, uniqueKeyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Mem) FindSubscribers(_ context.Context, f SubscriberFilter) ([]Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscriber
	for _, s := range m.subscribers {
		if f.SubscriberID != "" && s.SubscriberID != f.SubscriberID {
			continue
		}
		if f.Role != "" && s.Role != f.Role {
			continue
		}
		if f.Domain != "" && s.Domain != f.Domain {
			continue
		}
		if f.City != "" {
			if f.CityWildcard {
				if s.City != f.City && s.City != "*" {
					continue
				}
			} else if s.City != f.City {
				continue
			}
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubscriberID != out[j].SubscriberID {
			return out[i].SubscriberID < out[j].SubscriberID
		}
		return out[i].UniqueKeyID < out[j].UniqueKeyID
	})
	return out, nil
}

func (m *Mem) UpdateSubscriberStatus(_ context.Context, subscriberID, uniqueKeyID string, from, to SubscriberStatus, validFrom, validUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[memKey(subscriberID, uniqueKeyID)]
	if !ok || s.Status != from {
		return ErrStatusConflict
	}
	s.Status = to
	s.ValidFrom = validFrom
	s.ValidUntil = validUntil
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Mem) InsertTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.transactions = append(m.transactions, cp)
	return nil
}

func (m *Mem) LatestTransaction(_ context.Context, transactionID, action string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if t.TransactionID == transactionID && t.Action == action {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

// Transactions returns a copy of all recorded transactions, oldest first.
func (m *Mem) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.transactions...)
}

func (m *Mem) InsertAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.audits = append(m.audits, cp)
	return nil
}

// Audits returns a copy of all audit records, oldest first.
func (m *Mem) Audits() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditRecord(nil), m.audits...)
}

func (m *Mem) DomainExists(_ context.Context, domain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domains[domain], nil
}

func (m *Mem) CityExists(_ context.Context, city string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cities[city], nil
}

func (m *Mem) GetNetworkPolicy(_ context.Context, domain string) (*NetworkPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	np, ok := m.policies[domain]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *np
	return &cp, nil
}

func (m *Mem) Ping(context.Context) error { return nil }

func (m *Mem) Close() {}
