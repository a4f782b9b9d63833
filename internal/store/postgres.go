package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the pgx-backed Store used in deployments.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG connects a pgx pool and applies the schema.
func NewPG(ctx context.Context, databaseURL string) (*PG, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	pg := &PG{pool: pool}
	if err := pg.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS subscribers (
    subscriber_id    TEXT NOT NULL,
    unique_key_id    TEXT NOT NULL,
    subscriber_url   TEXT NOT NULL DEFAULT '',
    role             TEXT NOT NULL,
    domain           TEXT NOT NULL DEFAULT '',
    city             TEXT NOT NULL DEFAULT '',
    signing_public_key TEXT NOT NULL DEFAULT '',
    encr_public_key  TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    valid_from       TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    valid_until      TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    is_simulated     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (subscriber_id, unique_key_id)
);
CREATE INDEX IF NOT EXISTS idx_subscribers_discovery
    ON subscribers (status, role, domain, city);

CREATE TABLE IF NOT EXISTS transactions (
    id             BIGSERIAL PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    message_id     TEXT NOT NULL,
    action         TEXT NOT NULL,
    domain         TEXT NOT NULL DEFAULT '',
    city           TEXT NOT NULL DEFAULT '',
    bap_id         TEXT NOT NULL DEFAULT '',
    bpp_id         TEXT,
    request_body   JSONB,
    status         TEXT NOT NULL,
    latency_ms     BIGINT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transactions_txn
    ON transactions (transaction_id, action, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_logs (
    id            BIGSERIAL PRIMARY KEY,
    actor         TEXT NOT NULL,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    details       JSONB,
    ip            TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS domains (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cities (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS network_policies (
    domain             TEXT PRIMARY KEY,
    enforce_sla        BOOLEAN NOT NULL DEFAULT FALSE,
    enforce_tags       BOOLEAN NOT NULL DEFAULT FALSE,
    enforce_settlement BOOLEAN NOT NULL DEFAULT FALSE,
    required_headers   TEXT[] NOT NULL DEFAULT '{}',
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const seed = `
INSERT INTO domains (code, name) VALUES
    ('ONDC:RET10', 'Grocery'),
    ('ONDC:RET11', 'Food & Beverage'),
    ('ONDC:RET12', 'Fashion'),
    ('ONDC:RET13', 'Beauty & Personal Care'),
    ('ONDC:RET14', 'Electronics'),
    ('ONDC:TRV10', 'Mobility'),
    ('ONDC:FIS12', 'Lending')
ON CONFLICT (code) DO NOTHING;

INSERT INTO cities (code, name) VALUES
    ('std:011', 'Delhi'),
    ('std:022', 'Mumbai'),
    ('std:044', 'Chennai'),
    ('std:080', 'Bengaluru'),
    ('*', 'All cities')
ON CONFLICT (code) DO NOTHING;
`

func (p *PG) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := p.pool.Exec(ctx, seed); err != nil {
		return fmt.Errorf("seed reference data: %w", err)
	}
	return nil
}

func (p *PG) UpsertSubscriber(ctx context.Context, sub *Subscriber) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO subscribers (
			subscriber_id, unique_key_id, subscriber_url, role, domain, city,
			signing_public_key, encr_public_key, status, valid_from, valid_until,
			is_simulated, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		ON CONFLICT (subscriber_id, unique_key_id) DO UPDATE SET
			subscriber_url = EXCLUDED.subscriber_url,
			role = EXCLUDED.role,
			domain = EXCLUDED.domain,
			city = EXCLUDED.city,
			signing_public_key = EXCLUDED.signing_public_key,
			encr_public_key = EXCLUDED.encr_public_key,
			status = EXCLUDED.status,
			is_simulated = EXCLUDED.is_simulated,
			updated_at = now()`,
		sub.SubscriberID, sub.UniqueKeyID, sub.SubscriberURL, sub.Role,
		sub.Domain, sub.City, sub.SigningPublicKey, sub.EncryptionPublicKey,
		sub.Status, sub.ValidFrom, sub.ValidUntil, sub.IsSimulated,
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

func (p *PG) GetSubscriber(ctx context.Context, subscriberID, uniqueKeyID string) (*Subscriber, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT subscriber_id, unique_key_id, subscriber_url, role, domain, city,
		       signing_public_key, encr_public_key, status, valid_from,
		       valid_until, is_simulated, created_at, updated_at
		FROM subscribers
		WHERE subscriber_id = $1 AND unique_key_id = $2`,
		subscriberID, uniqueKeyID)
	return scanSubscriber(row)
}

func scanSubscriber(row pgx.Row) (*Subscriber, error) {
	var s Subscriber
	err := row.Scan(
		&s.SubscriberID, &s.UniqueKeyID, &s.SubscriberURL, &s.Role, &s.Domain,
		&s.City, &s.SigningPublicKey, &s.EncryptionPublicKey, &s.Status,
		&s.ValidFrom, &s.ValidUntil, &s.IsSimulated, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	return &s, nil
}

func (p *PG) FindSubscribers(ctx context.Context, f SubscriberFilter) ([]Subscriber, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SubscriberID != "" {
		add("subscriber_id = $%d", f.SubscriberID)
	}
	if f.Role != "" {
		add("role = $%d", f.Role)
	}
	if f.Domain != "" {
		add("domain = $%d", f.Domain)
	}
	if f.City != "" {
		if f.CityWildcard {
			add("city IN ($%d, '*')", f.City)
		} else {
			add("city = $%d", f.City)
		}
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	query := `
		SELECT subscriber_id, unique_key_id, subscriber_url, role, domain, city,
		       signing_public_key, encr_public_key, status, valid_from,
		       valid_until, is_simulated, created_at, updated_at
		FROM subscribers`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY subscriber_id, unique_key_id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find subscribers: %w", err)
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *PG) UpdateSubscriberStatus(ctx context.Context, subscriberID, uniqueKeyID string, from, to SubscriberStatus, validFrom, validUntil time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE subscribers
		SET status = $4, valid_from = $5, valid_until = $6, updated_at = now()
		WHERE subscriber_id = $1 AND unique_key_id = $2 AND status = $3`,
		subscriberID, uniqueKeyID, from, to, validFrom, validUntil)
	if err != nil {
		return fmt.Errorf("update subscriber status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (p *PG) InsertTransaction(ctx context.Context, tx *Transaction) error {
	var bppID any
	if tx.BppID != "" {
		bppID = tx.BppID
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO transactions (
			transaction_id, message_id, action, domain, city, bap_id, bpp_id,
			request_body, status, latency_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		tx.TransactionID, tx.MessageID, tx.Action, tx.Domain, tx.City,
		tx.BapID, bppID, tx.RequestBody, tx.Status, tx.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (p *PG) LatestTransaction(ctx context.Context, transactionID, action string) (*Transaction, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT transaction_id, message_id, action, domain, city, bap_id,
		       COALESCE(bpp_id, ''), request_body, status, latency_ms, created_at
		FROM transactions
		WHERE transaction_id = $1 AND action = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		transactionID, action)

	var t Transaction
	err := row.Scan(
		&t.TransactionID, &t.MessageID, &t.Action, &t.Domain, &t.City,
		&t.BapID, &t.BppID, &t.RequestBody, &t.Status, &t.LatencyMS, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &t, nil
}

func (p *PG) InsertAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor, action, resource_type, resource_id, details, ip)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.Actor, rec.Action, rec.ResourceType, rec.ResourceID, rec.Details, rec.IP,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (p *PG) DomainExists(ctx context.Context, domain string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM domains WHERE code = $1)`, domain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("domain exists: %w", err)
	}
	return exists, nil
}

func (p *PG) CityExists(ctx context.Context, city string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cities WHERE code = $1)`, city).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("city exists: %w", err)
	}
	return exists, nil
}

func (p *PG) GetNetworkPolicy(ctx context.Context, domain string) (*NetworkPolicy, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT domain, enforce_sla, enforce_tags, enforce_settlement,
		       required_headers, updated_at
		FROM network_policies WHERE domain = $1`, domain)

	var np NetworkPolicy
	err := row.Scan(&np.Domain, &np.EnforceSLA, &np.EnforceTags,
		&np.EnforceSettlement, &np.RequiredHeaders, &np.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan network policy: %w", err)
	}
	return &np, nil
}

func (p *PG) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PG) Close() { p.pool.Close() }
