package policy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// DefaultSLAHeaders is the header set required when SLA enforcement is on and
// the domain policy does not name its own.
var DefaultSLAHeaders = []string{"X-Ondc-Request-Ts", "X-Ondc-Response-Sla"}

// taggedActions are the actions that must carry ONDC tags when tag
// enforcement is on: intent tags on search, order tags on establishment.
var taggedActions = map[string]bool{
	"search": true, "select": true, "init": true, "confirm": true,
}

// Enforcement is the effective compliance policy applied to a request. It is
// the service defaults overridden by the domain's network_policies row.
type Enforcement struct {
	EnforceSLA        bool
	EnforceTags       bool
	EnforceSettlement bool
	RequiredHeaders   []string
}

// Source resolves the effective Enforcement per domain with a short
// in-process cache over the network_policies table. Store faults resolve to
// the defaults: compliance tightening is never worth an outage.
type Source struct {
	db       store.Store
	defaults Enforcement
	ttl      time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	eff     Enforcement
	expires time.Time
}

// NewSource builds a policy source. A nil store always resolves defaults.
func NewSource(db store.Store, defaults Enforcement, ttl time.Duration, log *zap.Logger) *Source {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Source{
		db:       db,
		defaults: defaults,
		ttl:      ttl,
		log:      log,
		cache:    make(map[string]cachedPolicy),
	}
}

// ForDomain returns the effective policy for a domain.
func (s *Source) ForDomain(ctx context.Context, domain string) Enforcement {
	if s.db == nil || domain == "" {
		return s.defaults
	}

	s.mu.Lock()
	if entry, ok := s.cache[domain]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.eff
	}
	s.mu.Unlock()

	eff := s.defaults
	row, err := s.db.GetNetworkPolicy(ctx, domain)
	switch {
	case err == nil:
		eff = Enforcement{
			EnforceSLA:        row.EnforceSLA,
			EnforceTags:       row.EnforceTags,
			EnforceSettlement: row.EnforceSettlement,
			RequiredHeaders:   row.RequiredHeaders,
		}
	case errors.Is(err, store.ErrNotFound):
		// no row, defaults stand
	default:
		s.log.Warn("policy: network_policies read failed, using defaults",
			zap.String("domain", domain), zap.Error(err))
		return s.defaults // do not cache a fault
	}

	s.mu.Lock()
	s.cache[domain] = cachedPolicy{eff: eff, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return eff
}

// Enforce returns the third pipeline handler: SLA header presence and ONDC
// tag presence per the domain's effective policy. Requests without a
// parseable context pass through; envelope validation owns that rejection.
func Enforce(src *Source, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, err := beckn.ParseEnvelope(auth.RawBody(c))
		if err != nil || env.Context.Domain == "" {
			c.Next()
			return
		}

		eff := src.ForDomain(c.Request.Context(), env.Context.Domain)

		if eff.EnforceSLA {
			required := eff.RequiredHeaders
			if len(required) == 0 {
				required = DefaultSLAHeaders
			}
			for _, name := range required {
				if c.GetHeader(name) == "" {
					c.AbortWithStatusJSON(http.StatusBadRequest,
						beckn.Nack(beckn.TypePolicyError, beckn.CodePolicy,
							"missing mandated header "+name))
					return
				}
			}
		}

		if eff.EnforceTags && taggedActions[env.Context.Action] && !hasTags(env) {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				beckn.Nack(beckn.TypePolicyError, beckn.CodePolicy,
					"missing required tags for action "+env.Context.Action))
			return
		}
		c.Next()
	}
}

// hasTags checks intent tags for search and order tags for the establishment
// actions.
func hasTags(env *beckn.Envelope) bool {
	var msg struct {
		Intent struct {
			Tags json.RawMessage `json:"tags"`
		} `json:"intent"`
		Order struct {
			Tags json.RawMessage `json:"tags"`
		} `json:"order"`
	}
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return false
	}
	if env.Context.Action == "search" {
		return tagsPresent(msg.Intent.Tags)
	}
	return tagsPresent(msg.Order.Tags)
}

func tagsPresent(raw json.RawMessage) bool {
	s := string(raw)
	return s != "" && s != "null" && s != "[]" && s != "{}"
}
