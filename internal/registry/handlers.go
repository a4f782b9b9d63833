package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// Handler mounts the registry HTTP surface: the subscription handshake,
// public key lookup and the admin demotion API.
type Handler struct {
	svc            *Service
	db             store.Store
	adminTokenHash string
	log            *zap.Logger
}

// NewHandler builds the registry handler. adminTokenHash is the Argon2id
// hash guarding the admin group; empty disables it.
func NewHandler(svc *Service, db store.Store, adminTokenHash string, log *zap.Logger) *Handler {
	return &Handler{svc: svc, db: db, adminTokenHash: adminTokenHash, log: log}
}

// Register mounts all registry routes on the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/subscribe", h.subscribe)
	rg.POST("/on_subscribe", h.onSubscribe)
	rg.GET("/lookup", h.lookup)

	admin := rg.Group("/admin", adminAuth(h.adminTokenHash))
	admin.POST("/subscribers/:id/suspend", h.demote(h.svc.Suspend))
	admin.POST("/subscribers/:id/revoke", h.demote(h.svc.Revoke))
}

func (h *Handler) subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, "malformed subscribe payload"))
		return
	}

	res, err := h.svc.Subscribe(c.Request.Context(), &req, c.ClientIP())
	if errors.Is(err, ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest,
			beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, err.Error()))
		return
	}
	if err != nil {
		h.log.Error("registry: subscribe failed",
			zap.String("subscriber_id", req.SubscriberID), zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "internal error"))
		return
	}
	c.JSON(http.StatusOK, res)
}

type onSubscribeRequest struct {
	SubscriberID string `json:"subscriber_id"`
	UniqueKeyID  string `json:"unique_key_id"`
	Answer       string `json:"answer"`
}

func (h *Handler) onSubscribe(c *gin.Context) {
	var req onSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SubscriberID == "" || req.Answer == "" {
		c.JSON(http.StatusBadRequest,
			beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, "subscriber_id and answer are required"))
		return
	}

	err := h.svc.CompleteSubscription(c.Request.Context(), req.SubscriberID, req.UniqueKeyID, req.Answer, c.ClientIP())
	switch {
	case errors.Is(err, ErrChallengeFailed), errors.Is(err, ErrUnknownSubscriber):
		c.JSON(http.StatusUnauthorized,
			beckn.Nack(beckn.TypeContextError, beckn.CodeChallengeFailed, "challenge verification failed"))
	case err != nil:
		h.log.Error("registry: on_subscribe failed",
			zap.String("subscriber_id", req.SubscriberID), zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "internal error"))
	default:
		c.JSON(http.StatusOK, beckn.Ack())
	}
}

// lookup publishes subscriber records as a bare JSON array. REVOKED rows
// are never published.
func (h *Handler) lookup(c *gin.Context) {
	filter := store.SubscriberFilter{
		SubscriberID: c.Query("subscriber_id"),
		Role:         store.Role(strings.ToUpper(c.Query("type"))),
		Domain:       c.Query("domain"),
		City:         c.Query("city"),
	}
	subs, err := h.db.FindSubscribers(c.Request.Context(), filter)
	if err != nil {
		h.log.Error("registry: lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "internal error"))
		return
	}

	uniqueKeyID := c.Query("unique_key_id")
	out := make([]store.Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.Status == store.StatusRevoked {
			continue
		}
		if uniqueKeyID != "" && sub.UniqueKeyID != uniqueKeyID {
			continue
		}
		out = append(out, sub)
	}
	c.JSON(http.StatusOK, out)
}

type demoteRequest struct {
	UniqueKeyID string `json:"unique_key_id"`
}

// demote wraps Suspend/Revoke. Without an explicit unique_key_id the
// operation applies to every key the subscriber holds; keys already past
// the transition are skipped.
func (h *Handler) demote(op func(ctx context.Context, sid, ukid, actor, ip string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		subscriberID := c.Param("id")

		var req demoteRequest
		_ = c.ShouldBindJSON(&req)

		keyIDs := []string{req.UniqueKeyID}
		if req.UniqueKeyID == "" {
			subs, err := h.db.FindSubscribers(c.Request.Context(), store.SubscriberFilter{SubscriberID: subscriberID})
			if err != nil {
				h.log.Error("registry: admin lookup failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			keyIDs = keyIDs[:0]
			for _, sub := range subs {
				keyIDs = append(keyIDs, sub.UniqueKeyID)
			}
			if len(keyIDs) == 0 {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber"})
				return
			}
		}

		var (
			updated int
			lastErr error
		)
		for _, ukid := range keyIDs {
			if err := op(c.Request.Context(), subscriberID, ukid, "admin", c.ClientIP()); err != nil {
				lastErr = err
				continue
			}
			updated++
		}

		if updated == 0 {
			switch {
			case errors.Is(lastErr, ErrUnknownSubscriber):
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber"})
			case errors.Is(lastErr, store.ErrStatusConflict):
				c.JSON(http.StatusConflict, gin.H{"error": "no eligible subscription"})
			default:
				h.log.Error("registry: admin demotion failed",
					zap.String("subscriber_id", subscriberID), zap.Error(lastErr))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"subscriber_id": subscriberID, "updated": updated})
	}
}

// adminAuth guards the admin group with a bearer token checked against an
// Argon2id hash. An empty hash disables the whole group.
func adminAuth(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API disabled"})
			return
		}
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) || !crypto.VerifySecret(strings.TrimPrefix(header, prefix), tokenHash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
