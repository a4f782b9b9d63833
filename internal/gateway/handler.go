package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/broker"
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/metrics"
	"github.com/becknworks/beckn-mesh/internal/store"
)

const relayTimeout = 30 * time.Second

// Handler owns the gateway's two protocol routes. /search discovers
// matching sellers and multicasts through the broker; /on_search relays
// seller callbacks back to the buyer. Neither route ever waits on delivery.
type Handler struct {
	db         store.Store
	pub        broker.Publisher
	client     *client.Client
	recorder   *store.Recorder
	strictCity bool
	log        *zap.Logger
}

// NewHandler builds the gateway handler. strictCity disables the city
// wildcard during discovery, narrowing targets to exact city matches.
func NewHandler(db store.Store, pub broker.Publisher, cl *client.Client, rec *store.Recorder, strictCity bool, log *zap.Logger) *Handler {
	return &Handler{db: db, pub: pub, client: cl, recorder: rec, strictCity: strictCity, log: log}
}

// Register mounts the gateway routes. The auth and policy pipeline is
// applied to the group by the caller.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/search", h.search)
	rg.POST("/on_search", h.onSearch)
}

func (h *Handler) search(c *gin.Context) {
	raw := auth.RawBody(c)
	env, err := beckn.ParseEnvelope(raw)
	if err == nil {
		err = env.Context.Validate("search")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest,
			beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, err.Error()))
		return
	}
	ctx := c.Request.Context()

	targets, err := h.db.FindSubscribers(ctx, store.SubscriberFilter{
		Role:         store.RoleBPP,
		Status:       store.StatusSubscribed,
		Domain:       env.Context.Domain,
		City:         env.Context.City,
		CityWildcard: !h.strictCity,
	})
	if err != nil {
		h.log.Error("gateway: discovery failed",
			zap.String("domain", env.Context.Domain), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable,
			beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "discovery unavailable"))
		return
	}

	published := 0
	for _, target := range targets {
		msg := Message{
			BppID:            target.SubscriberID,
			BppURL:           target.SubscriberURL,
			Domain:           env.Context.Domain,
			City:             env.Context.City,
			TransactionID:    env.Context.TransactionID,
			MessageID:        env.Context.MessageID,
			Body:             raw,
			BapAuthorization: c.GetHeader("Authorization"),
		}
		body, err := json.Marshal(msg)
		if err != nil {
			h.log.Error("gateway: marshal fan-out message", zap.Error(err))
			continue
		}
		if err := h.pub.Publish(ctx, body); err != nil {
			h.log.Warn("gateway: publish failed",
				zap.String("bpp_id", target.SubscriberID),
				zap.String("transaction_id", env.Context.TransactionID),
				zap.Error(err),
			)
			continue
		}
		published++
		metrics.FanoutPublished.WithLabelValues(env.Context.Domain).Inc()
	}

	// Every publish failing means the broker is down: the search was not
	// accepted, so no transaction row either. Partial delivery and an
	// empty target set are both normal.
	if len(targets) > 0 && published == 0 {
		c.JSON(http.StatusServiceUnavailable,
			beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "fan-out unavailable"))
		return
	}

	h.recorder.Transaction(&store.Transaction{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        env.Context.Action,
		Domain:        env.Context.Domain,
		City:          env.Context.City,
		BapID:         env.Context.BapID,
		RequestBody:   raw,
		Status:        store.TxSent,
	})
	h.log.Info("gateway: search fanned out",
		zap.String("transaction_id", env.Context.TransactionID),
		zap.Int("targets", len(targets)),
		zap.Int("published", published),
	)
	c.JSON(http.StatusOK, beckn.Ack())
}

func (h *Handler) onSearch(c *gin.Context) {
	received := time.Now()
	raw := auth.RawBody(c)
	env, err := beckn.ParseEnvelope(raw)
	if err == nil {
		err = env.Context.Validate("on_search")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest,
			beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, err.Error()))
		return
	}

	// Relay runs on its own deadline; the BPP gets its ACK regardless of
	// whether the BAP is reachable.
	go h.relay(env.Context, raw)

	h.recorder.Transaction(&store.Transaction{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        env.Context.Action,
		Domain:        env.Context.Domain,
		City:          env.Context.City,
		BapID:         env.Context.BapID,
		BppID:         env.Context.BppID,
		Status:        store.TxCallbackReceived,
		LatencyMS:     time.Since(received).Milliseconds(),
	})
	c.JSON(http.StatusOK, beckn.Ack())
}

func (h *Handler) relay(envCtx beckn.Context, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()

	target := strings.TrimSuffix(envCtx.BapURI, "/") + "/on_search"
	res, status, err := h.client.PostDomain(ctx, target, envCtx.Domain, raw)
	if err != nil || status != http.StatusOK || !res.IsAck() {
		metrics.RelayFailures.Inc()
		h.log.Warn("gateway: on_search relay failed",
			zap.String("bap_uri", envCtx.BapURI),
			zap.String("transaction_id", envCtx.TransactionID),
			zap.Int("status", status),
			zap.Error(err),
		)
		return
	}
	h.log.Info("gateway: on_search relayed",
		zap.String("bap_uri", envCtx.BapURI),
		zap.String("transaction_id", envCtx.TransactionID),
	)
}
