package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/metrics"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// ErrNoTarget is returned when an initiation names no destination: search
// needs a configured gateway, every other action a bpp_uri.
var ErrNoTarget = errors.New("participant: no delivery target for action")

// BAP is the buyer-side adapter. It serves the on_* callback endpoints,
// correlating each callback against the originating transaction row, and
// offers a local client API for starting new transactions.
type BAP struct {
	info     Info
	client   *client.Client
	db       store.Store
	recorder *store.Recorder
	log      *zap.Logger
}

// NewBAP builds the buyer-side adapter.
func NewBAP(info Info, cl *client.Client, db store.Store, rec *store.Recorder, log *zap.Logger) *BAP {
	return &BAP{info: info, client: cl, db: db, recorder: rec, log: log}
}

// Register mounts one POST route per on_* callback. The auth and policy
// pipeline is applied to the group by the caller.
func (b *BAP) Register(rg *gin.RouterGroup) {
	for _, action := range beckn.Actions {
		rg.POST("/"+beckn.CallbackOf(action), b.handleCallback(action))
	}
}

// RegisterClient mounts the local initiation API. The route is not a
// protocol surface; the caller decides how to shield it.
func (b *BAP) RegisterClient(rg *gin.RouterGroup) {
	rg.POST("/client/:action", b.initiate)
}

func (b *BAP) handleCallback(action string) gin.HandlerFunc {
	cbAction := beckn.CallbackOf(action)
	return func(c *gin.Context) {
		raw := auth.RawBody(c)
		env, err := beckn.ParseEnvelope(raw)
		if err == nil {
			err = env.Context.Validate(cbAction)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest,
				beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, err.Error()))
			return
		}
		if env.Error != nil {
			b.log.Warn("bap: callback carries error block",
				zap.String("action", cbAction),
				zap.String("transaction_id", env.Context.TransactionID),
				zap.String("code", env.Error.Code),
				zap.String("message", env.Error.Message),
			)
		}

		var latency int64
		orig, err := b.db.LatestTransaction(c.Request.Context(), env.Context.TransactionID, action)
		switch {
		case err == nil:
			latency = time.Since(orig.CreatedAt).Milliseconds()
			metrics.CallbackLatency.WithLabelValues(action).
				Observe(time.Since(orig.CreatedAt).Seconds())
		case errors.Is(err, store.ErrNotFound):
			b.log.Warn("bap: uncorrelated callback",
				zap.String("action", cbAction),
				zap.String("transaction_id", env.Context.TransactionID),
			)
		default:
			b.log.Warn("bap: correlation lookup failed",
				zap.String("transaction_id", env.Context.TransactionID),
				zap.Error(err),
			)
		}

		b.recorder.Transaction(&store.Transaction{
			TransactionID: env.Context.TransactionID,
			MessageID:     env.Context.MessageID,
			Action:        cbAction,
			Domain:        env.Context.Domain,
			City:          env.Context.City,
			BapID:         b.info.SubscriberID,
			BppID:         env.Context.BppID,
			RequestBody:   raw,
			Status:        store.TxCallbackReceived,
			LatencyMS:     latency,
		})
		c.JSON(http.StatusOK, beckn.Ack())
	}
}

// InitiateRequest is a client-API order to start a transaction. Domain and
// city default to the adapter's own; bpp_uri addresses every action except
// search, which goes to the gateway.
type InitiateRequest struct {
	BppID   string          `json:"bpp_id"`
	BppURI  string          `json:"bpp_uri"`
	Domain  string          `json:"domain"`
	City    string          `json:"city"`
	Message json.RawMessage `json:"message"`
}

func (b *BAP) initiate(c *gin.Context) {
	action := c.Param("action")
	if !beckn.ValidAction(action) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + action})
		return
	}
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env, res, err := b.Initiate(c.Request.Context(), action, req)
	switch {
	case errors.Is(err, ErrNoTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": env.Context, "reply": res})
}

// Initiate builds a fresh envelope for action, signs and delivers it, and
// appends the originating transaction row that later correlates the
// callback. The returned envelope carries the generated transaction and
// message identifiers.
func (b *BAP) Initiate(ctx context.Context, action string, req InitiateRequest) (*beckn.Envelope, *beckn.Response, error) {
	domain := req.Domain
	if domain == "" {
		domain = b.info.Domain
	}
	city := req.City
	if city == "" {
		city = b.info.City
	}

	target, err := b.initiationTarget(action, req.BppURI)
	if err != nil {
		return nil, nil, err
	}

	envCtx := beckn.NewContext(domain, b.info.Country, city, action, b.info.SubscriberID, b.info.SubscriberURL)
	envCtx.BppID = req.BppID
	envCtx.BppURI = req.BppURI
	env := &beckn.Envelope{Context: envCtx, Message: req.Message}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}

	res, status, err := b.client.Post(ctx, target, body)
	row := &store.Transaction{
		TransactionID: envCtx.TransactionID,
		MessageID:     envCtx.MessageID,
		Action:        action,
		Domain:        domain,
		City:          city,
		BapID:         b.info.SubscriberID,
		BppID:         req.BppID,
		RequestBody:   body,
		Status:        store.TxSent,
	}
	switch {
	case err != nil:
		row.Status = store.TxError
	case status != http.StatusOK || !res.IsAck():
		row.Status = store.TxNack
	}
	b.recorder.Transaction(row)

	if err != nil {
		return env, nil, err
	}
	if row.Status == store.TxNack {
		b.log.Warn("bap: initiation rejected",
			zap.String("action", action),
			zap.String("target", target),
			zap.Int("status", status),
		)
	}
	return env, res, nil
}

func (b *BAP) initiationTarget(action, bppURI string) (string, error) {
	if action == "search" {
		if b.info.GatewayURL == "" {
			return "", fmt.Errorf("%w: search requires a gateway", ErrNoTarget)
		}
		return strings.TrimSuffix(b.info.GatewayURL, "/") + "/search", nil
	}
	if bppURI == "" {
		return "", fmt.Errorf("%w: %s requires bpp_uri", ErrNoTarget, action)
	}
	return strings.TrimSuffix(bppURI, "/") + "/" + action, nil
}
