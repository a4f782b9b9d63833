package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/policy"
	"github.com/becknworks/beckn-mesh/internal/store"
)

const callbackTimeout = 30 * time.Second

// BPP is the seller-side adapter. Every forward action gets a synchronous
// ACK; the business reply travels in a signed on_* callback carrying the
// originating transaction_id and message_id.
type BPP struct {
	info      Info
	client    *client.Client
	responder Responder
	policies  *policy.Source
	recorder  *store.Recorder
	log       *zap.Logger
}

// NewBPP builds the seller-side adapter.
func NewBPP(info Info, cl *client.Client, resp Responder, policies *policy.Source, rec *store.Recorder, log *zap.Logger) *BPP {
	return &BPP{info: info, client: cl, responder: resp, policies: policies, recorder: rec, log: log}
}

// Register mounts one POST route per forward action. The auth and policy
// pipeline is applied to the group by the caller.
func (b *BPP) Register(rg *gin.RouterGroup) {
	for _, action := range beckn.Actions {
		rg.POST("/"+action, b.handle(action))
	}
}

// RegisterProvider mounts the local provider API: the seller backend
// pushes unsolicited callbacks (status updates, cancellations) to a buyer
// through it. Not a protocol surface; the caller decides how to shield it.
func (b *BPP) RegisterProvider(rg *gin.RouterGroup) {
	rg.POST("/provider/:action", b.providerPush)
}

func (b *BPP) handle(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := auth.RawBody(c)
		env, err := beckn.ParseEnvelope(raw)
		if err == nil {
			err = env.Context.Validate(action)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest,
				beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, err.Error()))
			return
		}

		if policy.RequiresFinderFee(action) &&
			b.policies.ForDomain(c.Request.Context(), env.Context.Domain).EnforceSettlement {
			if err := policy.ValidateFinderFee(env.Message); err != nil {
				c.JSON(http.StatusBadRequest,
					beckn.Nack(beckn.TypePolicyError, beckn.CodePolicy, err.Error()))
				return
			}
		}

		b.recorder.Transaction(&store.Transaction{
			TransactionID: env.Context.TransactionID,
			MessageID:     env.Context.MessageID,
			Action:        action,
			Domain:        env.Context.Domain,
			City:          env.Context.City,
			BapID:         env.Context.BapID,
			BppID:         b.info.SubscriberID,
			RequestBody:   raw,
			Status:        store.TxSent,
		})

		// The callback runs on its own deadline; the buyer has its ACK
		// before the business reply exists.
		go b.respond(action, env)
		c.JSON(http.StatusOK, beckn.Ack())
	}
}

func (b *BPP) respond(action string, env *beckn.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	cbAction := beckn.CallbackOf(action)
	payload, err := b.responder.Respond(ctx, action, env)
	if err != nil {
		b.recorder.Transaction(&store.Transaction{
			TransactionID: env.Context.TransactionID,
			MessageID:     env.Context.MessageID,
			Action:        cbAction,
			Domain:        env.Context.Domain,
			City:          env.Context.City,
			BapID:         env.Context.BapID,
			BppID:         b.info.SubscriberID,
			Status:        store.TxError,
		})
		b.log.Warn("bpp: responder failed",
			zap.String("action", action),
			zap.String("transaction_id", env.Context.TransactionID),
			zap.Error(err),
		)
		return
	}

	cbCtx := env.Context
	cbCtx.Action = cbAction
	cbCtx.BppID = b.info.SubscriberID
	cbCtx.BppURI = b.info.SubscriberURL
	cbCtx.Timestamp = time.Now().UTC().Format(beckn.TimestampFormat)

	target := b.callbackTarget(action, env.Context.BapURI)
	res, status, err := b.deliver(ctx, cbCtx, payload, target)
	if err != nil || status != http.StatusOK || !res.IsAck() {
		b.log.Warn("bpp: callback not acknowledged",
			zap.String("action", cbAction),
			zap.String("target", target),
			zap.Int("status", status),
			zap.Error(err),
		)
		return
	}
	b.log.Info("bpp: callback delivered",
		zap.String("action", cbAction),
		zap.String("transaction_id", env.Context.TransactionID),
	)
}

// deliver signs and posts one callback envelope and appends its outcome
// row: ACK, NACK or ERROR with the observed round-trip latency.
func (b *BPP) deliver(ctx context.Context, envCtx beckn.Context, payload json.RawMessage, target string) (*beckn.Response, int, error) {
	row := &store.Transaction{
		TransactionID: envCtx.TransactionID,
		MessageID:     envCtx.MessageID,
		Action:        envCtx.Action,
		Domain:        envCtx.Domain,
		City:          envCtx.City,
		BapID:         envCtx.BapID,
		BppID:         b.info.SubscriberID,
	}
	body, err := json.Marshal(beckn.Envelope{Context: envCtx, Message: payload})
	if err != nil {
		row.Status = store.TxError
		b.recorder.Transaction(row)
		return nil, 0, fmt.Errorf("marshal callback: %w", err)
	}

	start := time.Now()
	res, status, err := b.client.Post(ctx, target, body)
	row.LatencyMS = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		row.Status = store.TxError
	case status == http.StatusOK && res.IsAck():
		row.Status = store.TxAck
	default:
		row.Status = store.TxNack
	}
	b.recorder.Transaction(row)
	return res, status, err
}

// callbackTarget picks the callback destination: on_search goes through
// the gateway when one is configured, everything else straight to the
// buyer's published URI.
func (b *BPP) callbackTarget(action, bapURI string) string {
	if action == "search" && b.info.GatewayURL != "" {
		return strings.TrimSuffix(b.info.GatewayURL, "/") + "/on_search"
	}
	return strings.TrimSuffix(bapURI, "/") + "/" + beckn.CallbackOf(action)
}

// ProviderPush is a provider-API order to send an unsolicited callback on
// an existing transaction.
type ProviderPush struct {
	BapID         string          `json:"bap_id"`
	BapURI        string          `json:"bap_uri"`
	TransactionID string          `json:"transaction_id"`
	MessageID     string          `json:"message_id"`
	Domain        string          `json:"domain"`
	City          string          `json:"city"`
	Message       json.RawMessage `json:"message"`
}

func (b *BPP) providerPush(c *gin.Context) {
	action := c.Param("action")
	if !beckn.ValidAction(action) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + action})
		return
	}
	var req ProviderPush
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BapID == "" || req.BapURI == "" || req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bap_id, bap_uri and transaction_id are required"})
		return
	}

	domain := req.Domain
	if domain == "" {
		domain = b.info.Domain
	}
	city := req.City
	if city == "" {
		city = b.info.City
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	envCtx := beckn.Context{
		Domain:        domain,
		Country:       b.info.Country,
		City:          city,
		Action:        beckn.CallbackOf(action),
		CoreVersion:   "1.2.0",
		BapID:         req.BapID,
		BapURI:        req.BapURI,
		BppID:         b.info.SubscriberID,
		BppURI:        b.info.SubscriberURL,
		TransactionID: req.TransactionID,
		MessageID:     messageID,
		Timestamp:     time.Now().UTC().Format(beckn.TimestampFormat),
	}
	target := strings.TrimSuffix(req.BapURI, "/") + "/" + envCtx.Action
	res, _, err := b.deliver(c.Request.Context(), envCtx, req.Message, target)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": envCtx, "reply": res})
}
