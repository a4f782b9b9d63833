package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/metrics"
)

// maxAttempts bounds deliveries of one fan-out message; the waits between
// attempts come from the worker's backoff schedule.
const maxAttempts = 3

// DefaultBackoff spaces the second and third delivery attempts.
var DefaultBackoff = []time.Duration{time.Second, 4 * time.Second}

// Worker delivers queued fan-out messages to seller adapters. Each request
// is signed with the gateway's identity, keyId bound to the search domain.
// Deliveries are idempotent from the seller's point of view: the message_id
// is unchanged across retries and sellers dedup on it.
type Worker struct {
	client  *client.Client
	backoff []time.Duration
	log     *zap.Logger
}

// NewWorker builds a delivery worker with the default retry schedule.
func NewWorker(cl *client.Client, log *zap.Logger) *Worker {
	return &Worker{client: cl, backoff: DefaultBackoff, log: log}
}

// Handle processes one queued message. A nil return acks the delivery; an
// error dead-letters it.
func (w *Worker) Handle(ctx context.Context, raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.FanoutDeadLettered.Inc()
		return fmt.Errorf("malformed fan-out message: %w", err)
	}
	target := strings.TrimSuffix(msg.BppURL, "/") + "/search"

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && len(w.backoff) > 0 {
			idx := attempt - 2
			if idx >= len(w.backoff) {
				idx = len(w.backoff) - 1
			}
			select {
			case <-ctx.Done():
				metrics.FanoutDeadLettered.Inc()
				return ctx.Err()
			case <-time.After(w.backoff[idx]):
			}
		}

		res, status, err := w.client.PostDomain(ctx, target, msg.Domain, msg.Body)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusOK && res.IsAck() {
			w.log.Info("gateway: search delivered",
				zap.String("bpp_id", msg.BppID),
				zap.String("transaction_id", msg.TransactionID),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		if res.Error != nil && res.Error.Type == beckn.TypePolicyError {
			// The seller received the request and refused it on policy
			// grounds; retrying cannot change the outcome.
			w.log.Warn("gateway: delivery refused by seller policy",
				zap.String("bpp_id", msg.BppID),
				zap.String("transaction_id", msg.TransactionID),
				zap.String("code", res.Error.Code),
			)
			return nil
		}
		lastErr = fmt.Errorf("bpp %s replied status %d", msg.BppID, status)
	}

	metrics.FanoutDeadLettered.Inc()
	w.log.Warn("gateway: delivery exhausted retries",
		zap.String("bpp_id", msg.BppID),
		zap.String("transaction_id", msg.TransactionID),
		zap.Error(lastErr),
	)
	return fmt.Errorf("deliver search to %s: %w", msg.BppID, lastErr)
}
