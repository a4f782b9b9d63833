package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/metrics"
)

const recordTimeout = 5 * time.Second

// Recorder writes transaction and audit rows off the request path. Inserts
// run on their own goroutine with a bounded deadline; failures are logged
// and counted, never surfaced to the protocol reply.
type Recorder struct {
	store Store
	log   *zap.Logger
	wg    sync.WaitGroup
}

// NewRecorder wraps a Store with asynchronous, loss-tolerant writes.
func NewRecorder(s Store, log *zap.Logger) *Recorder {
	return &Recorder{store: s, log: log}
}

// Transaction appends a transaction row without blocking the caller.
func (r *Recorder) Transaction(tx *Transaction) {
	cp := *tx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.store.InsertTransaction(ctx, &cp); err != nil {
			metrics.RecorderDropped.Inc()
			r.log.Warn("recorder: transaction insert dropped",
				zap.String("transaction_id", cp.TransactionID),
				zap.String("action", cp.Action),
				zap.Error(err),
			)
		}
	}()
}

// Audit appends an audit row without blocking the caller.
func (r *Recorder) Audit(rec *AuditRecord) {
	cp := *rec
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.store.InsertAudit(ctx, &cp); err != nil {
			metrics.RecorderDropped.Inc()
			r.log.Warn("recorder: audit insert dropped",
				zap.String("action", cp.Action),
				zap.String("resource_id", cp.ResourceID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all queued writes have finished. Tests use it to make
// assertions deterministic; shutdown paths use it to drain.
func (r *Recorder) Wait() { r.wg.Wait() }
