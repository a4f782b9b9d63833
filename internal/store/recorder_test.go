package store

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// failingStore wraps Mem and fails every insert.
type failingStore struct {
	*Mem
}

func (f *failingStore) InsertTransaction(context.Context, *Transaction) error {
	return errors.New("db down")
}

func (f *failingStore) InsertAudit(context.Context, *AuditRecord) error {
	return errors.New("db down")
}

func TestRecorder_WritesArrive(t *testing.T) {
	m := NewMem()
	r := NewRecorder(m, zap.NewNop())

	r.Transaction(&Transaction{TransactionID: "t-1", MessageID: "m-1", Action: "search", Status: TxSent})
	r.Audit(&AuditRecord{Actor: "registry", Action: "SUBSCRIBE_COMPLETED", ResourceType: "subscriber", ResourceID: "s1"})
	r.Wait()

	if got := len(m.Transactions()); got != 1 {
		t.Fatalf("expected 1 transaction, got %d", got)
	}
	if got := len(m.Audits()); got != 1 {
		t.Fatalf("expected 1 audit record, got %d", got)
	}
}

func TestRecorder_InsertFailureIsSwallowed(t *testing.T) {
	r := NewRecorder(&failingStore{NewMem()}, zap.NewNop())

	// Must not panic or propagate; loss of observability is not loss of service.
	r.Transaction(&Transaction{TransactionID: "t-1", MessageID: "m-1", Action: "search", Status: TxSent})
	r.Audit(&AuditRecord{Action: "SUBSCRIBE_COMPLETED"})
	r.Wait()
}

func TestRecorder_CopiesInput(t *testing.T) {
	m := NewMem()
	r := NewRecorder(m, zap.NewNop())

	tx := &Transaction{TransactionID: "t-1", MessageID: "m-1", Action: "search", Status: TxSent}
	r.Transaction(tx)
	tx.Status = TxError // mutate after handoff
	r.Wait()

	got := m.Transactions()
	if len(got) != 1 || got[0].Status != TxSent {
		t.Fatalf("recorder did not snapshot the row: %+v", got)
	}
}
