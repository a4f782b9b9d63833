package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/store"
)

// capturePublisher stands in for the broker in handler tests.
type capturePublisher struct {
	mu        sync.Mutex
	msgs      [][]byte
	err       error
	failFirst bool
	calls     int
}

func (p *capturePublisher) Publish(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if p.err != nil {
		return p.err
	}
	if p.failFirst && call == 0 {
		return errors.New("transient publish failure")
	}
	p.msgs = append(p.msgs, append([]byte(nil), body...))
	return nil
}

func (p *capturePublisher) published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.msgs...)
}

type gwFixture struct {
	router *gin.Engine
	mem    *store.Mem
	pub    *capturePublisher
	rec    *store.Recorder
	gwPub  string
}

func gatewaySetup(t *testing.T, strictCity bool) *gwFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	privB64, pubB64, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	priv, err := crypto.SigningPrivateFromB64(privB64)
	if err != nil {
		t.Fatalf("SigningPrivateFromB64: %v", err)
	}

	mem := store.NewMem()
	pub := &capturePublisher{}
	rec := store.NewRecorder(mem, zap.NewNop())
	cl := client.New(client.Identity{
		SubscriberID: "gateway.example.com",
		UniqueKeyID:  "gw-k1",
		SigningKey:   priv,
	}, zap.NewNop())

	h := NewHandler(mem, pub, cl, rec, strictCity, zap.NewNop())
	router := gin.New()
	group := router.Group("/", auth.CaptureBody())
	h.Register(group)

	return &gwFixture{router: router, mem: mem, pub: pub, rec: rec, gwPub: pubB64}
}

func seedBPP(t *testing.T, mem *store.Mem, id, url, city string) {
	t.Helper()
	now := time.Now()
	err := mem.UpsertSubscriber(context.Background(), &store.Subscriber{
		SubscriberID:  id,
		UniqueKeyID:   "k1",
		SubscriberURL: url,
		Role:          store.RoleBPP,
		Domain:        "ONDC:RET10",
		City:          city,
		Status:        store.StatusSubscribed,
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed bpp %s: %v", id, err)
	}
}

func searchEnvelope(t *testing.T, city, messageID, bapURI string) []byte {
	t.Helper()
	env := beckn.Envelope{
		Context: beckn.Context{
			Domain:        "ONDC:RET10",
			Country:       "IND",
			City:          city,
			Action:        "search",
			BapID:         "bap.example.com",
			BapURI:        bapURI,
			TransactionID: "t-1",
			MessageID:     messageID,
			Timestamp:     time.Now().UTC().Format(beckn.TimestampFormat),
		},
		Message: json.RawMessage(`{"intent":{"descriptor":{"name":"tea"}}}`),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func (f *gwFixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", `Signature keyId="bap.example.com|k1|ed25519"`)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSearchFanOut(t *testing.T) {
	f := gatewaySetup(t, false)
	seedBPP(t, f.mem, "bpp1.example.com", "https://bpp1.example.com", "std:080")
	seedBPP(t, f.mem, "bpp2.example.com", "https://bpp2.example.com", "std:080")
	// Different domain or status must not be discovered.
	now := time.Now()
	if err := f.mem.UpsertSubscriber(context.Background(), &store.Subscriber{
		SubscriberID: "pending.example.com", UniqueKeyID: "k1",
		Role: store.RoleBPP, Domain: "ONDC:RET10", City: "std:080",
		Status: store.StatusUnderSubscription,
		ValidFrom: now, ValidUntil: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	raw := searchEnvelope(t, "std:080", "m-2", "https://bap.example.com")
	w := f.post(t, "/search", raw)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d, body %s", w.Code, w.Body.String())
	}
	var res beckn.Response
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || !res.IsAck() {
		t.Fatalf("search reply = %s, want ACK", w.Body.String())
	}

	msgs := f.pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	seen := map[string]bool{}
	for _, rawMsg := range msgs {
		var msg Message
		if err := json.Unmarshal(rawMsg, &msg); err != nil {
			t.Fatalf("decode fan-out message: %v", err)
		}
		seen[msg.BppID] = true
		if msg.MessageID != "m-2" || msg.TransactionID != "t-1" || msg.Domain != "ONDC:RET10" {
			t.Fatalf("message routing fields wrong: %+v", msg)
		}
		if !bytes.Equal(msg.Body, raw) {
			t.Fatal("fan-out body does not carry the original envelope")
		}
		if msg.BapAuthorization == "" {
			t.Fatal("fan-out message lost the BAP authorization header")
		}
	}
	if !seen["bpp1.example.com"] || !seen["bpp2.example.com"] {
		t.Fatalf("targets = %v, want both seeded BPPs", seen)
	}

	f.rec.Wait()
	txs := f.mem.Transactions()
	if len(txs) != 1 {
		t.Fatalf("recorded %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Status != store.TxSent || tx.BppID != "" || tx.MessageID != "m-2" {
		t.Fatalf("transaction row = %+v, want SENT with empty bpp_id", tx)
	}
}

func TestSearchNoMatchingBPPs(t *testing.T) {
	f := gatewaySetup(t, false)

	w := f.post(t, "/search", searchEnvelope(t, "std:080", "m-3", "https://bap.example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with zero targets", w.Code)
	}
	if len(f.pub.published()) != 0 {
		t.Fatal("published messages with no targets")
	}

	f.rec.Wait()
	txs := f.mem.Transactions()
	if len(txs) != 1 || txs[0].Status != store.TxSent {
		t.Fatalf("transactions = %+v, want single SENT row", txs)
	}
}

func TestSearchCityWildcard(t *testing.T) {
	f := gatewaySetup(t, false)
	seedBPP(t, f.mem, "bpp-wide.example.com", "https://wide.example.com", "*")

	w := f.post(t, "/search", searchEnvelope(t, "std:080", "m-4", "https://bap.example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := len(f.pub.published()); got != 1 {
		t.Fatalf("wildcard BPP not discovered, published = %d", got)
	}

	strict := gatewaySetup(t, true)
	seedBPP(t, strict.mem, "bpp-wide.example.com", "https://wide.example.com", "*")
	w = strict.post(t, "/search", searchEnvelope(t, "std:080", "m-5", "https://bap.example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := len(strict.pub.published()); got != 0 {
		t.Fatalf("strict matching still discovered the wildcard BPP, published = %d", got)
	}
}

func TestSearchBrokerDown(t *testing.T) {
	f := gatewaySetup(t, false)
	f.pub.err = errors.New("connection refused")
	seedBPP(t, f.mem, "bpp1.example.com", "https://bpp1.example.com", "std:080")

	w := f.post(t, "/search", searchEnvelope(t, "std:080", "m-6", "https://bap.example.com"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	f.rec.Wait()
	if txs := f.mem.Transactions(); len(txs) != 0 {
		t.Fatalf("broker-down search still recorded %+v", txs)
	}
}

func TestSearchPartialPublishFailure(t *testing.T) {
	f := gatewaySetup(t, false)
	f.pub.failFirst = true
	seedBPP(t, f.mem, "bpp1.example.com", "https://bpp1.example.com", "std:080")
	seedBPP(t, f.mem, "bpp2.example.com", "https://bpp2.example.com", "std:080")

	w := f.post(t, "/search", searchEnvelope(t, "std:080", "m-7", "https://bap.example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("partial failure status = %d, want 200", w.Code)
	}
	if got := len(f.pub.published()); got != 1 {
		t.Fatalf("published = %d, want 1", got)
	}
	f.rec.Wait()
	if txs := f.mem.Transactions(); len(txs) != 1 {
		t.Fatalf("transactions = %+v, want single SENT row", txs)
	}
}

func TestSearchRejectsWrongAction(t *testing.T) {
	f := gatewaySetup(t, false)

	env := beckn.Envelope{Context: beckn.Context{
		Domain: "ONDC:RET10", Country: "IND", City: "std:080",
		Action: "select", BapID: "bap.example.com", BapURI: "https://bap.example.com",
		TransactionID: "t-1", MessageID: "m-8",
		Timestamp: time.Now().UTC().Format(beckn.TimestampFormat),
	}}
	raw, _ := json.Marshal(env)

	w := f.post(t, "/search", raw)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var res beckn.Response
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.Error == nil || res.Error.Code != beckn.CodeInvalidRequest {
		t.Fatalf("reply = %s, want NACK 10000", w.Body.String())
	}
}

func TestOnSearchRelaysToBAP(t *testing.T) {
	f := gatewaySetup(t, false)

	type hit struct {
		body []byte
		hdr  string
	}
	hits := make(chan hit, 1)
	bap := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/on_search" {
			t.Errorf("relay path = %s", r.URL.Path)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err != nil {
			t.Errorf("read relay body: %v", err)
		}
		hits <- hit{body: buf.Bytes(), hdr: r.Header.Get("Authorization")}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(beckn.Ack())
	}))
	defer bap.Close()

	env := beckn.Envelope{
		Context: beckn.Context{
			Domain: "ONDC:RET10", Country: "IND", City: "std:080",
			Action: "on_search", BapID: "bap.example.com", BapURI: bap.URL,
			BppID: "bpp1.example.com", BppURI: "https://bpp1.example.com",
			TransactionID: "t-1", MessageID: "m-2",
			Timestamp: time.Now().UTC().Format(beckn.TimestampFormat),
		},
		Message: json.RawMessage(`{"catalog":{}}`),
	}
	raw, _ := json.Marshal(env)

	w := f.post(t, "/on_search", raw)
	if w.Code != http.StatusOK {
		t.Fatalf("on_search status = %d, body %s", w.Code, w.Body.String())
	}
	var res beckn.Response
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || !res.IsAck() {
		t.Fatalf("on_search reply = %s, want ACK", w.Body.String())
	}

	select {
	case got := <-hits:
		if !bytes.Equal(got.body, raw) {
			t.Fatal("relay body differs from the received callback")
		}
		parsed, err := auth.ParseHeader(got.hdr)
		if err != nil {
			t.Fatalf("relay authorization did not parse: %v", err)
		}
		if parsed.SubscriberID != "gateway.example.com" || parsed.KeyDomain != "ONDC:RET10" {
			t.Fatalf("relay keyId = %q, want gateway identity bound to the domain", parsed.KeyID)
		}
		pub, err := crypto.SigningPublicFromB64(f.gwPub)
		if err != nil {
			t.Fatalf("SigningPublicFromB64: %v", err)
		}
		if !auth.VerifyParsed(parsed, got.body, pub, auth.VerifyOptions{}) {
			t.Fatal("relay signature does not verify with the gateway key")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay never reached the BAP")
	}

	f.rec.Wait()
	txs := f.mem.Transactions()
	if len(txs) != 1 {
		t.Fatalf("recorded %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Status != store.TxCallbackReceived || tx.BppID != "bpp1.example.com" || tx.Action != "on_search" {
		t.Fatalf("transaction row = %+v, want CALLBACK_RECEIVED from bpp1", tx)
	}
}

func TestOnSearchAcksWhenBAPUnreachable(t *testing.T) {
	f := gatewaySetup(t, false)

	env := beckn.Envelope{
		Context: beckn.Context{
			Domain: "ONDC:RET10", Country: "IND", City: "std:080",
			Action: "on_search", BapID: "bap.example.com",
			BapURI: fmt.Sprintf("http://127.0.0.1:%d", unusedPort(t)),
			TransactionID: "t-9", MessageID: "m-9",
			Timestamp: time.Now().UTC().Format(beckn.TimestampFormat),
		},
	}
	raw, _ := json.Marshal(env)

	w := f.post(t, "/on_search", raw)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 regardless of relay outcome", w.Code)
	}
	f.rec.Wait()
	if txs := f.mem.Transactions(); len(txs) != 1 || txs[0].Status != store.TxCallbackReceived {
		t.Fatalf("transactions = %+v, want CALLBACK_RECEIVED row", txs)
	}
}

// unusedPort reserves then releases a port so the relay target refuses
// connections fast instead of timing out.
func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
