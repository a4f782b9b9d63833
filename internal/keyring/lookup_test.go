package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/store"
)

func lookupRegistry(t *testing.T, hits *atomic.Int64, subs []store.Subscriber) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/lookup" {
			t.Errorf("lookup path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("subscriber_id") == "" {
			t.Error("lookup missing subscriber_id param")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subs)
	}))
}

func TestLookupResolvesAndCaches(t *testing.T) {
	_, pubB64, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	now := time.Now()
	var hits atomic.Int64
	registry := lookupRegistry(t, &hits, []store.Subscriber{
		{
			SubscriberID:     "bpp.example.com",
			UniqueKeyID:      "old-key",
			SigningPublicKey: pubB64,
			Status:           store.StatusSubscribed,
			ValidFrom:        now.Add(-time.Hour),
			ValidUntil:       now.Add(24 * time.Hour),
		},
		{
			SubscriberID:     "bpp.example.com",
			UniqueKeyID:      "k2",
			SigningPublicKey: pubB64,
			Status:           store.StatusSubscribed,
			ValidFrom:        now.Add(-time.Hour),
			ValidUntil:       now.Add(24 * time.Hour),
		},
	})
	defer registry.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lk := NewLookup(registry.URL, rdb, zap.NewNop())

	pub, err := lk.SigningKey(context.Background(), "bpp.example.com", "k2")
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	want, _ := crypto.SigningPublicFromB64(pubB64)
	if !bytes.Equal(pub, want) {
		t.Fatal("resolved key differs from the registry record")
	}

	if _, err := lk.SigningKey(context.Background(), "bpp.example.com", "k2"); err != nil {
		t.Fatalf("cached SigningKey: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("registry hit %d times, want 1 (second resolve from cache)", got)
	}
}

func TestLookupSkipsInactiveRecords(t *testing.T) {
	_, pubB64, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	now := time.Now()
	var hits atomic.Int64
	registry := lookupRegistry(t, &hits, []store.Subscriber{
		{
			SubscriberID:     "bpp.example.com",
			UniqueKeyID:      "k1",
			SigningPublicKey: pubB64,
			Status:           store.StatusSuspended,
			ValidFrom:        now.Add(-time.Hour),
			ValidUntil:       now.Add(24 * time.Hour),
		},
		{
			SubscriberID:     "bpp.example.com",
			UniqueKeyID:      "k1",
			SigningPublicKey: pubB64,
			Status:           store.StatusSubscribed,
			ValidFrom:        now.Add(-48 * time.Hour),
			ValidUntil:       now.Add(-time.Hour),
		},
	})
	defer registry.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lk := NewLookup(registry.URL, rdb, zap.NewNop())

	if _, err := lk.SigningKey(context.Background(), "bpp.example.com", "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound for inactive records", err)
	}
}

func TestLookupEmptyResult(t *testing.T) {
	var hits atomic.Int64
	registry := lookupRegistry(t, &hits, []store.Subscriber{})
	defer registry.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lk := NewLookup(registry.URL, rdb, zap.NewNop())

	if _, err := lk.SigningKey(context.Background(), "ghost.example.com", "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestLookupRegistryFault(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer registry.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lk := NewLookup(registry.URL, rdb, zap.NewNop())

	_, err := lk.SigningKey(context.Background(), "bpp.example.com", "k1")
	if err == nil || errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want an infrastructure error distinct from ErrKeyNotFound", err)
	}
}
