package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
)

func dedupSetup(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *redis.Client, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := gin.New()
	handler := func(c *gin.Context) { c.JSON(http.StatusOK, beckn.Ack()) }
	r.POST("/search", auth.CaptureBody(), Dedup(rdb, ttl, zap.NewNop()), handler)
	r.POST("/on_search", auth.CaptureBody(), Dedup(rdb, ttl, zap.NewNop()), handler)
	return mr, rdb, r
}

func envelope(action, messageID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"context": map[string]any{"action": action, "message_id": messageID},
		"message": map[string]any{},
	})
	return body
}

func TestDedup_SecondMessageRejected(t *testing.T) {
	_, rdb, r := dedupSetup(t, 0)

	if w := post(r, "/search", envelope("search", "m-1")); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := post(r, "/search", envelope("search", "m-1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate: expected 400, got %d", w.Code)
	}
	var resp beckn.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IsAck() || resp.Error.Type != beckn.TypePolicyError || resp.Error.Code != beckn.CodeDuplicate {
		t.Errorf("unexpected NACK payload: %+v", resp)
	}

	// The entry records which action claimed the message_id.
	if action, _ := rdb.Get(context.Background(), "msg:dedup:m-1").Result(); action != "search" {
		t.Errorf("dedup value = %q, want search", action)
	}

	// A different message_id sails through.
	if w := post(r, "/search", envelope("search", "m-2")); w.Code != http.StatusOK {
		t.Fatalf("fresh message_id: expected 200, got %d", w.Code)
	}
}

func TestDedup_CallbacksBypass(t *testing.T) {
	_, rdb, r := dedupSetup(t, 0)

	// Callbacks reuse the originating message_id; both must pass and leave no
	// dedup entry behind.
	for i := 0; i < 2; i++ {
		if w := post(r, "/on_search", envelope("on_search", "m-1")); w.Code != http.StatusOK {
			t.Fatalf("callback %d: expected 200, got %d", i+1, w.Code)
		}
	}
	if exists, _ := rdb.Exists(context.Background(), "msg:dedup:m-1").Result(); exists != 0 {
		t.Error("callback wrote a dedup entry")
	}
}

func TestDedup_EntryExpires(t *testing.T) {
	mr, _, r := dedupSetup(t, 300*time.Second)

	if w := post(r, "/search", envelope("search", "m-1")); w.Code != http.StatusOK {
		t.Fatal("first request rejected")
	}
	if ttl := mr.TTL("msg:dedup:m-1"); ttl != 300*time.Second {
		t.Errorf("dedup TTL = %s, want 300s", ttl)
	}

	mr.FastForward(301 * time.Second)

	if w := post(r, "/search", envelope("search", "m-1")); w.Code != http.StatusOK {
		t.Fatalf("after TTL: expected 200, got %d", w.Code)
	}
}

func TestDedup_MissingMessageIDPassesThrough(t *testing.T) {
	_, _, r := dedupSetup(t, 0)

	// Envelope validation downstream owns this rejection.
	if w := post(r, "/search", []byte(`{"context":{"action":"search"}}`)); w.Code != http.StatusOK {
		t.Fatalf("expected pass-through 200, got %d", w.Code)
	}
	if w := post(r, "/search", []byte(`not json`)); w.Code != http.StatusOK {
		t.Fatalf("unparseable body: expected pass-through 200, got %d", w.Code)
	}
}

func TestDedup_FailsOpen(t *testing.T) {
	mr, _, r := dedupSetup(t, 0)
	mr.Close()

	for i := 0; i < 2; i++ {
		if w := post(r, "/search", envelope("search", "m-1")); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected fail-open 200, got %d", i+1, w.Code)
		}
	}
}
