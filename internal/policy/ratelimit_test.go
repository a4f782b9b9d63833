package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func rateLimitSetup(t *testing.T, cfg RateLimitConfig) (*miniredis.Miniredis, *redis.Client, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := gin.New()
	r.POST("/search", auth.CaptureBody(), RateLimit(rdb, cfg, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, beckn.Ack())
	})
	return mr, rdb, r
}

func searchBody(bapID, messageID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"context": map[string]any{
			"action":     "search",
			"bap_id":     bapID,
			"message_id": messageID,
		},
		"message": map[string]any{},
	})
	return body
}

func post(r *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_ThresholdAndHeaders(t *testing.T) {
	_, _, r := rateLimitSetup(t, RateLimitConfig{Max: 2, Window: 60 * time.Second})

	wantStatus := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	wantRemaining := []string{"1", "0", "0"}

	for i := range wantStatus {
		w := post(r, "/search", searchBody("bap.example.com", "m-1"))
		if w.Code != wantStatus[i] {
			t.Fatalf("request %d: expected %d, got %d: %s", i+1, wantStatus[i], w.Code, w.Body.String())
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("request %d: X-RateLimit-Limit = %q, want 2", i+1, got)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != wantRemaining[i] {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %q", i+1, got, wantRemaining[i])
		}
		if w.Header().Get("X-RateLimit-Reset") == "" {
			t.Errorf("request %d: X-RateLimit-Reset not set", i+1)
		}
	}

	var resp beckn.Response
	w := post(r, "/search", searchBody("bap.example.com", "m-1"))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IsAck() || resp.Error.Type != beckn.TypePolicyError || resp.Error.Code != beckn.CodeRateLimited {
		t.Errorf("unexpected NACK payload: %+v", resp)
	}
}

func TestRateLimit_PerCallerCounters(t *testing.T) {
	_, rdb, r := rateLimitSetup(t, RateLimitConfig{Max: 1, Window: 60 * time.Second})

	if w := post(r, "/search", searchBody("bap.one.example", "m-1")); w.Code != http.StatusOK {
		t.Fatalf("first caller: %d", w.Code)
	}
	if w := post(r, "/search", searchBody("bap.two.example", "m-2")); w.Code != http.StatusOK {
		t.Fatalf("second caller must have its own window: %d", w.Code)
	}
	if w := post(r, "/search", searchBody("bap.one.example", "m-3")); w.Code != http.StatusTooManyRequests {
		t.Fatalf("first caller should be limited: %d", w.Code)
	}

	if n, _ := rdb.Get(context.Background(), "ratelimit:bap.one.example").Int(); n != 2 {
		t.Errorf("counter for bap.one.example = %d, want 2", n)
	}
}

func TestRateLimit_WindowExpiry(t *testing.T) {
	mr, _, r := rateLimitSetup(t, RateLimitConfig{Max: 1, Window: 60 * time.Second})

	if w := post(r, "/search", searchBody("bap.example.com", "m-1")); w.Code != http.StatusOK {
		t.Fatal("first request rejected")
	}
	if w := post(r, "/search", searchBody("bap.example.com", "m-2")); w.Code != http.StatusTooManyRequests {
		t.Fatal("second request not limited")
	}

	mr.FastForward(61 * time.Second)

	if w := post(r, "/search", searchBody("bap.example.com", "m-3")); w.Code != http.StatusOK {
		t.Fatalf("window should have reset: %d", w.Code)
	}
}

func TestRateLimit_IPFallback(t *testing.T) {
	_, rdb, r := rateLimitSetup(t, RateLimitConfig{Max: 5, Window: 60 * time.Second})

	// No bap_id and no Authorization header: attribution falls to the IP.
	if w := post(r, "/search", []byte(`{"message":{}}`)); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	keys := rdb.Keys(context.Background(), "ratelimit:ip:*").Val()
	if len(keys) != 1 {
		t.Fatalf("expected one ip-scoped counter, got %v", keys)
	}
}

func TestRateLimit_KeyIDFallback(t *testing.T) {
	_, rdb, r := rateLimitSetup(t, RateLimitConfig{Max: 5, Window: 60 * time.Second})

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader([]byte(`{"message":{}}`)))
	req.Header.Set("Authorization",
		`Signature keyId="bpp.example.com|k1|ed25519",algorithm="ed25519",created="1",expires="2",headers="(created) (expires) digest",signature="c2ln"`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if n, _ := rdb.Get(context.Background(), "ratelimit:bpp.example.com").Int(); n != 1 {
		t.Errorf("keyId-attributed counter = %d, want 1", n)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mr, _, r := rateLimitSetup(t, RateLimitConfig{Max: 1, Window: 60 * time.Second})
	mr.Close() // storage fault: every request must still pass

	for i := 0; i < 3; i++ {
		if w := post(r, "/search", searchBody("bap.example.com", "m-1")); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected fail-open 200, got %d", i+1, w.Code)
		}
	}
}
