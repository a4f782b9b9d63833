package policy

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/beckn"
)

func TestRecovery_NormalisesPanics(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.POST("/boom", func(c *gin.Context) { panic("nil map write") })

	w := post(r, "/boom", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var resp beckn.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("reply is not a NACK envelope: %s", w.Body.String())
	}
	if resp.IsAck() || resp.Error.Type != beckn.TypeCoreError || resp.Error.Code != beckn.CodeInternal {
		t.Errorf("unexpected NACK payload: %+v", resp)
	}
}

func TestRecovery_KeepsExplicitCode(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.POST("/boom", func(c *gin.Context) {
		panic(beckn.NewProtocolError(http.StatusBadGateway, beckn.TypeCoreError, "20001", "upstream refused"))
	})

	w := post(r, "/boom", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var resp beckn.Response
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Error == nil || resp.Error.Code != "20001" || resp.Error.Message != "upstream refused" {
		t.Errorf("explicit code lost: %+v", resp.Error)
	}
}
