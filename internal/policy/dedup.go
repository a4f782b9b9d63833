package policy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/metrics"
)

// DedupTTL is the default lifetime of a dedup entry.
const DedupTTL = 300 * time.Second

// Dedup returns the second pipeline handler: at-most-once acceptance per
// message_id. Callbacks (on_* actions) legitimately reuse the originating
// message_id and pass through unchecked. SETNX makes the exists-check and the
// claim one atomic step, so two racing duplicates cannot both win.
func Dedup(rdb *redis.Client, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = DedupTTL
	}
	return func(c *gin.Context) {
		var env struct {
			Context struct {
				Action    string `json:"action"`
				MessageID string `json:"message_id"`
			} `json:"context"`
		}
		if err := json.Unmarshal(auth.RawBody(c), &env); err != nil {
			c.Next() // structural validation rejects later
			return
		}
		if env.Context.MessageID == "" || beckn.IsCallback(env.Context.Action) {
			c.Next()
			return
		}

		claimed, err := rdb.SetNX(c.Request.Context(),
			"msg:dedup:"+env.Context.MessageID, env.Context.Action, ttl).Result()
		if err != nil {
			log.Warn("dedup: store unavailable, failing open", zap.Error(err))
			c.Next()
			return
		}
		if !claimed {
			metrics.DuplicatesRejected.Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest,
				beckn.Nack(beckn.TypePolicyError, beckn.CodeDuplicate,
					"duplicate message_id "+env.Context.MessageID))
			return
		}
		c.Next()
	}
}
