// Package policy implements the shared compliance pipeline that fronts every
// protocol route: per-subscriber sliding-window rate limiting, duplicate
// message_id suppression and network policy enforcement, in that mandatory
// order. All three handlers fail open on shared-storage faults; losing a
// policy check must not lose the network.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/metrics"
)

// RateLimitConfig bounds the accepted request rate per caller.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

// callerID attributes the request to a subscriber: context.bap_id from the
// body first, then the keyId prefix of the Authorization header, then the
// remote address as a last resort.
func callerID(c *gin.Context) string {
	var env struct {
		Context struct {
			BapID string `json:"bap_id"`
		} `json:"context"`
	}
	if body := auth.RawBody(c); len(body) > 0 {
		if err := json.Unmarshal(body, &env); err == nil && env.Context.BapID != "" {
			return "ratelimit:" + env.Context.BapID
		}
	}
	if hdr := c.GetHeader("Authorization"); hdr != "" {
		if parsed, err := auth.ParseHeader(hdr); err == nil {
			return "ratelimit:" + parsed.SubscriberID
		}
	}
	return "ratelimit:ip:" + c.ClientIP()
}

// RateLimit returns the first pipeline handler. Counting is a plain INCR with
// a window-scoped expiry; atomicity of the counter, not locking, provides the
// at-most max+1 acceptance bound.
func RateLimit(rdb *redis.Client, cfg RateLimitConfig, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := callerID(c)
		ctx := c.Request.Context()

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			log.Warn("ratelimit: counter unavailable, failing open", zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			if err := rdb.Expire(ctx, key, cfg.Window).Err(); err != nil {
				log.Warn("ratelimit: expire failed", zap.String("key", key), zap.Error(err))
			}
		}

		remaining := int64(cfg.Max) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetSeconds(ctx, rdb, key, cfg.Window), 10))

		if count > int64(cfg.Max) {
			metrics.RateLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				beckn.Nack(beckn.TypePolicyError, beckn.CodeRateLimited,
					fmt.Sprintf("rate limit of %d per %s exceeded", cfg.Max, cfg.Window)))
			return
		}
		c.Next()
	}
}

func resetSeconds(ctx context.Context, rdb *redis.Client, key string, window time.Duration) int64 {
	ttl, err := rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return int64(window / time.Second)
	}
	return int64(ttl / time.Second)
}
