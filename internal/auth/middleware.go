package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/keyring"
)

const (
	rawBodyKey = "beckn_raw_body"
	callerKey  = "beckn_caller"
)

// CaptureBody reads and stores the exact request bytes before anything else
// touches them. The digest is computed over these bytes; binding the JSON and
// re-serializing it would invalidate every signature.
func CaptureBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, "unreadable request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(rawBodyKey, body)
		c.Next()
	}
}

// RawBody returns the request bytes captured by CaptureBody, or nil when the
// middleware did not run.
func RawBody(c *gin.Context) []byte {
	if body, ok := c.Get(rawBodyKey); ok {
		return body.([]byte)
	}
	return nil
}

// Caller returns the parsed Authorization header stored by Verify. It is only
// set after the middleware accepted the request.
func Caller(c *gin.Context) *Header {
	if h, ok := c.Get(callerKey); ok {
		return h.(*Header)
	}
	return nil
}

// Verify returns the middleware enforcing the Beckn Authorization header on
// protocol routes: parse keyId, resolve the caller's signing key, check the
// detached signature against the raw body. Unknown or inactive subscribers
// and bad signatures reject 401; a failing key resolution path rejects 500
// because the fault is ours, not the caller's.
func Verify(resolver keyring.Resolver, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		hdr := c.GetHeader("Authorization")
		if hdr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				beckn.Nack(beckn.TypeContextError, beckn.CodeAuthFailed, "missing authorization header"))
			return
		}

		parsed, err := ParseHeader(hdr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				beckn.Nack(beckn.TypeContextError, beckn.CodeAuthFailed, "malformed authorization header"))
			return
		}

		pub, err := resolver.SigningKey(c.Request.Context(), parsed.SubscriberID, parsed.UniqueKeyID)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				beckn.Nack(beckn.TypeContextError, beckn.CodeAuthFailed, "unknown subscriber key"))
			return
		}
		if err != nil {
			log.Error("auth: key resolution failed",
				zap.String("subscriber_id", parsed.SubscriberID),
				zap.String("unique_key_id", parsed.UniqueKeyID),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "signing key resolution failed"))
			return
		}

		if !VerifyParsed(parsed, RawBody(c), pub, VerifyOptions{}) {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				beckn.Nack(beckn.TypeContextError, beckn.CodeAuthFailed, "signature verification failed"))
			return
		}

		c.Set(callerKey, parsed)
		c.Next()
	}
}
