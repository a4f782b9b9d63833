package registry

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/beckn"
	"github.com/becknworks/beckn-mesh/internal/crypto"
)

// The handlers below implement the peer role of the onboarding flow and are
// mounted by every service, not just the registry: a registry challenges a
// subscriber at POST /ondc/on_subscribe and the network operator checks
// domain ownership at GET /ondc-site-verification.html.

type peerChallenge struct {
	SubscriberID string `json:"subscriber_id"`
	Challenge    string `json:"challenge"`
}

// OnSubscribeHandler answers an inbound encrypted challenge by decrypting
// it with the local X25519 private key and returning the plaintext.
func OnSubscribeHandler(encryptionKeyB64 string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req peerChallenge
		if err := c.ShouldBindJSON(&req); err != nil || req.Challenge == "" {
			c.JSON(http.StatusBadRequest,
				beckn.Nack(beckn.TypeContextError, beckn.CodeInvalidRequest, "challenge is required"))
			return
		}
		if encryptionKeyB64 == "" {
			c.JSON(http.StatusInternalServerError,
				beckn.Nack(beckn.TypeCoreError, beckn.CodeMissingKey, "encryption key not configured"))
			return
		}

		answer, err := crypto.Decrypt(req.Challenge, encryptionKeyB64)
		if err != nil {
			log.Warn("onboarding: challenge decrypt failed",
				zap.String("subscriber_id", req.SubscriberID), zap.Error(err))
			c.JSON(http.StatusInternalServerError,
				beckn.Nack(beckn.TypeCoreError, beckn.CodeOnSubscribeFailed, "challenge decryption failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"answer": answer})
	}
}

const sitePage = `<html>
  <head>
    <meta name="ondc-site-verification" content="%s" />
  </head>
  <body>ONDC Site Verification Page</body>
</html>
`

// SiteVerificationHandler serves the domain-verification page. The content
// attribute is the Ed25519 signature over the raw request_id bytes; no hash
// is applied first. An empty request_id means onboarding is not configured
// and the page 404s.
func SiteVerificationHandler(requestID, signingKeyB64 string, log *zap.Logger) gin.HandlerFunc {
	if requestID == "" {
		return func(c *gin.Context) { c.Status(http.StatusNotFound) }
	}
	priv, err := crypto.SigningPrivateFromB64(signingKeyB64)
	if err != nil {
		log.Error("onboarding: bad signing key for site verification", zap.Error(err))
		return func(c *gin.Context) { c.Status(http.StatusInternalServerError) }
	}

	content := base64.StdEncoding.EncodeToString(crypto.Sign([]byte(requestID), priv))
	page := []byte(fmt.Sprintf(sitePage, content))
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", page)
	}
}
