package policy

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/beckn"
)

// Recovery is the global Beckn error handler: any panic escaping a handler is
// normalised to a NACK envelope. A *beckn.ProtocolError keeps its explicit
// status and error block; everything else becomes 500 CORE-ERROR 20000.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		if perr, ok := recovered.(*beckn.ProtocolError); ok {
			c.AbortWithStatusJSON(perr.Status, perr.Nack())
			return
		}
		log.Error("handler panic", zap.Any("panic", recovered), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			beckn.Nack(beckn.TypeCoreError, beckn.CodeInternal, "internal error"))
	})
}
