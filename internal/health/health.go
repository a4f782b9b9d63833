// Package health serves the per-service readiness probe. Each dependency
// registers a named check; the probes share one five second budget.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const probeBudget = 5 * time.Second

// Check is one named dependency probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Handler returns the /health handler: 200 with per-dependency status when
// every probe answers, 503 when any fails.
func Handler(log *zap.Logger, checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeBudget)
		defer cancel()

		ok := true
		deps := make(gin.H, len(checks))
		for _, chk := range checks {
			if err := chk.Probe(ctx); err != nil {
				ok = false
				deps[chk.Name] = err.Error()
				log.Warn("health: dependency check failed",
					zap.String("dependency", chk.Name), zap.Error(err))
				continue
			}
			deps[chk.Name] = "ok"
		}

		status := http.StatusOK
		word := "up"
		if !ok {
			status = http.StatusServiceUnavailable
			word = "degraded"
		}
		c.JSON(status, gin.H{"status": word, "dependencies": deps})
	}
}
