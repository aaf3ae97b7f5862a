package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recollect-ai/recollect-backend/internal/observability"
)

// Metrics records per-request counters and latency. Routes are labeled by
// their registered pattern, not the raw path, to keep cardinality bounded.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
