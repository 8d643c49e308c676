// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

// Metrics records a request counter and duration histogram per route. The
// route template keeps label cardinality bounded for parameterized paths.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		recordHTTPRequest(c.Request.Method, endpoint, status, time.Since(start))
	}
}
