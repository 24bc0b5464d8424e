// Package middleware contains Gin middleware for the HTTP admin surface.
package middleware

import (
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID adds a correlation ID to the request context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
