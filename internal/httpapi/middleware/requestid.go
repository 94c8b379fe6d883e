// Package middleware holds the router-wide gin middleware.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// requestIDKey is the gin context key the access logger reads.
const requestIDKey = "request_id"

// RequestID tags every request with an id and echoes it in the response.
// A caller-supplied id is kept so ids stay stable across proxies.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFrom returns the id assigned by RequestID, or "" outside it.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
