package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is both the inbound header honored from a trusted proxy
// and the header echoed back to the client.
const RequestIDHeader = "X-Request-Id"

// ContextKeyRequestID is the gin context key the handlers read the
// request id back from.
const ContextKeyRequestID = "request_id"

// RequestID assigns a uuid to every request unless the caller already
// supplied one, and stamps it on both the gin context and the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}
