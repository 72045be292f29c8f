// Package middleware holds the gin.HandlerFunc chain internal/server
// mounts ahead of the routes: panic recovery, request IDs, CORS, security
// headers, and request body size limiting.
package middleware

import (
	"errors"
	"net"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

// Recovery converts a panic into the standard OpenAI-shaped error
// envelope instead of crashing the process, while leaving gin's
// broken-pipe handling alone: a client that already hung up gets no
// write attempt.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(gin.DefaultErrorWriter, func(c *gin.Context, recovered any) {
		recoveredErr, _ := recovered.(error)

		if isBrokenPipe(recoveredErr) {
			if recoveredErr != nil {
				_ = c.Error(recoveredErr)
			}
			c.Abort()
			return
		}

		if c.Writer.Written() {
			c.Abort()
			return
		}

		envelope, status := lberrors.ToEnvelope(lberrors.New(lberrors.CodeInternal, "internal error"))
		c.JSON(status, envelope)
		c.Abort()
	})
}

func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}

	var syscallErr *os.SyscallError
	if !errors.As(opErr.Err, &syscallErr) {
		return false
	}

	msg := strings.ToLower(syscallErr.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
