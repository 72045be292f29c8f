package middleware

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRecoveryRendersEnvelopeOnPanic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")
}

func TestRecoveryAbortsSilentlyOnBrokenPipe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/broken", func(c *gin.Context) {
		panic(brokenPipeErr())
	})

	req := httptest.NewRequest(http.MethodGet, "/broken", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Body.String())
}

func brokenPipeErr() error {
	return &net.OpError{
		Op:  "write",
		Err: &os.SyscallError{Syscall: "write", Err: syscall.EPIPE},
	}
}

func TestIsBrokenPipeDetectsSyscallError(t *testing.T) {
	assert.True(t, isBrokenPipe(brokenPipeErr()))
	assert.False(t, isBrokenPipe(errors.New("some other error")))
	assert.False(t, isBrokenPipe(nil))
}
