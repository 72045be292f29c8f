package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

func newTestGinContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/responses", nil)
	return c, w
}

func TestGinResponseWriterWriteEnvelope(t *testing.T) {
	c, w := newTestGinContext()
	rw := newGinResponseWriter(c)

	envelope, status := lberrors.ToEnvelope(lberrors.New(lberrors.CodeInternal, "boom"))
	rw.WriteEnvelope(status, envelope)

	assert.Equal(t, status, w.Code)
	assert.Contains(t, w.Body.String(), "boom")
}

func TestGinResponseWriterWriteCompact(t *testing.T) {
	c, w := newTestGinContext()
	rw := newGinResponseWriter(c)

	rw.WriteCompact(200, []byte(`{"ok":true}`), "")

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestGinResponseWriterStreamHeadersOnlySetOnce(t *testing.T) {
	c, w := newTestGinContext()
	rw := newGinResponseWriter(c)

	rw.StreamHeaders()
	rw.StreamHeaders()

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 200, w.Code)
}

func TestGinResponseWriterStreamLineWrites(t *testing.T) {
	c, w := newTestGinContext()
	rw := newGinResponseWriter(c)

	rw.StreamHeaders()
	err := rw.StreamLine([]byte("data: hello\n\n"))

	assert.NoError(t, err)
	assert.Contains(t, w.Body.String(), "data: hello")
}
