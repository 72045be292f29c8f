package server

import (
	"github.com/gin-gonic/gin"

	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

// ginResponseWriter adapts a *gin.Context to proxy.ResponseWriter, so the
// pipeline never imports gin directly.
type ginResponseWriter struct {
	c              *gin.Context
	headersWritten bool
}

func newGinResponseWriter(c *gin.Context) *ginResponseWriter {
	return &ginResponseWriter{c: c}
}

func (w *ginResponseWriter) WriteEnvelope(status int, envelope lberrors.Envelope) {
	w.c.JSON(status, envelope)
}

func (w *ginResponseWriter) WriteCompact(status int, body []byte, contentType string) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.c.Data(status, contentType, body)
}

func (w *ginResponseWriter) StreamHeaders() {
	if w.headersWritten {
		return
	}
	w.headersWritten = true
	w.c.Writer.Header().Set("Content-Type", "text/event-stream")
	w.c.Writer.Header().Set("Cache-Control", "no-cache")
	w.c.Writer.Header().Set("Connection", "keep-alive")
	w.c.Writer.WriteHeader(200)
}

func (w *ginResponseWriter) StreamLine(line []byte) error {
	if _, err := w.c.Writer.Write(line); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}
