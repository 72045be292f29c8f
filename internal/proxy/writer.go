package proxy

import "github.com/codex-lb/codex-lb/internal/pkg/lberrors"

// ResponseWriter is the thin interface the HTTP layer (internal/server)
// implements so the pipeline never depends on gin directly.
type ResponseWriter interface {
	// WriteEnvelope renders a terminal classified error as the OpenAI-shaped
	// error envelope.
	WriteEnvelope(status int, envelope lberrors.Envelope)

	// WriteCompact renders a successful non-streaming upstream body.
	WriteCompact(status int, body []byte, contentType string)

	// StreamLine forwards one already-flushed SSE line (including its
	// trailing newline) to the client and flushes immediately.
	StreamLine(line []byte) error

	// StreamHeaders sets the response headers for SSE mode, called once
	// before the first StreamLine.
	StreamHeaders()
}
