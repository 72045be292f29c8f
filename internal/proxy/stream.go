package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/codex-lb/codex-lb/internal/config"
	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

// visibleDeltaTypes are the SSE event "type" values spec.md §4.I treats as
// user-visible output; once one of these is seen, the prelude buffer must
// flush so the client starts receiving bytes.
var visibleDeltaTypes = map[string]bool{
	"response.output_text.delta":             true,
	"response.output_audio.delta":             true,
	"response.output_audio_transcript.delta": true,
}

// terminalEventTypes end the stream outright; a prelude that never saw a
// visible delta still must flush once one of these arrives so the client
// gets the completion/error instead of hanging forever.
var terminalEventTypes = map[string]bool{
	"response.completed":  true,
	"response.failed":     true,
	"response.incomplete": true,
	"error":               true,
}

// sseDataPayload returns the payload after the teacher's "data: " / "data:"
// line prefixes, and false for any other line shape.
func sseDataPayload(line []byte) ([]byte, bool) {
	if bytes.HasPrefix(line, []byte("data: ")) {
		return line[len("data: "):], true
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		return line[len("data:"):], true
	}
	return nil, false
}

// rewriteSSEModel patches the "model" field of an SSE data payload to the
// client's originally requested alias, mirroring the teacher's
// replaceModelInSSELine except via sjson.SetBytes rather than a full
// unmarshal/marshal round trip (grounded on gateway_service.go's
// sjson.SetBytes body-patching pattern). Lines without a "model" field, or
// non-JSON payloads, pass through unchanged.
func rewriteSSEModel(line []byte, model string) []byte {
	if model == "" {
		return line
	}
	payload, ok := sseDataPayload(line)
	if !ok {
		return line
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return line
	}
	if !gjson.GetBytes(payload, "model").Exists() {
		return line
	}
	patched, err := sjson.SetBytes(payload, "model", model)
	if err != nil {
		return line
	}
	return append([]byte("data: "), patched...)
}

func sseLineTriggersFlush(line []byte) bool {
	payload, ok := sseDataPayload(line)
	if !ok {
		return false
	}
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return true
	}
	eventType := gjson.GetBytes(payload, "type").String()
	if visibleDeltaTypes[eventType] || terminalEventTypes[eventType] {
		return true
	}
	return false
}

// doStream issues the streaming upstream request and relays it to the
// client, buffering lines in "prelude" mode until the first user-visible
// event, a terminal event, the prelude timeout, or the byte cap — whichever
// comes first — so that a failure before the flush can still fail over to
// another account invisibly. Grounded on the teacher's handleStreamingResponse
// (bufio.Scanner over the SSE body, http.Flusher-backed writer); the prelude
// buffer itself has no teacher analogue since the teacher streams
// immediately with no failover window.
func (p *Pipeline) doStream(ctx context.Context, in Inbound, accountID string, client *http.Client, headers http.Header, w ResponseWriter) (flushed bool, err error) {
	url := p.cfg.UpstreamBaseURL + in.Path
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(in.Body))
	if err != nil {
		return false, lberrors.New(lberrors.CodeInternal, "build upstream request").WithCause(err)
	}
	req.Header = headers
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return false, lberrors.New(lberrors.CodeTimeout, "upstream request timed out").WithCause(err)
		}
		return false, lberrors.New(lberrors.CodeUpstreamUnavailable, "upstream request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return false, classifyUpstreamError(resp.StatusCode, body, resp.Header)
	}

	readTimeout := p.cfg.StreamReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	watchdog := time.AfterFunc(readTimeout, cancel)
	defer watchdog.Stop()

	preludeTimeout := p.cfg.StreamBufferPrelude
	if preludeTimeout <= 0 {
		preludeTimeout = 750 * time.Millisecond
	}
	capBytes := p.cfg.StreamBufferCapBytes
	if capBytes <= 0 {
		capBytes = 64 * 1024
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	flushed = p.cfg.StreamBufferMode == config.StreamBufferOff
	if flushed {
		w.StreamHeaders()
	}

	var prelude [][]byte
	preludeBytes := 0
	preludeDeadline := time.Now().Add(preludeTimeout)

	for scanner.Scan() {
		watchdog.Reset(readTimeout)
		line := rewriteSSEModel(scanner.Bytes(), in.Model)
		line = append(append([]byte(nil), line...), '\n')

		if flushed {
			if werr := w.StreamLine(line); werr != nil {
				return true, lberrors.New(lberrors.CodeStreamIncomplete, "client write failed").WithCause(werr)
			}
			continue
		}

		prelude = append(prelude, line)
		preludeBytes += len(line)

		if sseLineTriggersFlush(line) || time.Now().After(preludeDeadline) || preludeBytes >= capBytes {
			w.StreamHeaders()
			for _, buffered := range prelude {
				if werr := w.StreamLine(buffered); werr != nil {
					return true, lberrors.New(lberrors.CodeStreamIncomplete, "client write failed").WithCause(werr)
				}
			}
			flushed = true
		}
	}

	if serr := scanner.Err(); serr != nil {
		if !flushed {
			return false, lberrors.New(lberrors.CodeUpstreamUnavailable, "stream read failed before flush").WithCause(serr)
		}
		_ = w.StreamLine([]byte("event: error\ndata: {\"error\":{\"type\":\"stream_incomplete\"}}\n\n"))
		return true, lberrors.New(lberrors.CodeStreamIncomplete, "stream interrupted after flush").WithCause(serr)
	}

	if !flushed {
		w.StreamHeaders()
		for _, buffered := range prelude {
			if werr := w.StreamLine(buffered); werr != nil {
				return true, lberrors.New(lberrors.CodeStreamIncomplete, "client write failed").WithCause(werr)
			}
		}
		flushed = true
	}

	return flushed, nil
}
