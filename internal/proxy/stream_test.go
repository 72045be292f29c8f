package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-lb/codex-lb/internal/config"
	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

func sseServer(t *testing.T, lines []string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n", l)
			flusher.Flush()
			if delay > 0 {
				time.Sleep(delay)
			}
		}
	}))
}

func streamPipeline(upstreamURL string, mode string, preludeTimeout time.Duration, capBytes int) *Pipeline {
	return New(nil, nil, nil, nil, nil, nil, http.DefaultClient, Config{
		UpstreamBaseURL:      upstreamURL,
		StreamBufferMode:     mode,
		StreamBufferPrelude:  preludeTimeout,
		StreamBufferCapBytes: capBytes,
		StreamReadTimeout:    5 * time.Second,
	})
}

func TestDoStreamOffModeFlushesImmediately(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"response.output_text.delta","delta":"hi"}`,
		"data: [DONE]",
	}, 0)
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferOff, 0, 0)
	fw := &fakeWriter{}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.NoError(t, err)
	require.True(t, flushed)
	require.True(t, fw.headersSet)
	require.Len(t, fw.streamLines, 2)
}

func TestDoStreamPreludeBuffersUntilVisibleDelta(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"response.created"}`,
		`data: {"type":"response.in_progress"}`,
		`data: {"type":"response.output_text.delta","delta":"hi"}`,
		"data: [DONE]",
	}, 0)
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferPrelude, 750*time.Millisecond, 64*1024)
	fw := &fakeWriter{}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.NoError(t, err)
	require.True(t, flushed)
	require.True(t, fw.headersSet)
	require.Len(t, fw.streamLines, 4)
}

func TestDoStreamPreludeFlushesOnTimeout(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"response.created"}`,
		`data: {"type":"response.in_progress"}`,
	}, 30*time.Millisecond)
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferPrelude, 10*time.Millisecond, 64*1024)
	fw := &fakeWriter{}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.NoError(t, err)
	require.True(t, flushed)
}

func TestDoStreamPreludeFlushesOnCapBytes(t *testing.T) {
	padding := make([]byte, 200)
	for i := range padding {
		padding[i] = 'x'
	}
	srv := sseServer(t, []string{
		fmt.Sprintf(`data: {"type":"response.in_progress","pad":"%s"}`, padding),
		fmt.Sprintf(`data: {"type":"response.in_progress","pad":"%s"}`, padding),
	}, 0)
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferPrelude, time.Hour, 250)
	fw := &fakeWriter{}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.NoError(t, err)
	require.True(t, flushed)
}

func TestDoStreamClassifiesErrorStatusBeforeFlush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferPrelude, 750*time.Millisecond, 64*1024)
	fw := &fakeWriter{}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.Error(t, err)
	require.False(t, flushed)
	require.Equal(t, lberrors.CodeRateLimitExceeded, lberrors.GetCode(err))
}

func TestRewriteSSEModelPatchesModelField(t *testing.T) {
	line := []byte(`data: {"type":"response.completed","model":"codex-internal-v1"}`)
	rewritten := rewriteSSEModel(line, "gpt-5-codex")
	require.Contains(t, string(rewritten), `"model":"gpt-5-codex"`)
}

func TestRewriteSSEModelLeavesLinesWithoutModelUnchanged(t *testing.T) {
	line := []byte(`data: {"type":"response.in_progress"}`)
	rewritten := rewriteSSEModel(line, "gpt-5-codex")
	require.Equal(t, line, rewritten)
}

func TestDoStreamPatchesModelInDeltaEvents(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"response.output_text.delta","model":"codex-internal-v1","delta":"hi"}`,
		"data: [DONE]",
	}, 0)
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferOff, 0, 0)
	fw := &fakeWriter{}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses", Model: "gpt-5-codex"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.NoError(t, err)
	require.True(t, flushed)
	require.Contains(t, string(fw.streamLines[0]), `"model":"gpt-5-codex"`)
}

func TestDoStreamClientWriteFailureAfterFlushIsReported(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"response.output_text.delta","delta":"hi"}`,
		`data: {"type":"response.output_text.delta","delta":"there"}`,
	}, 0)
	defer srv.Close()

	p := streamPipeline(srv.URL, config.StreamBufferOff, 0, 0)
	fw := &fakeWriter{failStreamLine: true}
	flushed, err := p.doStream(newCtx(t), Inbound{Path: "/responses"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.True(t, flushed)
	require.Error(t, err)
	require.Equal(t, lberrors.CodeStreamIncomplete, lberrors.GetCode(err))
}
