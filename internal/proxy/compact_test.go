package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

var errWriteFailed = errors.New("client write failed")

func newCtx(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

type fakeWriter struct {
	envelopeStatus int
	envelope       lberrors.Envelope
	compactStatus  int
	compactBody    []byte
	compactCT      string
	streamLines    [][]byte
	headersSet     bool
	failStreamLine bool
}

func (f *fakeWriter) WriteEnvelope(status int, envelope lberrors.Envelope) {
	f.envelopeStatus = status
	f.envelope = envelope
}

func (f *fakeWriter) WriteCompact(status int, body []byte, contentType string) {
	f.compactStatus = status
	f.compactBody = append([]byte(nil), body...)
	f.compactCT = contentType
}

func (f *fakeWriter) StreamLine(line []byte) error {
	if f.failStreamLine {
		return errWriteFailed
	}
	f.streamLines = append(f.streamLines, append([]byte(nil), line...))
	return nil
}

func (f *fakeWriter) StreamHeaders() { f.headersSet = true }

func newCompactPipeline(upstreamURL string) *Pipeline {
	return New(nil, nil, nil, nil, nil, nil, http.DefaultClient, Config{UpstreamBaseURL: upstreamURL})
}

func TestDoCompactWritesThroughOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newCompactPipeline(srv.URL)
	fw := &fakeWriter{}
	err := p.doCompact(newCtx(t), Inbound{Path: "/responses/compact"}, "acc-1", p.httpClient, http.Header{}, fw)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, fw.compactStatus)
	require.JSONEq(t, `{"ok":true}`, string(fw.compactBody))
}

func TestDoCompactClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`))
	}))
	defer srv.Close()

	p := newCompactPipeline(srv.URL)
	err := p.doCompact(newCtx(t), Inbound{Path: "/responses/compact"}, "acc-1", p.httpClient, http.Header{}, &fakeWriter{})
	require.Error(t, err)
	require.Equal(t, lberrors.CodeRateLimitExceeded, lberrors.GetCode(err))
}

func TestDoCompactClassifiesUsageLimitReached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"usage_limit_reached","message":"daily cap hit"}}`))
	}))
	defer srv.Close()

	p := newCompactPipeline(srv.URL)
	err := p.doCompact(newCtx(t), Inbound{Path: "/responses/compact"}, "acc-1", p.httpClient, http.Header{}, &fakeWriter{})
	require.Error(t, err)
	require.Equal(t, lberrors.CodeUsageLimitReached, lberrors.GetCode(err))
}

func TestDoCompactClassifiesInsufficientQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"insufficient_quota","message":"no budget"}}`))
	}))
	defer srv.Close()

	p := newCompactPipeline(srv.URL)
	err := p.doCompact(newCtx(t), Inbound{Path: "/responses/compact"}, "acc-1", p.httpClient, http.Header{}, &fakeWriter{})
	require.Error(t, err)
	require.Equal(t, lberrors.CodeInsufficientQuota, lberrors.GetCode(err))
}

func TestDoCompactClassifiesUpstream5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	p := newCompactPipeline(srv.URL)
	err := p.doCompact(newCtx(t), Inbound{Path: "/responses/compact"}, "acc-1", p.httpClient, http.Header{}, &fakeWriter{})
	require.Error(t, err)
	require.Equal(t, lberrors.CodeUpstreamUnavailable, lberrors.GetCode(err))
}

func TestDoCompactThreadsRetryAfterSecondsIntoResetHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`))
	}))
	defer srv.Close()

	before := time.Now()
	p := newCompactPipeline(srv.URL)
	err := p.doCompact(newCtx(t), Inbound{Path: "/responses/compact"}, "acc-1", p.httpClient, http.Header{}, &fakeWriter{})
	require.Error(t, err)

	resetAt := lberrors.GetResetAt(err)
	require.NotNil(t, resetAt)
	require.True(t, resetAt.After(before.Add(29*time.Second)))
	require.True(t, resetAt.Before(before.Add(31*time.Second)))
}

func TestClassifyUpstreamErrorIgnoresUnparseableRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "not-a-value")
	err := classifyUpstreamError(http.StatusTooManyRequests, []byte(`{"error":{"message":"slow down"}}`), header)
	require.Nil(t, lberrors.GetResetAt(err))
}
