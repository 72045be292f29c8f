package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codex-lb/codex-lb/internal/pkg/lberrors"
)

// doCompact issues the non-streaming upstream request and classifies the
// result, writing a successful body straight through.
func (p *Pipeline) doCompact(ctx context.Context, in Inbound, accountID string, client *http.Client, headers http.Header, w ResponseWriter) error {
	timeout := p.cfg.CompactTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := p.cfg.UpstreamBaseURL + in.Path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(in.Body))
	if err != nil {
		return lberrors.New(lberrors.CodeInternal, "build upstream request").WithCause(err)
	}
	req.Header = headers

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return lberrors.New(lberrors.CodeTimeout, "upstream request timed out").WithCause(err)
		}
		return lberrors.New(lberrors.CodeUpstreamUnavailable, "upstream request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return lberrors.New(lberrors.CodeStreamIncomplete, "read upstream body").WithCause(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.WriteCompact(resp.StatusCode, body, resp.Header.Get("Content-Type"))
		return nil
	}

	return classifyUpstreamError(resp.StatusCode, body, resp.Header)
}

// classifyUpstreamError inspects status + body shape to pick a taxonomy
// code, mirroring the teacher's status-code switch but additionally
// parsing the OpenAI-shaped error body for the usage/quota distinction
// spec.md §7 requires (429/403 alone cannot tell rate_limit_exceeded from
// usage_limit_reached from quota_exceeded). header's Retry-After, when
// present, is attached to the classified error so the Mark Engine can
// persist the upstream's own reset hint instead of estimating one.
func classifyUpstreamError(status int, body []byte, header http.Header) error {
	errType := gjson.GetBytes(body, "error.type").String()
	errCode := gjson.GetBytes(body, "error.code").String()
	msg := gjson.GetBytes(body, "error.message").String()
	resetAt := retryAfter(header)

	switch {
	case status == http.StatusTooManyRequests:
		if errCode == "usage_limit_reached" || errType == "usage_limit_reached" {
			return lberrors.Newf(lberrors.CodeUsageLimitReached, "upstream usage limit: %s", msg).WithResetAt(resetAt)
		}
		return lberrors.Newf(lberrors.CodeRateLimitExceeded, "upstream rate limited: %s", msg).WithResetAt(resetAt)
	case status == http.StatusForbidden:
		switch {
		case errCode == "insufficient_quota":
			return lberrors.Newf(lberrors.CodeInsufficientQuota, "upstream insufficient quota: %s", msg)
		case errCode == "usage_not_included":
			return lberrors.Newf(lberrors.CodeUsageNotIncluded, "upstream usage not included: %s", msg)
		default:
			return lberrors.Newf(lberrors.CodeQuotaExceeded, "upstream quota exceeded: %s", msg).WithResetAt(resetAt)
		}
	case status == http.StatusUnauthorized:
		return lberrors.Newf(lberrors.CodeInvalidAuth, "upstream rejected credentials: %s", msg)
	case status == http.StatusBadRequest:
		return lberrors.Newf(lberrors.CodeInvalidRequest, "upstream rejected request: %s", msg)
	case status >= 500:
		return lberrors.Newf(lberrors.CodeUpstreamUnavailable, "upstream server error %d: %s", status, msg)
	default:
		return lberrors.Newf(lberrors.CodeUpstreamUnavailable, "upstream returned %d: %s", status, msg)
	}
}

// retryAfter parses the Retry-After header as either a delta-seconds value
// or an HTTP-date, per RFC 9110 §10.2.3. Returns nil when absent or
// unparseable.
func retryAfter(header http.Header) *time.Time {
	v := header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		t := time.Now().Add(time.Duration(seconds) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}
