// Package lberrors is the classified error taxonomy shared by the
// selection/mark/proxy layers, independent of HTTP wire shape (that
// mapping lives in envelope.go).
package lberrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is the closed set of internal error classifications from the
// spec's error taxonomy (authentication, rate, quota, client, upstream
// transport, internal).
type Code string

const (
	CodeInvalidAuth         Code = "invalid_auth"
	CodeAuthRefreshFailed   Code = "auth_refresh_failed"
	CodeRefreshTokenReused  Code = "refresh_token_reused"
	CodeRateLimitExceeded   Code = "rate_limit_exceeded"
	CodeUsageLimitReached   Code = "usage_limit_reached"
	CodeQuotaExceeded       Code = "quota_exceeded"
	CodeInsufficientQuota   Code = "insufficient_quota"
	CodeUsageNotIncluded    Code = "usage_not_included"
	CodeInvalidRequest      Code = "invalid_request"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeTimeout             Code = "timeout"
	CodeStreamIncomplete    Code = "stream_incomplete"
	CodeInternal            Code = "internal"
	CodeNoAccounts          Code = "no_accounts"
)

// httpStatusByCode is the default HTTP status mapping from spec.md §6.
var httpStatusByCode = map[Code]int{
	CodeInvalidAuth:         http.StatusUnauthorized,
	CodeAuthRefreshFailed:   http.StatusUnauthorized,
	CodeRefreshTokenReused:  http.StatusUnauthorized,
	CodeRateLimitExceeded:   http.StatusTooManyRequests,
	CodeUsageLimitReached:   http.StatusTooManyRequests,
	CodeQuotaExceeded:       http.StatusForbidden,
	CodeInsufficientQuota:   http.StatusForbidden,
	CodeUsageNotIncluded:    http.StatusForbidden,
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeStreamIncomplete:    http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
	CodeNoAccounts:          http.StatusServiceUnavailable,
}

// retryableByCode marks which classifications the proxy pipeline may retry
// against another account, per spec.md §7 propagation policy.
var retryableByCode = map[Code]bool{
	CodeAuthRefreshFailed:   true,
	CodeRateLimitExceeded:   true,
	CodeUsageLimitReached:   true,
	CodeQuotaExceeded:       true,
	CodeUpstreamUnavailable: true,
	CodeTimeout:             true,
}

// LBError is the standard error type carrying a classification, a
// client-facing message, and whether the proxy pipeline may retry it
// against a different account.
type LBError struct {
	Code      Code
	Message   string
	Param     string
	Retryable bool
	ResetAt   *time.Time // upstream-declared reset hint, e.g. parsed from Retry-After
	cause     error
}

func (e *LBError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *LBError) Unwrap() error { return e.cause }

// Is matches on Code alone, so errors.Is(err, New(CodeTimeout, "")) works
// regardless of message/cause.
func (e *LBError) Is(target error) bool {
	t := new(LBError)
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// HTTPStatus returns the status code this error maps to on the wire.
func (e *LBError) HTTPStatus() int {
	if s, ok := httpStatusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a classified error with the taxonomy's default
// retryability for Code.
func New(code Code, message string) *LBError {
	return &LBError{Code: code, Message: message, Retryable: retryableByCode[code]}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, a ...any) *LBError {
	return New(code, fmt.Sprintf(format, a...))
}

// WithCause attaches the underlying error without altering Code/Message.
func (e *LBError) WithCause(cause error) *LBError {
	clone := *e
	clone.cause = cause
	return &clone
}

// WithParam sets the OpenAI-envelope "param" field.
func (e *LBError) WithParam(param string) *LBError {
	clone := *e
	clone.Param = param
	return &clone
}

// WithResetAt attaches the upstream-declared reset hint (e.g. parsed from
// a Retry-After header) so the Mark Engine can persist a real reset_at
// instead of falling back to its own backoff estimate.
func (e *LBError) WithResetAt(resetAt *time.Time) *LBError {
	clone := *e
	clone.ResetAt = resetAt
	return &clone
}

// GetResetAt returns the upstream reset hint carried by err, or nil if err
// is not (or does not wrap) an *LBError, or carries none.
func GetResetAt(err error) *time.Time {
	var le *LBError
	if errors.As(err, &le) {
		return le.ResetAt
	}
	return nil
}

// GetCode returns the classification for err, or CodeInternal if err is not
// (or does not wrap) an *LBError.
func GetCode(err error) Code {
	var le *LBError
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the proxy pipeline may retry this error
// against a different account.
func IsRetryable(err error) bool {
	var le *LBError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}
