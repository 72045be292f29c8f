package lberrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndHTTPStatus(t *testing.T) {
	err := New(CodeUsageLimitReached, "too much usage")
	assert.Equal(t, 429, err.HTTPStatus())
	assert.True(t, err.Retryable)
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeInternal, "wrapped").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesOnCodeOnly(t *testing.T) {
	a := New(CodeTimeout, "first message")
	b := New(CodeTimeout, "different message")
	assert.True(t, errors.Is(a, b))

	c := New(CodeInternal, "first message")
	assert.False(t, errors.Is(a, c))
}

func TestGetCodeFallsBackToInternal(t *testing.T) {
	assert.Equal(t, CodeNoAccounts, GetCode(New(CodeNoAccounts, "x")))
	assert.Equal(t, CodeInternal, GetCode(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeRateLimitExceeded, "x")))
	assert.False(t, IsRetryable(New(CodeInvalidRequest, "x")))
}

func TestToEnvelopeHidesUnclassifiedCause(t *testing.T) {
	env, status := ToEnvelope(errors.New("raw db error"))
	require.Equal(t, 500, status)
	assert.Equal(t, string(CodeInternal), env.Error.Type)
}

func TestToEnvelopeClassified(t *testing.T) {
	env, status := ToEnvelope(New(CodeQuotaExceeded, "quota exceeded").WithParam("account_id"))
	assert.Equal(t, 403, status)
	assert.Equal(t, "account_id", env.Error.Param)
}
