package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_TypedAndWrapped(t *testing.T) {
	base := New(KindNotFound, "no such execution")
	assert.Equal(t, KindNotFound, KindOf(base))

	// Kind survives fmt.Errorf %w wrapping
	wrapped := fmt.Errorf("submit: %w", base)
	assert.Equal(t, KindNotFound, KindOf(wrapped))

	// Untyped errors classify as INTERNAL
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	// Nil has no kind
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, nil, "ignored"))
	assert.Nil(t, Wrapf(KindTransient, nil, "ignored %d", 1))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransient, cause, "asset service call failed")

	require.NotNil(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "TRANSIENT")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "i/o timeout")))
	assert.False(t, Retryable(New(KindPolicy, "not production safe")))
	assert.False(t, Retryable(New(KindTimeout, "step budget elapsed")))
	assert.False(t, Retryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindPolicy, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindDuplicate, http.StatusConflict},
		{KindConflict, http.StatusConflict},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindCircuitOpen, http.StatusServiceUnavailable},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTransient, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestToEnvelope_HidesUntypedText(t *testing.T) {
	env := ToEnvelope(errors.New("pq: password authentication failed"))
	assert.Equal(t, KindInternal, env.Error.Kind)
	assert.Equal(t, "internal error", env.Error.Message)
}

func TestToEnvelope_CarriesDetails(t *testing.T) {
	err := New(KindRateLimited, "queue saturated").WithDetail("retry_after_seconds", 30)
	env := ToEnvelope(err)

	assert.Equal(t, KindRateLimited, env.Error.Kind)
	assert.Equal(t, 30, env.Error.Details["retry_after_seconds"])
}
