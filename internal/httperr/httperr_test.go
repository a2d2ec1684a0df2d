package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{name: "validation", err: Validation("bad field", nil), want: http.StatusBadRequest},
		{name: "unauthenticated", err: Unauthenticated("token expired"), want: http.StatusUnauthorized},
		{name: "forbidden", err: Forbidden("insufficient scope"), want: http.StatusForbidden},
		{name: "not found", err: NotFound("device"), want: http.StatusNotFound},
		{name: "conflict", err: Conflict("name in use"), want: http.StatusConflict},
		{name: "rate limited", err: RateLimited("slow down", time.Minute), want: http.StatusTooManyRequests},
		{name: "external", err: External("provider failed", nil), want: http.StatusBadGateway},
		{name: "external timeout", err: ExternalTimeout("provider timeout", nil), want: http.StatusGatewayTimeout},
		{name: "transient store", err: Transient(errors.New("conn reset")), want: http.StatusInternalServerError},
		{name: "internal", err: Internal(errors.New("boom")), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Status())
		})
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := NotFound("site")
	wrapped := fmt.Errorf("lookup failed: %w", inner)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestAsErrorDefaultsToInternal(t *testing.T) {
	e := AsError(errors.New("plain"))
	assert.Equal(t, KindUnknown, e.Kind)
	assert.Equal(t, http.StatusInternalServerError, e.Status())

	original := Conflict("dup")
	assert.Same(t, original, AsError(fmt.Errorf("wrapped: %w", original)))
}

func TestRetryablePolicy(t *testing.T) {
	assert.True(t, Retryable(Transient(errors.New("deadlock"))))
	assert.True(t, Retryable(External("downstream 500", nil)))
	assert.True(t, Retryable(errors.New("unclassified")))

	assert.False(t, Retryable(Validation("bad payload", nil)))
	assert.False(t, Retryable(Forbidden("cross-tenant")))
	assert.False(t, Retryable(NotFound("webhook")))
}

func TestNotFoundHidesTenancy(t *testing.T) {
	err := NotFound("device")
	assert.Equal(t, "device not found", err.Message)
}
