package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/stretchr/testify/assert"
)

func TestIsPoison(t *testing.T) {
	assert.True(t, isPoison(httperr.Validation("bad payload", nil)))
	assert.True(t, isPoison(httperr.Forbidden("cross-tenant device")))

	assert.False(t, isPoison(httperr.External("endpoint 503", nil)))
	assert.False(t, isPoison(httperr.Transient(errors.New("deadlock"))))
	assert.False(t, isPoison(errors.New("unclassified")))
}

func TestJitterStaysWithinSpread(t *testing.T) {
	base := 10 * time.Second
	for range 100 {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}

func TestRetryAfterErrorUnwraps(t *testing.T) {
	inner := httperr.External("endpoint returned 429", nil)
	err := &RetryAfterError{After: time.Minute, Err: inner}

	assert.Equal(t, inner.Error(), err.Error())
	assert.Equal(t, httperr.KindExternal, httperr.KindOf(err))

	var ra *RetryAfterError
	assert.True(t, errors.As(err, &ra))
	assert.Equal(t, time.Minute, ra.After)
}
