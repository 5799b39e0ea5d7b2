package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(EngineUnavailable, "probe-a", cause)

	assert.True(t, Is(err, EngineUnavailable))
	assert.False(t, Is(err, Timeout))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "probe-a")
}

func TestIs_NonEngineError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), ValidationError))
}
