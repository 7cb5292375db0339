package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeNotSatisfiableError_Is(t *testing.T) {
	var err error = &RangeNotSatisfiableError{Size: 42}
	wrapped := fmt.Errorf("open: %w", err)

	assert.ErrorIs(t, wrapped, ErrRangeNotSatisfiable)

	var rerr *RangeNotSatisfiableError
	if assert.ErrorAs(t, wrapped, &rerr) {
		assert.Equal(t, int64(42), rerr.Size)
	}
	assert.Contains(t, err.Error(), "42")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("%w: timeout", ErrTransient)))
	assert.False(t, IsRetryable(fmt.Errorf("%w: %w", ErrPermanent, ErrorNotFound)))
	assert.False(t, IsRetryable(errors.New("plain")))
}
