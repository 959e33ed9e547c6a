package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := Validationf("staging.Stage", "image too small: %d bytes", 50)

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Equal(t, "staging.Stage: validation error: image too small: 50 bytes", err.Error())
}

func TestError_WrappedChain(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := fmt.Errorf("stage image: %w", Storage("staging.verify", cause, "verification exhausted after %d attempts", 3))

	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(io.EOF))
}
