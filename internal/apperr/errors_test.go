package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationMessageIncludesField(t *testing.T) {
	err := Validation("tracked_channels", "must not be empty")
	assert.Equal(t, "validation failed: tracked_channels: must not be empty", err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(fmt.Errorf("create: %w", err), &ve))
	assert.Equal(t, "tracked_channels", ve.Field)
}

func TestInvalidStateMessageIncludesState(t *testing.T) {
	err := InvalidState("close", "planned")
	assert.Equal(t, "cannot close: current state is planned", err.Error())
}

func TestPriceUnavailableUnwraps(t *testing.T) {
	cause := errors.New("timeout")
	err := &PriceUnavailableError{Material: "GOLD", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "GOLD")
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", NotFound("event", "web-abc123"))))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.True(t, IsAlreadyFinalized(&AlreadyFinalizedError{EventID: "web-abc123"}))
}
