package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("bad %s", "input"), ErrValidation},
		{"auth", Auth("no key"), ErrAuth},
		{"not found", NotFound("job"), ErrNotFound},
		{"credits", InsufficientCredits(10, 15), ErrInsufficientCredits},
		{"configuration", Configuration("missing url"), ErrConfiguration},
		{"transient", Transient("503", nil), ErrExternalProvider},
		{"permanent", Permanent("400", nil), ErrExternalProvider},
		{"conflict", Conflict("duplicate"), ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.sentinel))
			assert.False(t, errors.Is(wrapped, errors.New("other")))
		})
	}
}

func TestInsufficientCreditsIsNotValidation(t *testing.T) {
	err := InsufficientCredits(10, 15)
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, KindInsufficientCredits, KindOf(err))
	assert.Equal(t, "balance 10 is below required 15", Message(err, ""))
}

func TestShouldRetry(t *testing.T) {
	cause := errors.New("connection reset")
	transient := Transient("provider unreachable", cause)

	assert.True(t, ShouldRetry(fmt.Errorf("poll: %w", transient)))
	assert.False(t, ShouldRetry(Permanent("rejected", nil)))
	assert.False(t, ShouldRetry(Configuration("missing key")))
	assert.False(t, ShouldRetry(cause))
	assert.True(t, errors.Is(transient, cause))
}

func TestMessageFallback(t *testing.T) {
	assert.Equal(t, "internal", Message(errors.New("db down"), "internal"))
	assert.Equal(t, "", string(KindOf(errors.New("db down"))))
}
