package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := NotFound("message %d not found", 42)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrDuplicate))

	wrapped := fmt.Errorf("moderation: file report: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", Validation("content too long"), "content too long"},
		{"duplicate", Duplicate("already reported"), "already reported"},
		{"persistence hides cause", Persistence("db down", errors.New("dial tcp: refused")), "fallback"},
		{"unclassified", errors.New("boom"), "fallback"},
		{"wrapped", fmt.Errorf("x: %w", NotAuthorized("not yours")), "not yours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PublicMessage(tt.err, "fallback"))
		})
	}
}

func TestPersistenceUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Persistence("store unavailable", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "not_authorized", KindNotAuthorized.String())
	assert.Equal(t, "internal", Kind(99).String())
}
