package apperr

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
	}{
		{"not found", NotFound("get skill", "skill %q", "x"), ErrNotFound, KindNotFound},
		{"validation", Validation("deploy", "unsupported tool %q", "vim"), ErrValidation, KindValidation},
		{"io", IO("export", os.ErrPermission), ErrIO, KindIO},
		{"store", Store("insert", errors.New("database is locked")), ErrStore, KindStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
		})
	}
}

func TestIOKeepsCause(t *testing.T) {
	err := IO("read", os.ErrNotExist)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrStore)
}

func TestWrapNilAndTyped(t *testing.T) {
	assert.NoError(t, IO("op", nil))
	assert.NoError(t, Store("op", nil))

	inner := NotFound("get", "missing")
	assert.Same(t, inner, Store("outer", inner))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "get skill: skill \"x\"", NotFound("get skill", "skill %q", "x").Error())
	assert.Equal(t, "write: boom", Store("write", errors.New("boom")).Error())
}
