package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelOfSameKind(t *testing.T) {
	err := New(KindIntegrityViolation, "insert ioc", fmt.Errorf("finding 42 does not exist"))
	wrapped := fmt.Errorf("extract: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrIntegrityViolation))
	assert.False(t, stderrors.Is(wrapped, ErrStorageFailure))
	assert.Equal(t, KindIntegrityViolation, KindOf(wrapped))
}

func TestErrorMessage(t *testing.T) {
	err := New(KindProbeDegraded, "scan", fmt.Errorf("permission denied")).WithLayer("network")
	assert.Equal(t, "scan: ProbeDegraded (layer network): permission denied", err.Error())
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"integrity", New(KindIntegrityViolation, "op", nil), true},
		{"config", New(KindConfigInvalid, "op", nil), true},
		{"storage failure", New(KindStorageFailure, "op", nil), false},
		{"contention", New(KindStorageContention, "op", nil), false},
		{"plain", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := New(KindStorageContention, "insert findings", cause)
	assert.ErrorIs(t, err, cause)
}
