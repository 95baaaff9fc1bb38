package huberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load job: %w", NewNotFoundError("embedding job", "no such job"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWrappedCauseReachable(t *testing.T) {
	cause := errors.New("payload empty")
	err := NewPermanentError("embed video", &Error{Kind: KindValidation, Subject: "payload", Err: cause})

	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: NewNotFoundError("embedding job", ""), want: "embedding job: not found"},
		{err: NewConflictError("job already terminal"), want: "job already terminal"},
		{err: NewFatalError("invalid config", errors.New("bad json")), want: "invalid config: bad json"},
		{err: NewPermanentError("", errors.New("410 gone")), want: "410 gone"},
		{err: ErrLimitExceeded, want: "limit exceeded"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(errors.New("boom")))
	assert.Equal(t, "unknown", Kind(0).String())
}
