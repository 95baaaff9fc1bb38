package orchestrator

import (
	"context"
	"errors"

	"github.com/streamlane/embedhub/internal/huberrors"
)

// FailureClass is the orchestrator's view of an error.
type FailureClass int

const (
	// ClassTransient failures are counted and re-attempted on a later run.
	ClassTransient FailureClass = iota
	// ClassPermanent item failures are counted and never re-attempted.
	ClassPermanent
	// ClassFatal failures end the job without consuming a retry.
	ClassFatal
)

func (c FailureClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// ClassifyItemError classifies an error raised while processing a single item.
func ClassifyItemError(err error) FailureClass {
	switch {
	case errors.Is(err, huberrors.ErrFatal):
		return ClassFatal
	case errors.Is(err, huberrors.ErrPermanent),
		errors.Is(err, huberrors.ErrNotFound),
		errors.Is(err, huberrors.ErrValidation):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// ClassifyJobError classifies an error raised outside item processing. Invalid input at
// this level is a configuration problem and therefore fatal.
func ClassifyJobError(err error) FailureClass {
	switch {
	case errors.Is(err, huberrors.ErrFatal), errors.Is(err, huberrors.ErrValidation):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// Retriable reports whether the class may consume a job-level retry.
func (c FailureClass) Retriable() bool { return c != ClassFatal }

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
