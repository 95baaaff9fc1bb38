package jobs

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/streamlane/embedhub/internal/huberrors"
)

// ErrorHandler logs failed maintenance jobs. Fatal and validation errors cancel the River
// job since a retry would fail the same way; anything else keeps River's retry schedule.
type ErrorHandler struct{}

func (h *ErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	kind := huberrors.KindOf(err)
	cancel := kind == huberrors.KindFatal || kind == huberrors.KindValidation

	level := slog.LevelWarn
	if cancel || job.Attempt >= job.MaxAttempts {
		level = slog.LevelError
	}

	slog.Log(ctx, level, "maintenance job failed",
		"job_kind", job.Kind,
		"river_job_id", job.ID,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"error_kind", kind.String(),
		"cancelled", cancel,
		"error", err,
	)

	if cancel {
		return &river.ErrorHandlerResult{SetCancelled: true}
	}

	return nil
}

// HandlePanic logs the panic; River retries the job like any other failure.
func (h *ErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	slog.ErrorContext(ctx, "maintenance job panicked",
		"job_kind", job.Kind,
		"river_job_id", job.ID,
		"attempt", job.Attempt,
		"panic", panicVal,
		"stack", trace,
	)

	return nil
}
