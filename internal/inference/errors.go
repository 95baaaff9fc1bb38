package inference

import (
	"fmt"
	"net/http"

	"github.com/streamlane/embedhub/internal/huberrors"
)

// Error codes the inference service uses in its error body.
const (
	CodeModelNotFound  = "model_not_found"
	CodeTargetNotFound = "target_not_found"
)

// StatusError maps an HTTP status from any inference provider onto the failure taxonomy:
// 401, 403 and an unknown model are fatal for the job, other 4xx are permanent for the item,
// and 408, 429 and 5xx stay plain errors so they are retried.
func StatusError(provider string, status int, code, message string) error {
	detail := fmt.Sprintf("%s: status %d", provider, status)
	if code != "" {
		detail += " " + code
	}

	if message != "" {
		detail += ": " + message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return huberrors.NewFatalError("inference rejected credentials", fmt.Errorf("%s", detail))
	case status == http.StatusNotFound && code == CodeModelNotFound:
		return huberrors.NewFatalError("inference model unavailable", fmt.Errorf("%s", detail))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%s", detail)
	case status >= 400 && status < 500:
		return huberrors.NewPermanentError("inference rejected item", fmt.Errorf("%s", detail))
	}

	return fmt.Errorf("%s", detail)
}

// StatusLabel is the metric status for a classified error.
func StatusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isFatal(err):
		return "fatal"
	case isPermanent(err):
		return "permanent"
	}

	return "transient"
}
