package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/observability"
)

const problemContentType = "application/problem+json"

// ErrorDetail is one field-level entry of a Problem Details response.
type ErrorDetail struct {
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// ProblemDetails is an RFC 7807 error body. RequestID is an extension member that echoes
// X-Request-ID so clients can quote it when reporting a failure.
type ProblemDetails struct {
	Type      string        `json:"type,omitempty"`
	Title     string        `json:"title"`
	Status    int           `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Instance  string        `json:"instance,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Errors    []ErrorDetail `json:"errors,omitempty"`
}

// NewProblem returns a problem whose title is the standard status text.
func NewProblem(status int, detail string) ProblemDetails {
	return ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// ForRequest fills Instance and RequestID from r.
func (p ProblemDetails) ForRequest(r *http.Request) ProblemDetails {
	p.Instance = r.URL.Path
	p.RequestID = observability.RequestIDFromContext(r.Context())

	return p
}

// WriteProblem writes p with its status code.
func WriteProblem(w http.ResponseWriter, p ProblemDetails) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(p.Status)

	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("Failed to encode problem response", "status", p.Status, "error", err)
	}
}

// RespondError writes a problem with an explicit title.
func RespondError(w http.ResponseWriter, statusCode int, title string, detail string) {
	p := NewProblem(statusCode, detail)
	p.Title = title
	WriteProblem(w, p)
}

func RespondBadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, NewProblem(http.StatusBadRequest, detail))
}

func RespondUnauthorized(w http.ResponseWriter, detail string) {
	WriteProblem(w, NewProblem(http.StatusUnauthorized, detail))
}

func RespondInternalServerError(w http.ResponseWriter, detail string) {
	WriteProblem(w, NewProblem(http.StatusInternalServerError, detail))
}

// RespondServiceError maps an orchestrator error onto a problem response. resource names the
// entity in the 404 detail ("Embedding job"). Unclassified errors are logged and reported as 500
// without leaking the cause.
func RespondServiceError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	var p ProblemDetails

	switch huberrors.KindOf(err) {
	case huberrors.KindNotFound:
		p = NewProblem(http.StatusNotFound, resource+" not found")
	case huberrors.KindValidation:
		p = NewProblem(http.StatusUnprocessableEntity, err.Error())
		p.Title = "Validation Error"
	case huberrors.KindConflict:
		p = NewProblem(http.StatusConflict, err.Error())
	case huberrors.KindLimitExceeded:
		p = NewProblem(http.StatusTooManyRequests, err.Error())
	default:
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path,
			"resource", resource, "error", err)

		p = NewProblem(http.StatusInternalServerError, "An unexpected error occurred")
	}

	WriteProblem(w, p.ForRequest(r))
}

// RespondJSON writes data as a JSON body.
func RespondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
