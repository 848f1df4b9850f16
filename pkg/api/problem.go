// Package api exposes the case core over HTTP. All error responses are
// RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/juris-labs/caseledger/pkg/engine"
	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 problem response for the request.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://caseledger.juris-labs.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeDomainError maps the core error taxonomy onto HTTP statuses.
//
// Cross-tenant access deliberately reads as 404: a tenant must not be able
// to confirm that a case id exists elsewhere. The isolation attempt is still
// logged distinctly for operators.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, workspace.ErrTenantIsolation):
		logger.WarnContext(r.Context(), "cross-tenant access attempt",
			slog.String("path", r.URL.Path),
			slog.String("tenant_id", r.Header.Get(tenantHeader)),
		)
		WriteProblem(w, r, http.StatusNotFound, "Not Found", "case not found")

	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, eventlog.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Not Found", err.Error())

	case errors.Is(err, eventlog.ErrValidation):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Validation Failed", err.Error())

	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, workspace.ErrConcurrencyConflict),
		errors.Is(err, engine.ErrClosed):
		WriteProblem(w, r, http.StatusConflict, "Conflict", err.Error())

	case errors.Is(err, engine.ErrLocked):
		WriteProblem(w, r, http.StatusLocked, "Locked", err.Error())

	case errors.Is(err, engine.ErrActorNotAllowed):
		WriteProblem(w, r, http.StatusForbidden, "Forbidden", err.Error())

	default:
		// Never expose internals to the client.
		logger.ErrorContext(r.Context(), "internal server error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
	}
}
