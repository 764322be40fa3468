package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

const problemTypeBase = "https://auditrail.dev/errors/"

// writeProblem writes an RFC 7807 response enriched with the request path
// and request id.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func writeForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusForbidden, "Forbidden", detail)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, "Not Found", detail)
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// writeInternal logs err but never exposes it to the client.
func writeInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, err error) {
	logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	title := "Internal Server Error"
	if status == http.StatusServiceUnavailable {
		title = "Service Unavailable"
	}
	writeProblem(w, r, status, title, "An unexpected error occurred. Please try again later.")
}

// writeLedgerError maps ledger errors to problem responses. authenticated
// reports whether the request carried a valid session, which turns an
// authentication failure into 403 instead of 401.
func writeLedgerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, authenticated bool, err error) {
	var te *ledger.TransportError
	switch {
	case errors.Is(err, ledger.ErrUnauthenticated):
		if authenticated {
			writeForbidden(w, r, err.Error())
		} else {
			writeUnauthorized(w, r, err.Error())
		}
	case errors.Is(err, ledger.ErrNotFound):
		writeNotFound(w, r, err.Error())
	case errors.Is(err, ledger.ErrAlreadyExists):
		writeProblem(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ledger.ErrInvalidVisibility), errors.Is(err, proof.ErrMalformedProof):
		writeBadRequest(w, r, err.Error())
	case errors.As(err, &te):
		writeInternal(w, r, logger, http.StatusServiceUnavailable, err)
	default:
		writeInternal(w, r, logger, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
