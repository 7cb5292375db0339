package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/filevault/internal/common"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors onto HTTP status codes. Not-found is
// checked before the storage classes because a missing object is reported
// as a permanent storage failure too.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidArgument), errors.Is(err, common.ErrIngestAborted):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrQuotaExceeded), errors.Is(err, common.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, common.ErrTransient), errors.Is(err, common.ErrPermanent):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Server-side failures are logged and
// their details are not echoed to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

// failRead is fail for read paths: a denial and a missing file produce the
// same 404 response so that readers cannot tell which files exist.
func (h *Handler) failRead(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, common.ErrAccessDenied) || errors.Is(err, common.ErrorNotFound) {
		writeError(w, http.StatusNotFound, common.ErrorNotFound.Error())
		return
	}
	h.fail(w, r, err)
}
