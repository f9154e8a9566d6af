package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Brownie44l1/cxr-api/internal/explain"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/registry"
	"github.com/Brownie44l1/cxr-api/internal/repository"
)

// badRequestError is a client mistake found before the pipeline runs.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// uploadTooLargeError is returned when the file exceeds the upload limit.
type uploadTooLargeError struct {
	limit int64
}

func (e *uploadTooLargeError) Error() string {
	return "file too large, maximum size is " + formatMB(e.limit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		decodeErr   *preprocess.DecodeError
		targetErr   *explain.TargetResolutionError
		badReq      *badRequestError
		validation  *registry.ValidationError
		tooLarge    *uploadTooLargeError
		maxBytesErr *http.MaxBytesError
		notLoaded   *model.ModelNotLoadedError
	)
	switch {
	case errors.As(err, &tooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &decodeErr),
		errors.As(err, &targetErr),
		errors.As(err, &badReq),
		errors.As(err, &validation),
		errors.Is(err, inference.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &notLoaded), errors.Is(err, inference.ErrExplainUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := h.requestLogger(r)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request rejected", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}
