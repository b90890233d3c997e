package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/combinator/combinator/internal/kv"
	"github.com/combinator/combinator/internal/middleware"
	"github.com/combinator/combinator/internal/rdb"
	"github.com/combinator/combinator/internal/registry"
	"github.com/sirupsen/logrus"
)

// errInvalidBody marks request bodies that could not be decoded
var errInvalidBody = errors.New("invalid request body")

type errorResponse struct {
	Error string `json:"error"`
}

// statusForError maps store and request errors to HTTP status codes.
// A missing KV key is a 500, like any other failed store operation.
func statusForError(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errInvalidBody),
		errors.Is(err, registry.ErrInvalidStoreID),
		errors.Is(err, registry.ErrUnknownStore),
		errors.Is(err, rdb.ErrInvalidArgs),
		errors.Is(err, kv.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrClosed),
		errors.Is(err, kv.ErrClosed),
		errors.Is(err, rdb.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// storeError writes the response for a failed store lookup
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, kind string, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusBadRequest {
		message = "invalid " + kind + " ID"
	}
	h.writeError(w, r, status, message, err)
}

// operationError writes the response for a failed request or store operation
func (h *Handler) operationError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	message := err.Error()
	switch {
	case errors.Is(err, errInvalidBody):
		message = errInvalidBody.Error()
	case status == http.StatusRequestEntityTooLarge:
		message = "request body too large"
	}
	h.writeError(w, r, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	writeJSON(w, status, errorResponse{Error: message})

	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		entry = entry.WithField("request_id", id)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	if status >= http.StatusInternalServerError {
		entry.Error(message)
		return
	}
	entry.Warn(message)
}
