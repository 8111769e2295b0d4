// Package handlers implements the HTTP endpoints of the upload API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
)

// Response status values.
const (
	StatusChunkReceived  = "chunk-received"
	StatusUploadComplete = "upload-complete"
	StatusUploaded       = "uploaded"
	StatusAbandoned      = "abandoned"
	StatusError          = "error"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Status         string `json:"status"`
	Kind           string `json:"kind"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	SequenceNumber int    `json:"sequenceNumber,omitempty"`
	Retry          string `json:"retry,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
}

// NewErrorResponse converts err to its wire form and HTTP status. Errors
// that are not UploadErrors become InternalError; a body over the size
// limit becomes EntityTooLarge.
func NewErrorResponse(err error, requestID string) (int, ErrorResponse) {
	ue := toUploadError(err)
	return ue.HTTPStatus, ErrorResponse{
		Status:         StatusError,
		Kind:           string(ue.Kind),
		Code:           ue.Code,
		Message:        ue.Message,
		SequenceNumber: ue.SequenceNumber,
		Retry:          ue.Retry,
		RequestID:      requestID,
	}
}

func toUploadError(err error) *uperr.UploadError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return uperr.ErrEntityTooLarge.WithCause(err)
	}
	if ue, ok := uperr.As(err); ok {
		return ue
	}
	return uperr.ErrInternalError.WithCause(err)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response body", "error", err)
	}
}

// WriteError writes err as an ErrorResponse. Server-side failures are
// logged with their cause; client errors only at debug level.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := NewErrorResponse(err, w.Header().Get("X-Request-Id"))
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", body.Code,
			"request_id", body.RequestID,
			"error", err,
		)
	} else {
		slog.Debug("Request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"code", body.Code,
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

// uploadIDParam returns the decoded {uploadId} URL parameter.
func uploadIDParam(r *http.Request) (string, error) {
	return UploadIDFromPath(chi.URLParam(r, "uploadId"), r.URL)
}

// UploadIDFromPath decodes a path parameter the router extracted from u.
// chi matches against RawPath when it is set, leaving the parameter
// escaped. Otherwise the parameter is already decoded and is returned as is.
func UploadIDFromPath(param string, u *url.URL) (string, error) {
	id := param
	if u != nil && u.RawPath != "" {
		var err error
		if id, err = url.PathUnescape(param); err != nil {
			return "", uperr.ErrInvalidUploadID
		}
	}
	if id == "" {
		return "", uperr.ErrInvalidUploadID
	}
	return id, nil
}
