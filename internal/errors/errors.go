// Package errors defines the upload error taxonomy used throughout chunkrelay.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an UploadError for callers and clients.
type Kind string

const (
	// KindValidation rejects a request before any staging write.
	KindValidation Kind = "ValidationError"
	// KindIO is a local staging read, write or delete failure.
	KindIO Kind = "IOError"
	// KindMissingChunk means reassembly found a gap in the staged sequence.
	KindMissingChunk Kind = "MissingChunk"
	// KindPublish means the remote blob store rejected or timed out.
	KindPublish Kind = "PublishError"
	// KindAnomaly is logged and counted, never returned to a client.
	KindAnomaly Kind = "AnomalyWarning"
	// KindConflict is returned for uploads that are closed or busy.
	KindConflict Kind = "ConflictError"
	// KindNotFound is returned for unknown uploads or artifacts.
	KindNotFound Kind = "NotFound"
	// KindInternal covers everything else.
	KindInternal Kind = "InternalError"
)

// Retry hints tell the client what it can safely resend.
const (
	RetryChunk   = "chunk"
	RetryPublish = "publish"
	RetryUpload  = "upload"
)

// UploadError is an error scoped to a single upload, carrying a
// machine-readable kind and code, a human message and the HTTP status to
// answer with.
type UploadError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	// Retry is an optional hint (RetryChunk, RetryPublish, RetryUpload).
	Retry string
	// SequenceNumber is set for MissingChunk errors.
	SequenceNumber int
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	msg := fmt.Sprintf("%s %s (%d): %s", e.Kind, e.Code, e.HTTPStatus, e.Message)
	if e.SequenceNumber > 0 {
		msg += fmt.Sprintf(" [sequence %d]", e.SequenceNumber)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// Is matches any UploadError with the same code, so a copy produced by
// WithCause still satisfies errors.Is against its sentinel.
func (e *UploadError) Is(target error) bool {
	t, ok := target.(*UploadError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of the error wrapping err.
func (e *UploadError) WithCause(err error) *UploadError {
	cp := *e
	cp.Err = err
	return &cp
}

// WithMessage returns a copy of the error with a different message.
func (e *UploadError) WithMessage(msg string) *UploadError {
	cp := *e
	cp.Message = msg
	return &cp
}

// WithSequence returns a copy of the error naming the offending chunk.
func (e *UploadError) WithSequence(seq int) *UploadError {
	cp := *e
	cp.SequenceNumber = seq
	return &cp
}

// As extracts an *UploadError from err's chain.
func As(err error) (*UploadError, bool) {
	var ue *UploadError
	if stderrors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// KindOf reports the kind of err, or KindInternal if it is not an
// UploadError.
func KindOf(err error) Kind {
	if ue, ok := As(err); ok {
		return ue.Kind
	}
	return KindInternal
}

// MissingChunk builds the error returned when reassembly cannot find seq.
func MissingChunk(seq int) *UploadError {
	return ErrMissingChunk.WithSequence(seq).
		WithMessage(fmt.Sprintf("Chunk %d is not staged; resend it to complete the upload", seq))
}

// Pre-defined errors.
var (
	// ErrMissingFields is returned when a required chunk field is absent.
	ErrMissingFields = &UploadError{
		Kind:       KindValidation,
		Code:       "MissingFields",
		Message:    "Missing fields",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidUploadID is returned for upload ids that cannot be used as a key.
	ErrInvalidUploadID = &UploadError{
		Kind:       KindValidation,
		Code:       "InvalidUploadId",
		Message:    "The upload id is empty, too long or contains control characters",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidSequence is returned for a non-positive or out-of-range sequence number.
	ErrInvalidSequence = &UploadError{
		Kind:       KindValidation,
		Code:       "InvalidSequenceNumber",
		Message:    "The chunk number must be between 1 and the total chunk count",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidChunkCount is returned for a missing or non-positive total.
	ErrInvalidChunkCount = &UploadError{
		Kind:       KindValidation,
		Code:       "InvalidChunkCount",
		Message:    "The total chunk count must be a positive integer",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidFileName is returned when no usable key can be derived from the file name.
	ErrInvalidFileName = &UploadError{
		Kind:       KindValidation,
		Code:       "InvalidFileName",
		Message:    "The file name cannot be used as a destination key",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrChunkCountMismatch is returned when a chunk declares a different total than the upload.
	ErrChunkCountMismatch = &UploadError{
		Kind:       KindValidation,
		Code:       "ChunkCountMismatch",
		Message:    "The total chunk count does not match earlier chunks of this upload",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrEntityTooLarge is returned when a chunk or single-shot body is too big.
	ErrEntityTooLarge = &UploadError{
		Kind:       KindValidation,
		Code:       "EntityTooLarge",
		Message:    "The request body exceeds the maximum allowed size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrMalformedRequest is returned when the request body cannot be parsed.
	ErrMalformedRequest = &UploadError{
		Kind:       KindValidation,
		Code:       "MalformedRequest",
		Message:    "The request body could not be parsed",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrUploadClosed is returned for chunks arriving after an upload finished.
	ErrUploadClosed = &UploadError{
		Kind:       KindConflict,
		Code:       "UploadClosed",
		Message:    "The upload is already complete; late chunks are ignored",
		HTTPStatus: http.StatusConflict,
	}

	// ErrUploadInProgress is returned while an upload is being reassembled or published.
	ErrUploadInProgress = &UploadError{
		Kind:       KindConflict,
		Code:       "UploadInProgress",
		Message:    "The upload is being reassembled or published",
		HTTPStatus: http.StatusConflict,
	}

	// ErrNoSuchUpload is returned for upload ids with no staged state.
	ErrNoSuchUpload = &UploadError{
		Kind:       KindNotFound,
		Code:       "NoSuchUpload",
		Message:    "The specified upload does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrNoArtifact is returned when a publish retry finds no retained artifact.
	ErrNoArtifact = &UploadError{
		Kind:       KindNotFound,
		Code:       "NoSuchArtifact",
		Message:    "No reassembled artifact is waiting to be published for this upload",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrStagingFailed is returned when a chunk could not be durably written.
	ErrStagingFailed = &UploadError{
		Kind:       KindIO,
		Code:       "StagingFailed",
		Message:    "The chunk could not be stored; resend it",
		HTTPStatus: http.StatusInternalServerError,
		Retry:      RetryChunk,
	}

	// ErrReassemblyFailed is returned when staged chunks could not be concatenated.
	ErrReassemblyFailed = &UploadError{
		Kind:       KindIO,
		Code:       "ReassemblyFailed",
		Message:    "Failed to reassemble chunks",
		HTTPStatus: http.StatusInternalServerError,
		Retry:      RetryChunk,
	}

	// ErrMissingChunk is the sentinel for reassembly gaps. Use MissingChunk(seq).
	ErrMissingChunk = &UploadError{
		Kind:       KindMissingChunk,
		Code:       "MissingChunk",
		Message:    "A chunk is missing from the staged set",
		HTTPStatus: http.StatusInternalServerError,
		Retry:      RetryChunk,
	}

	// ErrPublishFailed is returned when the blob store rejected the artifact.
	ErrPublishFailed = &UploadError{
		Kind:       KindPublish,
		Code:       "PublishFailed",
		Message:    "Upload to the blob store failed; the artifact is retained for retry",
		HTTPStatus: http.StatusBadGateway,
		Retry:      RetryPublish,
	}

	// ErrPublishTimeout is returned when a publish attempt exceeded its deadline.
	ErrPublishTimeout = &UploadError{
		Kind:       KindPublish,
		Code:       "PublishTimeout",
		Message:    "Upload to the blob store timed out; the artifact is retained for retry",
		HTTPStatus: http.StatusGatewayTimeout,
		Retry:      RetryPublish,
	}

	// ErrInternalError is returned for unexpected internal failures.
	ErrInternalError = &UploadError{
		Kind:       KindInternal,
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrMethodNotAllowed is returned for unsupported HTTP methods.
	ErrMethodNotAllowed = &UploadError{
		Kind:       KindValidation,
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	// ErrNoSuchRoute is returned for paths the server does not serve.
	ErrNoSuchRoute = &UploadError{
		Kind:       KindNotFound,
		Code:       "NoSuchRoute",
		Message:    "The requested resource does not exist",
		HTTPStatus: http.StatusNotFound,
	}
)
