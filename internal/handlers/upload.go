package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/upload"
)

// Multipart field names of POST /upload-chunk.
const (
	fieldUploadID    = "fileId"
	fieldChunkNumber = "chunkNumber"
	fieldTotalChunks = "totalChunks"
	fieldFileName    = "fileName"
	fieldContentType = "contentType"
	fieldChunk       = "chunk"
)

// multipartOverhead allows for boundaries and form fields on top of the
// chunk payload itself.
const multipartOverhead = 1 << 20

// multipartMemory is how much of a multipart body is held in memory before
// the rest spills to a temp file.
const multipartMemory = 8 << 20

// ChunkReceivedResponse acknowledges a staged chunk.
type ChunkReceivedResponse struct {
	Status   string `json:"status"`
	UploadID string `json:"uploadId"`
	Received int    `json:"received"`
	Expected int    `json:"expected"`
}

// UploadCompleteResponse reports a published artifact.
type UploadCompleteResponse struct {
	Status         string `json:"status"`
	UploadID       string `json:"uploadId"`
	DestinationKey string `json:"destinationKey"`
	Bucket         string `json:"bucket"`
	Size           int64  `json:"size"`
	SHA256         string `json:"sha256"`
}

// UploadedResponse reports a single-shot upload.
type UploadedResponse struct {
	Status string `json:"status"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// AbandonedResponse reports an abandoned upload.
type AbandonedResponse struct {
	Status        string `json:"status"`
	UploadID      string `json:"uploadId"`
	ChunksRemoved int    `json:"chunksRemoved"`
}

// UploadHandler serves the chunked and single-shot upload endpoints.
type UploadHandler struct {
	coord         *upload.Coordinator
	maxChunkSize  int64
	maxUploadSize int64
	logger        *slog.Logger
}

// NewUploadHandler creates an UploadHandler. Sizes of zero or less disable
// the corresponding limit.
func NewUploadHandler(coord *upload.Coordinator, maxChunkSize, maxUploadSize int64, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{
		coord:         coord,
		maxChunkSize:  maxChunkSize,
		maxUploadSize: maxUploadSize,
		logger:        logger,
	}
}

// UploadChunk handles POST /upload-chunk.
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if h.maxChunkSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, err)
			return
		}
		WriteError(w, r, uperr.ErrMalformedRequest.WithCause(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	ch, err := parseChunkFields(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	file, header, err := r.FormFile(fieldChunk)
	if err != nil {
		WriteError(w, r, uperr.ErrMissingFields.WithMessage("The chunk file part is required"))
		return
	}
	defer file.Close()
	if h.maxChunkSize > 0 && header.Size > h.maxChunkSize {
		WriteError(w, r, uperr.ErrEntityTooLarge.WithSequence(ch.SequenceNumber))
		return
	}
	ch.Body = file

	res, err := h.coord.Accept(r.Context(), ch)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if res.Complete() {
		art := res.Artifact
		writeJSON(w, http.StatusOK, UploadCompleteResponse{
			Status:         StatusUploadComplete,
			UploadID:       art.UploadID,
			DestinationKey: art.DestinationKey,
			Bucket:         art.Bucket,
			Size:           art.Size,
			SHA256:         art.SHA256,
		})
		return
	}
	writeJSON(w, http.StatusOK, ChunkReceivedResponse{
		Status:   StatusChunkReceived,
		UploadID: res.UploadID,
		Received: res.Received,
		Expected: res.Expected,
	})
}

// parseChunkFields reads the text fields of a chunk request.
func parseChunkFields(r *http.Request) (upload.Chunk, error) {
	var ch upload.Chunk
	for _, name := range []string{fieldUploadID, fieldChunkNumber, fieldTotalChunks, fieldFileName} {
		if strings.TrimSpace(r.FormValue(name)) == "" {
			return ch, uperr.ErrMissingFields.WithMessage(fmt.Sprintf("The %s field is required", name))
		}
	}

	seq, err := strconv.Atoi(strings.TrimSpace(r.FormValue(fieldChunkNumber)))
	if err != nil {
		return ch, uperr.ErrInvalidSequence.WithCause(err)
	}
	total, err := strconv.Atoi(strings.TrimSpace(r.FormValue(fieldTotalChunks)))
	if err != nil {
		return ch, uperr.ErrInvalidChunkCount.WithCause(err)
	}

	ch.UploadID = r.FormValue(fieldUploadID)
	ch.SequenceNumber = seq
	ch.ExpectedCount = total
	ch.FileName = r.FormValue(fieldFileName)
	ch.ContentType = r.FormValue(fieldContentType)
	return ch, nil
}

// UploadSingle handles POST /upload: the raw body is forwarded to the
// bucket routed by its Content-Type.
func (h *UploadHandler) UploadSingle(w http.ResponseWriter, r *http.Request) {
	fileName := r.URL.Query().Get("fileName")
	if fileName == "" {
		fileName = r.Header.Get("X-File-Name")
	}
	if fileName == "" {
		WriteError(w, r, uperr.ErrMissingFields.WithMessage("The fileName query parameter or X-File-Name header is required"))
		return
	}
	if h.maxUploadSize > 0 {
		if r.ContentLength > h.maxUploadSize {
			WriteError(w, r, uperr.ErrEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	res, err := h.coord.PublishDirect(r.Context(), fileName, r.Header.Get("Content-Type"), r.Body, r.ContentLength)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.logger.Info("Single-shot upload published", "bucket", res.Bucket, "key", res.Key, "size", res.Size)
	writeJSON(w, http.StatusOK, UploadedResponse{
		Status: StatusUploaded,
		Bucket: res.Bucket,
		Key:    res.Key,
		Size:   res.Size,
	})
}

// RetryPublish handles POST /uploads/{uploadId}/publish.
func (h *UploadHandler) RetryPublish(w http.ResponseWriter, r *http.Request) {
	uploadID, err := uploadIDParam(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	art, err := h.coord.RetryPublish(r.Context(), uploadID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadCompleteResponse{
		Status:         StatusUploadComplete,
		UploadID:       art.UploadID,
		DestinationKey: art.DestinationKey,
		Bucket:         art.Bucket,
		Size:           art.Size,
		SHA256:         art.SHA256,
	})
}

// Abandon handles DELETE /uploads/{uploadId}.
func (h *UploadHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	uploadID, err := uploadIDParam(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	removed, err := h.coord.Abandon(r.Context(), uploadID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AbandonedResponse{
		Status:        StatusAbandoned,
		UploadID:      uploadID,
		ChunksRemoved: removed,
	})
}
