package uploads

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/princekumarofficial/uploads-service/internal/http/middleware"
	uploadsService "github.com/princekumarofficial/uploads-service/internal/services/uploads"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/princekumarofficial/uploads-service/internal/types/uploads"
	"github.com/princekumarofficial/uploads-service/internal/utils/response"
)

// ChecksumHeader carries the optional per-chunk digest
const ChecksumHeader = "X-Chunk-Checksum"

type UploadHandlers struct {
	service  *uploadsService.Service
	validate *validator.Validate
}

func NewUploadHandlers(service *uploadsService.Service) *UploadHandlers {
	return &UploadHandlers{
		service:  service,
		validate: validator.New(),
	}
}

// CreateUpload opens a new upload session
// @Summary Create upload session
// @Description Declare a file by name, total size and chunk count. An empty file is one empty chunk.
// @Tags uploads
// @Accept json
// @Produce json
// @Param request body uploads.CreateUploadRequest true "Upload declaration"
// @Success 201 {object} uploads.CreateUploadResponse "Session created"
// @Failure 400 {object} response.Response "Bad request"
// @Failure 401 {object} response.Response "Unauthorized"
// @Failure 429 {object} response.Response "Rate limit exceeded"
// @Security BearerAuth
// @Router /uploads [post]
func (h *UploadHandlers) CreateUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.GetCallerFromContext(r.Context())
		if !ok {
			response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(errors.New("user not authenticated")))
			return
		}

		var req uploads.CreateUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.KindError("invalid_argument", errors.New("invalid request body")))
			return
		}
		if !h.validRequest(w, req) {
			return
		}

		sess, err := h.service.CreateUpload(r.Context(), caller, req.FileName, req.TotalSize, req.TotalChunks, req.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}

		slog.Info("Upload session created",
			slog.String("upload_id", sess.ID),
			slog.Int("total_chunks", sess.TotalChunks))

		response.WriteJSON(w, http.StatusCreated, uploads.CreateUploadResponse{
			UploadID:  sess.ID,
			ExpiresAt: sess.ExpiresAt,
		})
	}
}

// PutChunk stores one chunk of an upload
// @Summary Upload a chunk
// @Description Store the raw request body as chunk {index}. Re-sending an index replaces it.
// @Tags uploads
// @Accept octet-stream
// @Produce json
// @Param uploadId path string true "Upload ID"
// @Param index path int true "Chunk index, zero based"
// @Param X-Chunk-Checksum header string false "sha256=<hex> or blake2b=<hex>"
// @Success 200 {object} uploads.ChunkAcceptedResponse "Chunk stored"
// @Failure 400 {object} response.Response "Bad index or checksum header"
// @Failure 403 {object} response.Response "Not the session owner"
// @Failure 404 {object} response.Response "Unknown or expired session"
// @Failure 409 {object} response.Response "Checksum mismatch or session not accepting chunks"
// @Failure 413 {object} response.Response "Chunk too large"
// @Security BearerAuth
// @Router /uploads/{uploadId}/chunks/{index} [put]
func (h *UploadHandlers) PutChunk() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.GetCallerFromContext(r.Context())
		if !ok {
			response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(errors.New("user not authenticated")))
			return
		}

		uploadID := r.PathValue("uploadId")
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.KindError("invalid_argument", errors.New("chunk index must be an integer")))
			return
		}

		receipt, err := h.service.PutChunk(r.Context(), caller, uploadID, index, r.Body, r.Header.Get(ChecksumHeader))
		if err != nil {
			writeError(w, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, uploads.ChunkAcceptedResponse{
			UploadID:       uploadID,
			ChunkIndex:     receipt.Index,
			Size:           receipt.Size,
			UploadedChunks: receipt.UploadedChunks,
			TotalChunks:    receipt.TotalChunks,
		})
	}
}

// GetStatus reports upload progress
// @Summary Get upload status
// @Tags uploads
// @Produce json
// @Param uploadId path string true "Upload ID"
// @Success 200 {object} uploads.UploadStatusResponse "Upload status"
// @Failure 403 {object} response.Response "Not the session owner"
// @Failure 404 {object} response.Response "Unknown session"
// @Security BearerAuth
// @Router /uploads/{uploadId} [get]
func (h *UploadHandlers) GetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.GetCallerFromContext(r.Context())
		if !ok {
			response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(errors.New("user not authenticated")))
			return
		}

		status, err := h.service.Status(r.Context(), caller, r.PathValue("uploadId"))
		if err != nil {
			writeError(w, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, uploads.UploadStatusResponse{
			UploadID:       status.UploadID,
			FileName:       status.FileName,
			State:          string(status.State),
			UploadedChunks: status.UploadedCount,
			TotalChunks:    status.TotalChunks,
			MissingChunks:  status.Missing,
			Progress:       status.Progress,
			ExpiresAt:      status.ExpiresAt,
		})
	}
}

// Commit assembles the chunks into the final file
// @Summary Commit upload
// @Description Verify completeness, hash the assembled file and store it once by content. Safe to retry.
// @Tags uploads
// @Accept json
// @Produce json
// @Param uploadId path string true "Upload ID"
// @Param request body uploads.CommitUploadRequest false "Extra metadata"
// @Success 201 {object} types.CommitResult "Committed"
// @Failure 400 {object} response.Response "Missing chunks, listed in missingChunks"
// @Failure 403 {object} response.Response "Not the session owner"
// @Failure 404 {object} response.Response "Unknown or expired session"
// @Failure 409 {object} response.Response "Another commit is still running"
// @Failure 422 {object} response.Response "Storage failure, retry the commit"
// @Security BearerAuth
// @Router /uploads/{uploadId}/commit [post]
func (h *UploadHandlers) Commit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.GetCallerFromContext(r.Context())
		if !ok {
			response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(errors.New("user not authenticated")))
			return
		}

		// the body is optional
		var req uploads.CommitUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.WriteJSON(w, http.StatusBadRequest, response.KindError("invalid_argument", errors.New("invalid request body")))
			return
		}
		if !h.validRequest(w, req) {
			return
		}

		uploadID := r.PathValue("uploadId")
		result, err := h.service.Commit(r.Context(), caller, uploadID, req.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}

		slog.Info("Upload committed",
			slog.String("upload_id", uploadID),
			slog.String("sha256", result.SHA256),
			slog.Bool("duplicate", result.IsDuplicate))

		response.WriteJSON(w, http.StatusCreated, result)
	}
}

// Discard abandons an upload
// @Summary Discard upload
// @Description Delete an OPEN or FAILED session and its chunks
// @Tags uploads
// @Produce json
// @Param uploadId path string true "Upload ID"
// @Success 200 {object} response.Response "Discarded"
// @Failure 403 {object} response.Response "Not the session owner"
// @Failure 404 {object} response.Response "Unknown session"
// @Failure 409 {object} response.Response "Session is committing or terminal"
// @Security BearerAuth
// @Router /uploads/{uploadId} [delete]
func (h *UploadHandlers) Discard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.GetCallerFromContext(r.Context())
		if !ok {
			response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(errors.New("user not authenticated")))
			return
		}

		uploadID := r.PathValue("uploadId")
		if err := h.service.Discard(r.Context(), caller, uploadID); err != nil {
			writeError(w, err)
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Upload discarded", map[string]string{
			"uploadId": uploadID,
		}))
	}
}

func (h *UploadHandlers) validRequest(w http.ResponseWriter, req interface{}) bool {
	err := h.validate.Struct(req)
	if err == nil {
		return true
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		response.WriteJSON(w, http.StatusBadRequest, response.ValidationError(ve))
		return false
	}
	response.WriteJSON(w, http.StatusBadRequest, response.KindError("invalid_argument", err))
	return false
}

// StatusFor maps an error to its HTTP status
func StatusFor(err error) int {
	switch types.Kind(err) {
	case "not_found", "expired":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "checksum_mismatch", "conflict":
		return http.StatusConflict
	case "incomplete", "invalid_argument":
		return http.StatusBadRequest
	case "storage_failure":
		return http.StatusUnprocessableEntity
	case "chunk_too_large":
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := types.Kind(err)

	var incomplete *types.IncompleteError
	switch {
	case errors.As(err, &incomplete):
		response.WriteJSON(w, status, response.Incomplete(err, incomplete.Missing))
	case status == http.StatusInternalServerError:
		slog.Error("Upload request failed", slog.String("error", err.Error()))
		response.WriteJSON(w, status, response.KindError(kind, errors.New("internal server error")))
	default:
		response.WriteJSON(w, status, response.KindError(kind, err))
	}
}
