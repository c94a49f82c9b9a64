package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/princekumarofficial/uploads-service/internal/utils/response"
)

// Presigner is implemented by blob stores that can hand out direct download
// links
type Presigner interface {
	PresignedURL(ctx context.Context, storagePath string, expiry time.Duration) (*url.URL, error)
}

type FileHandlers struct {
	blobs      blob.Store
	index      storage.ObjectIndex
	presignTTL time.Duration
}

// NewFileHandlers creates handlers for committed files. A presignTTL of zero
// always streams through the service.
func NewFileHandlers(blobs blob.Store, index storage.ObjectIndex, presignTTL time.Duration) *FileHandlers {
	return &FileHandlers{
		blobs:      blobs,
		index:      index,
		presignTTL: presignTTL,
	}
}

type FileInfoResponse struct {
	SHA256        string    `json:"sha256"`
	Size          int64     `json:"size"`
	StoragePath   string    `json:"storagePath"`
	PublicPath    string    `json:"publicPath"`
	FirstStoredAt time.Time `json:"firstStoredAt"`
}

func storagePath(r *http.Request) (string, string, error) {
	p := path.Join(r.PathValue("a"), r.PathValue("b"), r.PathValue("hash"))
	h, err := blob.ParsePath(p)
	return p, h, err
}

// Download serves a committed file by its storage path
// @Summary Download a committed file
// @Description Content-addressed and immutable. Redirects to a presigned URL when the object store supports it.
// @Tags files
// @Produce octet-stream
// @Param a path string true "First two hash characters"
// @Param b path string true "Next two hash characters"
// @Param hash path string true "SHA-256 of the file"
// @Success 200 {file} binary "File content"
// @Success 307 "Redirect to a presigned URL"
// @Failure 400 {object} response.Response "Malformed path"
// @Failure 404 {object} response.Response "No such file"
// @Router /files/{a}/{b}/{hash} [get]
func (h *FileHandlers) Download() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, contentHash, err := storagePath(r)
		if err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.KindError("invalid_argument", err))
			return
		}

		if presigner, ok := h.blobs.(Presigner); ok && h.presignTTL > 0 {
			exists, err := h.blobs.Exists(r.Context(), contentHash)
			if err != nil {
				slog.Error("Failed to stat blob", slog.String("path", p), slog.String("error", err.Error()))
				response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(errors.New("failed to look up file")))
				return
			}
			if !exists {
				response.WriteJSON(w, http.StatusNotFound, response.KindError("not_found", types.ErrObjectNotFound))
				return
			}

			u, err := presigner.PresignedURL(r.Context(), p, h.presignTTL)
			if err != nil {
				response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(errors.New("failed to generate download URL")))
				return
			}
			http.Redirect(w, r, u.String(), http.StatusTemporaryRedirect)
			return
		}

		rc, err := h.blobs.Open(r.Context(), p)
		if errors.Is(err, types.ErrObjectNotFound) {
			response.WriteJSON(w, http.StatusNotFound, response.KindError("not_found", err))
			return
		}
		if err != nil {
			slog.Error("Failed to open blob", slog.String("path", p), slog.String("error", err.Error()))
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(errors.New("failed to open file")))
			return
		}
		defer rc.Close()

		// content never changes for a given hash
		w.Header().Set("ETag", strconv.Quote(contentHash))
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", "application/octet-stream")

		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, r, contentHash, time.Time{}, rs)
			return
		}
		if r.Header.Get("If-None-Match") == strconv.Quote(contentHash) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("File download interrupted", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

// Info returns the index record of a committed file
// @Summary Get file information
// @Tags files
// @Produce json
// @Param a path string true "First two hash characters"
// @Param b path string true "Next two hash characters"
// @Param hash path string true "SHA-256 of the file"
// @Success 200 {object} FileInfoResponse "File information"
// @Failure 400 {object} response.Response "Malformed path"
// @Failure 401 {object} response.Response "Unauthorized"
// @Failure 404 {object} response.Response "No such file"
// @Security BearerAuth
// @Router /files/{a}/{b}/{hash}/info [get]
func (h *FileHandlers) Info() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, contentHash, err := storagePath(r)
		if err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.KindError("invalid_argument", err))
			return
		}

		obj, err := h.index.Lookup(r.Context(), contentHash)
		if errors.Is(err, types.ErrObjectNotFound) {
			response.WriteJSON(w, http.StatusNotFound, response.KindError("not_found", err))
			return
		}
		if err != nil {
			slog.Error("Failed to look up object", slog.String("sha256", contentHash), slog.String("error", err.Error()))
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(errors.New("failed to look up file")))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("File information retrieved successfully", FileInfoResponse{
			SHA256:        obj.ContentHash,
			Size:          obj.Size,
			StoragePath:   obj.StoragePath,
			PublicPath:    obj.PublicPath,
			FirstStoredAt: obj.FirstStoredAt,
		}))
	}
}
