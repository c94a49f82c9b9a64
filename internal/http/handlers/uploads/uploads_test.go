package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/commit"
	"github.com/princekumarofficial/uploads-service/internal/http/middleware"
	uploadsService "github.com/princekumarofficial/uploads-service/internal/services/uploads"
	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/princekumarofficial/uploads-service/internal/types/uploads"
	"github.com/princekumarofficial/uploads-service/internal/utils/jwt"
	"github.com/princekumarofficial/uploads-service/internal/utils/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "handler-secret"

type api struct {
	t       *testing.T
	handler http.Handler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	chunks := chunkstore.NewFSStore(osfs.New(t.TempDir()), 256)
	manager := session.NewManager(session.NewMemoryStore(), chunks, time.Hour,
		session.Limits{MaxTotalSize: 1 << 20, MaxTotalChunks: 100})
	blobs := blob.NewFSStore(osfs.New(t.TempDir()), "https://cdn.example.com/files")
	engine := commit.NewEngine(manager, chunks, blobs, storage.NewMemoryIndex(), time.Minute)
	h := NewUploadHandlers(uploadsService.NewService(manager, chunks, engine))

	mux := http.NewServeMux()
	mux.Handle("POST /uploads", h.CreateUpload())
	mux.Handle("PUT /uploads/{uploadId}/chunks/{index}", h.PutChunk())
	mux.Handle("GET /uploads/{uploadId}", h.GetStatus())
	mux.Handle("POST /uploads/{uploadId}/commit", h.Commit())
	mux.Handle("DELETE /uploads/{uploadId}", h.Discard())

	return &api{t: t, handler: middleware.AuthMiddleware(secret)(mux)}
}

func (a *api) do(user, method, target string, body []byte, header ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	token, err := jwt.CreateToken(user, "", secret, time.Hour)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *api) create(user string, size int64, chunks int) string {
	a.t.Helper()
	body, _ := json.Marshal(uploads.CreateUploadRequest{FileName: "f.bin", TotalSize: size, TotalChunks: chunks})
	rec := a.do(user, http.MethodPost, "/uploads", body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp uploads.CreateUploadResponse
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(a.t, resp.UploadID)
	return resp.UploadID
}

func (a *api) put(user, id string, index int, data []byte, header ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.do(user, http.MethodPut, fmt.Sprintf("/uploads/%s/chunks/%d", id, index), data, header...)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, response.StatusError, resp.Status)
	return resp
}

func TestUploads_EndToEnd(t *testing.T) {
	a := newAPI(t)
	data := bytes.Repeat([]byte("0123456789"), 30)
	sum := sha256.Sum256(data)

	id := a.create("alice", 300, 3)
	require.Equal(t, http.StatusOK, a.put("alice", id, 0, data[:100]).Code)
	require.Equal(t, http.StatusOK, a.put("alice", id, 2, data[200:]).Code)

	rec := a.do("alice", http.MethodGet, "/uploads/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status uploads.UploadStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "OPEN", status.State)
	assert.Equal(t, []int{1}, status.MissingChunks)
	assert.Equal(t, 2, status.UploadedChunks)
	assert.InDelta(t, 0.67, status.Progress, 0.01)

	rec = a.do("alice", http.MethodPost, "/uploads/"+id+"/commit", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []int{1}, decodeError(t, rec).MissingChunks)

	require.Equal(t, http.StatusOK, a.put("alice", id, 1, data[100:200]).Code)

	rec = a.do("alice", http.MethodPost, "/uploads/"+id+"/commit", []byte(`{"metadata":{"album":"summer"}}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first types.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, hex.EncodeToString(sum[:]), first.SHA256)
	assert.EqualValues(t, 300, first.Size)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, "https://cdn.example.com/files/"+first.StoragePath, first.PublicPath)

	// same bytes again from another user
	other := a.create("bob", 300, 3)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, a.put("bob", other, i, data[i*100:(i+1)*100]).Code)
	}
	rec = a.do("bob", http.MethodPost, "/uploads/"+other+"/commit", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var second types.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.True(t, second.IsDuplicate)

	// committed sessions are immutable
	assert.Equal(t, http.StatusConflict, a.put("alice", id, 0, data[:100]).Code)
	assert.Equal(t, http.StatusConflict, a.do("alice", http.MethodDelete, "/uploads/"+id, nil).Code)

	rec = a.do("alice", http.MethodGet, "/uploads/"+id, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "COMMITTED", status.State)
	assert.Empty(t, status.MissingChunks)
}

func TestUploads_EmptyFile(t *testing.T) {
	a := newAPI(t)
	id := a.create("alice", 0, 1)
	require.Equal(t, http.StatusOK, a.put("alice", id, 0, nil).Code)

	rec := a.do("alice", http.MethodPost, "/uploads/"+id+"/commit", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var result types.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", result.SHA256)
	assert.Zero(t, result.Size)
}

func TestUploads_ChunkErrors(t *testing.T) {
	a := newAPI(t)
	id := a.create("alice", 20, 2)
	chunk := []byte("0123456789")
	good := sha256.Sum256(chunk)

	tests := []struct {
		name   string
		user   string
		target string
		body   []byte
		header []string
		want   int
		kind   string
	}{
		{"checksum ok", "alice", "/uploads/" + id + "/chunks/0", chunk, []string{ChecksumHeader, hex.EncodeToString(good[:])}, http.StatusOK, ""},
		{"checksum mismatch", "alice", "/uploads/" + id + "/chunks/1", chunk, []string{ChecksumHeader, hex.EncodeToString(make([]byte, 32))}, http.StatusConflict, "checksum_mismatch"},
		{"bad checksum header", "alice", "/uploads/" + id + "/chunks/1", chunk, []string{ChecksumHeader, "crc32=zz"}, http.StatusBadRequest, "invalid_argument"},
		{"index not a number", "alice", "/uploads/" + id + "/chunks/one", chunk, nil, http.StatusBadRequest, "invalid_argument"},
		{"index out of range", "alice", "/uploads/" + id + "/chunks/2", chunk, nil, http.StatusBadRequest, "invalid_argument"},
		{"negative index", "alice", "/uploads/" + id + "/chunks/-1", chunk, nil, http.StatusBadRequest, "invalid_argument"},
		{"too large", "alice", "/uploads/" + id + "/chunks/1", make([]byte, 257), nil, http.StatusRequestEntityTooLarge, "chunk_too_large"},
		{"not owner", "mallory", "/uploads/" + id + "/chunks/1", chunk, nil, http.StatusForbidden, "forbidden"},
		{"unknown session", "alice", "/uploads/missing/chunks/0", chunk, nil, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.user, http.MethodPut, tt.target, tt.body, tt.header...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.kind != "" {
				assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
			}
		})
	}
}

func TestUploads_CreateValidation(t *testing.T) {
	a := newAPI(t)

	for _, body := range []string{
		`not json`,
		`{"totalSize":10,"totalChunks":1}`,
		`{"fileName":"a","totalSize":10,"totalChunks":0}`,
		`{"fileName":"a","totalSize":-1,"totalChunks":1}`,
		`{"fileName":"a","totalSize":2,"totalChunks":3}`,
	} {
		rec := a.do("alice", http.MethodPost, "/uploads", []byte(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestUploads_DiscardAndAccess(t *testing.T) {
	a := newAPI(t)
	id := a.create("alice", 10, 1)

	assert.Equal(t, http.StatusForbidden, a.do("bob", http.MethodGet, "/uploads/"+id, nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do("bob", http.MethodDelete, "/uploads/"+id, nil).Code)
	assert.Equal(t, http.StatusOK, a.do("alice", http.MethodDelete, "/uploads/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do("alice", http.MethodGet, "/uploads/"+id, nil).Code)
}

func TestUploads_RequiresToken(t *testing.T) {
	a := newAPI(t)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/uploads", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrExpired, http.StatusNotFound},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrChecksumMismatch, http.StatusConflict},
		{&types.IncompleteError{Missing: []int{1}}, http.StatusBadRequest},
		{&types.StorageError{Op: "promote", Err: errors.New("disk full")}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", types.ErrInvalidArgument), http.StatusBadRequest},
		{types.ErrIndexOutOfRange, http.StatusBadRequest},
		{types.ErrChunkTooLarge, http.StatusRequestEntityTooLarge},
		{types.ErrInvalidState, http.StatusConflict},
		{types.ErrCommitInProgress, http.StatusConflict},
		{fmt.Errorf("%w: %v", types.ErrCommitInProgress, context.Canceled), http.StatusConflict},
		{types.ErrChunksInFlight, http.StatusConflict},
		{types.ErrMetadataConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
