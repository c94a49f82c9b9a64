package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// presigningStore adds presigned links to a filesystem store
type presigningStore struct {
	*blob.FSStore
}

func (p presigningStore) PresignedURL(ctx context.Context, storagePath string, expiry time.Duration) (*url.URL, error) {
	return url.Parse("https://objects.example.com/" + storagePath + "?X-Amz-Expires=" + strconv.Itoa(int(expiry.Seconds())))
}

func store(t *testing.T, blobs blob.Store, index *storage.MemoryIndex, data []byte) string {
	t.Helper()
	ctx := context.Background()
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])

	staged, err := blobs.Stage(ctx)
	require.NoError(t, err)
	_, err = staged.Write(data)
	require.NoError(t, err)
	p, err := staged.Promote(ctx, h)
	require.NoError(t, err)

	_, _, err = index.InsertIfAbsent(ctx, types.StoredObject{
		ContentHash:   h,
		Size:          int64(len(data)),
		StoragePath:   p,
		PublicPath:    blobs.PublicPath(h),
		FirstStoredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return p
}

func router(h *FileHandlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /files/{a}/{b}/{hash}", h.Download())
	mux.Handle("GET /files/{a}/{b}/{hash}/info", h.Info())
	return mux
}

func get(mux http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestDownload_Streams(t *testing.T) {
	blobs := blob.NewFSStore(memfs.New(), "/files")
	index := storage.NewMemoryIndex()
	p := store(t, blobs, index, []byte("hello, committed world"))
	mux := router(NewFileHandlers(blobs, index, time.Minute))

	rec := get(mux, "/files/"+p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello, committed world", rec.Body.String())
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	rec = get(mux, "/files/"+p, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = get(mux, "/files/"+p, "Range", "bytes=0-4")
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestDownload_Errors(t *testing.T) {
	blobs := blob.NewFSStore(memfs.New(), "/files")
	mux := router(NewFileHandlers(blobs, storage.NewMemoryIndex(), 0))

	missing := sha256.Sum256([]byte("never stored"))
	h := hex.EncodeToString(missing[:])

	assert.Equal(t, http.StatusNotFound, get(mux, "/files/"+h[:2]+"/"+h[2:4]+"/"+h).Code)
	assert.Equal(t, http.StatusBadRequest, get(mux, "/files/aa/bb/"+h).Code)
	assert.Equal(t, http.StatusBadRequest, get(mux, "/files/"+h[:2]+"/"+h[2:4]+"/nothex").Code)
}

func TestDownload_RedirectsToPresignedURL(t *testing.T) {
	blobs := presigningStore{blob.NewFSStore(memfs.New(), "/files")}
	index := storage.NewMemoryIndex()
	p := store(t, blobs, index, []byte("big video"))
	mux := router(NewFileHandlers(blobs, index, 15*time.Minute))

	rec := get(mux, "/files/"+p)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://objects.example.com/"+p+"?X-Amz-Expires=900", rec.Header().Get("Location"))

	missing := sha256.Sum256([]byte("never stored"))
	h := hex.EncodeToString(missing[:])
	assert.Equal(t, http.StatusNotFound, get(mux, "/files/"+h[:2]+"/"+h[2:4]+"/"+h).Code)
}

func TestInfo(t *testing.T) {
	blobs := blob.NewFSStore(memfs.New(), "https://cdn.example.com/files")
	index := storage.NewMemoryIndex()
	p := store(t, blobs, index, []byte("described"))
	mux := router(NewFileHandlers(blobs, index, 0))

	rec := get(mux, "/files/"+p+"/info")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"publicPath":"https://cdn.example.com/files/`+p+`"`)
	assert.Contains(t, rec.Body.String(), `"size":9`)

	missing := sha256.Sum256([]byte("never stored"))
	h := hex.EncodeToString(missing[:])
	assert.Equal(t, http.StatusNotFound, get(mux, "/files/"+h[:2]+"/"+h[2:4]+"/"+h+"/info").Code)
}
