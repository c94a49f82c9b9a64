package commit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/testutil"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = types.Caller{UserID: "user-1"}

// countingChunks counts chunk reads
type countingChunks struct {
	chunkstore.Store
	reads atomic.Int64
}

func (c *countingChunks) Get(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	c.reads.Add(1)
	return c.Store.Get(ctx, uploadID, index)
}

// gatedChunks holds the first chunk read until release is closed
type gatedChunks struct {
	chunkstore.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedChunks) Get(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Store.Get(ctx, uploadID, index)
}

// flakyBlobs fails the next failures promotions
type flakyBlobs struct {
	blob.Store
	failures atomic.Int64
}

func (f *flakyBlobs) Stage(ctx context.Context) (blob.Staged, error) {
	staged, err := f.Store.Stage(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyStaged{Staged: staged, parent: f}, nil
}

type flakyStaged struct {
	blob.Staged
	parent *flakyBlobs
}

func (f *flakyStaged) Promote(ctx context.Context, contentHash string) (string, error) {
	if f.parent.failures.Add(-1) >= 0 {
		f.Staged.Discard()
		return "", errors.New("disk unavailable")
	}
	return f.Staged.Promote(ctx, contentHash)
}

type fixture struct {
	engine   *Engine
	sessions *session.Manager
	chunks   *countingChunks
	blobs    *flakyBlobs
	index    *storage.MemoryIndex
	clock    *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	chunks := &countingChunks{Store: chunkstore.NewFSStore(osfs.New(root+"/chunks"), 1<<20)}
	blobs := &flakyBlobs{Store: blob.NewFSStore(osfs.New(root+"/objects"), "/files")}
	index := storage.NewMemoryIndex()
	sessions := session.NewManager(session.NewMemoryStore(), chunks, time.Hour,
		session.Limits{MaxTotalSize: 1 << 30, MaxTotalChunks: 1000}, session.WithClock(clock.Now))

	return &fixture{
		engine:   NewEngine(sessions, chunks, blobs, index, time.Minute, WithPollInterval(5*time.Millisecond)),
		sessions: sessions,
		chunks:   chunks,
		blobs:    blobs,
		index:    index,
		clock:    clock,
	}
}

// upload creates a session for parts and uploads the given indices
func (f *fixture) upload(t *testing.T, parts [][]byte, indices ...int) string {
	t.Helper()
	ctx := context.Background()

	var total int64
	for _, p := range parts {
		total += int64(len(p))
	}
	s, err := f.sessions.CreateSession(ctx, owner.UserID, "book.pdf", total, len(parts), nil)
	require.NoError(t, err)

	for _, i := range indices {
		_, err := f.chunks.Put(ctx, s.ID, i, bytes.NewReader(parts[i]), nil)
		require.NoError(t, err)
		_, err = f.sessions.RecordChunkReceived(ctx, s.ID, i)
		require.NoError(t, err)
	}
	return s.ID
}

func threeParts() [][]byte {
	return [][]byte{
		bytes.Repeat([]byte("a"), 100),
		bytes.Repeat([]byte("b"), 100),
		bytes.Repeat([]byte("c"), 100),
	}
}

func sha256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestCommit_ThenDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parts := threeParts()

	first := f.upload(t, parts, 0, 1, 2)
	res, err := f.engine.Commit(ctx, owner, first, nil)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(parts...), res.SHA256)
	assert.Equal(t, int64(300), res.Size)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, f.blobs.Path(res.SHA256), res.StoragePath)
	assert.Equal(t, "/files/"+res.StoragePath, res.PublicPath)

	rc, err := f.blobs.Open(ctx, res.StoragePath)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(parts, nil), stored)

	second := f.upload(t, parts, 2, 0, 1)
	dup, err := f.engine.Commit(ctx, owner, second, nil)
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, res.SHA256, dup.SHA256)
	assert.Equal(t, res.StoragePath, dup.StoragePath)
	assert.Equal(t, 1, f.index.Len())

	for _, id := range []string{first, second} {
		s, err := f.sessions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StateCommitted, s.State)

		indices, err := f.chunks.ListIndices(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, indices, "chunks are released after commit")
	}
}

func TestCommit_Incomplete(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threeParts(), 0, 2)

	_, err := f.engine.Commit(context.Background(), owner, id, nil)
	var incomplete *types.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{1}, incomplete.Missing)

	s, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StateOpen, s.State)
}

func TestCommit_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	first, err := f.engine.Commit(ctx, owner, id, nil)
	require.NoError(t, err)
	reads := f.chunks.reads.Load()

	again, err := f.engine.Commit(ctx, owner, id, nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, reads, f.chunks.reads.Load(), "a committed session is not re-read")
}

func TestCommit_StorageFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parts := threeParts()
	id := f.upload(t, parts, 0, 1, 2)

	f.blobs.failures.Store(1)
	_, err := f.engine.Commit(ctx, owner, id, nil)
	var storageErr *types.StorageError
	require.ErrorAs(t, err, &storageErr)

	s, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, s.State)
	assert.Contains(t, s.FailureReason, "disk unavailable")

	indices, err := f.chunks.ListIndices(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices, "chunks survive a failed commit")
	assert.Equal(t, 0, f.index.Len())

	res, err := f.engine.Commit(ctx, owner, id, nil)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(parts...), res.SHA256)
	assert.False(t, res.IsDuplicate)
}

func TestCommit_ConcurrentSameSession(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threeParts(), 0, 1, 2)

	const callers = 10
	results := make([]types.CommitResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = f.engine.Commit(context.Background(), owner, id, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.False(t, results[0].IsDuplicate)
	assert.Equal(t, int64(3), f.chunks.reads.Load(), "chunks are assembled once")
}

func TestCommit_ConcurrentIdenticalContentConverges(t *testing.T) {
	f := newFixture(t)
	parts := threeParts()

	const sessions = 6
	ids := make([]string, sessions)
	for i := range ids {
		ids[i] = f.upload(t, parts, 0, 1, 2)
	}

	results := make([]types.CommitResult, sessions)
	errs := make([]error, sessions)
	var wg sync.WaitGroup
	wg.Add(sessions)
	for i := range ids {
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = f.engine.Commit(context.Background(), owner, ids[n], nil)
		}(i)
	}
	wg.Wait()

	originals := 0
	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].SHA256, results[i].SHA256)
		assert.Equal(t, results[0].StoragePath, results[i].StoragePath)
		if !results[i].IsDuplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
	assert.Equal(t, 1, f.index.Len())
}

func TestCommit_EmptyFile(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, [][]byte{{}}, 0)

	res, err := f.engine.Commit(context.Background(), owner, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", res.SHA256)
	assert.Equal(t, int64(0), res.Size)
}

func TestCommit_SizeMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.sessions.CreateSession(ctx, owner.UserID, "short.bin", 10, 1, nil)
	require.NoError(t, err)
	_, err = f.chunks.Put(ctx, s.ID, 0, bytes.NewReader([]byte("1234")), nil)
	require.NoError(t, err)
	_, err = f.sessions.RecordChunkReceived(ctx, s.ID, 0)
	require.NoError(t, err)

	_, err = f.engine.Commit(ctx, owner, s.ID, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	got, err := f.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, got.State)
	assert.Equal(t, 0, f.index.Len())
}

func TestCommit_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	_, err := f.engine.Commit(ctx, owner, "unknown", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.engine.Commit(ctx, types.Caller{UserID: "intruder"}, id, nil)
	assert.ErrorIs(t, err, types.ErrForbidden)

	f.clock.Advance(time.Hour)
	_, err = f.engine.Commit(ctx, owner, id, nil)
	assert.ErrorIs(t, err, types.ErrExpired)

	expired, err := f.sessions.Expire(ctx, id)
	require.NoError(t, err)
	assert.True(t, expired)

	_, err = f.engine.Commit(ctx, types.Caller{UserID: "admin", Admin: true}, id, nil)
	assert.ErrorIs(t, err, types.ErrExpired)
}

func TestCommit_MergesMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	_, err := f.engine.Commit(ctx, owner, id, map[string]string{"isbn": "978-0"})
	require.NoError(t, err)

	s, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "978-0", s.Metadata["isbn"])
}

func TestCommit_WaitsForOtherProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	// another replica won the CAS
	_, err := f.sessions.BeginCommit(ctx, id, nil)
	require.NoError(t, err)

	want := types.CommitResult{SHA256: "feed", Size: 300, StoragePath: "fe/ed/feed", PublicPath: "/files/fe/ed/feed"}
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.sessions.CompleteCommit(ctx, id, want)
	}()

	got, err := f.engine.Commit(ctx, owner, id, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCommit_ReclaimsAbandonedCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	_, err := f.sessions.BeginCommit(ctx, id, nil)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	_, err = f.engine.Commit(ctx, owner, id, nil)
	var storageErr *types.StorageError
	require.ErrorAs(t, err, &storageErr)

	s, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, s.State)
	assert.Equal(t, "commit abandoned", s.FailureReason)

	res, err := f.engine.Commit(ctx, owner, id, nil)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
}

func TestCommit_WaitTimesOut(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threeParts(), 0, 1, 2)

	_, err := f.sessions.BeginCommit(context.Background(), id, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.engine.Commit(ctx, owner, id, nil)
	assert.ErrorIs(t, err, types.ErrCommitInProgress)
}

func TestCommit_ExpiryAndCommitNeverBothWin(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		id := f.upload(t, threeParts(), 0, 1, 2)
		f.clock.Advance(time.Hour - time.Millisecond)

		var wg sync.WaitGroup
		var commitErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, commitErr = f.engine.Commit(ctx, owner, id, nil)
		}()
		go func() {
			defer wg.Done()
			f.clock.Advance(time.Millisecond)
			f.sessions.Expire(ctx, id)
		}()
		wg.Wait()

		s, err := f.sessions.Get(ctx, id)
		require.NoError(t, err)
		if commitErr == nil {
			assert.Equal(t, types.StateCommitted, s.State)
		} else {
			assert.ErrorIs(t, commitErr, types.ErrExpired)
			assert.Equal(t, types.StateExpired, s.State)
		}
	}
}

func TestCommit_MetadataConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	first, err := f.engine.Commit(ctx, owner, id, map[string]string{"isbn": "978-0"})
	require.NoError(t, err)

	again, err := f.engine.Commit(ctx, owner, id, map[string]string{"isbn": "978-0"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	again, err = f.engine.Commit(ctx, owner, id, nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = f.engine.Commit(ctx, owner, id, map[string]string{"isbn": "978-1"})
	assert.ErrorIs(t, err, types.ErrMetadataConflict)

	s, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "978-0", s.Metadata["isbn"])
}

func TestCommit_WaiterWithOtherMetadataConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.upload(t, threeParts(), 0, 1, 2)

	// another replica won the CAS with its own metadata
	_, err := f.sessions.BeginCommit(ctx, id, map[string]string{"title": "first"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.sessions.CompleteCommit(ctx, id, types.CommitResult{SHA256: "feed", Size: 300})
	}()

	_, err = f.engine.Commit(ctx, owner, id, map[string]string{"title": "second"})
	assert.ErrorIs(t, err, types.ErrMetadataConflict)
}

func TestCommit_WaiterSeesFailureKind(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		check func(t *testing.T, err error)
	}{
		{
			name:  "size mismatch",
			cause: fmt.Errorf("%w: assembled 4 bytes but 10 were declared", types.ErrInvalidArgument),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, types.ErrInvalidArgument)
				assert.Contains(t, err.Error(), "assembled 4 bytes")
			},
		},
		{
			name:  "storage",
			cause: &types.StorageError{Op: "promote blob", Err: errors.New("disk unavailable")},
			check: func(t *testing.T, err error) {
				var storageErr *types.StorageError
				require.ErrorAs(t, err, &storageErr)
				assert.Contains(t, err.Error(), "disk unavailable")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id := f.upload(t, threeParts(), 0, 1, 2)

			_, err := f.sessions.BeginCommit(ctx, id, nil)
			require.NoError(t, err)

			go func() {
				time.Sleep(20 * time.Millisecond)
				f.sessions.FailCommit(ctx, id, tt.cause)
			}()

			_, err = f.engine.Commit(ctx, owner, id, nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCommit_CallerCancelledWhileRunning(t *testing.T) {
	f := newFixture(t)
	parts := threeParts()
	id := f.upload(t, parts, 0, 1, 2)

	gated := &gatedChunks{Store: f.chunks, entered: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(f.sessions, gated, f.blobs, f.index, time.Minute, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := engine.Commit(ctx, owner, id, nil)
		errCh <- err
	}()

	<-gated.entered
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, types.ErrCommitInProgress)
	assert.Equal(t, "conflict", types.Kind(err))

	// the run carries on without the caller
	close(gated.release)
	res, err := engine.Commit(context.Background(), owner, id, nil)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(parts...), res.SHA256)
}
