// Package commit assembles a completed upload into the content-addressed
// store: it streams the chunks through SHA-256, deduplicates by hash and
// records the result on the session.
package commit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"golang.org/x/sync/singleflight"
)

const defaultPollInterval = 250 * time.Millisecond

var errAbandoned = errors.New("commit abandoned")

type Engine struct {
	sessions     *session.Manager
	chunks       chunkstore.Store
	blobs        blob.Store
	index        storage.ObjectIndex
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	group        singleflight.Group
}

type Option func(*Engine)

// WithPollInterval sets how often a caller waiting on another process's
// commit re-reads the session
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(sessions *session.Manager, chunks chunkstore.Store, blobs blob.Store, index storage.ObjectIndex, timeout time.Duration, opts ...Option) *Engine {
	e := &Engine{
		sessions:     sessions,
		chunks:       chunks,
		blobs:        blobs,
		index:        index,
		timeout:      timeout,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Commit turns a complete upload into a stored object. Calling it again on a
// committed session returns the recorded result without touching storage.
// A caller whose metadata did not make it onto the committed session gets
// types.ErrMetadataConflict instead of the result.
func (e *Engine) Commit(ctx context.Context, caller types.Caller, uploadID string, metadata map[string]string) (types.CommitResult, error) {
	result, err := e.commit(ctx, caller, uploadID, metadata)
	if err != nil || len(metadata) == 0 {
		return result, err
	}

	s, err := e.sessions.Get(ctx, uploadID)
	if err != nil {
		return types.CommitResult{}, err
	}
	if !s.Carries(metadata) {
		return types.CommitResult{}, types.ErrMetadataConflict
	}
	return result, nil
}

func (e *Engine) commit(ctx context.Context, caller types.Caller, uploadID string, metadata map[string]string) (types.CommitResult, error) {
	s, err := e.sessions.Get(ctx, uploadID)
	if err != nil {
		return types.CommitResult{}, err
	}
	if err := e.sessions.Authorize(s, caller); err != nil {
		return types.CommitResult{}, err
	}

	switch s.State {
	case types.StateCommitted:
		return *s.Result, nil
	case types.StateExpired:
		return types.CommitResult{}, types.ErrExpired
	case types.StateCommitting:
		return e.await(ctx, uploadID)
	}
	if s.PastDeadline(e.sessions.Now()) {
		return types.CommitResult{}, types.ErrExpired
	}
	if missing := s.Missing(); len(missing) > 0 {
		return types.CommitResult{}, &types.IncompleteError{Missing: missing}
	}

	// callers in this process share one run; the run outlives any single
	// caller's request context
	ch := e.group.DoChan(uploadID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		return e.run(runCtx, uploadID, metadata)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.CommitResult{}, res.Err
		}
		return res.Val.(types.CommitResult), nil
	case <-ctx.Done():
		// the run goes on without this caller
		return types.CommitResult{}, fmt.Errorf("%w: %v", types.ErrCommitInProgress, ctx.Err())
	}
}

func (e *Engine) run(ctx context.Context, uploadID string, metadata map[string]string) (types.CommitResult, error) {
	s, err := e.sessions.BeginCommit(ctx, uploadID, metadata)
	if err != nil {
		if errors.Is(err, types.ErrInvalidState) && s != nil {
			switch s.State {
			case types.StateCommitted:
				return *s.Result, nil
			case types.StateCommitting:
				return e.await(ctx, uploadID)
			case types.StateExpired:
				return types.CommitResult{}, types.ErrExpired
			}
		}
		return types.CommitResult{}, err
	}

	// the received set only grows, but the CAS is the point of truth
	if missing := s.Missing(); len(missing) > 0 {
		incomplete := &types.IncompleteError{Missing: missing}
		e.fail(ctx, uploadID, incomplete)
		return types.CommitResult{}, incomplete
	}

	started := time.Now()
	result, err := e.assemble(ctx, s)
	if err != nil {
		e.fail(ctx, uploadID, err)
		return types.CommitResult{}, err
	}

	if _, err := e.sessions.CompleteCommit(ctx, uploadID, result); err != nil {
		storageErr := &types.StorageError{Op: "record result", Err: err}
		e.fail(ctx, uploadID, storageErr)
		return types.CommitResult{}, storageErr
	}

	if err := e.sessions.ReleaseChunks(ctx, uploadID); err != nil {
		// the retention purge deletes them before the session is forgotten
		e.logger.Warn("Failed to release chunks of committed session",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()))
	}

	e.logger.Info("Upload committed",
		slog.String("upload_id", uploadID),
		slog.String("sha256", result.SHA256),
		slog.Int64("size", result.Size),
		slog.Bool("duplicate", result.IsDuplicate),
		slog.Duration("took", time.Since(started)))

	return result, nil
}

// assemble streams chunks 0..N-1 into a staged blob while hashing, then
// either promotes the blob or drops it in favour of an existing object.
func (e *Engine) assemble(ctx context.Context, s *session.Session) (types.CommitResult, error) {
	staged, err := e.blobs.Stage(ctx)
	if err != nil {
		return types.CommitResult{}, asStorageError("stage blob", err)
	}
	defer staged.Discard()

	h := sha256.New()
	w := io.MultiWriter(h, staged)
	var size int64
	for i := 0; i < s.TotalChunks; i++ {
		n, err := e.copyChunk(ctx, w, s.ID, i)
		if err != nil {
			return types.CommitResult{}, err
		}
		size += n
	}
	if size != s.TotalSize {
		return types.CommitResult{}, fmt.Errorf("%w: assembled %d bytes but %d were declared",
			types.ErrInvalidArgument, size, s.TotalSize)
	}

	contentHash := hex.EncodeToString(h.Sum(nil))

	existing, err := e.index.Lookup(ctx, contentHash)
	switch {
	case err == nil:
		return resultFor(*existing, true), nil
	case !errors.Is(err, types.ErrObjectNotFound):
		return types.CommitResult{}, asStorageError("lookup object", err)
	}

	storagePath, err := staged.Promote(ctx, contentHash)
	if err != nil {
		return types.CommitResult{}, asStorageError("promote blob", err)
	}

	stored, inserted, err := e.index.InsertIfAbsent(ctx, types.StoredObject{
		ContentHash:   contentHash,
		Size:          size,
		StoragePath:   storagePath,
		PublicPath:    e.blobs.PublicPath(contentHash),
		FirstStoredAt: e.sessions.Now().UTC(),
	})
	if err != nil {
		return types.CommitResult{}, asStorageError("insert object", err)
	}

	return resultFor(stored, !inserted), nil
}

func (e *Engine) copyChunk(ctx context.Context, w io.Writer, uploadID string, index int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, asStorageError("assemble", err)
	}

	rc, err := e.chunks.Get(ctx, uploadID, index)
	if err != nil {
		return 0, asStorageError(fmt.Sprintf("read chunk %d", index), err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, asStorageError(fmt.Sprintf("copy chunk %d", index), err)
	}
	return n, nil
}

// await polls a session that another process is committing until it leaves
// COMMITTING. A commit left behind by a dead process is failed after the
// commit timeout so the owner can retry.
func (e *Engine) await(ctx context.Context, uploadID string) (types.CommitResult, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		s, err := e.sessions.Get(ctx, uploadID)
		if err != nil {
			return types.CommitResult{}, err
		}

		switch s.State {
		case types.StateCommitted:
			return *s.Result, nil
		case types.StateFailed:
			return types.CommitResult{}, failureOf(s)
		case types.StateCommitting:
			if e.sessions.Now().Sub(s.UpdatedAt) > e.timeout {
				e.fail(ctx, uploadID, errAbandoned)
			}
		default:
			return types.CommitResult{}, fmt.Errorf("%w: session is %s", types.ErrInvalidState, s.State)
		}

		select {
		case <-ctx.Done():
			return types.CommitResult{}, types.ErrCommitInProgress
		case <-ticker.C:
		}
	}
}

func (e *Engine) fail(ctx context.Context, uploadID string, cause error) {
	// the session must leave COMMITTING even if the commit context is done
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := e.sessions.FailCommit(ctx, uploadID, cause); err != nil {
		e.logger.Error("Failed to mark commit as failed",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()))
		return
	}
	e.logger.Warn("Commit failed",
		slog.String("upload_id", uploadID),
		slog.String("kind", types.Kind(cause)),
		slog.String("reason", cause.Error()))
}

// failureOf rebuilds the error a failed commit ended with, so a caller that
// only saw the session fail gets the same status as the one that ran it.
func failureOf(s *session.Session) error {
	switch s.FailureKind {
	case "invalid_argument":
		return fmt.Errorf("%w: %s", types.ErrInvalidArgument, s.FailureReason)
	case "incomplete":
		if missing := s.Missing(); len(missing) > 0 {
			return &types.IncompleteError{Missing: missing}
		}
	}
	return &types.StorageError{Op: "commit", Err: errors.New(s.FailureReason)}
}

func resultFor(obj types.StoredObject, duplicate bool) types.CommitResult {
	return types.CommitResult{
		SHA256:      obj.ContentHash,
		Size:        obj.Size,
		StoragePath: obj.StoragePath,
		PublicPath:  obj.PublicPath,
		IsDuplicate: duplicate,
	}
}

func asStorageError(op string, err error) error {
	var se *types.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &types.StorageError{Op: op, Err: err}
}
