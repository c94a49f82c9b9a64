// Package uploads is the application service behind the upload endpoints. It
// runs each operation against the session manager, chunk store and commit
// engine and reports the outcome to the event, audit and metrics sinks.
package uploads

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/audit"
	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/commit"
	"github.com/princekumarofficial/uploads-service/internal/events"
	"github.com/princekumarofficial/uploads-service/internal/metrics"
	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

type Service struct {
	sessions  *session.Manager
	chunks    chunkstore.Store
	engine    *commit.Engine
	publisher events.Publisher
	audit     *audit.Logger
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(sessions *session.Manager, chunks chunkstore.Store, engine *commit.Engine, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		chunks:    chunks,
		engine:    engine,
		publisher: events.Nop{},
		audit:     audit.Nop(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChunkReceipt acknowledges a stored chunk
type ChunkReceipt struct {
	Index          int
	Size           int64
	UploadedChunks int
	TotalChunks    int
}

// CreateUpload opens a session owned by the caller
func (s *Service) CreateUpload(ctx context.Context, caller types.Caller, fileName string, totalSize int64, totalChunks int, metadata map[string]string) (*session.Session, error) {
	sess, err := s.sessions.CreateSession(ctx, caller.UserID, fileName, totalSize, totalChunks, metadata)
	if err != nil {
		return nil, err
	}

	s.audit.LogCreated(sess.ID, sess.OwnerID, sess.TotalSize, sess.TotalChunks)
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	return sess, nil
}

// PutChunk stores one chunk and marks it received. checksumHeader is the raw
// X-Chunk-Checksum value and may be empty.
func (s *Service) PutChunk(ctx context.Context, caller types.Caller, uploadID string, index int, body io.Reader, checksumHeader string) (ChunkReceipt, error) {
	receipt, ownerID, err := s.putChunk(ctx, caller, uploadID, index, body, checksumHeader)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordChunkRejected(types.Kind(err))
		}
		if ownerID != "" && !errors.Is(err, types.ErrForbidden) {
			s.audit.LogChunkRejected(uploadID, ownerID, index, err)
		}
		return ChunkReceipt{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordChunk(receipt.Size)
	}
	s.publisher.PublishChunkReceived(ownerID, uploadID, index, receipt.UploadedChunks, receipt.TotalChunks)
	return receipt, nil
}

func (s *Service) putChunk(ctx context.Context, caller types.Caller, uploadID string, index int, body io.Reader, checksumHeader string) (ChunkReceipt, string, error) {
	sum, err := chunkstore.ParseChecksum(checksumHeader)
	if err != nil {
		return ChunkReceipt{}, "", err
	}

	sess, err := s.load(ctx, caller, uploadID, "put_chunk")
	if err != nil {
		return ChunkReceipt{}, ownerOf(sess), err
	}

	// the lease keeps a commit from starting while the bytes are written
	write, err := s.sessions.BeginChunkWrite(ctx, uploadID, index)
	if err != nil {
		return ChunkReceipt{}, sess.OwnerID, err
	}
	defer write.Release(ctx)

	n, err := s.chunks.Put(ctx, uploadID, index, body, sum)
	if err != nil {
		return ChunkReceipt{}, sess.OwnerID, err
	}

	uploaded, err := s.sessions.RecordChunkReceived(ctx, uploadID, index)
	if err != nil {
		s.releaseOrphan(ctx, uploadID)
		return ChunkReceipt{}, sess.OwnerID, err
	}

	return ChunkReceipt{
		Index:          index,
		Size:           n,
		UploadedChunks: uploaded,
		TotalChunks:    sess.TotalChunks,
	}, sess.OwnerID, nil
}

// releaseOrphan drops chunk data written after the session stopped taking
// chunks. Chunks of a session that is still committing are left alone.
func (s *Service) releaseOrphan(ctx context.Context, uploadID string) {
	sess, err := s.sessions.Get(ctx, uploadID)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case err != nil:
		return
	case sess.State != types.StateExpired && sess.State != types.StateCommitted:
		return
	}

	if err := s.sessions.ReleaseChunks(ctx, uploadID); err != nil {
		s.logger.Warn("Failed to release orphaned chunks",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()))
	}
}

// Status reports the progress of a session
func (s *Service) Status(ctx context.Context, caller types.Caller, uploadID string) (*session.Status, error) {
	sess, err := s.load(ctx, caller, uploadID, "status")
	if err != nil {
		return nil, err
	}
	return s.sessions.StatusOf(sess), nil
}

// Commit assembles the upload into a stored object
func (s *Service) Commit(ctx context.Context, caller types.Caller, uploadID string, metadata map[string]string) (types.CommitResult, error) {
	sess, err := s.load(ctx, caller, uploadID, "commit")
	if err != nil {
		return types.CommitResult{}, err
	}
	if sess.State == types.StateCommitted {
		if !sess.Carries(metadata) {
			return types.CommitResult{}, types.ErrMetadataConflict
		}
		return *sess.Result, nil
	}

	started := time.Now()
	result, err := s.engine.Commit(ctx, caller, uploadID, metadata)
	elapsed := time.Since(started).Seconds()

	if err != nil {
		s.audit.LogCommitFailed(uploadID, sess.OwnerID, err)
		if s.metrics != nil {
			s.metrics.RecordCommit(types.Kind(err), elapsed, 0)
		}
		var storageErr *types.StorageError
		if errors.As(err, &storageErr) || errors.Is(err, types.ErrInvalidArgument) {
			s.publisher.PublishFailed(sess.OwnerID, uploadID, err.Error())
		}
		return types.CommitResult{}, err
	}

	s.audit.LogCommitSucceeded(uploadID, sess.OwnerID, result)
	if s.metrics != nil {
		outcome := "stored"
		if result.IsDuplicate {
			outcome = "duplicate"
		}
		s.metrics.RecordCommit(outcome, elapsed, result.Size)
	}
	s.publisher.PublishCommitted(sess.OwnerID, uploadID, result)
	return result, nil
}

// Discard abandons an OPEN or FAILED session and frees its chunks
func (s *Service) Discard(ctx context.Context, caller types.Caller, uploadID string) error {
	sess, err := s.load(ctx, caller, uploadID, "discard")
	if err != nil {
		return err
	}
	if err := s.sessions.Discard(ctx, uploadID); err != nil {
		return err
	}
	s.audit.LogDiscarded(uploadID, sess.OwnerID, caller.UserID)
	return nil
}

// OnExpired is called by the sweeper for every session it expires
func (s *Service) OnExpired(ctx context.Context, uploadID string) {
	if s.metrics != nil {
		s.metrics.SessionsExpired.Inc()
	}

	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		s.logger.Warn("Expired session vanished before notification",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()))
		return
	}
	s.audit.LogExpired(uploadID, sess.OwnerID)
	s.publisher.PublishExpired(sess.OwnerID, uploadID)
}

// load fetches a session and checks the caller may act on it. On a denial
// the session is still returned so the rejection can be audited.
func (s *Service) load(ctx context.Context, caller types.Caller, uploadID, operation string) (*session.Session, error) {
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Authorize(sess, caller); err != nil {
		s.audit.LogAccessDenied(uploadID, sess.OwnerID, caller.UserID, operation)
		return sess, err
	}
	return sess, nil
}

func ownerOf(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.OwnerID
}
