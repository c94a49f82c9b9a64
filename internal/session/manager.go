package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

const defaultWriteLease = 10 * time.Minute

var terminalStates = []types.State{types.StateCommitted, types.StateExpired}

// Limits bound the resources a single session may claim
type Limits struct {
	MaxTotalSize   int64
	MaxTotalChunks int
}

// Manager implements the session lifecycle on top of a Store. It uses the
// chunk store only to release chunks of sessions it expires or discards.
type Manager struct {
	store      Store
	chunks     chunkstore.Store
	ttl        time.Duration
	writeLease time.Duration
	limits     Limits
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithWriteLease bounds how long a crashed chunk writer can hold off a commit
func WithWriteLease(d time.Duration) Option {
	return func(m *Manager) { m.writeLease = d }
}

func NewManager(store Store, chunks chunkstore.Store, ttl time.Duration, limits Limits, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		chunks:     chunks,
		ttl:        ttl,
		writeLease: defaultWriteLease,
		limits:     limits,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's clock reading
func (m *Manager) Now() time.Time {
	return m.now()
}

// CreateSession opens a new upload. An empty file is declared as
// totalSize 0 with exactly one (empty) chunk.
func (m *Manager) CreateSession(ctx context.Context, ownerID, fileName string, totalSize int64, totalChunks int, metadata map[string]string) (*Session, error) {
	switch {
	case ownerID == "":
		return nil, fmt.Errorf("%w: owner is required", types.ErrInvalidArgument)
	case strings.TrimSpace(fileName) == "":
		return nil, fmt.Errorf("%w: fileName is required", types.ErrInvalidArgument)
	case totalChunks <= 0:
		return nil, fmt.Errorf("%w: totalChunks must be positive", types.ErrInvalidArgument)
	case totalSize < 0:
		return nil, fmt.Errorf("%w: totalSize must not be negative", types.ErrInvalidArgument)
	case totalSize == 0 && totalChunks != 1:
		return nil, fmt.Errorf("%w: an empty file is uploaded as a single empty chunk", types.ErrInvalidArgument)
	case totalSize > 0 && int64(totalChunks) > totalSize:
		return nil, fmt.Errorf("%w: more chunks than bytes", types.ErrInvalidArgument)
	case m.limits.MaxTotalSize > 0 && totalSize > m.limits.MaxTotalSize:
		return nil, fmt.Errorf("%w: totalSize exceeds limit of %d bytes", types.ErrInvalidArgument, m.limits.MaxTotalSize)
	case m.limits.MaxTotalChunks > 0 && totalChunks > m.limits.MaxTotalChunks:
		return nil, fmt.Errorf("%w: totalChunks exceeds limit of %d", types.ErrInvalidArgument, m.limits.MaxTotalChunks)
	}

	now := m.now().UTC()
	s := &Session{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		FileName:    fileName,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		Metadata:    copyMetadata(metadata),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		UpdatedAt:   now,
		State:       types.StateOpen,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Get loads a session. A session past its deadline that the sweeper has not
// reached yet is still returned; callers decide with PastDeadline.
func (m *Manager) Get(ctx context.Context, uploadID string) (*Session, error) {
	return m.store.Get(ctx, uploadID)
}

// Authorize allows the owner and administrators.
func (m *Manager) Authorize(s *Session, caller types.Caller) error {
	if caller.Admin || (caller.UserID != "" && caller.UserID == s.OwnerID) {
		return nil
	}
	return types.ErrForbidden
}

// RecordChunkReceived adds index to the session's received set and returns
// the number of distinct chunks received so far.
func (m *Manager) RecordChunkReceived(ctx context.Context, uploadID string, index int) (int, error) {
	return m.store.AddChunk(ctx, uploadID, index, m.now())
}

// ChunkWrite is the lease a writer holds while chunk bytes go to the chunk
// store. A commit cannot begin until every lease is released or has run out.
type ChunkWrite struct {
	m        *Manager
	uploadID string
	token    string
}

// BeginChunkWrite checks that the session accepts chunk index and takes a
// write lease on it.
func (m *Manager) BeginChunkWrite(ctx context.Context, uploadID string, index int) (*ChunkWrite, error) {
	now := m.now()
	token := uuid.New().String()
	if err := m.store.AcquireWrite(ctx, uploadID, index, token, now.Add(m.writeLease), now); err != nil {
		return nil, err
	}
	return &ChunkWrite{m: m, uploadID: uploadID, token: token}, nil
}

// Release gives the lease back. A lease that cannot be released runs out on
// its own.
func (w *ChunkWrite) Release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := w.m.store.ReleaseWrite(ctx, w.uploadID, w.token)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		w.m.logger.Warn("Failed to release chunk write lease",
			slog.String("upload_id", w.uploadID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) GetStatus(ctx context.Context, uploadID string) (*Status, error) {
	s, err := m.store.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return m.statusOf(s), nil
}

func (m *Manager) statusOf(s *Session) *Status {
	state := s.State
	if state == types.StateOpen && s.PastDeadline(m.now()) {
		state = types.StateExpired
	}

	missing := s.Missing()
	uploaded := s.TotalChunks - len(missing)
	return &Status{
		UploadID:      s.ID,
		OwnerID:       s.OwnerID,
		FileName:      s.FileName,
		State:         state,
		UploadedCount: uploaded,
		TotalChunks:   s.TotalChunks,
		Missing:       missing,
		Progress:      float64(uploaded) / float64(s.TotalChunks),
		ExpiresAt:     s.ExpiresAt,
	}
}

// StatusOf computes the status view of an already loaded session
func (m *Manager) StatusOf(s *Session) *Status {
	return m.statusOf(s)
}

func (m *Manager) CanCommit(ctx context.Context, uploadID string) (bool, error) {
	s, err := m.store.Get(ctx, uploadID)
	if err != nil {
		return false, err
	}
	return s.State == types.StateOpen && len(s.Missing()) == 0 && !s.PastDeadline(m.now()), nil
}

// BeginCommit moves an OPEN or FAILED session to COMMITTING. Exactly one of
// any number of concurrent callers (commits or the sweeper) wins.
func (m *Manager) BeginCommit(ctx context.Context, uploadID string, metadata map[string]string) (*Session, error) {
	var patch Patch
	if len(metadata) > 0 {
		current, err := m.store.Get(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		merged := copyMetadata(current.Metadata)
		if merged == nil {
			merged = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			merged[k] = v
		}
		patch.Metadata = merged
	}

	return m.store.Transition(ctx, uploadID,
		[]types.State{types.StateOpen, types.StateFailed}, types.StateCommitting,
		GuardLive, patch, m.now())
}

// CompleteCommit records the immutable result of a successful commit
func (m *Manager) CompleteCommit(ctx context.Context, uploadID string, result types.CommitResult) (*Session, error) {
	return m.store.Transition(ctx, uploadID,
		[]types.State{types.StateCommitting}, types.StateCommitted,
		GuardNone, Patch{Result: &result}, m.now())
}

// FailCommit marks a commit attempt as failed with cause. Chunks are kept so
// the caller can retry without re-uploading.
func (m *Manager) FailCommit(ctx context.Context, uploadID string, cause error) (*Session, error) {
	patch := Patch{FailureReason: "commit failed", FailureKind: "storage_failure"}
	if cause != nil {
		patch.FailureReason = cause.Error()
		patch.FailureKind = types.Kind(cause)
	}
	return m.store.Transition(ctx, uploadID,
		[]types.State{types.StateCommitting}, types.StateFailed,
		GuardNone, patch, m.now())
}

// Expire moves an OPEN session past its deadline to EXPIRED and purges its
// chunks. It reports false when the session was not eligible, e.g. because a
// commit won the race.
func (m *Manager) Expire(ctx context.Context, uploadID string) (bool, error) {
	_, err := m.store.Transition(ctx, uploadID,
		[]types.State{types.StateOpen}, types.StateExpired,
		GuardPastDeadline, Patch{FailureReason: "expired"}, m.now())
	if errors.Is(err, types.ErrInvalidState) || errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := m.chunks.DeleteAll(ctx, uploadID); err != nil {
		// PurgeTerminal retries before the record is forgotten
		m.logger.Error("Failed to purge chunks of expired session",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()))
		return true, err
	}
	return true, nil
}

// Discard removes an OPEN or FAILED session and its chunks.
func (m *Manager) Discard(ctx context.Context, uploadID string) error {
	if err := m.store.DeleteIf(ctx, uploadID, []types.State{types.StateOpen, types.StateFailed}); err != nil {
		return err
	}
	if err := m.chunks.DeleteAll(ctx, uploadID); err != nil {
		return fmt.Errorf("discard chunks: %w", err)
	}
	return nil
}

// ReleaseChunks drops the chunk data of a session
func (m *Manager) ReleaseChunks(ctx context.Context, uploadID string) error {
	return m.chunks.DeleteAll(ctx, uploadID)
}

// ListExpirable returns up to limit OPEN sessions past their deadline
func (m *Manager) ListExpirable(ctx context.Context, limit int) ([]string, error) {
	return m.store.ListExpirable(ctx, m.now(), limit)
}

// PurgeTerminal forgets COMMITTED and EXPIRED sessions that reached their
// terminal state more than retention ago. Their chunks are deleted first; a
// session whose chunks cannot be deleted is kept for the next purge.
func (m *Manager) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := m.store.ListTerminal(ctx, m.now().Add(-retention), 0)
	if err != nil {
		return 0, err
	}

	purged := 0
	var firstErr error
	for _, id := range ids {
		if err := m.chunks.DeleteAll(ctx, id); err != nil {
			m.logger.Error("Failed to purge chunks of terminal session",
				slog.String("upload_id", id),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("purge chunks of %s: %w", id, err)
			}
			continue
		}

		err := m.store.DeleteIf(ctx, id, terminalStates)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return purged, err
		}
		purged++
	}

	return purged, firstErr
}
