package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/types"
)

type memoryEntry struct {
	mu     sync.Mutex
	sess   Session
	chunks map[int]struct{}
	// write lease token -> lease end
	writes map[string]time.Time
}

func (e *memoryEntry) acceptsChunk(index int, now time.Time) error {
	switch {
	case e.sess.State == types.StateExpired || e.sess.PastDeadline(now):
		return types.ErrExpired
	case e.sess.State != types.StateOpen && e.sess.State != types.StateFailed:
		return fmt.Errorf("%w: session is %s", types.ErrInvalidState, e.sess.State)
	case index < 0 || index >= e.sess.TotalChunks:
		return types.ErrIndexOutOfRange
	}
	return nil
}

func (e *memoryEntry) liveWrites(now time.Time) int {
	for token, until := range e.writes {
		if !until.After(now) {
			delete(e.writes, token)
		}
	}
	return len(e.writes)
}

func (e *memoryEntry) snapshot() *Session {
	s := e.sess
	s.Metadata = copyMetadata(e.sess.Metadata)
	if e.sess.Result != nil {
		r := *e.sess.Result
		s.Result = &r
	}
	s.Uploaded = sortedIndices(e.chunks)
	return &s
}

// MemoryStore keeps sessions in process memory. The map lock only guards
// membership; each session has its own lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) entry(uploadID string) (*memoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[uploadID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: session %s already exists", types.ErrInvalidState, s.ID)
	}
	e := &memoryEntry{sess: *s, chunks: make(map[int]struct{}), writes: make(map[string]time.Time)}
	e.sess.Metadata = copyMetadata(s.Metadata)
	e.sess.Uploaded = nil
	m.sessions[s.ID] = e

	return nil
}

func (m *MemoryStore) Get(ctx context.Context, uploadID string) (*Session, error) {
	e, err := m.entry(uploadID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (m *MemoryStore) AddChunk(ctx context.Context, uploadID string, index int, now time.Time) (int, error) {
	e, err := m.entry(uploadID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.acceptsChunk(index, now); err != nil {
		return 0, err
	}

	e.chunks[index] = struct{}{}
	e.sess.UpdatedAt = now
	return len(e.chunks), nil
}

func (m *MemoryStore) AcquireWrite(ctx context.Context, uploadID string, index int, token string, until, now time.Time) error {
	e, err := m.entry(uploadID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.acceptsChunk(index, now); err != nil {
		return err
	}
	e.writes[token] = until
	return nil
}

func (m *MemoryStore) ReleaseWrite(ctx context.Context, uploadID, token string) error {
	e, err := m.entry(uploadID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.writes, token)
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, uploadID string, from []types.State, to types.State, guard Guard, patch Patch, now time.Time) (*Session, error) {
	e, err := m.entry(uploadID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !stateIn(e.sess.State, from) {
		return e.snapshot(), fmt.Errorf("%w: session is %s", types.ErrInvalidState, e.sess.State)
	}
	switch guard {
	case GuardLive:
		if e.sess.PastDeadline(now) {
			return e.snapshot(), types.ErrExpired
		}
	case GuardPastDeadline:
		if !e.sess.PastDeadline(now) {
			return e.snapshot(), fmt.Errorf("%w: session has not reached its deadline", types.ErrInvalidState)
		}
	}
	if to == types.StateCommitting && e.liveWrites(now) > 0 {
		return e.snapshot(), types.ErrChunksInFlight
	}

	e.sess.State = to
	e.sess.UpdatedAt = now
	if patch.Result != nil {
		r := *patch.Result
		e.sess.Result = &r
	}
	if patch.FailureReason != "" {
		e.sess.FailureReason = patch.FailureReason
	}
	if patch.FailureKind != "" {
		e.sess.FailureKind = patch.FailureKind
	}
	if patch.Metadata != nil {
		e.sess.Metadata = copyMetadata(patch.Metadata)
	}

	return e.snapshot(), nil
}

func (m *MemoryStore) DeleteIf(ctx context.Context, uploadID string, from []types.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[uploadID]
	if !ok {
		return types.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !stateIn(e.sess.State, from) {
		return fmt.Errorf("%w: session is %s", types.ErrInvalidState, e.sess.State)
	}
	delete(m.sessions, uploadID)

	return nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	type candidate struct {
		id        string
		expiresAt time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.sess.State == types.StateOpen && e.sess.PastDeadline(now) {
			candidates = append(candidates, candidate{id: e.sess.ID, expiresAt: e.sess.ExpiresAt})
		}
		e.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

func (m *MemoryStore) ListTerminal(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.sess.State.Terminal() && e.sess.UpdatedAt.Before(before) {
			candidates = append(candidates, candidate{id: e.sess.ID, updatedAt: e.sess.UpdatedAt})
		}
		e.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updatedAt.Before(candidates[j].updatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
