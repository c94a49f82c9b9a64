// Package session owns the lifecycle of upload sessions: creation, chunk
// receipt bookkeeping, progress queries, state transitions and expiry.
package session

import (
	"context"
	"sort"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/types"
)

// Session is one attempt to land one file
type Session struct {
	ID            string              `json:"upload_id"`
	OwnerID       string              `json:"owner_id"`
	FileName      string              `json:"file_name"`
	TotalSize     int64               `json:"total_size"`
	TotalChunks   int                 `json:"total_chunks"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	State         types.State         `json:"state"`
	FailureReason string              `json:"failure_reason,omitempty"`
	FailureKind   string              `json:"failure_kind,omitempty"`
	Result        *types.CommitResult `json:"result,omitempty"`

	// Uploaded is a sorted snapshot of received chunk indices
	Uploaded []int `json:"uploaded_chunks"`
}

// Missing returns [0, TotalChunks) minus Uploaded, ascending.
func (s *Session) Missing() []int {
	have := make(map[int]struct{}, len(s.Uploaded))
	for _, idx := range s.Uploaded {
		have[idx] = struct{}{}
	}
	missing := make([]int, 0, s.TotalChunks-len(have))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Carries reports whether every entry of metadata is recorded on the session
// with the same value.
func (s *Session) Carries(metadata map[string]string) bool {
	for k, v := range metadata {
		if got, ok := s.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// PastDeadline reports whether now is at or after ExpiresAt.
func (s *Session) PastDeadline(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Status is the progress view of a session, recomputed on every query
type Status struct {
	UploadID      string      `json:"upload_id"`
	OwnerID       string      `json:"owner_id"`
	FileName      string      `json:"file_name"`
	State         types.State `json:"state"`
	UploadedCount int         `json:"uploaded_count"`
	TotalChunks   int         `json:"total_chunks"`
	Missing       []int       `json:"missing"`
	Progress      float64     `json:"progress"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// Guard is an extra time condition checked atomically with a transition
type Guard int

const (
	GuardNone Guard = iota
	// GuardLive requires now < ExpiresAt
	GuardLive
	// GuardPastDeadline requires now >= ExpiresAt
	GuardPastDeadline
)

// Patch carries the fields written together with a state transition
type Patch struct {
	Result        *types.CommitResult
	FailureReason string
	// FailureKind is the error kind of a failed commit, see types.Kind
	FailureKind string
	Metadata    map[string]string
}

// Store persists sessions. Transition is the compare-and-set primitive all
// state changes go through: it succeeds only when the current state is one
// of from and the guard holds. On a state mismatch it returns the current
// session together with an error wrapping types.ErrInvalidState.
//
// A chunk writer holds a write lease from AcquireWrite until ReleaseWrite.
// While any lease is live, a transition to COMMITTING fails with
// types.ErrChunksInFlight, so chunk bytes never change under a commit.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, uploadID string) (*Session, error)
	AddChunk(ctx context.Context, uploadID string, index int, now time.Time) (int, error)
	AcquireWrite(ctx context.Context, uploadID string, index int, token string, until, now time.Time) error
	ReleaseWrite(ctx context.Context, uploadID, token string) error
	Transition(ctx context.Context, uploadID string, from []types.State, to types.State, guard Guard, patch Patch, now time.Time) (*Session, error)
	DeleteIf(ctx context.Context, uploadID string, from []types.State) error
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListTerminal returns COMMITTED and EXPIRED sessions that reached their
	// state before the given time, oldest first
	ListTerminal(ctx context.Context, before time.Time, limit int) ([]string, error)
}

func sortedIndices(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func stateIn(state types.State, from []types.State) bool {
	for _, s := range from {
		if s == state {
			return true
		}
	}
	return false
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
