package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("upload session not found")
	ErrExpired          = errors.New("upload session expired")
	ErrForbidden        = errors.New("access denied")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrChunkTooLarge    = errors.New("chunk exceeds maximum size")
	ErrIndexOutOfRange  = errors.New("chunk index out of range")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidState     = errors.New("invalid session state")
	ErrCommitInProgress = errors.New("commit already in progress")
	ErrChunksInFlight   = errors.New("chunk uploads still in progress")
	ErrMetadataConflict = errors.New("upload was committed with different metadata")
	ErrObjectNotFound   = errors.New("stored object not found")
)

// IncompleteError is returned by commit when chunks are missing. Missing
// lists exactly the absent indices in ascending order.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunks missing", len(e.Missing))
}

// StorageError wraps an I/O or backend failure during commit. The session is
// left FAILED with its chunks intact so commit can be retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Kind names the taxonomy bucket of err for logs and metrics.
func Kind(err error) string {
	var incomplete *IncompleteError
	var storage *StorageError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.As(err, &incomplete):
		return "incomplete"
	case errors.As(err, &storage):
		return "storage_failure"
	case errors.Is(err, ErrIndexOutOfRange), errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrChunkTooLarge):
		return "chunk_too_large"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrCommitInProgress),
		errors.Is(err, ErrChunksInFlight), errors.Is(err, ErrMetadataConflict):
		return "conflict"
	default:
		return "internal"
	}
}
