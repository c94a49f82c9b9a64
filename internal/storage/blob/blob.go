// Package blob stores committed file content under paths derived from the
// content's SHA-256.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/types"
)

var ErrBadHash = errors.New("blob: content hash must be 64 lowercase hex characters")

// Store promotes staged content to its permanent content-addressed location.
// Promoting a hash that already has content is a no-op, so a retried commit
// converges on the same object.
type Store interface {
	// Stage returns a writer for content whose hash is not known yet
	Stage(ctx context.Context) (Staged, error)
	Exists(ctx context.Context, contentHash string) (bool, error)
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
	// Path is the storage path of contentHash, relative to the store root
	Path(contentHash string) string
	PublicPath(contentHash string) string
}

// StagingPurger removes staged content left behind by commits that never
// finished, such as those of a process that crashed mid-assembly.
type StagingPurger interface {
	PurgeStaging(ctx context.Context, cutoff time.Time) (int, error)
}

type Staged interface {
	io.Writer
	// Promote moves the staged content to Path(contentHash). The staged data
	// is released whether or not it was needed.
	Promote(ctx context.Context, contentHash string) (string, error)
	// Discard releases the staged data. Safe after Promote.
	Discard() error
}

// Layout maps hashes to the sharded ab/cd/<hash> layout
type Layout struct {
	PublicBaseURL string
}

func (l Layout) Path(contentHash string) string {
	return path.Join(contentHash[:2], contentHash[2:4], contentHash)
}

func (l Layout) PublicPath(contentHash string) string {
	return strings.TrimRight(l.PublicBaseURL, "/") + "/" + l.Path(contentHash)
}

// ValidHash reports whether h is a lowercase hex SHA-256
func ValidHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParsePath returns the hash addressed by a storage path, or ErrBadHash if
// the path is not one this package produces.
func ParsePath(storagePath string) (string, error) {
	parts := strings.Split(strings.Trim(storagePath, "/"), "/")
	if len(parts) != 3 {
		return "", ErrBadHash
	}
	h := parts[2]
	if !ValidHash(h) || parts[0] != h[:2] || parts[1] != h[2:4] {
		return "", ErrBadHash
	}
	return h, nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.StorageError{Op: op, Err: err}
}
