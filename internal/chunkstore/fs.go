package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

const chunkSuffix = ".chunk"

// FSStore keeps chunks as files on a billy filesystem:
// <uploadID>/<index>.chunk. Writes go to a temp file in the same directory
// and are renamed into place only after the checksum verifies.
type FSStore struct {
	fs           billy.Filesystem
	maxChunkSize int64
}

// NewFSStore creates a chunk store rooted at fs. maxChunkSize <= 0 disables
// the size cap.
func NewFSStore(fs billy.Filesystem, maxChunkSize int64) *FSStore {
	return &FSStore{fs: fs, maxChunkSize: maxChunkSize}
}

func chunkName(index int) string {
	return strconv.Itoa(index) + chunkSuffix
}

func (s *FSStore) Put(ctx context.Context, uploadID string, index int, r io.Reader, sum *Checksum) (int64, error) {
	if err := validateKey(uploadID, index); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := s.fs.MkdirAll(uploadID, 0o755); err != nil {
		return 0, fmt.Errorf("create chunk dir: %w", err)
	}

	tmp, err := s.fs.TempFile(uploadID, ".put-")
	if err != nil {
		return 0, fmt.Errorf("create temp chunk: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpName)
		}
	}()

	src := r
	if s.maxChunkSize > 0 {
		src = io.LimitReader(r, s.maxChunkSize+1)
	}
	v := newVerifier(sum)
	n, err := io.Copy(io.MultiWriter(tmp, v), src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if s.maxChunkSize > 0 && n > s.maxChunkSize {
		return 0, types.ErrChunkTooLarge
	}
	if !v.ok() {
		return 0, types.ErrChecksumMismatch
	}

	dst := path.Join(uploadID, chunkName(index))
	if err := s.fs.Rename(tmpName, dst); err != nil {
		// some filesystems refuse to rename over an existing file
		if _, statErr := s.fs.Stat(dst); statErr != nil {
			return 0, fmt.Errorf("rename chunk: %w", err)
		}
		if err := s.fs.Remove(dst); err != nil {
			return 0, fmt.Errorf("replace chunk: %w", err)
		}
		if err := s.fs.Rename(tmpName, dst); err != nil {
			return 0, fmt.Errorf("rename chunk: %w", err)
		}
	}
	committed = true

	return n, nil
}

func (s *FSStore) Get(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	if err := validateKey(uploadID, index); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(path.Join(uploadID, chunkName(index)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%d", types.ErrChunkNotFound, uploadID, index)
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	return f, nil
}

func (s *FSStore) ListIndices(ctx context.Context, uploadID string) ([]int, error) {
	if err := validateKey(uploadID, 0); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := s.fs.ReadDir(uploadID)
	if errors.Is(err, os.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, chunkSuffix))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	return indices, nil
}

func (s *FSStore) DeleteAll(ctx context.Context, uploadID string) error {
	if err := validateKey(uploadID, 0); err != nil {
		return err
	}
	if err := util.RemoveAll(s.fs, uploadID); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

var _ Store = (*FSStore)(nil)
