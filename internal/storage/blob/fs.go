package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

const stagingDir = ".staging"

// FSStore keeps blobs on a billy filesystem. Staged files live under
// .staging on the same filesystem so promotion is a rename.
type FSStore struct {
	Layout
	fs billy.Filesystem
}

func NewFSStore(fs billy.Filesystem, publicBaseURL string) *FSStore {
	return &FSStore{Layout: Layout{PublicBaseURL: publicBaseURL}, fs: fs}
}

func (s *FSStore) Stage(ctx context.Context) (Staged, error) {
	if err := s.fs.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, storageErr("create staging dir", err)
	}
	name := path.Join(stagingDir, uuid.New().String())
	f, err := s.fs.Create(name)
	if err != nil {
		return nil, storageErr("create staged blob", err)
	}
	return &fsStaged{store: s, file: f, name: name}, nil
}

// PurgeStaging removes staged files last written before cutoff
func (s *FSStore) PurgeStaging(ctx context.Context, cutoff time.Time) (int, error) {
	return purgeStaging(ctx, s.fs, cutoff)
}

func purgeStaging(ctx context.Context, fs billy.Filesystem, cutoff time.Time) (int, error) {
	entries, err := fs.ReadDir(stagingDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("list staging dir", err)
	}

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if entry.IsDir() || !entry.ModTime().Before(cutoff) {
			continue
		}
		err := fs.Remove(path.Join(stagingDir, entry.Name()))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, storageErr("remove staged blob", err)
		}
		removed++
	}
	return removed, nil
}

func (s *FSStore) Exists(ctx context.Context, contentHash string) (bool, error) {
	if !ValidHash(contentHash) {
		return false, ErrBadHash
	}
	_, err := s.fs.Stat(s.Path(contentHash))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("stat blob", err)
	}
	return true, nil
}

func (s *FSStore) Open(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	if _, err := ParsePath(storagePath); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(storagePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.ErrObjectNotFound
	}
	if err != nil {
		return nil, storageErr("open blob", err)
	}
	return f, nil
}

type fsStaged struct {
	store  *FSStore
	file   billy.File
	name   string
	closed bool
	done   bool
}

func (f *fsStaged) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	if err != nil {
		return n, storageErr("write staged blob", err)
	}
	return n, nil
}

func (f *fsStaged) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}

func (f *fsStaged) Promote(ctx context.Context, contentHash string) (string, error) {
	if !ValidHash(contentHash) {
		f.Discard()
		return "", ErrBadHash
	}
	if err := f.close(); err != nil {
		f.Discard()
		return "", storageErr("close staged blob", err)
	}

	target := f.store.Path(contentHash)
	exists, err := f.store.Exists(ctx, contentHash)
	if err != nil {
		f.Discard()
		return "", err
	}
	if exists {
		// identical bytes are already there
		return target, f.Discard()
	}

	if err := f.store.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		f.Discard()
		return "", storageErr("create blob dir", err)
	}
	if err := f.store.fs.Rename(f.name, target); err != nil {
		f.Discard()
		if exists, _ := f.store.Exists(ctx, contentHash); exists {
			return target, nil
		}
		return "", storageErr("promote blob", fmt.Errorf("rename %s: %w", f.name, err))
	}
	f.done = true

	return target, nil
}

func (f *fsStaged) Discard() error {
	if f.done {
		return nil
	}
	f.close()
	f.done = true
	if err := f.store.fs.Remove(f.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr("remove staged blob", err)
	}
	return nil
}

var _ Store = (*FSStore)(nil)
