// Package app builds the storage backends selected in the configuration.
// Both binaries share it so the service and the standalone sweeper always
// agree on where sessions and chunks live.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/princekumarofficial/uploads-service/internal/cache"
	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/config"
	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/storage/postgres"
)

// Backends are the stores an upload node runs on
type Backends struct {
	Redis    *redis.Client
	Sessions session.Store
	Chunks   chunkstore.Store
	Blobs    blob.Store
	Index    storage.ObjectIndex
	Cache    *cache.ObjectCache

	closers []io.Closer
}

func NewRedisClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NeedsMinIO reports whether any backend is configured on MinIO
func NeedsMinIO(cfg config.Uploads) bool {
	return cfg.ChunkBackend == "minio" || cfg.BlobBackend == "minio"
}

func NewSessionStore(cfg config.Uploads, rdb *redis.Client) (session.Store, error) {
	switch cfg.SessionBackend {
	case "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("session backend redis needs a redis client")
		}
		return session.NewRedisStore(rdb), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}

func NewChunkStore(cfg *config.Config, mc *minio.Client) (chunkstore.Store, error) {
	maxChunk := int64(cfg.Uploads.MaxChunkSize)
	switch cfg.Uploads.ChunkBackend {
	case "fs":
		return chunkstore.NewFSStore(osfs.New(filepath.Join(cfg.Uploads.DataDir, "chunks")), maxChunk), nil
	case "minio":
		if mc == nil {
			return nil, fmt.Errorf("chunk backend minio needs a minio client")
		}
		return chunkstore.NewMinioStore(mc, cfg.MinIO.BucketName, maxChunk), nil
	default:
		return nil, fmt.Errorf("unknown chunk backend %q", cfg.Uploads.ChunkBackend)
	}
}

func NewBlobStore(cfg *config.Config, mc *minio.Client) (blob.Store, error) {
	switch cfg.Uploads.BlobBackend {
	case "fs":
		return blob.NewFSStore(osfs.New(filepath.Join(cfg.Uploads.DataDir, "objects")), cfg.Uploads.PublicBaseURL), nil
	case "minio":
		if mc == nil {
			return nil, fmt.Errorf("blob backend minio needs a minio client")
		}
		// assembled files are staged on local disk before the upload
		staging := osfs.New(filepath.Join(cfg.Uploads.DataDir, "staging"))
		return blob.NewMinioStore(mc, cfg.MinIO.BucketName, staging, cfg.Uploads.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Uploads.BlobBackend)
	}
}

// NewObjectIndex opens the configured index. The closer is nil for the
// in-memory index.
func NewObjectIndex(cfg *config.Config) (storage.ObjectIndex, io.Closer, error) {
	switch cfg.Uploads.IndexBackend {
	case "memory":
		return storage.NewMemoryIndex(), nil, nil
	case "postgres":
		pg, err := postgres.NewPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", cfg.Uploads.IndexBackend)
	}
}

// Open builds every backend. rdb may be nil when no backend needs Redis;
// the object index is then used without a cache.
func Open(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*Backends, error) {
	b := &Backends{Redis: rdb}

	var mc *minio.Client
	if NeedsMinIO(cfg.Uploads) {
		client, err := blob.NewMinioClient(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		mc = client
	}

	var err error
	if b.Sessions, err = NewSessionStore(cfg.Uploads, rdb); err != nil {
		return nil, err
	}
	if b.Chunks, err = NewChunkStore(cfg, mc); err != nil {
		return nil, err
	}
	if b.Blobs, err = NewBlobStore(cfg, mc); err != nil {
		return nil, err
	}

	index, closer, err := NewObjectIndex(cfg)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		b.closers = append(b.closers, closer)
	}
	b.Index = index
	if rdb != nil {
		b.Cache = cache.NewObjectCache(index, rdb)
		b.Index = b.Cache
	}

	slog.Info("Storage backends ready",
		slog.String("sessions", cfg.Uploads.SessionBackend),
		slog.String("chunks", cfg.Uploads.ChunkBackend),
		slog.String("blobs", cfg.Uploads.BlobBackend),
		slog.String("index", cfg.Uploads.IndexBackend))

	return b, nil
}

// NewManager builds the session manager with the configured policy
func NewManager(cfg config.Uploads, store session.Store, chunks chunkstore.Store, logger *slog.Logger) *session.Manager {
	limits := session.Limits{
		MaxTotalSize:   int64(cfg.MaxTotalSize),
		MaxTotalChunks: cfg.MaxTotalChunks,
	}
	opts := []session.Option{session.WithLogger(logger)}
	if cfg.ChunkWriteLease > 0 {
		opts = append(opts, session.WithWriteLease(cfg.ChunkWriteLease))
	}
	return session.NewManager(store, chunks, cfg.SessionTTL, limits, opts...)
}

func (b *Backends) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
