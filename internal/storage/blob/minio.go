package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/princekumarofficial/uploads-service/internal/config"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

const objectPrefix = "sha256/"

// NewMinioClient connects to MinIO and makes sure the bucket exists
func NewMinioClient(ctx context.Context, cfg config.MinIO) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if err := ensureBucket(ctx, client, cfg.BucketName); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return client, nil
}

// ensureBucket creates the bucket if it doesn't exist
func ensureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// MinioStore keeps blobs as objects sha256/ab/cd/<hash>. Content is staged
// on a local filesystem first because the object key is only known once the
// whole file has been hashed.
type MinioStore struct {
	Layout
	client     *minio.Client
	bucketName string
	staging    billy.Filesystem
}

func NewMinioStore(client *minio.Client, bucketName string, staging billy.Filesystem, publicBaseURL string) *MinioStore {
	return &MinioStore{
		Layout:     Layout{PublicBaseURL: publicBaseURL},
		client:     client,
		bucketName: bucketName,
		staging:    staging,
	}
}

func (s *MinioStore) objectKey(storagePath string) string {
	return objectPrefix + storagePath
}

func (s *MinioStore) Stage(ctx context.Context) (Staged, error) {
	name := path.Join(stagingDir, uuid.New().String())
	if err := s.staging.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, storageErr("create staging dir", err)
	}
	f, err := s.staging.Create(name)
	if err != nil {
		return nil, storageErr("create staged blob", err)
	}
	return &minioStaged{store: s, file: f, name: name}, nil
}

// PurgeStaging removes local staging files last written before cutoff
func (s *MinioStore) PurgeStaging(ctx context.Context, cutoff time.Time) (int, error) {
	return purgeStaging(ctx, s.staging, cutoff)
}

func (s *MinioStore) Exists(ctx context.Context, contentHash string) (bool, error) {
	if !ValidHash(contentHash) {
		return false, ErrBadHash
	}
	_, err := s.client.StatObject(ctx, s.bucketName, s.objectKey(s.Path(contentHash)), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, storageErr("stat blob object", err)
	}
	return true, nil
}

func (s *MinioStore) Open(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	h, err := ParsePath(storagePath)
	if err != nil {
		return nil, err
	}
	exists, err := s.Exists(ctx, h)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, types.ErrObjectNotFound
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey(storagePath), minio.GetObjectOptions{})
	if err != nil {
		return nil, storageErr("get blob object", err)
	}
	return obj, nil
}

// PresignedURL creates a presigned URL for downloading a committed blob
func (s *MinioStore) PresignedURL(ctx context.Context, storagePath string, expiry time.Duration) (*url.URL, error) {
	if _, err := ParsePath(storagePath); err != nil {
		return nil, err
	}
	return s.client.PresignedGetObject(ctx, s.bucketName, s.objectKey(storagePath), expiry, nil)
}

type minioStaged struct {
	store *MinioStore
	file  billy.File
	name  string
	size  int64
	done  bool
}

func (m *minioStaged) Write(p []byte) (int, error) {
	n, err := m.file.Write(p)
	m.size += int64(n)
	if err != nil {
		return n, storageErr("write staged blob", err)
	}
	return n, nil
}

func (m *minioStaged) Promote(ctx context.Context, contentHash string) (string, error) {
	defer m.Discard()

	if !ValidHash(contentHash) {
		return "", ErrBadHash
	}
	target := m.store.Path(contentHash)

	exists, err := m.store.Exists(ctx, contentHash)
	if err != nil {
		return "", err
	}
	if exists {
		return target, nil
	}

	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		return "", storageErr("rewind staged blob", err)
	}
	_, err = m.store.client.PutObject(ctx, m.store.bucketName, m.store.objectKey(target), m.file, m.size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", storageErr("put blob object", err)
	}

	return target, nil
}

func (m *minioStaged) Discard() error {
	if m.done {
		return nil
	}
	m.done = true
	m.file.Close()
	if err := m.store.staging.Remove(m.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr("remove staged blob", err)
	}
	return nil
}

var _ Store = (*MinioStore)(nil)
