package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

// MinioStore keeps chunks as objects chunks/<uploadID>/<index>. A chunk is
// buffered and verified before the PutObject so a mismatching retry never
// replaces a good chunk.
type MinioStore struct {
	client       *minio.Client
	bucketName   string
	maxChunkSize int64
}

func NewMinioStore(client *minio.Client, bucketName string, maxChunkSize int64) *MinioStore {
	return &MinioStore{
		client:       client,
		bucketName:   bucketName,
		maxChunkSize: maxChunkSize,
	}
}

func chunkPrefix(uploadID string) string {
	return fmt.Sprintf("chunks/%s/", uploadID)
}

func chunkObjectKey(uploadID string, index int) string {
	return chunkPrefix(uploadID) + strconv.Itoa(index)
}

func (s *MinioStore) Put(ctx context.Context, uploadID string, index int, r io.Reader, sum *Checksum) (int64, error) {
	if err := validateKey(uploadID, index); err != nil {
		return 0, err
	}

	src := r
	if s.maxChunkSize > 0 {
		src = io.LimitReader(r, s.maxChunkSize+1)
	}
	var buf bytes.Buffer
	v := newVerifier(sum)
	n, err := io.Copy(io.MultiWriter(&buf, v), src)
	if err != nil {
		return 0, fmt.Errorf("read chunk: %w", err)
	}
	if s.maxChunkSize > 0 && n > s.maxChunkSize {
		return 0, types.ErrChunkTooLarge
	}
	if !v.ok() {
		return 0, types.ErrChecksumMismatch
	}

	_, err = s.client.PutObject(ctx, s.bucketName, chunkObjectKey(uploadID, index),
		bytes.NewReader(buf.Bytes()), n, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	if err != nil {
		return 0, fmt.Errorf("put chunk object: %w", err)
	}

	return n, nil
}

func (s *MinioStore) Get(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	if err := validateKey(uploadID, index); err != nil {
		return nil, err
	}

	key := chunkObjectKey(uploadID, index)
	if _, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s/%d", types.ErrChunkNotFound, uploadID, index)
		}
		return nil, fmt.Errorf("stat chunk object: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get chunk object: %w", err)
	}
	return obj, nil
}

func (s *MinioStore) ListIndices(ctx context.Context, uploadID string) ([]int, error) {
	if err := validateKey(uploadID, 0); err != nil {
		return nil, err
	}

	prefix := chunkPrefix(uploadID)
	indices := []int{}
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list chunk objects: %w", object.Err)
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(object.Key, prefix))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	return indices, nil
}

func (s *MinioStore) DeleteAll(ctx context.Context, uploadID string) error {
	if err := validateKey(uploadID, 0); err != nil {
		return err
	}

	objectsCh := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objectsCh)
		for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
			Prefix:    chunkPrefix(uploadID),
			Recursive: true,
		}) {
			if object.Err != nil {
				listErr <- fmt.Errorf("list chunk objects: %w", object.Err)
				return
			}
			select {
			case objectsCh <- object:
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
		listErr <- nil
	}()

	var firstErr error
	for rErr := range s.client.RemoveObjects(ctx, s.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete chunk object %s: %w", rErr.ObjectName, rErr.Err)
		}
	}
	// a listing that stopped early leaves chunks behind
	if err := <-listErr; err != nil {
		return err
	}
	return firstErr
}

var _ Store = (*MinioStore)(nil)
