// Package chunkstore keeps the bytes of in-flight upload chunks, keyed by
// upload id and chunk index. It knows nothing about sessions or commits.
package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/princekumarofficial/uploads-service/internal/types"
	"golang.org/x/crypto/blake2b"
)

// Store is the scratch storage contract. Writes are idempotent per index
// (last write wins). A rejected write leaves the previous chunk untouched.
type Store interface {
	Put(ctx context.Context, uploadID string, index int, r io.Reader, sum *Checksum) (int64, error)
	Get(ctx context.Context, uploadID string, index int) (io.ReadCloser, error)
	ListIndices(ctx context.Context, uploadID string) ([]int, error)
	DeleteAll(ctx context.Context, uploadID string) error
}

const (
	AlgoSHA256  = "sha256"
	AlgoBLAKE2b = "blake2b"
)

// Checksum is a caller-supplied digest of one chunk
type Checksum struct {
	Algo string
	Sum  []byte
}

// ParseChecksum parses "sha256=<hex>", "blake2b=<hex>" or bare sha256 hex.
// An empty header yields a nil checksum.
func ParseChecksum(header string) (*Checksum, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	algo, digest := AlgoSHA256, header
	if i := strings.IndexAny(header, "=:"); i >= 0 {
		algo, digest = strings.ToLower(header[:i]), header[i+1:]
	}

	sum, err := hex.DecodeString(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum is not hex", types.ErrInvalidArgument)
	}

	switch algo {
	case AlgoSHA256:
		if len(sum) != sha256.Size {
			return nil, fmt.Errorf("%w: sha256 checksum must be %d bytes", types.ErrInvalidArgument, sha256.Size)
		}
	case AlgoBLAKE2b:
		if len(sum) != blake2b.Size256 {
			return nil, fmt.Errorf("%w: blake2b checksum must be %d bytes", types.ErrInvalidArgument, blake2b.Size256)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported checksum algorithm %q", types.ErrInvalidArgument, algo)
	}

	return &Checksum{Algo: algo, Sum: sum}, nil
}

func (c *Checksum) newHash() hash.Hash {
	if c.Algo == AlgoBLAKE2b {
		h, _ := blake2b.New256(nil)
		return h
	}
	return sha256.New()
}

// verifier hashes bytes as they are written and compares against an
// expected checksum. A nil checksum always matches.
type verifier struct {
	sum *Checksum
	h   hash.Hash
}

func newVerifier(sum *Checksum) *verifier {
	v := &verifier{sum: sum}
	if sum != nil {
		v.h = sum.newHash()
	}
	return v
}

func (v *verifier) Write(p []byte) (int, error) {
	if v.h == nil {
		return len(p), nil
	}
	return v.h.Write(p)
}

func (v *verifier) ok() bool {
	if v.h == nil {
		return true
	}
	return bytes.Equal(v.h.Sum(nil), v.sum.Sum)
}

func validateKey(uploadID string, index int) error {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\`) || strings.Contains(uploadID, "..") {
		return fmt.Errorf("%w: malformed upload id", types.ErrInvalidArgument)
	}
	if index < 0 {
		return types.ErrIndexOutOfRange
	}
	return nil
}
