// internal/safe/safe.go
package safe

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"lsc/internal/content"
	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
	"lsc/shared/utils"
)

// Safe is the content-addressed store: blobs are keyed by the SHA-256 of
// their bytes, written once and never updated or deleted.
type Safe struct {
	backend          content.Backend
	cache            *lru.Cache[string, []byte]
	codec            *compressionManager
	verifyDuplicates bool
	logger           *zap.Logger
}

// Options configures Safe behavior
type Options struct {
	CacheSize int
	// Read back existing blobs on Put and compare bytes
	VerifyDuplicates bool
	Compression      CompressionOptions
	Logger           *zap.Logger
}

// New creates a Safe on top of a blob backend
func New(backend content.Backend, opts Options) (*Safe, error) {
	if backend == nil {
		return nil, fmt.Errorf("content backend is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	codec, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Safe{
		backend:          backend,
		cache:            cache,
		codec:            codec,
		verifyDuplicates: opts.VerifyDuplicates,
		logger:           logging.OrNop(opts.Logger).Named("safe"),
	}, nil
}

// Put stores data and returns its hash. Storing identical bytes twice is a
// no-op returning the same hash.
func (s *Safe) Put(ctx context.Context, data []byte) (string, error) {
	hash := utils.HashContent(data)

	if cached, ok := s.cache.Get(hash); ok {
		if !bytes.Equal(cached, data) {
			return "", s.collision(hash)
		}
		return hash, nil
	}

	exists, err := s.backend.Exists(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("checking existence of %s: %w", hash, err)
	}
	if exists {
		if s.verifyDuplicates {
			stored, err := s.Get(ctx, hash)
			if err != nil {
				return "", err
			}
			if !bytes.Equal(stored, data) {
				return "", s.collision(hash)
			}
		}
		return hash, nil
	}

	if err := s.backend.Put(ctx, hash, s.codec.encode(data)); err != nil {
		return "", fmt.Errorf("storing content %s: %w", hash, err)
	}
	s.cache.Add(hash, bytes.Clone(data))

	s.logger.Debug("stored blob", zap.String("hash", hash), zap.Int("size", len(data)))
	return hash, nil
}

// Get returns the bytes stored under hash. The returned slice is shared
// with the cache and must not be modified.
func (s *Safe) Get(ctx context.Context, hash string) ([]byte, error) {
	if !utils.IsHash(hash) {
		return nil, lscerrors.ValidationError(fmt.Sprintf("invalid content hash %q", hash), nil)
	}

	if data, ok := s.cache.Get(hash); ok {
		return data, nil
	}

	stored, err := s.backend.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, lscerrors.NotFound(fmt.Sprintf("content %s not found", hash))
		}
		return nil, fmt.Errorf("reading content %s: %w", hash, err)
	}

	data, err := s.codec.decode(stored)
	if err != nil {
		return nil, lscerrors.Corruption(fmt.Sprintf("content %s: %v", hash, err))
	}
	if utils.HashContent(data) != hash {
		s.logger.Error("content hash mismatch", zap.String("hash", hash))
		return nil, lscerrors.Corruption(fmt.Sprintf("content %s does not match its hash", hash))
	}

	s.cache.Add(hash, data)
	return data, nil
}

// Exists checks if content exists
func (s *Safe) Exists(ctx context.Context, hash string) (bool, error) {
	if !utils.IsHash(hash) {
		return false, lscerrors.ValidationError(fmt.Sprintf("invalid content hash %q", hash), nil)
	}
	if s.cache.Contains(hash) {
		return true, nil
	}
	return s.backend.Exists(ctx, hash)
}

// Verify re-reads a blob from the backend, bypassing the cache.
func (s *Safe) Verify(ctx context.Context, hash string) error {
	s.cache.Remove(hash)
	_, err := s.Get(ctx, hash)
	return err
}

func (s *Safe) collision(hash string) error {
	s.logger.Error("hash collision", zap.String("hash", hash))
	return lscerrors.Corruption(fmt.Sprintf("different content already stored under %s", hash))
}
