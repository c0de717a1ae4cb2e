package safe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/content"
	lscerrors "lsc/internal/errors"
	"lsc/shared/utils"
)

// countingBackend records how many writes reach the backend.
type countingBackend struct {
	*content.MemoryStore
	mu   sync.Mutex
	puts int
}

func (b *countingBackend) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	b.puts++
	b.mu.Unlock()
	return b.MemoryStore.Put(ctx, key, data)
}

func setupTestSafe(t *testing.T) (*Safe, *countingBackend) {
	t.Helper()
	backend := &countingBackend{MemoryStore: content.NewMemoryStore()}
	s, err := New(backend, Options{
		CacheSize:        16,
		VerifyDuplicates: true,
		Logger:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return s, backend
}

func TestPutGet(t *testing.T) {
	s, _ := setupTestSafe(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello world")},
		{"compressible", []byte(strings.Repeat("legion source control ", 500))},
		{"binary", bytes.Repeat([]byte{0x00, 0xff, 0x10, 0x7f}, 300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := s.Put(ctx, tt.data)
			require.NoError(t, err)
			assert.Equal(t, utils.HashContent(tt.data), hash)

			// bypass the cache to exercise decoding
			s.cache.Purge()
			got, err := s.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s, backend := setupTestSafe(t)
	ctx := context.Background()

	h1, err := s.Put(ctx, []byte("asset"))
	require.NoError(t, err)
	s.cache.Purge()
	h2, err := s.Put(ctx, []byte("asset"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, backend.puts)
	assert.Equal(t, 1, backend.Len())
}

func TestPutCopiesCallerBuffer(t *testing.T) {
	s, _ := setupTestSafe(t)
	ctx := context.Background()

	buf := []byte("original")
	hash, err := s.Put(ctx, buf)
	require.NoError(t, err)
	copy(buf, "mutated!")

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestGetErrors(t *testing.T) {
	s, backend := setupTestSafe(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "not-a-hash")
	assert.True(t, errors.Is(err, lscerrors.ErrValidation))

	_, err = s.Get(ctx, utils.HashContent([]byte("missing")))
	assert.True(t, errors.Is(err, lscerrors.ErrNotFound))

	// a blob whose bytes do not match its key
	key := utils.HashContent([]byte("expected"))
	require.NoError(t, backend.MemoryStore.Put(ctx, key, append([]byte{formatRaw}, "tampered"...)))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, lscerrors.ErrCorruption))

	// unknown format byte
	key = utils.HashContent([]byte("odd"))
	require.NoError(t, backend.MemoryStore.Put(ctx, key, []byte{0x7e, 'o', 'd', 'd'}))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, lscerrors.ErrCorruption))
}

func TestPutDetectsMismatchedExistingContent(t *testing.T) {
	s, backend := setupTestSafe(t)
	ctx := context.Background()

	data := []byte("expected")
	key := utils.HashContent(data)
	require.NoError(t, backend.MemoryStore.Put(ctx, key, append([]byte{formatRaw}, "something else"...)))

	_, err := s.Put(ctx, data)
	assert.True(t, errors.Is(err, lscerrors.ErrCorruption))

	stored, err := backend.MemoryStore.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "something else", string(stored[1:]), "existing content must never be overwritten")
}

func TestExistsAndVerify(t *testing.T) {
	s, _ := setupTestSafe(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("x"))
	require.NoError(t, err)

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, utils.HashContent([]byte("y")))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Verify(ctx, hash))
}

func TestConcurrentPuts(t *testing.T) {
	s, backend := setupTestSafe(t)
	ctx := context.Background()
	data := []byte(strings.Repeat("same bytes ", 100))

	var wg sync.WaitGroup
	hashes := make([]string, 16)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Put(ctx, data)
			assert.NoError(t, err)
			hashes[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		assert.Equal(t, utils.HashContent(data), h)
	}
	assert.Equal(t, 1, backend.Len())
}

func TestCompressionDecision(t *testing.T) {
	cm, err := newCompressionManager(DefaultCompressionOptions())
	require.NoError(t, err)

	text := []byte(strings.Repeat("abc", 1000))
	assert.Equal(t, formatZstd, cm.encode(text)[0])

	assert.Equal(t, formatRaw, cm.encode([]byte("tiny"))[0])

	png := append([]byte("\x89PNG\x0D\x0A\x1A\x0A"), bytes.Repeat([]byte{0}, 1024)...)
	assert.Equal(t, formatRaw, cm.encode(png)[0])

	decoded, err := cm.decode(cm.encode(text))
	require.NoError(t, err)
	assert.Equal(t, text, decoded)
}
