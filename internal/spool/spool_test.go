package spool

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "syncgate-body-*"))
	require.NoError(t, err)
	return matches
}

func TestBody_AtThresholdStaysInMemory(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("a"), 64)
	b := New(bytes.NewReader(data), Options{MemoryThreshold: 64, AbsoluteCeiling: 1024, Dir: dir})
	defer b.Close()

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, b.Spilled())
	assert.Empty(t, tempFiles(t, dir))
}

func TestBody_SpillKeepsBytes(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10_000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	var spilledAt int64 = -1
	b := New(iotest.OneByteReader(bytes.NewReader(data)), Options{
		MemoryThreshold: 100,
		AbsoluteCeiling: 1 << 20,
		Dir:             dir,
		OnSpill:         func(size int64) { spilledAt = size },
	})

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, b.Spilled())
	assert.Equal(t, int64(100), spilledAt)
	assert.Equal(t, int64(len(data)), b.Size())

	files := tempFiles(t, dir)
	require.Len(t, files, 1)
	assert.Equal(t, files[0], b.Path())

	require.NoError(t, b.Close())
	assert.Empty(t, tempFiles(t, dir))
	require.NoError(t, b.Close())
}

func TestBody_Rewind(t *testing.T) {
	for _, threshold := range []int64{4, 1024} {
		b := New(strings.NewReader("hello world"), Options{
			MemoryThreshold: threshold,
			AbsoluteCeiling: 1024,
			Dir:             t.TempDir(),
		})

		first := make([]byte, 5)
		_, err := io.ReadFull(b, first)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(first))

		require.NoError(t, b.Rewind())
		all, err := io.ReadAll(b)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(all))
		require.NoError(t, b.Close())
	}
}

func TestReader_RewindWithoutClose(t *testing.T) {
	dir := t.TempDir()
	b := New(strings.NewReader("spilled body"), Options{MemoryThreshold: 4, AbsoluteCeiling: 1024, Dir: dir})
	defer func() { require.NoError(t, b.Close()) }()

	r := b.Reader()
	_, isCloser := any(r).(io.Closer)
	assert.False(t, isCloser, "applications must not be able to release the body")

	first, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Rewind())
	second, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, "spilled body", string(first))
	assert.Equal(t, string(first), string(second))
	assert.Len(t, tempFiles(t, dir), 1)
}

func TestBody_Ceiling(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("x"), 300)
	b := New(bytes.NewReader(data), Options{MemoryThreshold: 100, AbsoluteCeiling: 200, Dir: dir})

	got, err := io.ReadAll(b)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Len(t, got, 200)
	assert.Equal(t, int64(200), b.Size())

	// Sticky.
	_, err = b.Read(make([]byte, 10))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.ErrorIs(t, b.Err(), ErrPayloadTooLarge)

	require.NoError(t, b.Close())
	assert.Empty(t, tempFiles(t, dir))
}

func TestBody_ExactlyCeiling(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 200)
	b := New(bytes.NewReader(data), Options{MemoryThreshold: 1000, AbsoluteCeiling: 200})
	defer b.Close()

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Len(t, got, 200)
	assert.NoError(t, b.Err())
}

func TestBody_LazyPull(t *testing.T) {
	src := &countingReader{r: strings.NewReader("abcdef")}
	b := New(src, DefaultOptions())
	defer b.Close()

	assert.Zero(t, src.calls)
	buf := make([]byte, 2)
	_, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, int64(2), b.Size())
}

func TestBody_NetworkError(t *testing.T) {
	boom := errors.New("connection reset")
	b := New(io.MultiReader(strings.NewReader("ab"), iotest.ErrReader(boom)), DefaultOptions())
	defer b.Close()

	got, err := io.ReadAll(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBodyRead))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, "ab", string(got))
	assert.True(t, errors.Is(b.Err(), ErrBodyRead))
}

func TestBody_ReadAfterClose(t *testing.T) {
	b := New(strings.NewReader("abc"), DefaultOptions())
	require.NoError(t, b.Close())
	_, err := b.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestBody_DefaultDir(t *testing.T) {
	b := New(strings.NewReader("abcdef"), Options{MemoryThreshold: 1, AbsoluteCeiling: 100})
	_, err := io.ReadAll(b)
	require.NoError(t, err)
	path := b.Path()
	require.NotEmpty(t, path)
	require.NoError(t, b.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

type countingReader struct {
	r     io.Reader
	calls int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.calls++
	return c.r.Read(p)
}
