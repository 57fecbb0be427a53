package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "subharvest/pkg/errors"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestNewManagerIndexesAndCleans(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.mp3"), []byte("123"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".def-123.part"), []byte("partial"), 0644))

	m, err := NewManager(dir, "mp3")
	require.NoError(t, err)

	assert.Equal(t, 1, m.GetDownloadedCount())
	assert.True(t, m.IsDownloaded("abc"))
	assert.False(t, m.IsDownloaded("def"))
	assert.Equal(t, dir, m.GetOutputDir())

	temps, err := m.TempFiles()
	require.NoError(t, err)
	assert.Empty(t, temps)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "t3_abc", SanitizeName("t3_abc"))
	assert.Equal(t, "a_b_c", SanitizeName("a/b.c"))
	assert.Equal(t, "_", SanitizeName(""))
	assert.Len(t, SanitizeName(strings.Repeat("x", 300)), 128)
}

func TestSaveAtomic(t *testing.T) {
	m, err := NewManager(t.TempDir(), ".mp3")
	require.NoError(t, err)

	body := "ID3 song bytes"
	n, err := m.Save(context.Background(), "p1", strings.NewReader(body), Expect{Size: int64(len(body)), SHA256: sum(body)})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)

	data, err := os.ReadFile(m.Path("p1"))
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	temps, err := m.TempFiles()
	require.NoError(t, err)
	assert.Empty(t, temps)

	ok, err := m.Matches("p1", Expect{Size: int64(len(body)), SHA256: sum(body)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveSizeMismatchIsTransient(t *testing.T) {
	m, err := NewManager(t.TempDir(), ".mp3")
	require.NoError(t, err)

	_, err = m.Save(context.Background(), "p1", strings.NewReader("short"), Expect{Size: 100})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.ErrorTypeIntegrity, e.Type)
	assert.True(t, e.IsTransient())

	assert.False(t, m.IsDownloaded("p1"))
	temps, _ := m.TempFiles()
	assert.Empty(t, temps)
}

func TestSaveHashMismatch(t *testing.T) {
	m, err := NewManager(t.TempDir(), ".mp3")
	require.NoError(t, err)

	_, err = m.Save(context.Background(), "p1", strings.NewReader("abc"), Expect{SHA256: sum("xyz")})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.False(t, m.IsDownloaded("p1"))
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	n := len(p)
	if n > f.after {
		n = f.after
	}
	for i := 0; i < n; i++ {
		p[i] = 'x'
	}
	f.after -= n
	return n, nil
}

func TestSaveReadErrorIsTransientAndCleansUp(t *testing.T) {
	m, err := NewManager(t.TempDir(), ".mp3")
	require.NoError(t, err)

	_, err = m.Save(context.Background(), "p1", &failingReader{after: 10}, Expect{})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.False(t, m.IsDownloaded("p1"))
	temps, _ := m.TempFiles()
	assert.Empty(t, temps)
}

func TestSaveCancelled(t *testing.T) {
	m, err := NewManager(t.TempDir(), ".mp3")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.Write([]byte("first chunk"))
		cancel()
		pw.Write([]byte("second chunk"))
		pw.Close()
	}()

	_, err = m.Save(ctx, "p1", pr, Expect{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.IsDownloaded("p1"))
	temps, _ := m.TempFiles()
	assert.Empty(t, temps)
}

func TestMatchesWithoutSignal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1.mp3"), []byte("anything"), 0644))
	m, err := NewManager(dir, ".mp3")
	require.NoError(t, err)

	ok, err := m.Matches("p1", Expect{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Matches("p1", Expect{Size: 3})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Matches("missing", Expect{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDownloadedPicksUpLateFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, ".mp3")
	require.NoError(t, err)
	assert.False(t, m.IsDownloaded("late"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.mp3"), []byte("x"), 0644))
	assert.True(t, m.IsDownloaded("late"))
	assert.Equal(t, 1, m.GetDownloadedCount())
}

func TestExtensionViewsShareIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.mp4"), []byte("22"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("3"), 0644))

	songs, err := NewManager(dir, ".mp3", "mp4")
	require.NoError(t, err)
	videos := songs.WithExtension("mp4")
	assert.Same(t, songs, songs.WithExtension(".mp3"))
	assert.Equal(t, ".mp4", videos.Extension())

	assert.Equal(t, 2, songs.GetDownloadedCount())
	assert.True(t, songs.IsDownloaded("a"))
	assert.False(t, songs.IsDownloaded("b"))
	assert.True(t, videos.IsDownloaded("b"))
	assert.False(t, videos.IsDownloaded("a"))
	assert.Equal(t, filepath.Join(dir, "b.mp4"), videos.Path("b"))

	n, err := videos.Save(context.Background(), "a", strings.NewReader("video"), Expect{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, videos.IsDownloaded("a"))
	assert.Equal(t, 3, songs.GetDownloadedCount())

	data, err := os.ReadFile(filepath.Join(dir, "a.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}
