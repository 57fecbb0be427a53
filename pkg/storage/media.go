package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	errs "subharvest/pkg/errors"
)

const tempSuffix = ".part"

// Expect carries the integrity signal for a media file. Zero values mean
// unknown.
type Expect struct {
	Size   int64
	SHA256 string
}

// Known reports whether any integrity signal is present.
func (e Expect) Known() bool { return e.Size > 0 || e.SHA256 != "" }

// Manager stores one media file per record id and tracks which ids are
// already present.
type Manager struct {
	outputDir string
	ext       string
	index     *fileIndex
}

// fileIndex maps file names to sizes. It is shared by every extension view
// of one directory.
type fileIndex struct {
	mu    sync.RWMutex
	files map[string]int64
}

func normalizeExt(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}

// NewManager creates dir if needed, removes temp files left by an earlier
// crash and indexes existing files with the given extension or any of extra.
func NewManager(outputDir, ext string, extra ...string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errs.Storage(errs.OpWrite, fmt.Errorf("failed to create output directory: %w", err)).WithContext("%s", outputDir)
	}

	m := &Manager{
		outputDir: outputDir,
		ext:       normalizeExt(ext),
		index:     &fileIndex{files: make(map[string]int64)},
	}
	exts := map[string]bool{m.ext: true}
	for _, e := range extra {
		exts[normalizeExt(e)] = true
	}
	if err := m.scanExistingFiles(exts); err != nil {
		return nil, errs.Storage(errs.OpLoad, fmt.Errorf("failed to scan existing files: %w", err)).WithContext("%s", outputDir)
	}
	return m, nil
}

// WithExtension returns a view of the same directory whose files use ext.
// Both views share one index.
func (m *Manager) WithExtension(ext string) *Manager {
	ext = normalizeExt(ext)
	if ext == m.ext {
		return m
	}
	return &Manager{outputDir: m.outputDir, ext: ext, index: m.index}
}

// Extension returns the file extension of this view.
func (m *Manager) Extension() string {
	return m.ext
}

func (m *Manager) scanExistingFiles(exts map[string]bool) error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, tempSuffix) {
			os.Remove(filepath.Join(m.outputDir, name))
			continue
		}
		if !exts[filepath.Ext(name)] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		m.index.files[name] = info.Size()
	}
	return nil
}

// SanitizeName maps a record id to a safe file name stem. The mapping is
// deterministic so the same id always lands on the same path.
func SanitizeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 128 {
		name = name[:128]
	}
	if name == "" {
		name = "_"
	}
	return name
}

func (m *Manager) fileName(id string) string {
	return SanitizeName(id) + m.ext
}

// Path returns the final destination for id.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.outputDir, m.fileName(id))
}

// IsDownloaded reports whether a file for id exists.
func (m *Manager) IsDownloaded(id string) bool {
	_, ok := m.size(id)
	return ok
}

func (m *Manager) size(id string) (int64, bool) {
	name := m.fileName(id)

	m.index.mu.RLock()
	n, ok := m.index.files[name]
	m.index.mu.RUnlock()
	if ok {
		return n, true
	}

	info, err := os.Stat(m.Path(id))
	if err != nil || info.IsDir() {
		return 0, false
	}
	m.index.mu.Lock()
	m.index.files[name] = info.Size()
	m.index.mu.Unlock()
	return info.Size(), true
}

// Matches reports whether the file for id exists and agrees with expect.
// With no integrity signal, existence is enough.
func (m *Manager) Matches(id string, expect Expect) (bool, error) {
	size, ok := m.size(id)
	if !ok {
		return false, nil
	}
	if expect.Size > 0 && size != expect.Size {
		return false, nil
	}
	if expect.SHA256 == "" {
		return true, nil
	}
	sum, err := fileSHA256(m.Path(id))
	if err != nil {
		return false, errs.Storage(errs.OpValidate, err).WithContext("%s", m.Path(id))
	}
	return strings.EqualFold(sum, expect.SHA256), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Save streams r into a temp file beside the destination, verifies it against
// expect and renames it into place. The temp file is removed on any failure,
// including cancellation, so the final path only ever holds a complete file.
//
// A short or corrupt body is a transient integrity error so the caller may
// retry; filesystem failures are fatal storage errors.
func (m *Manager) Save(ctx context.Context, id string, r io.Reader, expect Expect) (int64, error) {
	final := m.Path(id)

	tmp, err := os.CreateTemp(m.outputDir, "."+SanitizeName(id)+"-*"+tempSuffix)
	if err != nil {
		return 0, errs.Storage(errs.OpWrite, fmt.Errorf("failed to create temporary file: %w", err)).WithContext("%s", final)
	}
	tmpName := tmp.Name()
	promoted := false
	defer func() {
		if !promoted {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(fileWriter{tmp}, h), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if isWriteErr(err) {
			return n, errs.Storage(errs.OpWrite, err).WithContext("%s", final)
		}
		return n, errs.FromNetwork(err, errs.OpDownload)
	}

	if expect.Size > 0 && n != expect.Size {
		return n, integrityErr("size mismatch: got %d bytes, expected %d", n, expect.Size)
	}
	if expect.SHA256 != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, expect.SHA256) {
			return n, integrityErr("sha256 mismatch: got %s, expected %s", sum, expect.SHA256)
		}
	}

	if err := tmp.Sync(); err != nil {
		return n, errs.Storage(errs.OpWrite, err).WithContext("%s", final)
	}
	if err := tmp.Close(); err != nil {
		return n, errs.Storage(errs.OpWrite, err).WithContext("%s", final)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return n, errs.Storage(errs.OpWrite, fmt.Errorf("failed to rename temporary file: %w", err)).WithContext("%s", final)
	}
	promoted = true

	m.index.mu.Lock()
	m.index.files[m.fileName(id)] = n
	m.index.mu.Unlock()
	return n, nil
}

func integrityErr(format string, args ...interface{}) *errs.Error {
	return &errs.Error{
		Type:    errs.ErrorTypeIntegrity,
		Class:   errs.Transient,
		Op:      errs.OpDownload,
		Message: fmt.Sprintf(format, args...),
	}
}

// writeErr marks failures on the file side of the copy.
type writeErr struct{ err error }

func (w writeErr) Error() string { return w.err.Error() }
func (w writeErr) Unwrap() error { return w.err }

func isWriteErr(err error) bool {
	_, ok := err.(writeErr)
	return ok
}

type fileWriter struct{ f *os.File }

func (w fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, writeErr{err}
	}
	return n, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// GetOutputDir returns the media directory.
func (m *Manager) GetOutputDir() string {
	return m.outputDir
}

// GetDownloadedCount returns the number of media files known to exist in
// the directory, across every extension view.
func (m *Manager) GetDownloadedCount() int {
	m.index.mu.RLock()
	defer m.index.mu.RUnlock()
	return len(m.index.files)
}

// TempFiles lists temp files currently in the media directory.
func (m *Manager) TempFiles() ([]string, error) {
	return filepath.Glob(filepath.Join(m.outputDir, "*"+tempSuffix))
}
