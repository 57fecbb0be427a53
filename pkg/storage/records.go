package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/models"
)

// RecordWriter appends records to a JSON-lines file. Existing lines are never
// rewritten or reordered.
type RecordWriter struct {
	path     string
	file     *os.File
	buf      *bufio.Writer
	appended int
	repaired int64
}

// OpenRecordWriter opens path for appending, creating it if needed. A final
// line without a trailing newline is the remnant of an interrupted write and
// is truncated away before anything is appended.
func OpenRecordWriter(path string) (*RecordWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Storage(errs.OpWrite, fmt.Errorf("failed to create output directory: %w", err)).WithContext("%s", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Storage(errs.OpWrite, err).WithContext("%s", path)
	}

	repaired, err := truncatePartialLine(f)
	if err != nil {
		f.Close()
		return nil, errs.Storage(errs.OpWrite, fmt.Errorf("failed to repair partial line: %w", err)).WithContext("%s", path)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errs.Storage(errs.OpWrite, err).WithContext("%s", path)
	}

	return &RecordWriter{
		path:     path,
		file:     f,
		buf:      bufio.NewWriterSize(f, 64<<10),
		repaired: repaired,
	}, nil
}

// truncatePartialLine cuts the file back to just after its last newline and
// returns how many bytes were dropped.
func truncatePartialLine(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return 0, nil
	}

	const chunk = 32 << 10
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		block := make([]byte, end-start)
		if _, err := f.ReadAt(block, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(block, '\n'); i >= 0 {
			keep := start + int64(i) + 1
			return size - keep, f.Truncate(keep)
		}
		end = start
	}
	return size, f.Truncate(0)
}

// Path returns the file being written.
func (w *RecordWriter) Path() string { return w.path }

// Repaired returns the number of bytes dropped from a partial final line.
func (w *RecordWriter) Repaired() int64 { return w.repaired }

// Appended returns how many records this writer has appended.
func (w *RecordWriter) Appended() int { return w.appended }

// Append buffers one record as a JSON line. Call Sync to make it durable.
func (w *RecordWriter) Append(rec models.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errs.Storage(errs.OpWrite, fmt.Errorf("failed to encode record: %w", err)).WithContext("record %s", rec.ID)
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return errs.Storage(errs.OpWrite, err).WithContext("record %s", rec.ID)
	}
	w.appended++
	return nil
}

// Sync flushes buffered lines and fsyncs the file.
func (w *RecordWriter) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return errs.Storage(errs.OpWrite, err).WithContext("%s", w.path)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Storage(errs.OpWrite, err).WithContext("%s", w.path)
	}
	return nil
}

// Close syncs and closes the file.
func (w *RecordWriter) Close() error {
	syncErr := w.Sync()
	closeErr := w.file.Close()
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return errs.Storage(errs.OpWrite, closeErr).WithContext("%s", w.path)
	}
	return nil
}

// RecordReader reads records line by line. A final line with no trailing
// newline is treated as an interrupted write and ignored.
type RecordReader struct {
	r       *bufio.Reader
	line    int
	Skipped int
	Partial bool
	log     logger.Logger
}

// NewRecordReader wraps r.
func NewRecordReader(r io.Reader, log logger.Logger) *RecordReader {
	return &RecordReader{r: bufio.NewReaderSize(r, 64<<10), log: logger.OrGlobal(log)}
}

// Next returns the next decodable record, or io.EOF.
func (rr *RecordReader) Next() (models.Record, error) {
	for {
		line, err := rr.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(line)) > 0 {
					rr.Partial = true
				}
				return models.Record{}, io.EOF
			}
			return models.Record{}, err
		}
		rr.line++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var rec models.Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			rr.Skipped++
			rr.log.WarnWithFields("skipping undecodable record line", map[string]interface{}{
				"line": rr.line,
			})
			continue
		}
		return rec, nil
	}
}

// ScanStats summarizes a ScanRecords pass.
type ScanStats struct {
	Records int
	Skipped int
	Partial bool
	Bytes   int64
}

// ScanRecords calls fn for every complete record in path, reading no further
// than the file's size when the scan starts. A missing file is empty.
func ScanRecords(path string, log logger.Logger, fn func(models.Record) error) (ScanStats, error) {
	var stats ScanStats

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return stats, err
	}
	stats.Bytes = info.Size()

	rr := NewRecordReader(io.LimitReader(f, info.Size()), log)
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		stats.Records++
		if err := fn(rec); err != nil {
			return stats, err
		}
	}
	stats.Skipped = rr.Skipped
	stats.Partial = rr.Partial
	return stats, nil
}
