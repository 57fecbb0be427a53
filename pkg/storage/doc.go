// Package storage owns the on-disk formats.
//
// Records are kept in JSON-lines files that are only ever appended to:
//   - RecordWriter appends one line per record and repairs a partial final
//     line left by an interrupted write before appending
//   - RecordReader and ScanRecords read complete lines and ignore a partial
//     final line
//
// Media files are kept one per record id by Manager:
//   - existing files are indexed on startup and stale temp files removed
//   - Save streams into a temp file in the same directory, verifies size and
//     sha256 when known, fsyncs and renames into place
//
// Usage:
//
//	w, err := storage.OpenRecordWriter("out/r_SunoAI_posts.jsonl")
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	for _, rec := range page.Items {
//	    if err := w.Append(rec); err != nil {
//	        return err
//	    }
//	}
//	if err := w.Sync(); err != nil {
//	    return err
//	}
package storage
