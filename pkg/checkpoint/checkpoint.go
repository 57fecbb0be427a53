package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/models"
	"subharvest/pkg/storage"
)

// FileName returns the checkpoint file name for a target prefix and kind.
func FileName(prefix string, kind models.RecordKind) string {
	return fmt.Sprintf("%s_%s.checkpoint.json", prefix, kind)
}

// Options identifies the crawl a store belongs to.
type Options struct {
	// Path is the checkpoint file.
	Path string
	// RecordPath is the JSON-lines file the checkpoint describes. It is
	// rescanned on Load.
	RecordPath string
	Target     string
	Kind       models.RecordKind
	Window     models.CrawlWindow
}

// Store owns the checkpoint and the seen-id set of one crawl sequence. It is
// used from the single crawl goroutine and does no locking.
type Store struct {
	opts   Options
	cp     *models.Checkpoint
	seen   map[string]struct{}
	order  []string
	logger logger.Logger
}

// NewStore creates a store. Nothing is read until Load.
func NewStore(opts Options, log logger.Logger) *Store {
	return &Store{
		opts:   opts,
		seen:   make(map[string]struct{}),
		logger: logger.OrGlobal(log).WithField("checkpoint", filepath.Base(opts.Path)),
	}
}

func (s *Store) fresh() *models.Checkpoint {
	return &models.Checkpoint{
		Version: models.CheckpointVersion,
		Target:  s.opts.Target,
		Kind:    s.opts.Kind,
		Window:  s.opts.Window,
	}
}

// Read decodes the checkpoint at path without reconciling it. A missing file
// returns nil, nil.
func Read(path string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Storage(errs.OpLoad, err).WithContext("%s", path)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeParsing,
			Class:   errs.Fatal,
			Op:      errs.OpLoad,
			Context: path,
			Message: "failed to decode checkpoint",
			Err:     err,
		}
	}
	return &cp, nil
}

// Load reads the checkpoint, if any, and reconciles it against the record
// file. Every id on disk is marked seen. If the checkpoint claims ids that are
// not on disk, the record file lost data the checkpoint relied on, so the
// cursor restarts from the top of the window and only on-disk ids count as
// seen.
func (s *Store) Load() (*models.Checkpoint, error) {
	cp, err := Read(s.opts.Path)
	if err != nil {
		if e, ok := errs.As(err); ok && e.Type == errs.ErrorTypeParsing {
			s.logger.WithError(err).Warn("Checkpoint unreadable, restarting cursor; records on disk are kept")
			cp = nil
		} else {
			return nil, err
		}
	}

	switch {
	case cp == nil:
		cp = s.fresh()
	case cp.Version > models.CheckpointVersion:
		return nil, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpLoad,
			"checkpoint version %d is newer than supported version %d", cp.Version, models.CheckpointVersion).
			WithContext("%s", s.opts.Path)
	case cp.Kind != s.opts.Kind || (s.opts.Target != "" && cp.Target != s.opts.Target):
		return nil, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpLoad,
			"checkpoint belongs to %s %s, not %s %s", cp.Target, cp.Kind, s.opts.Target, s.opts.Kind).
			WithContext("%s", s.opts.Path)
	case cp.Window != s.opts.Window:
		s.logger.WarnWithFields("Crawl window changed, restarting cursor", map[string]interface{}{
			"previous": cp.Window.String(),
			"current":  s.opts.Window.String(),
		})
		cp.Window = s.opts.Window
		cp.LastCursor = models.Cursor{}
		cp.OldestSeen = 0
		cp.PagesCommitted = 0
		cp.Complete = false
	}

	onDisk := make(map[string]struct{})
	var ordered []string
	stats, err := storage.ScanRecords(s.opts.RecordPath, s.logger, func(r models.Record) error {
		if _, ok := onDisk[r.ID]; !ok {
			onDisk[r.ID] = struct{}{}
			ordered = append(ordered, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Storage(errs.OpLoad, fmt.Errorf("failed to rescan records: %w", err)).WithContext("%s", s.opts.RecordPath)
	}

	missing := 0
	for _, id := range cp.SeenIDs {
		if _, ok := onDisk[id]; !ok {
			missing++
		}
	}
	if missing > 0 {
		s.logger.WarnWithFields("Checkpoint is ahead of the record file, restarting cursor", map[string]interface{}{
			"missing_records": missing,
			"records_on_disk": len(onDisk),
		})
		cp.LastCursor = models.Cursor{}
		cp.OldestSeen = 0
		cp.PagesCommitted = 0
		cp.Complete = false
	}

	// records written after the last commit are seen too
	s.seen = onDisk
	s.order = ordered
	cp.SeenIDs = nil
	s.cp = cp

	s.logger.InfoWithFields("Checkpoint loaded", map[string]interface{}{
		"cursor":          cp.LastCursor.String(),
		"pages_committed": cp.PagesCommitted,
		"seen":            len(s.seen),
		"records_on_disk": stats.Records,
		"complete":        cp.Complete,
	})

	return s.Checkpoint(), nil
}

func (s *Store) mark(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *Store) loaded() *models.Checkpoint {
	if s.cp == nil {
		s.cp = s.fresh()
	}
	return s.cp
}

// Admit reports whether rec is new. A new id is marked seen immediately.
func (s *Store) Admit(rec models.Record) bool {
	return s.mark(rec.ID)
}

// Seen returns the number of distinct ids seen.
func (s *Store) Seen() int {
	return len(s.seen)
}

// Commit persists progress after a page's records are durably written. It
// never observes a context: once started, a commit completes.
func (s *Store) Commit(cursor models.Cursor, oldest int64) error {
	cp := s.loaded()
	cp.LastCursor = cursor
	if oldest != 0 && (cp.OldestSeen == 0 || oldest < cp.OldestSeen) {
		cp.OldestSeen = oldest
	}
	cp.PagesCommitted++
	return s.save()
}

// Finish marks the sequence complete and persists it.
func (s *Store) Finish() error {
	s.loaded().Complete = true
	return s.save()
}

// Reset deletes the checkpoint file and forgets the cursor. Ids already on
// disk are picked up again by the next Load.
func (s *Store) Reset() error {
	if err := os.Remove(s.opts.Path); err != nil && !os.IsNotExist(err) {
		return errs.Storage(errs.OpCommit, fmt.Errorf("failed to delete checkpoint: %w", err)).WithContext("%s", s.opts.Path)
	}
	s.cp = nil
	s.seen = make(map[string]struct{})
	s.order = nil
	s.logger.Info("Checkpoint deleted")
	return nil
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.opts.Path)
	return err == nil
}

// Checkpoint returns a copy of the current state including seen ids.
func (s *Store) Checkpoint() *models.Checkpoint {
	cp := *s.loaded()
	cp.SeenIDs = append([]string(nil), s.order...)
	return &cp
}

// save writes the checkpoint atomically: temp file, fsync, rename.
func (s *Store) save() error {
	cp := s.Checkpoint()
	cp.Version = models.CheckpointVersion
	cp.UpdatedAt = time.Now().UTC()
	s.cp.UpdatedAt = cp.UpdatedAt

	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0755); err != nil {
		return errs.Storage(errs.OpCommit, err).WithContext("%s", s.opts.Path)
	}

	tempPath := s.opts.Path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return errs.Storage(errs.OpCommit, fmt.Errorf("failed to create temporary checkpoint file: %w", err)).WithContext("%s", s.opts.Path)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		file.Close()
		os.Remove(tempPath)
		return errs.Storage(errs.OpCommit, fmt.Errorf("failed to encode checkpoint: %w", err)).WithContext("%s", s.opts.Path)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return errs.Storage(errs.OpCommit, fmt.Errorf("failed to sync checkpoint file: %w", err)).WithContext("%s", s.opts.Path)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return errs.Storage(errs.OpCommit, fmt.Errorf("failed to close checkpoint file: %w", err)).WithContext("%s", s.opts.Path)
	}

	if err := os.Rename(tempPath, s.opts.Path); err != nil {
		os.Remove(tempPath)
		return errs.Storage(errs.OpCommit, fmt.Errorf("failed to replace checkpoint file: %w", err)).WithContext("%s", s.opts.Path)
	}

	s.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"cursor": cp.LastCursor.String(),
		"pages":  cp.PagesCommitted,
		"seen":   len(cp.SeenIDs),
	})
	return nil
}

// Info summarizes the checkpoint at path for display. A missing file returns
// nil, nil.
func Info(path string) (map[string]interface{}, error) {
	cp, err := Read(path)
	if err != nil || cp == nil {
		return nil, err
	}
	return map[string]interface{}{
		"target":          cp.Target,
		"kind":            string(cp.Kind),
		"window":          cp.Window.String(),
		"last_cursor":     cp.LastCursor.String(),
		"oldest_seen":     cp.OldestSeen,
		"seen":            len(cp.SeenIDs),
		"pages_committed": cp.PagesCommitted,
		"complete":        cp.Complete,
		"updated_at":      cp.UpdatedAt,
		"age":             time.Since(cp.UpdatedAt),
	}, nil
}
