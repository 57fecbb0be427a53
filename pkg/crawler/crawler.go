// Package crawler drives a resumable crawl of one target: pages are fetched,
// deduplicated, appended and checkpointed strictly one after another.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"subharvest/pkg/archive"
	"subharvest/pkg/checkpoint"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/fetcher"
	"subharvest/pkg/logger"
	"subharvest/pkg/media"
	"subharvest/pkg/metrics"
	"subharvest/pkg/models"
	"subharvest/pkg/paginator"
	"subharvest/pkg/storage"
)

// Validator looks up target metadata before crawling.
type Validator interface {
	EarliestDate(ctx context.Context, target archive.Target) (time.Time, error)
	Info(ctx context.Context, target archive.Target) (archive.TargetInfo, error)
}

// Options describes one crawl run.
type Options struct {
	Target       archive.Target
	Kinds        []models.RecordKind
	StartDate    string
	EndDate      string
	OutputDir    string
	PageSize     int
	MaxPages     int
	ForceRestart bool
	MediaHosts   []string
}

// KindSummary reports the outcome for one record kind.
type KindSummary struct {
	Kind            models.RecordKind
	RecordPath      string
	CheckpointPath  string
	Window          models.CrawlWindow
	New             int
	Duplicates      int
	Pages           int
	OldestSeen      int64
	Complete        bool
	AlreadyComplete bool
}

// Summary reports a whole run.
type Summary struct {
	Target      archive.Target
	Info        archive.TargetInfo
	Earliest    time.Time
	Kinds       []KindSummary
	Interrupted bool
	Duration    time.Duration
}

// New returns the number of records written across kinds.
func (s Summary) New() int {
	n := 0
	for _, k := range s.Kinds {
		n += k.New
	}
	return n
}

// Duplicates returns the number of records skipped as already seen.
func (s Summary) Duplicates() int {
	n := 0
	for _, k := range s.Kinds {
		n += k.Duplicates
	}
	return n
}

// Crawler runs crawls. It holds no per-run state.
type Crawler struct {
	fetcher   *fetcher.Fetcher
	validator Validator
	logger    logger.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// New creates a crawler. Listing pages and validation calls both go through f.
func New(f *fetcher.Fetcher, v Validator, log logger.Logger, rec metrics.Recorder) *Crawler {
	return &Crawler{
		fetcher:   f,
		validator: v,
		logger:    logger.OrGlobal(log).WithField("component", "crawler"),
		metrics:   metrics.OrNop(rec),
		now:       time.Now,
	}
}

// RecordPath returns the JSON-lines file for a target and kind.
func RecordPath(outputDir string, target archive.Target, kind models.RecordKind) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s.jsonl", target.FilePrefix(), archive.KindFile(kind)))
}

// CheckpointPath returns the checkpoint file for a target and kind.
func CheckpointPath(outputDir string, target archive.Target, kind models.RecordKind) string {
	return filepath.Join(outputDir, checkpoint.FileName(target.FilePrefix(), kind))
}

// Validate confirms the target exists and returns its earliest date and,
// when available, its approximate size.
func (c *Crawler) Validate(ctx context.Context, target archive.Target) (time.Time, archive.TargetInfo, error) {
	var earliest time.Time
	err := c.fetcher.Call(ctx, errs.OpValidate, func(ctx context.Context) error {
		t, err := c.validator.EarliestDate(ctx, target)
		earliest = t
		return err
	})
	if err != nil {
		return time.Time{}, archive.TargetInfo{}, err
	}

	var info archive.TargetInfo
	err = c.fetcher.Call(ctx, errs.OpValidate, func(ctx context.Context) error {
		i, err := c.validator.Info(ctx, target)
		info = i
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return time.Time{}, archive.TargetInfo{}, ctx.Err()
		}
		c.logger.WithError(err).Warn("Could not look up approximate counts")
		info = archive.TargetInfo{}
	} else {
		c.logger.InfoWithFields("Found target", map[string]interface{}{
			"target":       target.String(),
			"earliest":     earliest.Format(DateLayout),
			"num_posts":    info.NumPosts,
			"num_comments": info.NumComments,
		})
	}
	return earliest, info, nil
}

// Run crawls every requested kind in turn. It returns the summary gathered so
// far together with any fatal error. Cancellation is not an error: the run
// stops after the page in progress has been committed.
func (c *Crawler) Run(ctx context.Context, opts Options) (summary Summary, err error) {
	started := c.now()
	summary.Target = opts.Target
	defer func() { summary.Duration = c.now().Sub(started) }()

	logger.LogComponentStart(c.logger, "crawler", map[string]interface{}{
		"target":     opts.Target.String(),
		"kinds":      opts.Kinds,
		"output_dir": opts.OutputDir,
		"start_date": opts.StartDate,
		"end_date":   opts.EndDate,
	})

	earliest, info, err := c.Validate(ctx, opts.Target)
	summary.Earliest, summary.Info = earliest, info
	if err != nil {
		if ctx.Err() != nil {
			summary.Interrupted = true
			return summary, nil
		}
		return summary, err
	}
	window, err := Window(opts.StartDate, opts.EndDate, earliest, c.now())
	if err != nil {
		return summary, err
	}

	for _, kind := range opts.Kinds {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		ks, err := c.runKind(ctx, opts, kind, window)
		summary.Kinds = append(summary.Kinds, ks)
		if err != nil {
			return summary, err
		}
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
	}

	reason := "completed"
	if summary.Interrupted {
		reason = "interrupted"
	}
	logger.LogComponentStop(c.logger, "crawler", reason)
	return summary, nil
}

// resumable marks a fatal error as safe to resume from the last checkpoint.
func resumable(err error) error {
	e, ok := errs.As(err)
	if !ok || e.Class != errs.Fatal {
		return err
	}
	cp := *e
	cp.Resumable = true
	return &cp
}

func (c *Crawler) runKind(ctx context.Context, opts Options, kind models.RecordKind, window models.CrawlWindow) (KindSummary, error) {
	ks := KindSummary{
		Kind:           kind,
		RecordPath:     RecordPath(opts.OutputDir, opts.Target, kind),
		CheckpointPath: CheckpointPath(opts.OutputDir, opts.Target, kind),
	}
	log := c.logger.WithField("kind", string(kind))

	// An open-ended run resumes the window its interrupted predecessor used.
	if opts.EndDate == "" && !opts.ForceRestart {
		prev, err := checkpoint.Read(ks.CheckpointPath)
		if err == nil && prev != nil && !prev.Complete && prev.Window.Start == window.Start && prev.Window.End >= window.Start {
			window.End = prev.Window.End
		}
	}
	ks.Window = window

	store := checkpoint.NewStore(checkpoint.Options{
		Path:       ks.CheckpointPath,
		RecordPath: ks.RecordPath,
		Target:     opts.Target.String(),
		Kind:       kind,
		Window:     window,
	}, log)
	if opts.ForceRestart {
		if err := store.Reset(); err != nil {
			return ks, err
		}
	}
	cp, err := store.Load()
	if err != nil {
		return ks, err
	}
	ks.OldestSeen = cp.OldestSeen
	if cp.Complete {
		log.InfoWithFields("Already complete, nothing to do", map[string]interface{}{
			"window": window.String(),
		})
		ks.Complete, ks.AlreadyComplete = true, true
		return ks, nil
	}

	writer, err := storage.OpenRecordWriter(ks.RecordPath)
	if err != nil {
		return ks, err
	}
	defer writer.Close()
	if n := writer.Repaired(); n > 0 {
		log.WarnWithFields("Dropped partial final line", map[string]interface{}{
			"file":  ks.RecordPath,
			"bytes": n,
		})
	}

	p := paginator.New(c.fetcher, paginator.Config{
		Target:   opts.Target,
		Kind:     kind,
		Window:   window,
		PageSize: opts.PageSize,
		MaxPages: opts.MaxPages,
	}, cp.LastCursor)

	log.InfoWithFields("Crawling", map[string]interface{}{
		"window": window.String(),
		"cursor": cp.LastCursor.String(),
	})

	committed := cp.LastCursor
	for {
		if ctx.Err() != nil {
			break
		}

		page, more, err := p.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				break
			}
			return ks, resumable(err)
		}
		if page == nil {
			break
		}

		admitted, dups := 0, 0
		var oldest int64
		for _, item := range page.Items {
			if !store.Admit(item) {
				dups++
				continue
			}
			if oldest == 0 || item.CreatedAt < oldest {
				oldest = item.CreatedAt
			}
			if kind == models.KindPost && item.MediaRef == "" {
				item.MediaRef = media.ExtractRef(item.Payload, opts.MediaHosts)
			}
			if err := writer.Append(item); err != nil {
				return ks, resumable(err)
			}
			admitted++
		}

		// records must be durable before the checkpoint moves past them
		if err := writer.Sync(); err != nil {
			return ks, resumable(err)
		}
		if cursor := p.Cursor(); !cursor.Equal(committed) {
			if err := store.Commit(cursor, oldest); err != nil {
				return ks, resumable(err)
			}
			committed = cursor
		}

		ks.New += admitted
		ks.Duplicates += dups
		ks.Pages++
		if oldest != 0 && (ks.OldestSeen == 0 || oldest < ks.OldestSeen) {
			ks.OldestSeen = oldest
		}
		c.metrics.RecordPage(string(kind), admitted, dups)
		logger.LogPage(log, string(kind), ks.Pages, admitted, dups, oldest)

		if !more {
			break
		}
	}

	if p.Complete() {
		if err := store.Finish(); err != nil {
			return ks, resumable(err)
		}
		ks.Complete = true
	}

	log.InfoWithFields("Crawl finished", map[string]interface{}{
		"new":        ks.New,
		"duplicates": ks.Duplicates,
		"pages":      ks.Pages,
		"complete":   ks.Complete,
	})
	return ks, nil
}
