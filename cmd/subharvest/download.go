package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"subharvest/internal/downloader"
	"subharvest/pkg/fetcher"
	"subharvest/pkg/media"
	"subharvest/pkg/models"
	"subharvest/pkg/report"
	"subharvest/pkg/storage"
	"subharvest/pkg/ui"
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <posts.jsonl>",
	Short: "Download the songs linked from crawled posts",
	Long: `Read a posts file written by 'subharvest crawl' and download the song each
eligible post links to as <dest>/<post id>.mp3.

A post is eligible when it links to a configured media host and, unless the
flair list is empty, carries one of the listed flairs. Files already present
with the expected size or hash are skipped. Every download is written to a
temporary file and renamed into place, so an interrupted run never leaves a
partial song behind.

A JSON report of every candidate is written to --report (default
<dest>/download_report.json). Failed downloads do not change the exit code.`,
	Example: `  subharvest download r_SunoAI_posts.jsonl --dest ./songs
  subharvest download r_SunoAI_posts.jsonl --concurrent 8 --max 100
  subharvest download r_SunoAI_posts.jsonl --flair "Song" --flair "Meme Song"`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringP("dest", "d", "", "destination directory (default: songs)")
	downloadCmd.Flags().Int("concurrent", 0, "number of concurrent downloads (default: 4)")
	downloadCmd.Flags().StringSlice("flair", nil, "only download posts with this flair (repeatable)")
	downloadCmd.Flags().Int("max", 0, "download at most this many eligible posts, 0 for all")
	downloadCmd.Flags().Bool("force", false, "download again even when the file exists")
	downloadCmd.Flags().String("report", "", "report path (default: <dest>/download_report.json)")
}

// countCandidates counts eligible records up to limit, for the progress bar.
func countCandidates(path string, dl *media.Downloader, limit int) int {
	n := 0
	_, _ = storage.ScanRecords(path, nil, func(rec models.Record) error {
		if _, reason := dl.Eligible(rec); reason == "" {
			n++
		}
		if limit > 0 && n >= limit {
			return errStopCount
		}
		return nil
	})
	return n
}

var errStopCount = errors.New("enough candidates")

func runDownload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input := args[0]

	a, err := newApp(ctx, changedFlags(cmd.Flags(), "dest", "concurrent", "flair", "max", "force", "report"))
	if err != nil {
		return reportError("Failed to load configuration", err)
	}
	defer a.Close()
	cfg := a.cfg

	store, err := storage.NewManager(cfg.Download.DestDir, cfg.Media.Extension, cfg.Media.VideoExtension)
	if err != nil {
		return reportError("Failed to prepare destination", err)
	}
	ui.PrintInfo("Input", input)
	ui.PrintInfo("Destination", store.GetOutputDir())
	if n := store.GetDownloadedCount(); n > 0 {
		ui.PrintInfo("Already present", fmt.Sprintf("%d files", n))
	}

	calls := fetcher.New(nil, a.limiter, cfg.RateLimit, a.log, a.metrics)
	dl := media.NewDownloader(store, calls, media.Options{
		Media:      cfg.Media,
		Download:   cfg.Download,
		UserAgent:  cfg.Source.UserAgent,
		HTTPClient: &http.Client{},
		Logger:     a.log,
		Metrics:    a.metrics,
	})

	tracker := ui.NewStatusTracker(countCandidates(input, dl, cfg.Download.MaxItems))
	started := time.Now()
	batch, err := downloader.Run(ctx, input, dl, downloader.BatchOptions{
		Workers:  cfg.Download.ConcurrentDownloads,
		MaxItems: cfg.Download.MaxItems,
		OnResult: func(r downloader.Result) {
			tracker.Observe(r.Asset, !report.Ineligible(r.Asset))
			tracker.PrintProgress()
		},
	}, a.log)
	fmt.Fprintln(ui.Output())
	if err != nil {
		return reportError("Cannot read input", err)
	}

	rep := report.New(input, store.GetOutputDir(), batch.Assets, batch.Interrupted)
	rep.Duration = time.Since(started).Round(time.Millisecond).String()
	if err := rep.Save(cfg.ReportPath()); err != nil {
		a.log.WithError(err).Warn("Could not write download report")
		ui.PrintWarning("Could not write report", err)
	} else {
		ui.PrintInfo("Report", cfg.ReportPath())
	}

	for _, f := range rep.Failures() {
		ui.PrintWarning("Failed "+f.SourceRecordID, f.Error)
	}
	ui.PrintDownloadSummary(rep.Summary, batch.Interrupted)
	if batch.Scan.Skipped > 0 {
		ui.PrintWarning(fmt.Sprintf("Skipped %d undecodable lines in input", batch.Scan.Skipped))
	}
	return nil
}
