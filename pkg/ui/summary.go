package ui

import (
	"fmt"
	"sort"
	"time"

	"subharvest/pkg/crawler"
	"subharvest/pkg/report"
)

// ShortNumber renders counts as 950, 1.2k or 3.4M.
func ShortNumber(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// ShortBytes renders a byte count in binary units.
func ShortBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// PrintCrawlSummary prints per-kind results of a crawl.
func PrintCrawlSummary(s crawler.Summary) {
	fmt.Fprintln(out)
	PrintHighlight("Crawl summary for " + s.Target.String())
	if !s.Earliest.IsZero() {
		PrintInfo("Earliest activity", s.Earliest.UTC().Format(crawler.DateLayout))
	}
	if s.Info.NumPosts > 0 || s.Info.NumComments > 0 {
		PrintInfo("Approximate size", fmt.Sprintf("%s posts, %s comments", ShortNumber(s.Info.NumPosts), ShortNumber(s.Info.NumComments)))
	}
	for _, k := range s.Kinds {
		state := "incomplete"
		switch {
		case k.AlreadyComplete:
			state = "already complete"
		case k.Complete:
			state = "complete"
		}
		fmt.Fprintf(out, "  %-8s %s new, %s duplicates, %d pages, %s\n",
			k.Kind, ShortNumber(int64(k.New)), ShortNumber(int64(k.Duplicates)), k.Pages, state)
		fmt.Fprintf(out, "  %-8s %s\n", "", Dim(k.RecordPath))
	}
	PrintInfo("Total new records", fmt.Sprintf("%d", s.New()))
	PrintInfo("Duplicates skipped", fmt.Sprintf("%d", s.Duplicates()))
	PrintInfo("Elapsed", s.Duration.Round(time.Millisecond).String())
	if s.Interrupted {
		PrintWarning("Interrupted; rerun the same command to resume")
	}
}

// PrintDownloadSummary prints outcome counts with percentages of the
// eligible records.
func PrintDownloadSummary(s report.Summary, interrupted bool) {
	fmt.Fprintln(out)
	PrintHighlight("Download summary")
	if s.Eligible == 0 {
		fmt.Fprintf(out, "No files were processed (%d records, none eligible).\n", s.Records)
		return
	}
	fmt.Fprintf(out, "Total files processed: %d\n", s.Eligible)
	fmt.Fprintln(out, Green(fmt.Sprintf("Successfully downloaded: %d (%.1f%%)", s.Downloaded, s.Percent(s.Downloaded))))
	fmt.Fprintln(out, Red(fmt.Sprintf("Failed: %d (%.1f%%)", s.Failed, s.Percent(s.Failed))))
	fmt.Fprintf(out, "Skipped (already exists): %d (%.1f%%)\n", s.Existing, s.Percent(s.Existing))
	if s.Pending > 0 {
		fmt.Fprintln(out, Yellow(fmt.Sprintf("Not finished: %d (%.1f%%)", s.Pending, s.Percent(s.Pending))))
	}
	fmt.Fprintf(out, "Downloaded bytes: %s\n", ShortBytes(s.Bytes))
	if interrupted {
		PrintWarning("Interrupted; rerun to continue, finished files are skipped")
	}
}

// PrintCheckpointInfo prints a checkpoint's fields in a stable order.
func PrintCheckpointInfo(path string, info map[string]interface{}) {
	PrintHighlight(path)
	if info == nil {
		fmt.Fprintln(out, "  no checkpoint")
		return
	}
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := info[k]
		switch t := v.(type) {
		case time.Duration:
			v = t.Round(time.Second)
		case time.Time:
			v = t.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "  %-16s %v\n", k, v)
	}
}
