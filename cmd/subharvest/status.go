package main

import (
	"strings"

	"github.com/spf13/cobra"

	"subharvest/pkg/archive"
	"subharvest/pkg/checkpoint"
	"subharvest/pkg/crawler"
	"subharvest/pkg/models"
	"subharvest/pkg/storage"
	"subharvest/pkg/ui"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show crawl checkpoints for a subreddit or author",
	Long: `Show the checkpoint of every record kind crawled for <name>: the date
window, the cursor a resumed crawl would start from, how many records have
been seen and whether the crawl is complete. No network requests are made.`,
	Example: `  subharvest status SunoAI
  subharvest status some_user --author --output ./data`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("author", false, "treat <name> as a user instead of a subreddit")
	statusCmd.Flags().StringP("output", "o", "", "output directory the crawl wrote to")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), changedFlags(cmd.Flags(), "author", "output"))
	if err != nil {
		return reportError("Failed to load configuration", err)
	}
	defer a.Close()
	cfg := a.cfg

	target, err := archive.NewTarget(archive.TargetType(cfg.Source.TargetType), strings.TrimSpace(args[0]))
	if err != nil {
		return reportError("Invalid target", err)
	}
	ui.PrintInfo("Target", target.String())

	for _, kind := range []models.RecordKind{models.KindPost, models.KindComment} {
		path := crawler.CheckpointPath(cfg.Crawl.OutputDir, target, kind)
		info, err := checkpoint.Info(path)
		if err != nil {
			ui.PrintWarning("Unreadable checkpoint "+path, err)
			continue
		}
		if info != nil {
			stats, err := storage.ScanRecords(crawler.RecordPath(cfg.Crawl.OutputDir, target, kind), a.log, func(models.Record) error { return nil })
			if err == nil {
				info["records_on_disk"] = stats.Records
			}
		}
		ui.PrintCheckpointInfo(path, info)
	}
	return nil
}
