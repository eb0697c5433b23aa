package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyFiles bool
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [RUN-ID]",
		Short: "Show past scans",
		Long: `List recent scans with their outcome and repair counts, newest first. With a
run ID, show that scan in detail including every file that could not be
repaired.`,
		Example: `  gamescan history
  gamescan history --limit 5
  gamescan history 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  gamescan history 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --files`,
		Args: cobra.MaximumNArgs(1),
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 10, "maximum number of scans to list")
	cmd.Flags().BoolVar(&historyFiles, "files", false, "with a run ID, list every tracked file under the scanned directory")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	if len(args) == 1 {
		return historyShow(args[0])
	}

	runs, err := globalStore.ListScanRuns(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list scans: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No scans recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-16s  %8s  %8s  %6s  %10s\n",
		"ID", "STATUS", "STARTED", "VERIFIED", "REPAIRED", "FAILED", "DOWNLOADED")
	for _, run := range runs {
		fmt.Printf("%-36s  %-10s  %-16s  %8d  %8d  %6d  %10s\n",
			run.ID, run.Status, humanize.Time(run.StartTime),
			run.FilesVerified, run.FilesRepaired, run.FilesFailed,
			humanize.IBytes(uint64(run.BytesDownloaded)))
	}

	return nil
}

func historyShow(id string) error {
	run, err := globalStore.GetScanRun(id)
	if err != nil {
		return fmt.Errorf("failed to get scan: %w", err)
	}
	failures, err := globalStore.ListFileFailures(id)
	if err != nil {
		return fmt.Errorf("failed to list failures: %w", err)
	}

	fmt.Printf("Scan %s\n", run.ID)
	fmt.Printf("  Root:       %s\n", run.Root)
	fmt.Printf("  Catalog:    %s\n", run.CatalogSource)
	fmt.Printf("  Status:     %s\n", run.Status)
	if run.Reason != "" {
		fmt.Printf("  Reason:     %s (%s)\n", run.Reason, run.Message)
	}
	fmt.Printf("  Started:    %s (%s)\n", run.StartTime.Format(time.RFC3339), humanize.Time(run.StartTime))
	if !run.EndTime.IsZero() {
		fmt.Printf("  Duration:   %s\n", run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
	}
	fmt.Printf("  Files:      %s\n", humanize.Comma(int64(run.FilesTotal)))
	fmt.Printf("  Verified:   %s\n", humanize.Comma(int64(run.FilesVerified)))
	fmt.Printf("  Repaired:   %s\n", humanize.Comma(int64(run.FilesRepaired)))
	fmt.Printf("  Downloaded: %s\n", humanize.IBytes(uint64(run.BytesDownloaded)))

	tracked, err := globalStore.CountFileRecords(run.Root)
	if err != nil {
		return fmt.Errorf("failed to count tracked files: %w", err)
	}
	trackedSize, err := globalStore.SumFileSize(run.Root)
	if err != nil {
		return fmt.Errorf("failed to sum tracked files: %w", err)
	}
	fmt.Printf("  Tracked:    %s files, %s\n", humanize.Comma(int64(tracked)), humanize.IBytes(uint64(trackedSize)))

	if len(failures) > 0 {
		fmt.Println("  Failed files:")
		for _, f := range failures {
			fmt.Printf("    - %s: %s\n", f.Path, f.Error)
		}
	}

	if historyFiles {
		records, err := globalStore.ListFileRecords(run.Root)
		if err != nil {
			return fmt.Errorf("failed to list tracked files: %w", err)
		}
		fmt.Println("  Tracked files:")
		for _, rec := range records {
			repaired := "never repaired"
			if !rec.LastRepaired.IsZero() {
				repaired = "repaired " + humanize.Time(rec.LastRepaired)
			}
			fmt.Printf("    %-48s  %10s  verified %s, %s\n",
				rec.Path, humanize.IBytes(uint64(rec.Size)), humanize.Time(rec.LastVerified), repaired)
		}
	}

	return nil
}
