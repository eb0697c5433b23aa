package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BadgerOps/gamescan/internal/config"
	"github.com/BadgerOps/gamescan/internal/engine"
	"github.com/BadgerOps/gamescan/internal/mirror"
	"github.com/BadgerOps/gamescan/internal/report"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	scanPath        string
	scanCatalog     string
	scanBaseURL     string
	scanStopOnError bool
	scanVerbose     bool
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Verify game files and repair the ones that are missing or corrupted",
		Long: `Verify every file listed in the catalog against its expected size and digest,
and download a fresh copy of each file that is missing or corrupted.

The game directory comes from --path, then game.files_path in the config, then
a search of the usual install locations for Spartan.exe. Press Ctrl-C to stop
the scan after the current chunk; files already repaired stay repaired.`,
		Example: `  gamescan scan
  gamescan scan --path "/games/Age of Empires Online"
  gamescan scan --catalog ./catalog.yaml --base-url https://cdn.example.com/files/
  gamescan scan --stop-on-error --verbose`,
		RunE: scanRun,
	}

	cmd.Flags().StringVar(&scanPath, "path", "", "game installation directory")
	cmd.Flags().StringVar(&scanCatalog, "catalog", "", "catalog file or URL (overrides game.catalog)")
	cmd.Flags().StringVar(&scanBaseURL, "base-url", "", "base URL for relative repair sources (overrides game.base_url)")
	cmd.Flags().BoolVar(&scanStopOnError, "stop-on-error", false, "stop at the first file that cannot be repaired")
	cmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "also print debug entries for every verified file")

	return cmd
}

// applyScanFlags folds scan flag overrides into cfg before components are built.
func applyScanFlags(cfg *config.Config) {
	if scanCatalog != "" {
		cfg.Game.Catalog = scanCatalog
	}
	if scanBaseURL != "" {
		cfg.Game.BaseURL = scanBaseURL
	}
	if scanStopOnError {
		cfg.Scan.StopOnFirstError = true
	}
}

// resolveGamePath picks the directory to scan.
func resolveGamePath(cfg *config.Config) (string, error) {
	if scanPath != "" {
		return scanPath, nil
	}
	if cfg.Game.FilesPath != "" {
		return cfg.Game.FilesPath, nil
	}
	dir, err := config.FindGameDirectory(config.GameDirectoryCandidates(""))
	if err != nil {
		return "", fmt.Errorf("game directory not found, use --path or set game.files_path: %w", err)
	}
	return dir, nil
}

// selectMirror points relative repair sources at the best configured mirror.
// An explicit --base-url always wins.
func selectMirror(ctx context.Context, cfg *config.Config) {
	if scanBaseURL != "" || len(cfg.Game.Mirrors) == 0 || globalLoader == nil {
		return
	}
	candidates := mirrorCandidates(cfg)
	best, err := mirror.NewSelector(nil, logger).Best(ctx, candidates, cfg.Game.MirrorProbe)
	if err != nil {
		logger.Warn("mirror selection failed, using catalog base URL", "error", err)
		return
	}
	globalLoader.SetBaseURL(best)
}

// mirrorCandidates lists game.base_url followed by the configured mirrors.
func mirrorCandidates(cfg *config.Config) []string {
	var urls []string
	if cfg.Game.BaseURL != "" {
		urls = append(urls, cfg.Game.BaseURL)
	}
	for _, m := range cfg.Game.Mirrors {
		if m != "" && m != cfg.Game.BaseURL {
			urls = append(urls, m)
		}
	}
	return urls
}

func scanRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if globalEngine == nil {
		return fmt.Errorf("scan engine not initialized")
	}

	root, err := resolveGamePath(globalCfg)
	if err != nil {
		return err
	}

	logger.Info("scan operation", "root", root, "catalog", globalCfg.Game.Catalog)

	selectMirror(context.Background(), globalCfg)

	// Ctrl-C asks the session to stop; a second one falls through to the default handler.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigChan:
		case <-finished:
			return
		}
		if globalEngine.RequestCancel() {
			fmt.Fprintln(os.Stderr, "\nCancelling scan...")
		}
		signal.Stop(sigChan)
	}()

	printer := newProgressPrinter(os.Stdout, scanVerbose, quiet)
	outcome, err := globalEngine.StartScan(context.Background(), root, printer.observe)
	if errors.Is(err, engine.ErrSessionActive) {
		return fmt.Errorf("another scan is already running")
	}
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printSummary(os.Stdout, outcome)

	return outcomeError(outcome)
}

// outcomeError maps a finished session to the command's exit status.
func outcomeError(o *engine.Outcome) error {
	switch {
	case o.Status == engine.OutcomeFailed:
		return fmt.Errorf("scan failed: %s", o.Message)
	case o.Status == engine.OutcomeCancelled:
		return fmt.Errorf("scan cancelled")
	case len(o.Failures) > 0:
		return fmt.Errorf("scan completed with %d failures", len(o.Failures))
	}
	return nil
}

// progressPrinter renders snapshots as log lines plus a throttled status line.
type progressPrinter struct {
	w        io.Writer
	verbose  bool
	quiet    bool
	interval time.Duration
	last     time.Time
}

func newProgressPrinter(w io.Writer, verbose, quiet bool) *progressPrinter {
	return &progressPrinter{w: w, verbose: verbose, quiet: quiet, interval: time.Second}
}

func (p *progressPrinter) observe(s engine.ScanProgress) {
	if entry := s.Log; entry != nil {
		if p.quiet && entry.Level < engine.LevelError {
			return
		}
		if !p.verbose && !report.Visible(entry.Level) {
			return
		}
		fmt.Fprintf(p.w, "%-5s %s\n", entry.Level, entry.Message)
		return
	}

	if p.quiet || s.Download == nil {
		return
	}
	now := time.Now()
	done := s.Download.BytesReceived >= s.Download.TotalBytes
	if !done && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	fmt.Fprintln(p.w, "      "+report.Line(s))
}

func printSummary(w io.Writer, o *engine.Outcome) {
	fmt.Fprintln(w, "\n=== SCAN SUMMARY ===")
	fmt.Fprintf(w, "Status:      %s\n", o.Status)
	if o.Reason != "" {
		fmt.Fprintf(w, "Reason:      %s (%s)\n", o.Reason, o.Message)
	}
	fmt.Fprintf(w, "Files:       %d\n", o.TotalFiles)
	fmt.Fprintf(w, "Verified OK: %d\n", o.FilesVerifiedOk)
	fmt.Fprintf(w, "Repaired:    %d\n", o.FilesRepaired)
	fmt.Fprintf(w, "Failed:      %d\n", len(o.Failures))
	fmt.Fprintf(w, "Downloaded:  %s\n", humanize.IBytes(uint64(o.BytesDownloaded)))
	fmt.Fprintf(w, "Duration:    %s\n", o.EndTime.Sub(o.StartTime).Round(time.Millisecond))

	if len(o.Failures) > 0 {
		fmt.Fprintln(w, "Failed files:")
		for _, f := range o.Failures {
			fmt.Fprintf(w, "  - %s: %s\n", f.Path, f.Reason)
		}
	}
}
