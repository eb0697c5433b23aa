package main

import (
	"context"
	"fmt"

	"github.com/BadgerOps/gamescan/internal/mirror"
	"github.com/spf13/cobra"
)

func newMirrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirrors",
		Short: "Rank the configured repair mirrors",
		Long: `Probe game.base_url and every entry of game.mirrors, then print them best
first. When game.mirror_probe is set, the probe file is also sampled to
measure throughput; otherwise mirrors are ordered by latency.`,
		Args: cobra.NoArgs,
		RunE: mirrorsRun,
	}
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	candidates := mirrorCandidates(globalCfg)
	out := cmd.OutOrStdout()
	if len(candidates) == 0 {
		fmt.Fprintln(out, "No mirrors configured. Set game.base_url or game.mirrors.")
		return nil
	}

	results := mirror.NewSelector(nil, logger).Rank(context.Background(), candidates, globalCfg.Game.MirrorProbe)

	fmt.Fprintf(out, "%-4s  %-48s  %8s  %12s  %s\n", "RANK", "MIRROR", "LATENCY", "THROUGHPUT", "STATUS")
	for i, r := range results {
		status := "ok"
		if r.Error != "" {
			status = r.Error
		}
		throughput := "-"
		if r.ThroughputKBps > 0 {
			throughput = fmt.Sprintf("%.1f KB/s", r.ThroughputKBps)
		}
		fmt.Fprintf(out, "%-4d  %-48s  %6dms  %12s  %s\n", i+1, r.BaseURL, r.LatencyMs, throughput, status)
	}
	return nil
}
