package main

import (
	"fmt"

	"github.com/BadgerOps/gamescan/internal/config"
	"github.com/spf13/cobra"
)

func newLocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Find the game installation directory",
		Long: `Search the configured game.files_path, the working directory, the directory
of this program and the usual install locations for the game executable, and
print the first directory that contains it.`,
		Example: `  gamescan locate
  gamescan scan --path "$(gamescan locate)"`,
		Args: cobra.NoArgs,
		RunE: locateRun,
	}

	return cmd
}

func locateRun(cmd *cobra.Command, args []string) error {
	configured := ""
	if globalCfg != nil {
		configured = globalCfg.Game.FilesPath
	}

	dir, err := config.FindGameDirectory(config.GameDirectoryCandidates(configured))
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), dir)
	return nil
}
