package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BadgerOps/gamescan/internal/config"
	"github.com/spf13/cobra"
)

var configInitForce bool

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage gamescan configuration. Subcommands allow viewing the effective
configuration and writing a default config file.`,
		Example: `  gamescan config show
  gamescan config init
  gamescan config init --config ~/.config/gamescan/gamescan.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied.`,
		Example: `  gamescan config show
  gamescan config show --config /etc/gamescan/gamescan.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Info("showing configuration", "path", cfgPath)

	data, err := globalCfg.Marshal()
	if err != nil {
		return err
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write the default configuration to gamescan.yaml in the working directory,
or to the path given with --config. An existing file is left untouched unless
--force is set.`,
		Example: `  gamescan config init
  gamescan config init --force`,
		Args: cobra.NoArgs,
		RunE: configInitRun,
	}

	cmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	target := "gamescan.yaml"
	if f := cmd.Flag("config"); f != nil && f.Changed {
		target = f.Value.String()
	}

	if _, err := os.Stat(target); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", target)
	}

	cfg := config.DefaultConfig()
	if dir, err := config.FindGameDirectory(config.GameDirectoryCandidates("")); err == nil {
		cfg.Game.FilesPath = dir
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", target)
	return nil
}
