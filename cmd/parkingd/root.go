package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/parkingd.yaml"

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "parkingd",
		Short:         "Parking reservation and occupancy reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(opts.debug)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newCheckCmd(opts))
	root.AddCommand(newAuditCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}
