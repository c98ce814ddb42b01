package main

import (
	"github.com/spf13/cobra"
)

const (
	serviceName    = "agenthub"
	serviceVersion = "0.1.0"
)

// newRootCommand builds the agenthub command tree: serve, migrate, version.
func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "agenthub",
		Short: "Local-first agent runtime server",
		Long:  "agenthub runs a local-first agent runtime: action queue, event bus, context assembly, and egress policy behind one HTTP process.",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (optional; env ARW_* always applies)")

	root.AddCommand(
		newServeCommand(&configFile),
		newMigrateCommand(&configFile),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("%s version %s\n", serviceName, serviceVersion)
			return nil
		},
	}
}
