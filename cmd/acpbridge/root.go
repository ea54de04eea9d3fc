package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	dir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "acpbridge",
		Short: "Bridge a chat platform to an ACP coding agent",
		Long: `acpbridge relays chat messages to a coding agent over the Agent Client Protocol,
streams replies back as live-edited messages, and runs scheduled agent tasks.

Config precedence:
  1. --dir flag
  2. ACPBRIDGE_HOME env var
  3. ./config/acpbridge.jsonc
  4. ~/.acpbridge/config/acpbridge.jsonc`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "directory containing acpbridge.jsonc")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newInitCmd(opts),
		newScheduleCmd(opts),
		newBackupCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "acpbridge %s\n", Version)
			return err
		},
	}
}
