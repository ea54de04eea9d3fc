package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/acpbridge/internal/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated acpbridge.jsonc into --dir (default ~/.acpbridge/config)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := opts.dir
			if dir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("could not determine home directory: %w", err)
				}
				dir = filepath.Join(home, ".acpbridge", "config")
			}

			path, err := config.WriteTemplate(dir, force)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Wrote %s\n\n", path)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  1. Pick the agent under \"agent.name\" and make sure its CLI is on PATH")
			fmt.Fprintln(out, "  2. Try it locally:   acpbridge chat --dir "+dir)
			fmt.Fprintln(out, "  3. For Slack, set platform, slack.bot_token and slack.app_token, then run: acpbridge serve --dir "+dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
