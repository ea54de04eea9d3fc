package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/acpbridge/internal/config"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and restore the schedule and history stores",
	}
	cmd.AddCommand(
		newBackupCreateCmd(opts),
		newBackupListCmd(opts),
		newBackupRestoreCmd(opts),
	)
	return cmd
}

func newBackupCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Write a snapshot now (safe while the bridge is running)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app) error {
				mgr, err := a.backupManager()
				if err != nil {
					return err
				}
				snap, err := mgr.Create(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "📦 %s (%d bytes): %s\n",
					snap.Filename, snap.SizeBytes, strings.Join(snap.Files, ", "))
				return err
			})
		},
	}
}

func newBackupListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app) error {
				mgr, err := a.backupManager()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					data, err := mgr.ExportManifest()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(data))
					return err
				}

				snaps, err := mgr.ListSnapshots()
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					_, err := fmt.Fprintf(out, "No snapshots in %s\n", mgr.Dir())
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FILE\tTAKEN\tSIZE")
				for _, s := range snaps {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.Filename, s.Timestamp.Format(cliTimeLayout), s.SizeBytes)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the manifest as JSON")
	return cmd
}

func newBackupRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the stores with a snapshot (the bridge must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, "")
			if err != nil {
				return err
			}

			lock, err := config.AcquireInstanceLock(cfg.DataPath())
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			mgr, err := a.backupManager()
			a.Close()
			if err != nil {
				return err
			}

			restored, err := mgr.Restore(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "✅ Restored %s from %s\n", strings.Join(restored, ", "), args[0])
			return err
		},
	}
}
