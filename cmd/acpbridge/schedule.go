package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/acpbridge/internal/audit"
	"github.com/HyphaGroup/acpbridge/internal/jobs"
	"github.com/HyphaGroup/acpbridge/internal/messaging/console"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
	"github.com/HyphaGroup/acpbridge/internal/validation"
)

const cliTimeLayout = "2006-01-02 15:04"

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules"},
		Short:   "Manage scheduled agent tasks",
	}
	cmd.AddCommand(
		newScheduleListCmd(opts),
		newScheduleCreateCmd(opts),
		newScheduleDeleteCmd(opts),
		newScheduleHistoryCmd(opts),
		newScheduleTriggerCmd(opts),
	)
	return cmd
}

// withApp loads config, opens the stores and runs fn
func withApp(opts *rootOptions, fn func(a *app) error) error {
	cfg, err := loadConfig(opts, "")
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newScheduleListCmd(opts *rootOptions) *cobra.Command {
	var typ, chat string
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app) error {
				filter := &schedule.ListFilter{Type: schedule.Type(typ), ChatID: chat}
				if typ != "" && !schedule.IsValidType(filter.Type) {
					return fmt.Errorf("invalid --type %q", typ)
				}
				if !all {
					enabled := true
					filter.Enabled = &enabled
				}
				schedules, err := a.schedules.List(filter)
				if err != nil {
					return err
				}
				return writeScheduleTable(cmd.OutOrStdout(), schedules)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "recurring, one_time or async_conversation")
	cmd.Flags().StringVar(&chat, "chat", "", "only schedules routed to this chat")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled schedules")
	return cmd
}

func writeScheduleTable(out io.Writer, schedules []*schedule.Schedule) error {
	if len(schedules) == 0 {
		_, err := fmt.Fprintln(out, "No schedules found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTRIGGER\tNEXT RUN\tCHAT\tLABEL")
	for _, s := range schedules {
		trigger := s.CronExpr
		if trigger == "" && s.RunAt != nil {
			trigger = s.RunAt.Format(cliTimeLayout)
		}
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.Format(cliTimeLayout)
		}
		if !s.Enabled {
			next = "disabled"
		}
		chat := s.Metadata.ChatID
		if chat == "" {
			chat = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, trigger, next, chat, s.Label())
	}
	return w.Flush()
}

func newScheduleCreateCmd(opts *rootOptions) *cobra.Command {
	var cronExpr, runAt, chat, description string
	var parallel bool

	cmd := &cobra.Command{
		Use:   "create <message>",
		Short: "Create a recurring (--cron) or one-time (--at) schedule",
		Example: `  acpbridge schedule create --cron "0 9 * * 1-5" "Summarize open pull requests"
  acpbridge schedule create --at 2h --chat C0123 "Check whether the deploy finished"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if err := validation.ValidateMessage(message); err != nil {
				return err
			}
			if (cronExpr == "") == (runAt == "") {
				return fmt.Errorf("exactly one of --cron or --at is required")
			}
			if chat != "" {
				if err := validation.ValidateChatID(chat); err != nil {
					return err
				}
			}

			return withApp(opts, func(a *app) error {
				s := &schedule.Schedule{
					Message:         message,
					Description:     description,
					Enabled:         true,
					OverlapBehavior: schedule.OverlapSkip,
					CreatedBy:       "cli",
					Metadata:        schedule.Metadata{ChatID: chat, Platform: a.cfg.Platform},
				}
				if parallel {
					s.OverlapBehavior = schedule.OverlapParallel
				}
				if cronExpr != "" {
					s.Type = schedule.TypeRecurring
					s.CronExpr = cronExpr
				} else {
					at, err := validation.ParseRunAt(runAt, time.Now())
					if err != nil {
						return err
					}
					s.Type = schedule.TypeOneTime
					s.RunAt = &at
				}

				err := a.schedules.Create(s)
				audit.Record(audit.OpScheduleCreate, "cli", s.ID, chat, err)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "✅ Created %s (%s)\n", s.ID, s.Type)
				if s.Type == schedule.TypeRecurring {
					runs, err := schedule.NextRuns(s.CronExpr, time.Now(), 3)
					if err == nil {
						for _, r := range runs {
							fmt.Fprintf(out, "   next: %s\n", r.Format(cliTimeLayout))
						}
					}
				} else {
					fmt.Fprintf(out, "   runs at: %s\n", s.RunAt.Format(cliTimeLayout))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&runAt, "at", "", "RFC 3339 time or a delay such as 30m")
	cmd.Flags().StringVar(&chat, "chat", "", "chat that receives results (default: the bound chat)")
	cmd.Flags().StringVar(&description, "description", "", "short label used in notifications")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "allow overlapping runs")
	return cmd
}

func newScheduleDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateScheduleID(args[0]); err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				err := a.schedules.Delete(args[0])
				audit.Record(audit.OpScheduleDelete, "cli", args[0], "", err)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Deleted %s\n", args[0])
				return err
			})
		},
	}
}

func newScheduleHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [schedule-id]",
		Short: "Show recent executions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
				if err := validation.ValidateScheduleID(id); err != nil {
					return err
				}
			}
			return withApp(opts, func(a *app) error {
				execs, err := a.schedules.ListExecutions(id, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(execs) == 0 {
					_, err := fmt.Fprintln(out, "No executions recorded.")
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCHEDULE\tTYPE\tAT\tSTATUS\tDURATION\tERROR")
				for _, e := range execs {
					d := (time.Duration(e.DurationMs) * time.Millisecond).Round(100 * time.Millisecond)
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.ScheduleID, e.Type, e.ExecutedAt.Format(cliTimeLayout), e.Status, d, e.Error)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of executions to show")
	return cmd
}

func newScheduleTriggerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <schedule-id>",
		Short: "Run a schedule now and deliver its result",
		Long: `Runs the schedule in this process with the configured agent and posts the result
to the schedule's chat. With the console platform the result is printed here.
Recurring schedules keep their next run; one-time schedules are consumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := validation.ValidateScheduleID(id); err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				platform, err := a.buildPlatform(cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					return err
				}
				launcher, _, err := a.buildLauncher()
				if err != nil {
					return err
				}

				defaultChat := a.cfg.Schedule.DefaultChatID
				if defaultChat == "" && platform.Name() == console.PlatformName {
					defaultChat = console.ChatID
				}
				jobRunner := jobs.NewRunner(jobs.Config{
					Agent:       launcher,
					Messaging:   platform,
					History:     a.history,
					DefaultChat: func() string { return defaultChat },
				})
				runner := schedule.NewRunner(a.schedules, jobRunner.Execute, schedule.RunnerConfig{})
				defer runner.Stop()

				_, err = runner.TriggerNow(cmd.Context(), id)
				audit.Record(audit.OpScheduleTrigger, "cli", id, "", err)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.ErrOrStderr(), "✅ %s finished\n", id)
				return err
			})
		},
	}
}
