package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/scout/internal/cron"
)

func init() {
	rootCmd.AddCommand(cronCmd)
	cronCmd.AddCommand(cronListCmd, cronRemoveCmd)
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect scheduled tasks",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := newClient().CronTasks(cmd.Context())
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks scheduled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCHEDULE\tONCE\tENABLED\tTARGET")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n",
				t.ID,
				describeSchedule(t),
				t.Once,
				t.IsEnabled(),
				describeTarget(t),
			)
		}
		return w.Flush()
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Cancel a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RemoveCronTask(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

func describeSchedule(t cron.Task) string {
	if t.Schedule != "" {
		return t.Schedule
	}
	return "every " + (time.Duration(t.EveryMs) * time.Millisecond).String()
}

func describeTarget(t cron.Task) string {
	if t.Action != "" {
		return "action " + t.Action
	}
	target := t.Source
	if t.ChannelID != "" {
		target += ":" + t.ChannelID
	}
	if target == "" {
		return "-"
	}
	return target
}
