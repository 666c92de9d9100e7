package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/scout/internal/session"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().Sessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STORAGE ID\tSESSION\tSOURCE\tUPDATED\tLAST MESSAGE")
		for _, s := range list {
			last := ""
			if s.LastMessage != nil {
				last = truncate(*s.LastMessage, 60)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.StorageID,
				s.SessionID,
				s.Source,
				humanize.Time(s.UpdatedAt),
				last,
			)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <storage-id>",
	Short: "Print a session log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newClient().SessionEntries(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		for _, e := range entries {
			printEntry(e)
		}
		return nil
	},
}

func printEntry(e session.Entry) {
	at := firstTime(e.ReceivedAt, e.SentAt, e.CreatedAt, e.UpdatedAt)
	stamp := ""
	if !at.IsZero() {
		stamp = at.Local().Format("2006-01-02 15:04:05")
	}
	switch e.Type {
	case session.EntryIncoming:
		fmt.Printf("%s  > %s%s\n", stamp, textOf(e.Text), filesOf(e))
	case session.EntryOutgoing:
		fmt.Printf("%s  < %s%s\n", stamp, textOf(e.Text), filesOf(e))
	case session.EntrySessionCreated:
		fmt.Printf("%s  session %s created (source %s)\n", stamp, e.SessionID, e.Source)
	case session.EntryState:
		fmt.Printf("%s  state updated (%s)\n", stamp, humanize.Bytes(uint64(len(e.State))))
	default:
		fmt.Printf("%s  %s\n", stamp, e.Type)
	}
}

func firstTime(times ...*time.Time) time.Time {
	for _, t := range times {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return time.Time{}
}

func textOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func filesOf(e session.Entry) string {
	if len(e.Files) == 0 {
		return ""
	}
	names := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		names = append(names, fmt.Sprintf("%s (%s)", f.Name, humanize.Bytes(uint64(f.Size))))
	}
	return " [files: " + strings.Join(names, ", ") + "]"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
