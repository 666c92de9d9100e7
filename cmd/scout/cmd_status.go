package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/scout/internal/events"
)

func init() {
	rootCmd.AddCommand(statusCmd, eventsCmd)
	eventsCmd.Flags().StringSlice("type", nil, "only print events of these types")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the running engine has loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Status(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PLUGIN\tINSTANCE\tLOADED")
		for _, p := range status.Plugins {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.PluginID, p.InstanceID, humanize.Time(p.LoadedAt))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Println()
		connectors := make([]string, 0, len(status.Connectors))
		for _, c := range status.Connectors {
			connectors = append(connectors, c.ID)
		}
		providers := make([]string, 0, len(status.InferenceProviders))
		for _, p := range status.InferenceProviders {
			providers = append(providers, fmt.Sprintf("%s (%s)", p.ID, p.Label))
		}
		images := make([]string, 0, len(status.ImageProviders))
		for _, p := range status.ImageProviders {
			images = append(images, p.ID)
		}
		fmt.Printf("Connectors: %s\n", listOrNone(connectors))
		fmt.Printf("Inference:  %s\n", listOrNone(providers))
		fmt.Printf("Images:     %s\n", listOrNone(images))
		fmt.Printf("Tools:      %s\n", listOrNone(status.Tools))
		return nil
	},
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream engine events as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		types, _ := cmd.Flags().GetStringSlice("type")
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(os.Stdout)
		err := newClient().Events(ctx, func(ev events.Event) error {
			if len(filter) > 0 && !filter[ev.Type] {
				return nil
			}
			return enc.Encode(ev)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
