package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/scout/internal/types"
)

func init() {
	rootCmd.AddCommand(toolCmd, memoryCmd)
	toolCmd.AddCommand(toolRunCmd)
	toolRunCmd.Flags().String("session", "", "session id the call is attributed to")
	memoryCmd.AddCommand(memorySearchCmd)
}

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Run tools outside a conversation",
}

var toolRunCmd = &cobra.Command{
	Use:   "run <name> [json-args]",
	Short: "Execute a registered tool",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("arguments must be a JSON object")
			}
			raw = json.RawMessage(args[1])
		}
		var mctx *types.MessageContext
		if session, _ := cmd.Flags().GetString("session"); session != "" {
			mctx = &types.MessageContext{ChannelID: session, SessionID: types.Ptr(session)}
		}

		res, err := newClient().ExecuteTool(cmd.Context(), args[0], raw, mctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, res.Result)
		for _, f := range res.Files {
			fmt.Fprintf(os.Stdout, "file: %s (%s, %s)\n", f.Path, f.MimeType, humanize.Bytes(uint64(f.Size)))
		}
		return nil
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Query the memory plugin",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search recorded memory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		results, err := newClient().MemorySearch(cmd.Context(), query)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, results)
		return nil
	},
}
