package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/scout/internal/ipc"
)

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd, authListCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage plugin credentials",
}

var authSetCmd = &cobra.Command{
	Use:   "set <instance-id> <key> <value>",
	Short: "Store a credential for a plugin instance",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, key, value := args[0], args[1], args[2]
		err := newClient().SetAuth(cmd.Context(), id, key, value)
		if errors.Is(err, ipc.ErrNotRunning) {
			err = authStore(loadConfig()).Set(id, key, value)
		}
		if err != nil {
			return fmt.Errorf("set credential: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Stored %s.%s.\n", id, key)
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := authStore(loadConfig()).List()
		if err != nil {
			return fmt.Errorf("list credentials: %w", err)
		}
		if len(names) == 0 {
			fmt.Println("No credentials stored.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}
